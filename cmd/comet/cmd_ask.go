package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cometnerd/internal/assistant"
	"cometnerd/internal/history"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	askTimeout  time.Duration
	askNewConvo bool
	askAgentic  bool
	askPlain    bool
)

var askCmd = &cobra.Command{
	Use:   "ask [prompt...]",
	Short: "Submit a prompt and wait for the answer",
	Long: `Submits the prompt into the assistant page, polls the task until it
completes or the timeout passes, and prints the answer. A timed-out run
prints the step log collected so far; polling can be resumed with
'comet status'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().DurationVar(&askTimeout, "timeout", 0, "per-run deadline (default from config)")
	askCmd.Flags().BoolVar(&askNewConvo, "new", false, "start a new conversation first")
	askCmd.Flags().BoolVar(&askAgentic, "agentic", false, "switch to agentic mode first")
	askCmd.Flags().BoolVar(&askPlain, "plain", false, "print the raw answer without markdown rendering")
}

func runAsk(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.close()

	prompt := strings.Join(args, " ")
	asked := time.Now()
	res, err := s.assistant.Ask(context.Background(), prompt, assistant.AskOptions{
		Timeout:         askTimeout,
		NewConversation: askNewConvo,
		Agentic:         askAgentic,
	})
	if err != nil {
		return err
	}

	recordHistory(s, prompt, asked, res)

	if res.TimedOut {
		fmt.Printf("Timed out after %s.\n", res.Elapsed.Round(time.Second))
		printSteps(res.Steps)
		fmt.Println("\nThe task may still be running; check it with 'comet status'.")
		return nil
	}

	if res.Answer == "" {
		fmt.Println("Task completed but no answer text could be extracted.")
		printSteps(res.Steps)
		return nil
	}
	printAnswer(res.Answer)
	return nil
}

func printAnswer(answer string) {
	if !askPlain {
		if rendered, err := glamour.Render(answer, "auto"); err == nil {
			fmt.Print(rendered)
			return
		}
	}
	fmt.Println(answer)
}

func printSteps(steps []string) {
	if len(steps) == 0 {
		return
	}
	fmt.Println("Steps observed:")
	for _, step := range steps {
		fmt.Printf("  - %s\n", step)
	}
}

// recordHistory archives the finished run; failures only log.
func recordHistory(s *session, prompt string, asked time.Time, res *assistant.Result) {
	store, err := history.Open(s.cfg.History.Path)
	if err != nil {
		logger.Warn("history unavailable", zap.Error(err))
		return
	}
	defer store.Close()
	err = store.Record(history.Record{
		ID:       res.RunID,
		AskedAt:  asked,
		Prompt:   prompt,
		Answer:   res.Answer,
		TimedOut: res.TimedOut,
		Elapsed:  res.Elapsed,
		Steps:    res.Steps,
	})
	if err != nil {
		logger.Warn("failed to record history", zap.Error(err))
	}
}

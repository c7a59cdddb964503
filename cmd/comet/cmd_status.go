package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"cometnerd/internal/status"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	statusJSON    bool
	screenshotOut string
	screenshotTab bool
)

var (
	workingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	idleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	stepStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
)

func renderState(s status.State) string {
	switch s {
	case status.Working:
		return workingStyle.Render("working")
	case status.Completed:
		return completedStyle.Render("completed")
	default:
		return idleStyle.Render("idle")
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Poll the current task status once",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		ctx := context.Background()
		if err := s.assistant.Connect(ctx); err != nil {
			return err
		}
		ts, err := s.assistant.PollStatus(ctx)
		if err != nil {
			return err
		}

		if statusJSON {
			return json.NewEncoder(os.Stdout).Encode(ts)
		}
		fmt.Printf("State: %s\n", renderState(ts.State))
		if ts.CurrentStep != "" {
			fmt.Printf("Current step: %s\n", stepStyle.Render(ts.CurrentStep))
		}
		for _, step := range ts.Steps {
			fmt.Printf("  - %s\n", step)
		}
		if ts.AgentURL != "" {
			fmt.Printf("Agent tab: %s\n", ts.AgentURL)
		}
		if ts.Response != "" {
			fmt.Println()
			printAnswer(ts.Response)
		}
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the running task to halt",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		ctx := context.Background()
		if err := s.assistant.Connect(ctx); err != nil {
			return err
		}
		stopped, err := s.assistant.Stop(ctx)
		if err != nil {
			return err
		}
		if stopped {
			fmt.Println("Stop requested.")
		} else {
			fmt.Println("No running task to stop.")
		}
		return nil
	},
}

var screenshotCmd = &cobra.Command{
	Use:   "screenshot",
	Short: "Capture the main tab, or the agent-browsing tab with --agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		ctx := context.Background()
		if err := s.assistant.Connect(ctx); err != nil {
			return err
		}
		img, err := s.assistant.Screenshot(ctx, screenshotTab)
		if err != nil {
			return err
		}
		if err := os.WriteFile(screenshotOut, img, 0o644); err != nil {
			return fmt.Errorf("failed to write screenshot: %w", err)
		}
		fmt.Printf("Wrote %s (%d bytes)\n", screenshotOut, len(img))
		return nil
	},
}

var modeCmd = &cobra.Command{
	Use:   "mode [mode]",
	Short: "Show the assistant mode, or switch it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		ctx := context.Background()
		if err := s.assistant.Connect(ctx); err != nil {
			return err
		}
		want := ""
		if len(args) == 1 {
			want = args[0]
		}
		mode, err := s.assistant.Mode(ctx, want)
		if err != nil {
			return err
		}
		fmt.Printf("Mode: %s\n", mode)
		return nil
	},
}

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List open tabs and their classified roles",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		ctx := context.Background()
		if _, err := s.manager.EnsureRunning(ctx); err != nil {
			return err
		}
		targets, err := s.manager.ListTargets(ctx)
		if err != nil {
			return err
		}
		cls := s.manager.Classify(targets)

		for _, t := range targets {
			role := ""
			switch {
			case cls.Main != nil && t.ID == cls.Main.ID:
				role = completedStyle.Render(" [main]")
			case cls.AgentBrowsing != nil && t.ID == cls.AgentBrowsing.ID:
				role = workingStyle.Render(" [agent]")
			}
			fmt.Printf("%-12s %-8s %s%s\n", t.ID, t.Type, t.URL, role)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit JSON")
	screenshotCmd.Flags().StringVarP(&screenshotOut, "out", "o", "comet.png", "output file")
	screenshotCmd.Flags().BoolVar(&screenshotTab, "agent", false, "capture the agent-browsing tab")
}

package main

import (
	"context"
	"fmt"
	"time"

	"cometnerd/internal/assistant"
	"cometnerd/internal/status"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

// comet watch attaches to whatever task is running right now and streams
// its status live. No run object is involved; each tick is one stateless
// poll of the classifier.

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the current task live",
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

		sp := spinner.New()
		sp.Spinner = spinner.Dot
		m := watchModel{
			assistant: s.assistant,
			interval:  s.cfg.AssistantConfig().PollInterval,
			spinner:   sp,
		}
		final, err := tea.NewProgram(m).Run()
		if err != nil {
			return err
		}
		if fm, ok := final.(watchModel); ok && fm.answer != "" {
			printAnswer(fm.answer)
		}
		return nil
	},
}

type statusMsg struct {
	ts  *assistant.TaskStatus
	err error
}

type watchModel struct {
	assistant *assistant.Assistant
	interval  time.Duration
	spinner   spinner.Model

	ts     *assistant.TaskStatus
	answer string
	err    error
}

func (m watchModel) pollCmd() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg {
		ts, err := m.assistant.PollStatus(context.Background())
		return statusMsg{ts: ts, err: err}
	})
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.pollCmd())
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case statusMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, tea.Quit
		}
		m.ts = msg.ts
		if msg.ts.State == status.Completed {
			m.answer = msg.ts.Response
			return m, tea.Quit
		}
		return m, m.pollCmd()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	if m.err != nil {
		return fmt.Sprintf("watch failed: %v\n", m.err)
	}
	if m.ts == nil {
		return m.spinner.View() + " connecting...\n"
	}

	out := fmt.Sprintf("%s %s\n", m.spinner.View(), renderState(m.ts.State))
	for _, step := range m.ts.Steps {
		out += "  " + stepStyle.Render(step) + "\n"
	}
	if m.ts.AgentURL != "" {
		out += "  browsing " + m.ts.AgentURL + "\n"
	}
	out += "\n(q to quit)\n"
	return out
}

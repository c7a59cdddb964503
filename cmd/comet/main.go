// comet drives the Comet assistant browser through its DevTools endpoint:
// submit a prompt, watch the task work, collect the answer.
package main

import (
	"fmt"
	"os"

	"cometnerd/internal/assistant"
	"cometnerd/internal/chrome"
	"cometnerd/internal/config"
	"cometnerd/internal/status"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "comet",
	Short: "comet - drive the Comet assistant browser over DevTools",
	Long: `comet controls a debuggable Comet browser running the assistant web app.

It attaches to the browser's remote-debugging endpoint, submits prompts into
the page, classifies the task's progress from sampled page text
(idle / working / completed), and prints the final answer.

The browser is launched with --remote-debugging-port automatically when it
is not already running; a browser running without debugging has to be
restarted first.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// session bundles the wired-up components a command works with.
type session struct {
	cfg       *config.Config
	assistant *assistant.Assistant
	manager   *chrome.Manager
	watcher   *status.MarkerWatcher
}

// newSession wires config, classifier, browser manager and assistant.
func newSession() (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	markers := status.DefaultMarkers()
	if _, err := os.Stat(cfg.Markers.Path); err == nil {
		markers, err = status.LoadMarkers(cfg.Markers.Path)
		if err != nil {
			return nil, err
		}
	}
	classifier, err := status.NewClassifier(markers)
	if err != nil {
		return nil, err
	}

	var watcher *status.MarkerWatcher
	if cfg.Markers.Watch {
		if _, err := os.Stat(cfg.Markers.Path); err == nil {
			watcher, err = status.WatchMarkers(cfg.Markers.Path, classifier, logger)
			if err != nil {
				logger.Warn("marker hot-reload disabled", zap.Error(err))
			}
		}
	}

	mgr := chrome.NewManager(cfg.ChromeConfig(), logger)
	return &session{
		cfg:       cfg,
		assistant: assistant.New(cfg.AssistantConfig(), mgr, classifier, logger),
		manager:   mgr,
		watcher:   watcher,
	}, nil
}

func (s *session) close() {
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	_ = s.assistant.Close()
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "config file path")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(screenshotCmd)
	rootCmd.AddCommand(modeCmd)
	rootCmd.AddCommand(targetsCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(initCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

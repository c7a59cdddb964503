// Package config loads the controller's settings: browser process options,
// the application URL, polling cadence, and the paths of the marker table
// and history database. Settings come from .comet/config.yaml with
// environment-variable overrides on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"cometnerd/internal/assistant"
	"cometnerd/internal/chrome"

	"gopkg.in/yaml.v3"
)

// Config holds all comet configuration.
type Config struct {
	Browser BrowserConfig `yaml:"browser"`
	App     AppConfig     `yaml:"app"`
	Polling PollingConfig `yaml:"polling"`
	Markers MarkersConfig `yaml:"markers"`
	History HistoryConfig `yaml:"history"`
}

// BrowserConfig configures the browser process and debug endpoint.
type BrowserConfig struct {
	DebugPort      int    `yaml:"debug_port"`
	Path           string `yaml:"path"`
	ProcessName    string `yaml:"process_name"`
	UserDataDir    string `yaml:"user_data_dir"`
	Headless       bool   `yaml:"headless"`
	StartupRetries int    `yaml:"startup_retries"`
	StartupBackoff string `yaml:"startup_backoff"`
}

// AppConfig identifies the assistant application.
type AppConfig struct {
	URL string `yaml:"url"`
}

// PollingConfig tunes the ask/poll loop. Durations are strings ("2s") so
// the file stays hand-editable.
type PollingConfig struct {
	Interval       string `yaml:"interval"`
	Grace          string `yaml:"grace"`
	DefaultTimeout string `yaml:"default_timeout"`
}

// MarkersConfig locates the marker table.
type MarkersConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// HistoryConfig locates the ask-history database.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// Dir returns the comet settings directory, ~/.comet.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".comet"
	}
	return filepath.Join(home, ".comet")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Browser: BrowserConfig{
			DebugPort:      9222,
			ProcessName:    "Comet",
			StartupRetries: 10,
			StartupBackoff: "250ms",
		},
		App: AppConfig{
			URL: "https://www.perplexity.ai",
		},
		Polling: PollingConfig{
			Interval:       "2s",
			Grace:          "10s",
			DefaultTimeout: "3m",
		},
		Markers: MarkersConfig{
			Path:  filepath.Join(Dir(), "markers.yaml"),
			Watch: true,
		},
		History: HistoryConfig{
			Path: filepath.Join(Dir(), "history.db"),
		},
	}
}

// Load reads the config file at path, layering it over the defaults. A
// missing file is not an error; defaults plus env overrides apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the config to path, creating the directory if needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("COMET_DEBUG_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Browser.DebugPort = p
		}
	}
	if path := os.Getenv("COMET_BROWSER_PATH"); path != "" {
		c.Browser.Path = path
	}
	if name := os.Getenv("COMET_PROCESS_NAME"); name != "" {
		c.Browser.ProcessName = name
	}
	if dir := os.Getenv("COMET_USER_DATA_DIR"); dir != "" {
		c.Browser.UserDataDir = dir
	}
	if url := os.Getenv("COMET_APP_URL"); url != "" {
		c.App.URL = url
	}
	if path := os.Getenv("COMET_MARKERS"); path != "" {
		c.Markers.Path = path
	}
	if path := os.Getenv("COMET_HISTORY_DB"); path != "" {
		c.History.Path = path
	}
}

// ChromeConfig converts to the browser manager's config.
func (c *Config) ChromeConfig() chrome.Config {
	return chrome.Config{
		DebugPort:      c.Browser.DebugPort,
		BrowserPath:    c.Browser.Path,
		ProcessName:    c.Browser.ProcessName,
		UserDataDir:    c.Browser.UserDataDir,
		Headless:       c.Browser.Headless,
		StartupRetries: c.Browser.StartupRetries,
		StartupBackoff: duration(c.Browser.StartupBackoff, 250*time.Millisecond),
	}
}

// AssistantConfig converts to the orchestrator's config.
func (c *Config) AssistantConfig() assistant.Config {
	return assistant.Config{
		AppURL:         c.App.URL,
		PollInterval:   duration(c.Polling.Interval, 2*time.Second),
		Grace:          duration(c.Polling.Grace, 10*time.Second),
		DefaultTimeout: duration(c.Polling.DefaultTimeout, 3*time.Minute),
	}
}

func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

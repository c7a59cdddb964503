// Package status turns noisy page-text snapshots into a task-progress
// signal. Everything site-specific lives in the Markers table; the
// classifier itself is pure text logic, testable against literal fixtures.
package status

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Markers is the injected vocabulary the classifier works from. It is data,
// not logic: selector lists the sampler queries in the page, and the word
// and pattern tables the classifier matches snapshot text against.
type Markers struct {
	// DOM selectors, used by the snapshot sampler inside the page.
	StopSelectors   []string `yaml:"stop_selectors"`
	BusySelectors   []string `yaml:"busy_selectors"`
	InputSelectors  []string `yaml:"input_selectors"`
	SubmitSelectors []string `yaml:"submit_selectors"`
	ModeSelectors   []string `yaml:"mode_selectors"`

	// Action verbs that open a step line while the agent is working.
	StepVerbs []string `yaml:"step_verbs"`

	// Regular expressions marking a finished task ("3 steps completed",
	// "Finished").
	CompletedPatterns []string `yaml:"completed_patterns"`

	// Regular expression for the "reviewed N sources" marker.
	SourcesPattern string `yaml:"sources_pattern"`

	// Line prefixes that end an answer (related content, follow-up
	// prompt, share/copy controls).
	TrailingMarkers []string `yaml:"trailing_markers"`

	// Line prefixes of navigational chrome that never belongs to an
	// answer.
	NavigationMarkers []string `yaml:"navigation_markers"`

	StepWindow   int `yaml:"step_window"`
	MaxAnswerLen int `yaml:"max_answer_len"`
}

// DefaultMarkers returns the built-in vocabulary for the assistant page.
func DefaultMarkers() Markers {
	return Markers{
		StopSelectors: []string{
			`button[aria-label="Stop"]`,
			`button[data-testid="stop-button"]`,
		},
		BusySelectors: []string{
			`[data-testid="loading-indicator"]`,
			`.animate-spin`,
		},
		InputSelectors: []string{
			`textarea[placeholder]`,
			`[contenteditable="true"][role="textbox"]`,
		},
		SubmitSelectors: []string{
			`button[aria-label="Submit"]`,
			`button[data-testid="submit-button"]`,
		},
		ModeSelectors: []string{
			`button[aria-label="Mode"]`,
			`[data-testid="mode-toggle"]`,
		},
		StepVerbs: []string{
			"Navigating", "Reading", "Searching", "Analyzing",
			"Typing", "Clicking", "Preparing", "Opening", "Scrolling",
		},
		CompletedPatterns: []string{
			`(?i)\b\d+\s+steps?\s+completed\b`,
			`(?i)\bfinished\b`,
			`(?i)\btask\s+complete\b`,
		},
		SourcesPattern: `(?i)\breviewed\s+\d+\s+sources?\b`,
		TrailingMarkers: []string{
			"Related", "Ask a follow-up", "Ask follow-up", "Share",
			"Copy", "Export", "Rewrite",
		},
		NavigationMarkers: []string{
			"Home", "Discover", "Spaces", "Library", "Sign in",
			"Sign up", "Settings", "New Thread",
		},
		StepWindow:   5,
		MaxAnswerLen: 8000,
	}
}

// LoadMarkers reads a marker table from a YAML file. Zero-valued limits fall
// back to the defaults so a partial table stays usable.
func LoadMarkers(path string) (Markers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Markers{}, fmt.Errorf("failed to read marker table: %w", err)
	}
	var m Markers
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Markers{}, fmt.Errorf("failed to parse marker table %s: %w", path, err)
	}
	defaults := DefaultMarkers()
	if m.StepWindow <= 0 {
		m.StepWindow = defaults.StepWindow
	}
	if m.MaxAnswerLen <= 0 {
		m.MaxAnswerLen = defaults.MaxAnswerLen
	}
	return m, nil
}

// WriteDefault writes the built-in table to path, for users who want a file
// to edit.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(DefaultMarkers())
	if err != nil {
		return fmt.Errorf("failed to encode marker table: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write marker table: %w", err)
	}
	return nil
}

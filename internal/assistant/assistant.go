// Package assistant is the inbound surface of the system: it connects the
// browser manager, the transport and the status classifier into the
// operations a caller actually uses: ask a question, poll a task, stop it,
// screenshot it.
package assistant

import (
	"context"
	"fmt"
	"time"

	"cometnerd/internal/cdp"
	"cometnerd/internal/chrome"
	"cometnerd/internal/status"

	"go.uber.org/zap"
)

// Config holds orchestration settings. Marker vocabulary lives in the
// status package; this is only timing and the application URL.
type Config struct {
	AppURL         string        `json:"app_url"`
	PollInterval   time.Duration `json:"-"`
	Grace          time.Duration `json:"-"`
	DefaultTimeout time.Duration `json:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AppURL:         "https://www.perplexity.ai",
		PollInterval:   2 * time.Second,
		Grace:          10 * time.Second,
		DefaultTimeout: 3 * time.Minute,
	}
}

// TaskStatus is one derived view of the running task, recomputed per poll.
type TaskStatus struct {
	State       status.State `json:"state"`
	Steps       []string     `json:"steps,omitempty"`
	CurrentStep string       `json:"current_step,omitempty"`
	Response    string       `json:"response,omitempty"`
	StopVisible bool         `json:"stop_visible"`
	AgentURL    string       `json:"agent_url,omitempty"`
}

// Assistant drives one assistant task at a time through an attached browser
// session.
type Assistant struct {
	cfg        Config
	mgr        *chrome.Manager
	classifier *status.Classifier
	log        *zap.Logger

	// Seams overridden by tests; defaults go through the live session.
	sample   func(ctx context.Context) (status.Snapshot, error)
	agentURL func(ctx context.Context) string
	now      func() time.Time
}

// New wires an assistant from its parts.
func New(cfg Config, mgr *chrome.Manager, classifier *status.Classifier, logger *zap.Logger) *Assistant {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Assistant{
		cfg:        cfg,
		mgr:        mgr,
		classifier: classifier,
		log:        logger,
		now:        time.Now,
	}
	a.sample = a.liveSample
	a.agentURL = a.liveAgentURL
	return a
}

// Connect makes sure the browser is up with debugging enabled, finds (or
// opens) the main application tab and attaches the command session to it.
func (a *Assistant) Connect(ctx context.Context) error {
	outcome, err := a.mgr.EnsureRunning(ctx)
	if err != nil {
		return stageErr(StageStartup, nil, err)
	}
	a.log.Debug("browser ready", zap.Stringer("outcome", outcome))

	targets, err := a.mgr.ListTargets(ctx)
	if err != nil {
		return stageErr(StageConnect, nil, err)
	}
	cls := a.mgr.Classify(targets)

	main := cls.Main
	if main == nil {
		opened, err := a.mgr.OpenTarget(ctx, a.cfg.AppURL)
		if err != nil {
			return stageErr(StageConnect, nil, err)
		}
		main = &opened
	}
	if _, err := a.mgr.Attach(ctx, *main); err != nil {
		return stageErr(StageConnect, nil, err)
	}
	a.log.Info("attached to main tab", zap.String("target", main.ID), zap.String("url", main.URL))
	return nil
}

func (a *Assistant) client() (*cdp.Client, error) {
	client := a.mgr.Client()
	if client == nil {
		return nil, ErrNotConnected
	}
	return client, nil
}

func (a *Assistant) liveSample(ctx context.Context) (status.Snapshot, error) {
	client, err := a.client()
	if err != nil {
		return status.Snapshot{}, err
	}
	return samplePage(ctx, client, a.classifier.Markers())
}

// liveAgentURL reports the URL of the tab the agent is currently browsing,
// or "". Enumeration failures just mean no URL this poll.
func (a *Assistant) liveAgentURL(ctx context.Context) string {
	targets, err := a.mgr.ListTargets(ctx)
	if err != nil {
		return ""
	}
	cls := a.mgr.Classify(targets)
	if cls.AgentBrowsing == nil {
		return ""
	}
	return cls.AgentBrowsing.URL
}

// PollStatus takes one fresh snapshot and derives the task status. Stateless;
// no run bookkeeping, usable any time after Connect.
func (a *Assistant) PollStatus(ctx context.Context) (*TaskStatus, error) {
	snap, err := a.sample(ctx)
	if err != nil {
		return nil, stageErr(StagePoll, nil, err)
	}
	snap.AgentURL = a.agentURL(ctx)

	state := a.classifier.Classify(snap)
	steps, current := a.classifier.Steps(snap.Text)
	ts := &TaskStatus{
		State:       state,
		Steps:       steps,
		CurrentStep: current,
		StopVisible: snap.StopVisible,
		AgentURL:    snap.AgentURL,
	}
	if state == status.Completed {
		ts.Response = a.classifier.Response(snap.Text)
	}
	return ts, nil
}

// Stop asks the page to halt the running task by clicking its stop control.
// Best effort: returns whether a stop control was found, not whether the
// task actually stopped.
func (a *Assistant) Stop(ctx context.Context) (bool, error) {
	client, err := a.client()
	if err != nil {
		return false, err
	}
	return clickFirst(ctx, client, a.classifier.Markers().StopSelectors)
}

// Screenshot captures the main tab, or the agent-browsing tab when agentTab
// is set. Borrowing the agent tab reattaches to it, captures, and restores
// the previous attachment before returning.
func (a *Assistant) Screenshot(ctx context.Context, agentTab bool) ([]byte, error) {
	client, err := a.client()
	if err != nil {
		return nil, err
	}
	if !agentTab {
		return client.CaptureScreenshot(ctx)
	}

	targets, err := a.mgr.ListTargets(ctx)
	if err != nil {
		return nil, err
	}
	cls := a.mgr.Classify(targets)
	if cls.AgentBrowsing == nil {
		return nil, fmt.Errorf("%w: no agent-browsing tab open", chrome.ErrTargetNotFound)
	}
	restoreID := a.mgr.AttachedID()

	agentClient, err := a.mgr.Attach(ctx, *cls.AgentBrowsing)
	if err != nil {
		return nil, err
	}
	img, capErr := agentClient.CaptureScreenshot(ctx)

	if restoreID != "" {
		if _, err := a.mgr.AttachID(ctx, restoreID); err != nil {
			a.log.Warn("failed to restore main attachment", zap.String("target", restoreID), zap.Error(err))
			if capErr == nil {
				capErr = fmt.Errorf("failed to restore attachment: %w", err)
			}
		}
	}
	return img, capErr
}

// Mode reports the assistant's current mode; with a non-empty mode it also
// switches the toggle when the page is not already in that mode.
func (a *Assistant) Mode(ctx context.Context, mode string) (string, error) {
	client, err := a.client()
	if err != nil {
		return "", err
	}
	got, err := readOrSwitchMode(ctx, client, a.classifier.Markers().ModeSelectors, mode)
	if err != nil {
		return "", err
	}
	if got == "" {
		return "", fmt.Errorf("%w: mode control", ErrExtractionEmpty)
	}
	return got, nil
}

// Close releases the attached session.
func (a *Assistant) Close() error {
	return a.mgr.Detach()
}

package assistant

import (
	"context"
	"time"

	"cometnerd/internal/status"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AskOptions tunes one Ask call.
type AskOptions struct {
	// Timeout bounds the whole run; zero means the configured default.
	Timeout time.Duration
	// NewConversation starts a fresh thread before submitting.
	NewConversation bool
	// Agentic switches the assistant into agentic mode first.
	Agentic bool
}

// Result is the outcome of one Ask run, terminal either way: an answer, or
// a timeout bundling what was observed so the caller can keep polling with
// PollStatus.
type Result struct {
	RunID     string        `json:"run_id"`
	Answer    string        `json:"answer,omitempty"`
	TimedOut  bool          `json:"timed_out"`
	Elapsed   time.Duration `json:"elapsed"`
	Steps     []string      `json:"steps,omitempty"`
	AgentURLs []string      `json:"agent_urls,omitempty"`
}

// run is the bookkeeping for one submitted prompt. Never persisted; created
// by Ask, discarded when Ask returns.
type run struct {
	id         string
	start      time.Time
	deadline   time.Time
	sawWorking bool
	steps      []string
	seen       map[string]bool
	agentURLs  []string
	lastAgent  string
}

func (r *run) mergeSteps(steps []string) {
	for _, s := range steps {
		if r.seen[s] {
			continue
		}
		r.seen[s] = true
		r.steps = append(r.steps, s)
	}
}

func (r *run) noteAgentURL(url string) bool {
	if url == "" || url == r.lastAgent {
		return false
	}
	r.lastAgent = url
	r.agentURLs = append(r.agentURLs, url)
	return true
}

// Ask submits one prompt and polls the page until the task completes or the
// deadline passes. A Completed reading is only trusted once the run has
// seen the task Working, or unconditionally after the grace window: quick
// answers can finish between polls without a Working sample ever being
// taken.
func (a *Assistant) Ask(ctx context.Context, prompt string, opts AskOptions) (*Result, error) {
	if a.mgr.Client() == nil {
		if err := a.Connect(ctx); err != nil {
			return nil, err
		}
	}
	if opts.Agentic {
		if _, err := a.Mode(ctx, "agentic"); err != nil {
			a.log.Warn("failed to switch mode, continuing", zap.Error(err))
		}
	}
	if err := a.submit(ctx, prompt, opts.NewConversation); err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = a.cfg.DefaultTimeout
	}
	r := &run{
		id:       uuid.NewString(),
		start:    a.now(),
		deadline: a.now().Add(timeout),
		seen:     make(map[string]bool),
	}
	a.log.Info("run started",
		zap.String("run_id", r.id),
		zap.Duration("timeout", timeout),
		zap.Int("prompt_len", len(prompt)))

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, stageErr(StagePoll, r.steps, ctx.Err())
		case <-ticker.C:
		}

		if result, done, err := a.pollOnce(ctx, r); err != nil {
			return nil, err
		} else if done {
			return result, nil
		}

		if a.now().After(r.deadline) {
			a.log.Warn("run deadline passed",
				zap.String("run_id", r.id),
				zap.Int("steps", len(r.steps)))
			return &Result{
				RunID:     r.id,
				TimedOut:  true,
				Elapsed:   a.now().Sub(r.start),
				Steps:     r.steps,
				AgentURLs: r.agentURLs,
			}, nil
		}
	}
}

// pollOnce takes one snapshot and folds it into the run.
func (a *Assistant) pollOnce(ctx context.Context, r *run) (*Result, bool, error) {
	snap, err := a.sample(ctx)
	if err != nil {
		return nil, false, stageErr(StagePoll, r.steps, err)
	}
	steps, current := a.classifier.Steps(snap.Text)
	r.mergeSteps(steps)
	if r.noteAgentURL(a.agentURL(ctx)) {
		a.log.Debug("agent tab navigated", zap.String("run_id", r.id), zap.String("url", r.lastAgent))
	}

	state := a.classifier.Classify(snap)
	switch state {
	case status.Working:
		r.sawWorking = true
		a.log.Debug("task working", zap.String("run_id", r.id), zap.String("step", current))
	case status.Completed:
		elapsed := a.now().Sub(r.start)
		if !r.sawWorking && elapsed < a.cfg.Grace {
			// Could be a stale answer from a previous task still on
			// screen; keep polling until the grace window rules that out.
			a.log.Debug("completed before working was observed, holding",
				zap.String("run_id", r.id), zap.Duration("elapsed", elapsed))
			return nil, false, nil
		}
		answer := a.classifier.Response(snap.Text)
		a.log.Info("run completed",
			zap.String("run_id", r.id),
			zap.Duration("elapsed", elapsed),
			zap.Int("steps", len(r.steps)),
			zap.Int("answer_len", len(answer)))
		return &Result{
			RunID:     r.id,
			Answer:    answer,
			Elapsed:   elapsed,
			Steps:     r.steps,
			AgentURLs: r.agentURLs,
		}, true, nil
	}
	return nil, false, nil
}

// submit types the prompt into the page and presses Enter.
func (a *Assistant) submit(ctx context.Context, prompt string, newConversation bool) error {
	client, err := a.client()
	if err != nil {
		return stageErr(StageSubmit, nil, err)
	}
	markers := a.classifier.Markers()

	if newConversation {
		// Navigating back to the app root starts a fresh thread.
		expr := "window.location.href = " + jsString(a.cfg.AppURL) + "; true"
		if _, err := client.Evaluate(ctx, expr); err != nil {
			return stageErr(StageSubmit, nil, err)
		}
		select {
		case <-ctx.Done():
			return stageErr(StageSubmit, nil, ctx.Err())
		case <-time.After(a.cfg.PollInterval):
		}
	}

	ok, err := fillInput(ctx, client, markers.InputSelectors, prompt)
	if err != nil {
		return stageErr(StageSubmit, nil, err)
	}
	if !ok {
		return stageErr(StageSubmit, nil, ErrExtractionEmpty)
	}

	// Prefer the page's own submit control, fall back to the Enter key.
	clicked, err := clickFirst(ctx, client, markers.SubmitSelectors)
	if err != nil {
		return stageErr(StageSubmit, nil, err)
	}
	if !clicked {
		if err := client.PressEnter(ctx); err != nil {
			return stageErr(StageSubmit, nil, err)
		}
	}
	return nil
}

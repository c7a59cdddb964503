// Package chrome manages the browser process behind the DevTools endpoint
// and the tabs (targets) it exposes: startup with remote debugging,
// enumeration, role classification, and the single attached session used for
// command execution.
package chrome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"cometnerd/internal/cdp"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrRestartRequired means a browser process is already running without
	// remote debugging. There is no way to hot-attach; the user has to
	// restart it with debugging enabled.
	ErrRestartRequired = errors.New("chrome: browser is running without remote debugging, restart it with debugging enabled")

	// ErrStartupTimeout means the launched process never became debuggable
	// within the retry budget.
	ErrStartupTimeout = errors.New("chrome: browser did not become debuggable in time")

	// ErrTargetNotFound is returned when attaching or activating an unknown
	// target id. Closing an unknown target is a no-op, not an error.
	ErrTargetNotFound = errors.New("chrome: target not found")
)

// StartupOutcome reports what EnsureRunning had to do.
type StartupOutcome int

const (
	OutcomeAlreadyRunning StartupOutcome = iota
	OutcomeStarted
)

func (o StartupOutcome) String() string {
	if o == OutcomeStarted {
		return "started"
	}
	return "already-running"
}

// Target is one tab/page exposed by the debugging endpoint.
type Target struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Title        string `json:"title"`
	URL          string `json:"url"`
	WebSocketURL string `json:"webSocketDebuggerUrl"`
}

// Classification assigns roles to the open targets: Main is the primary
// conversation surface, AgentBrowsing the tab the remote agent most recently
// opened while carrying out a task. Either may be nil.
type Classification struct {
	Main          *Target
	AgentBrowsing *Target
}

// Config holds browser process settings.
type Config struct {
	DebugPort      int           `json:"debug_port"`
	BrowserPath    string        `json:"browser_path"`
	ProcessName    string        `json:"process_name"`
	UserDataDir    string        `json:"user_data_dir"`
	Headless       bool          `json:"headless"`
	StartupRetries int           `json:"startup_retries"`
	StartupBackoff time.Duration `json:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DebugPort:      9222,
		ProcessName:    "Comet",
		StartupRetries: 10,
		StartupBackoff: 250 * time.Millisecond,
	}
}

// Manager owns the browser process, the target registry and the single
// attached session. Discovery order of target ids doubles as the
// creation-order signal for classification, since the endpoint itself does
// not expose timestamps.
type Manager struct {
	cfg      Config
	log      *zap.Logger
	httpc    *http.Client
	endpoint string
	sf       singleflight.Group

	// Seams for tests and the launcher.
	launch  func(ctx context.Context) error
	running func() bool

	mu         sync.Mutex
	order      map[string]int // target id -> discovery sequence
	seq        int
	attachedID string
	client     *cdp.Client
}

// Option tweaks manager construction.
type Option func(*Manager)

// WithEndpoint overrides the debugging endpoint base URL (tests).
func WithEndpoint(base string) Option {
	return func(m *Manager) { m.endpoint = base }
}

// WithLauncher overrides how the browser process is started (tests).
func WithLauncher(launch func(ctx context.Context) error) Option {
	return func(m *Manager) { m.launch = launch }
}

// WithProcessProbe overrides detection of an already-running browser
// process (tests).
func WithProcessProbe(running func() bool) Option {
	return func(m *Manager) { m.running = running }
}

// NewManager creates a manager for the given configuration.
func NewManager(cfg Config, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:      cfg,
		log:      logger,
		httpc:    &http.Client{Timeout: 5 * time.Second},
		endpoint: fmt.Sprintf("http://127.0.0.1:%d", cfg.DebugPort),
		order:    make(map[string]int),
	}
	m.launch = func(ctx context.Context) error { return m.launchBrowser(ctx) }
	m.running = func() bool { return processRunning(cfg.ProcessName) }
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureRunning probes the debug endpoint and, if it is dead, launches the
// browser with remote debugging enabled and waits for the endpoint to come
// up. Concurrent callers are collapsed into one startup attempt. A browser
// running without debugging yields ErrRestartRequired.
func (m *Manager) EnsureRunning(ctx context.Context) (StartupOutcome, error) {
	out, err, _ := m.sf.Do("ensure-running", func() (interface{}, error) {
		if m.probe(ctx) == nil {
			return OutcomeAlreadyRunning, nil
		}
		if m.running() {
			return OutcomeAlreadyRunning, ErrRestartRequired
		}

		m.log.Info("launching browser",
			zap.Int("debug_port", m.cfg.DebugPort),
			zap.Bool("headless", m.cfg.Headless))
		if err := m.launch(ctx); err != nil {
			return OutcomeStarted, fmt.Errorf("failed to launch browser: %w", err)
		}

		backoff := m.cfg.StartupBackoff
		for i := 0; i < m.cfg.StartupRetries; i++ {
			select {
			case <-ctx.Done():
				return OutcomeStarted, ctx.Err()
			case <-time.After(backoff):
			}
			if m.probe(ctx) == nil {
				m.log.Info("browser is debuggable", zap.Int("attempts", i+1))
				return OutcomeStarted, nil
			}
			backoff += m.cfg.StartupBackoff
		}
		return OutcomeStarted, ErrStartupTimeout
	})
	if err != nil {
		return out.(StartupOutcome), err
	}
	return out.(StartupOutcome), nil
}

// probe checks /json/version; nil means the endpoint is alive.
func (m *Manager) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoint+"/json/version", nil)
	if err != nil {
		return err
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from debug endpoint", resp.StatusCode)
	}
	return nil
}

// ListTargets returns a fresh snapshot of the open targets. No caching; the
// manager only records first-seen order for classification.
func (m *Manager) ListTargets(ctx context.Context) ([]Target, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoint+"/json/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to list targets: status %d", resp.StatusCode)
	}

	var targets []Target
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, fmt.Errorf("failed to decode target list: %w", err)
	}
	m.noteTargets(targets)
	return targets, nil
}

func (m *Manager) noteTargets(targets []Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range targets {
		if _, ok := m.order[t.ID]; !ok {
			m.seq++
			m.order[t.ID] = m.seq
		}
	}
}

// discoveryOrder returns a copy of the id -> sequence map.
func (m *Manager) discoveryOrder() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	order := make(map[string]int, len(m.order))
	for id, seq := range m.order {
		order[id] = seq
	}
	return order
}

// Classify assigns roles to the given targets using the manager's current
// attachment and discovery order.
func (m *Manager) Classify(targets []Target) Classification {
	return ClassifyTargets(targets, m.AttachedID(), m.discoveryOrder())
}

// ClassifyTargets is the pure classification rule: main is the attached
// target if it is present, otherwise the earliest-created page; agent
// browsing is the latest-created page that is not main. The result does not
// depend on the order of the targets slice, only on the discovery sequence.
func ClassifyTargets(targets []Target, attachedID string, order map[string]int) Classification {
	seqOf := func(id string) int {
		if seq, ok := order[id]; ok {
			return seq
		}
		return int(^uint(0) >> 1) // unseen ids sort last
	}

	var pages []Target
	for _, t := range targets {
		if t.Type == "page" {
			pages = append(pages, t)
		}
	}
	if len(pages) == 0 {
		return Classification{}
	}

	var main *Target
	if attachedID != "" {
		for i := range pages {
			if pages[i].ID == attachedID {
				main = &pages[i]
				break
			}
		}
	}
	if main == nil {
		for i := range pages {
			if main == nil || seqOf(pages[i].ID) < seqOf(main.ID) {
				main = &pages[i]
			}
		}
	}

	var agent *Target
	for i := range pages {
		if pages[i].ID == main.ID {
			continue
		}
		if agent == nil || seqOf(pages[i].ID) > seqOf(agent.ID) {
			agent = &pages[i]
		}
	}
	return Classification{Main: main, AgentBrowsing: agent}
}

// OpenTarget opens a new tab at the given URL.
func (m *Manager) OpenTarget(ctx context.Context, targetURL string) (Target, error) {
	// Newer Chrome requires PUT on /json/new; fall back to GET for older
	// builds that reject it.
	openURL := m.endpoint + "/json/new?" + url.Values{"url": {targetURL}}.Encode()
	target, err := m.openWith(ctx, http.MethodPut, openURL)
	if err != nil && strings.Contains(err.Error(), "status 405") {
		target, err = m.openWith(ctx, http.MethodGet, openURL)
	}
	if err != nil {
		return Target{}, err
	}
	m.noteTargets([]Target{target})
	m.log.Debug("opened target", zap.String("id", target.ID), zap.String("url", targetURL))
	return target, nil
}

func (m *Manager) openWith(ctx context.Context, method, openURL string) (Target, error) {
	req, err := http.NewRequestWithContext(ctx, method, openURL, nil)
	if err != nil {
		return Target{}, err
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		return Target{}, fmt.Errorf("failed to open target: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Target{}, fmt.Errorf("failed to open target: status %d", resp.StatusCode)
	}
	var target Target
	if err := json.NewDecoder(resp.Body).Decode(&target); err != nil {
		return Target{}, fmt.Errorf("failed to decode new target: %w", err)
	}
	return target, nil
}

// CloseTarget closes a tab. Closing an id the endpoint no longer knows is a
// no-op.
func (m *Manager) CloseTarget(ctx context.Context, id string) error {
	resp, err := m.get(ctx, "/json/close/"+id)
	if err != nil {
		return fmt.Errorf("failed to close target %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to close target %s: status %d", id, resp.StatusCode)
	}
	return nil
}

// Activate brings a tab to the foreground.
func (m *Manager) Activate(ctx context.Context, id string) error {
	resp, err := m.get(ctx, "/json/activate/"+id)
	if err != nil {
		return fmt.Errorf("failed to activate target %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrTargetNotFound, id)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to activate target %s: status %d", id, resp.StatusCode)
	}
	return nil
}

func (m *Manager) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoint+path, nil)
	if err != nil {
		return nil, err
	}
	return m.httpc.Do(req)
}

// Attach binds the manager's single command session to the given target,
// implicitly detaching (and closing the connection of) the previous one.
// Restoring a prior attachment after borrowing a tab is the caller's job.
func (m *Manager) Attach(ctx context.Context, t Target) (*cdp.Client, error) {
	wsURL := t.WebSocketURL
	if wsURL == "" {
		wsURL = "ws" + strings.TrimPrefix(m.endpoint, "http") + "/devtools/page/" + t.ID
	}

	m.mu.Lock()
	prev := m.client
	m.client = nil
	m.attachedID = ""
	m.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	client, err := cdp.Dial(ctx, wsURL, m.log)
	if err != nil {
		return nil, fmt.Errorf("failed to attach to target %s: %w", t.ID, err)
	}

	m.mu.Lock()
	m.client = client
	m.attachedID = t.ID
	m.mu.Unlock()
	m.log.Debug("attached to target", zap.String("id", t.ID), zap.String("url", t.URL))
	return client, nil
}

// AttachID attaches by target id, resolving it through a fresh target list.
func (m *Manager) AttachID(ctx context.Context, id string) (*cdp.Client, error) {
	targets, err := m.ListTargets(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range targets {
		if t.ID == id {
			return m.Attach(ctx, t)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, id)
}

// Client returns the currently attached session, or nil.
func (m *Manager) Client() *cdp.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// AttachedID returns the id of the currently attached target, or "".
func (m *Manager) AttachedID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attachedID
}

// Detach closes the current session, if any.
func (m *Manager) Detach() error {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.attachedID = ""
	m.mu.Unlock()
	if client != nil {
		return client.Close()
	}
	return nil
}

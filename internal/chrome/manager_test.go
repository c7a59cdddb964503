package chrome

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeEndpoint stands in for the browser's debugging HTTP surface and the
// per-target websocket endpoints behind it.
type fakeEndpoint struct {
	srv *httptest.Server

	mu      sync.Mutex
	up      bool
	targets []Target
	wsConns map[string][]*websocket.Conn
}

func newFakeEndpoint(t *testing.T) *fakeEndpoint {
	f := &fakeEndpoint{up: true, wsConns: make(map[string][]*websocket.Conn)}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		up := f.up
		f.mu.Unlock()

		switch {
		case strings.HasPrefix(r.URL.Path, "/devtools/page/"):
			id := strings.TrimPrefix(r.URL.Path, "/devtools/page/")
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			f.mu.Lock()
			f.wsConns[id] = append(f.wsConns[id], conn)
			f.mu.Unlock()
			go func() {
				for {
					if _, _, err := conn.ReadMessage(); err != nil {
						return
					}
				}
			}()

		case r.URL.Path == "/json/version":
			if !up {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			fmt.Fprint(w, `{"Browser":"Comet/1.0"}`)

		case r.URL.Path == "/json/list":
			f.mu.Lock()
			targets := append([]Target(nil), f.targets...)
			f.mu.Unlock()
			_ = json.NewEncoder(w).Encode(targets)

		case strings.HasPrefix(r.URL.Path, "/json/close/"):
			id := strings.TrimPrefix(r.URL.Path, "/json/close/")
			f.mu.Lock()
			found := false
			kept := f.targets[:0]
			for _, tgt := range f.targets {
				if tgt.ID == id {
					found = true
					continue
				}
				kept = append(kept, tgt)
			}
			f.targets = kept
			f.mu.Unlock()
			if !found {
				http.NotFound(w, r)
				return
			}
			fmt.Fprint(w, "Target is closing")

		case strings.HasPrefix(r.URL.Path, "/json/activate/"):
			id := strings.TrimPrefix(r.URL.Path, "/json/activate/")
			f.mu.Lock()
			found := false
			for _, tgt := range f.targets {
				if tgt.ID == id {
					found = true
				}
			}
			f.mu.Unlock()
			if !found {
				http.NotFound(w, r)
				return
			}
			fmt.Fprint(w, "Target activated")

		case r.URL.Path == "/json/new":
			if r.Method != http.MethodPut {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			tgt := Target{
				ID:   fmt.Sprintf("new-%d", time.Now().UnixNano()),
				Type: "page",
				URL:  r.URL.Query().Get("url"),
			}
			f.mu.Lock()
			f.targets = append(f.targets, tgt)
			f.mu.Unlock()
			_ = json.NewEncoder(w).Encode(tgt)

		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeEndpoint) setUp(up bool) {
	f.mu.Lock()
	f.up = up
	f.mu.Unlock()
}

func (f *fakeEndpoint) setTargets(targets ...Target) {
	f.mu.Lock()
	f.targets = append([]Target(nil), targets...)
	f.mu.Unlock()
}

func (f *fakeEndpoint) page(id string) Target {
	return Target{
		ID:           id,
		Type:         "page",
		URL:          "https://example.com/" + id,
		WebSocketURL: "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/devtools/page/" + id,
	}
}

func newTestManager(t *testing.T, f *fakeEndpoint, opts ...Option) *Manager {
	cfg := DefaultConfig()
	cfg.StartupRetries = 3
	cfg.StartupBackoff = 5 * time.Millisecond
	base := []Option{
		WithEndpoint(f.srv.URL),
		WithProcessProbe(func() bool { return false }),
		WithLauncher(func(ctx context.Context) error {
			t.Fatal("unexpected browser launch")
			return nil
		}),
	}
	return NewManager(cfg, zap.NewNop(), append(base, opts...)...)
}

func TestEnsureRunningAlreadyRunning(t *testing.T) {
	f := newFakeEndpoint(t)
	m := newTestManager(t, f) // launcher fails the test if invoked

	outcome, err := m.EnsureRunning(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyRunning, outcome)
}

func TestEnsureRunningLaunches(t *testing.T) {
	f := newFakeEndpoint(t)
	f.setUp(false)

	var launches atomic.Int32
	m := newTestManager(t, f, WithLauncher(func(ctx context.Context) error {
		launches.Add(1)
		f.setUp(true) // endpoint comes up after "launch"
		return nil
	}))

	outcome, err := m.EnsureRunning(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeStarted, outcome)
	require.Equal(t, int32(1), launches.Load())
}

func TestEnsureRunningRestartRequired(t *testing.T) {
	f := newFakeEndpoint(t)
	f.setUp(false)

	m := newTestManager(t, f, WithProcessProbe(func() bool { return true }))

	_, err := m.EnsureRunning(context.Background())
	require.ErrorIs(t, err, ErrRestartRequired)
}

func TestEnsureRunningStartupTimeout(t *testing.T) {
	f := newFakeEndpoint(t)
	f.setUp(false)

	m := newTestManager(t, f, WithLauncher(func(ctx context.Context) error {
		return nil // launches, but the endpoint never comes up
	}))

	_, err := m.EnsureRunning(context.Background())
	require.ErrorIs(t, err, ErrStartupTimeout)
}

func TestEnsureRunningCollapsesConcurrentCalls(t *testing.T) {
	f := newFakeEndpoint(t)
	f.setUp(false)

	var launches atomic.Int32
	release := make(chan struct{})
	m := newTestManager(t, f, WithLauncher(func(ctx context.Context) error {
		launches.Add(1)
		<-release
		f.setUp(true)
		return nil
	}))

	const n = 5
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.EnsureRunning(context.Background())
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond) // let every caller join the flight
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), launches.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
}

func TestListTargetsRecordsDiscoveryOrder(t *testing.T) {
	f := newFakeEndpoint(t)
	f.setTargets(f.page("t1"), f.page("t2"), f.page("t3"))
	m := newTestManager(t, f)

	targets, err := m.ListTargets(context.Background())
	require.NoError(t, err)
	require.Len(t, targets, 3)

	first := m.Classify(targets)
	require.NotNil(t, first.Main)
	require.Equal(t, "t1", first.Main.ID)
	require.NotNil(t, first.AgentBrowsing)
	require.Equal(t, "t3", first.AgentBrowsing.ID)

	// The endpoint reorders its listing; roles must not move.
	f.setTargets(f.page("t3"), f.page("t1"), f.page("t2"))
	targets, err = m.ListTargets(context.Background())
	require.NoError(t, err)

	second := m.Classify(targets)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("classification changed under reordering (-first +second):\n%s", diff)
	}
}

func TestClassifyTargets(t *testing.T) {
	order := map[string]int{"a": 1, "b": 2, "c": 3, "w": 4}
	pages := []Target{
		{ID: "a", Type: "page"},
		{ID: "b", Type: "page"},
		{ID: "c", Type: "page"},
		{ID: "w", Type: "service_worker"},
	}

	tests := []struct {
		name       string
		targets    []Target
		attachedID string
		wantMain   string
		wantAgent  string
	}{
		{"attached wins", pages, "b", "b", "c"},
		{"earliest page when unattached", pages, "", "a", "c"},
		{"attached target gone falls back", pages, "zz", "a", "c"},
		{"non-pages ignored", []Target{{ID: "w", Type: "service_worker"}}, "", "", ""},
		{"single page has no agent tab", []Target{{ID: "a", Type: "page"}}, "", "a", ""},
		{"empty", nil, "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyTargets(tt.targets, tt.attachedID, order)
			gotMain, gotAgent := "", ""
			if got.Main != nil {
				gotMain = got.Main.ID
			}
			if got.AgentBrowsing != nil {
				gotAgent = got.AgentBrowsing.ID
			}
			require.Equal(t, tt.wantMain, gotMain)
			require.Equal(t, tt.wantAgent, gotAgent)
		})
	}
}

func TestOpenTarget(t *testing.T) {
	f := newFakeEndpoint(t)
	m := newTestManager(t, f)

	tgt, err := m.OpenTarget(context.Background(), "https://example.com/fresh")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/fresh", tgt.URL)

	targets, err := m.ListTargets(context.Background())
	require.NoError(t, err)
	require.Len(t, targets, 1)
}

func TestCloseTargetMissingIsNoOp(t *testing.T) {
	f := newFakeEndpoint(t)
	m := newTestManager(t, f)

	require.NoError(t, m.CloseTarget(context.Background(), "never-existed"))
}

func TestActivateUnknownTarget(t *testing.T) {
	f := newFakeEndpoint(t)
	m := newTestManager(t, f)

	err := m.Activate(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrTargetNotFound)
}

func TestAttachReplacesPreviousSession(t *testing.T) {
	f := newFakeEndpoint(t)
	t1, t2 := f.page("t1"), f.page("t2")
	f.setTargets(t1, t2)
	m := newTestManager(t, f)
	defer m.Detach()

	first, err := m.Attach(context.Background(), t1)
	require.NoError(t, err)
	require.Equal(t, "t1", m.AttachedID())

	second, err := m.Attach(context.Background(), t2)
	require.NoError(t, err)
	require.Equal(t, "t2", m.AttachedID())
	require.Same(t, second, m.Client())

	// The first session was closed by the second attach.
	err = first.Call(context.Background(), "Test.ping", nil, nil)
	require.Error(t, err)
}

func TestAttachIDUnknownTarget(t *testing.T) {
	f := newFakeEndpoint(t)
	f.setTargets(f.page("t1"))
	m := newTestManager(t, f)

	_, err := m.AttachID(context.Background(), "nope")
	require.ErrorIs(t, err, ErrTargetNotFound)
}

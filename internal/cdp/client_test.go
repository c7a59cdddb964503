package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeEndpoint is an in-process stand-in for a target-scoped DevTools
// websocket endpoint. The handler decides how each command frame is
// answered.
type fakeEndpoint struct {
	t       *testing.T
	srv     *httptest.Server
	handler func(conn *websocket.Conn, msg Message)

	mu    sync.Mutex
	conns []*websocket.Conn
	wg    sync.WaitGroup
}

func newFakeEndpoint(t *testing.T, handler func(conn *websocket.Conn, msg Message)) *fakeEndpoint {
	f := &fakeEndpoint{t: t, handler: handler}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var msg Message
				if err := json.Unmarshal(data, &msg); err != nil {
					continue
				}
				if f.handler != nil {
					f.handler(conn, msg)
				}
			}
		}()
	}))
	t.Cleanup(func() {
		f.mu.Lock()
		for _, c := range f.conns {
			_ = c.Close()
		}
		f.mu.Unlock()
		f.srv.Close()
		f.wg.Wait()
	})
	return f
}

func (f *fakeEndpoint) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func reply(conn *websocket.Conn, id int64, result string) {
	frame, _ := json.Marshal(Message{ID: id, Result: json.RawMessage(result)})
	_ = conn.WriteMessage(websocket.TextMessage, frame)
}

func dialFake(t *testing.T, f *fakeEndpoint, opts ...DialOption) *Client {
	c, err := Dial(context.Background(), f.wsURL(), zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCallCorrelatesOutOfOrderResponses(t *testing.T) {
	// Hold every command until three have arrived, then answer them in
	// reverse order, echoing each command's method back in its result. A
	// caller that receives another command's response would see the wrong
	// method echoed.
	var mu sync.Mutex
	var held []Message
	var conns []*websocket.Conn
	f := newFakeEndpoint(t, func(conn *websocket.Conn, msg Message) {
		mu.Lock()
		defer mu.Unlock()
		held = append(held, msg)
		conns = append(conns, conn)
		if len(held) == 3 {
			for i := len(held) - 1; i >= 0; i-- {
				reply(conns[i], held[i].ID, fmt.Sprintf(`{"echo":%q}`, held[i].Method))
			}
		}
	})
	c := dialFake(t, f)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			method := fmt.Sprintf("Test.cmd%d", i)
			var out struct {
				Echo string `json:"echo"`
			}
			err := c.Call(context.Background(), method, nil, &out)
			require.NoError(t, err)
			require.Equal(t, method, out.Echo)
		}(i)
	}
	wg.Wait()
}

func TestCallReturnsCommandError(t *testing.T) {
	f := newFakeEndpoint(t, func(conn *websocket.Conn, msg Message) {
		frame, _ := json.Marshal(Message{ID: msg.ID, Error: &CallError{Code: -32000, Message: "no such frame"}})
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	})
	c := dialFake(t, f)

	err := c.Call(context.Background(), "Page.navigate", nil, nil)
	require.Error(t, err)
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	require.Equal(t, -32000, callErr.Code)
}

func TestCloseRejectsAllPending(t *testing.T) {
	// Server swallows commands, so every call stays pending until Close.
	f := newFakeEndpoint(t, nil)
	c := dialFake(t, f)

	const n = 5
	errs := make(chan error, n)
	var started sync.WaitGroup
	for i := 0; i < n; i++ {
		started.Add(1)
		go func(i int) {
			started.Done()
			errs <- c.Call(context.Background(), fmt.Sprintf("Test.hang%d", i), nil, nil)
		}(i)
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond) // let the calls register their slots

	require.NoError(t, c.Close())

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, ErrClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("pending call never resolved after Close")
		}
	}

	// Calls after close fail immediately too.
	require.ErrorIs(t, c.Call(context.Background(), "Test.afterClose", nil, nil), ErrClosed)
}

func TestMalformedFrameIsDroppedNotFatal(t *testing.T) {
	f := newFakeEndpoint(t, func(conn *websocket.Conn, msg Message) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{{not json"))
		reply(conn, msg.ID, `{"ok":true}`)
	})
	c := dialFake(t, f)

	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, c.Call(context.Background(), "Test.cmd", nil, &out))
	require.True(t, out.OK)
}

func TestCallTimeout(t *testing.T) {
	f := newFakeEndpoint(t, nil) // never answers
	c := dialFake(t, f, WithCallTimeout(50*time.Millisecond))

	err := c.Call(context.Background(), "Test.hang", nil, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestListenDeliversEventsInOrder(t *testing.T) {
	f := newFakeEndpoint(t, func(conn *websocket.Conn, msg Message) {
		for i := 0; i < 3; i++ {
			frame, _ := json.Marshal(Message{
				Method: "Page.frameNavigated",
				Params: json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)),
			})
			_ = conn.WriteMessage(websocket.TextMessage, frame)
		}
		reply(conn, msg.ID, `{}`)
	})
	c := dialFake(t, f)

	events, cancel := c.Listen("Page.frameNavigated")
	defer cancel()

	require.NoError(t, c.Call(context.Background(), "Page.enable", nil, nil))

	for i := 0; i < 3; i++ {
		select {
		case raw := <-events:
			var ev struct {
				Seq int `json:"seq"`
			}
			require.NoError(t, json.Unmarshal(raw, &ev))
			require.Equal(t, i, ev.Seq)
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d never arrived", i)
		}
	}
}

func TestListenCancelDuringEventFloodIsSafe(t *testing.T) {
	// Every command triggers a burst of events. Subscribers churn
	// subscribe/cancel the whole time; cancelling must never close a
	// channel the read loop is about to send on.
	f := newFakeEndpoint(t, func(conn *websocket.Conn, msg Message) {
		for i := 0; i < 500; i++ {
			frame, _ := json.Marshal(Message{
				Method: "Flood.event",
				Params: json.RawMessage(`{}`),
			})
			_ = conn.WriteMessage(websocket.TextMessage, frame)
		}
		reply(conn, msg.ID, `{}`)
	})
	c := dialFake(t, f)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			events, cancel := c.Listen("Flood.event")
			select {
			case <-events:
			case <-time.After(time.Millisecond):
			}
			cancel()
		}
	}()

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Call(context.Background(), "Flood.burst", nil, nil))
	}
	close(stop)
	wg.Wait()

	// The read loop survived the churn.
	require.NoError(t, c.Call(context.Background(), "Flood.after", nil, nil))
}

func TestListenChannelClosedOnShutdown(t *testing.T) {
	f := newFakeEndpoint(t, nil)
	c := dialFake(t, f)

	events, cancel := c.Listen("Target.targetCreated")
	defer cancel()

	require.NoError(t, c.Close())

	select {
	case _, open := <-events:
		require.False(t, open, "listener channel should be closed after Close")
	case <-time.After(2 * time.Second):
		t.Fatal("listener channel not closed")
	}
}

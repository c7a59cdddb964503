// Package cdp implements a minimal client for the Chrome DevTools wire
// protocol: one long-lived websocket per target, commands correlated to
// responses by id, unsolicited events fanned out to subscribers.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrClosed is returned for every call issued on, or still pending when, a
// connection is torn down.
var ErrClosed = errors.New("cdp: connection closed")

// Message is a single DevTools protocol frame. Command frames carry ID,
// Method and Params; response frames carry ID and Result or Error; event
// frames carry Method and Params but no ID.
type Message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *CallError      `json:"error,omitempty"`
}

// CallError is the error object the browser attaches to a failed command.
type CallError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *CallError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("cdp: %s (code %d): %s", e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("cdp: %s (code %d)", e.Message, e.Code)
}

// Client multiplexes commands and events over one websocket connection to a
// target-scoped DevTools endpoint. Calls may be issued concurrently; the
// read loop correlates out-of-order responses by id and delivers each one to
// exactly the caller that sent the matching command.
type Client struct {
	ws          *websocket.Conn
	log         *zap.Logger
	callTimeout time.Duration

	writeMu sync.Mutex // serializes websocket writes

	mu        sync.Mutex
	nextID    int64
	pending   map[int64]chan *Message
	listeners map[string][]chan json.RawMessage
	closed    bool

	done      chan struct{}
	closeOnce sync.Once
}

// DialOption tweaks client construction.
type DialOption func(*Client)

// WithCallTimeout sets the per-command timeout applied when the caller's
// context has no earlier deadline. Zero disables it.
func WithCallTimeout(d time.Duration) DialOption {
	return func(c *Client) { c.callTimeout = d }
}

// Dial opens the duplex channel to a target's websocket debugger URL.
func Dial(ctx context.Context, wsURL string, logger *zap.Logger, opts ...DialOption) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial devtools endpoint %s: %w", wsURL, err)
	}

	c := &Client{
		ws:          ws,
		log:         logger,
		callTimeout: 30 * time.Second,
		pending:     make(map[int64]chan *Message),
		listeners:   make(map[string][]chan json.RawMessage),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop()
	return c, nil
}

// Call sends a command and blocks until its response arrives, the context or
// per-call timeout expires, or the connection closes. When out is non-nil
// the response's result object is unmarshaled into it.
func (c *Client) Call(ctx context.Context, method string, params, out interface{}) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode %s params: %w", method, err)
		}
		raw = b
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *Message, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	frame, err := json.Marshal(Message{ID: id, Method: method, Params: raw})
	if err != nil {
		c.abandon(id)
		return fmt.Errorf("failed to encode %s frame: %w", method, err)
	}

	c.writeMu.Lock()
	err = c.ws.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		// Send failures belong to this caller only; the read loop decides
		// whether the connection as a whole is dead.
		c.abandon(id)
		return fmt.Errorf("failed to send %s: %w", method, err)
	}

	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return fmt.Errorf("%s: %w", method, msg.Error)
		}
		if out != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, out); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.abandon(id)
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.done:
		return ErrClosed
	}
}

// Listen subscribes to an event method. Events are delivered in arrival
// order on a buffered channel; if the subscriber falls behind, events are
// dropped rather than blocking the read loop. The returned func cancels the
// subscription and closes the channel.
func (c *Client) Listen(method string) (<-chan json.RawMessage, func()) {
	ch := make(chan json.RawMessage, 16)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.listeners[method] = append(c.listeners[method], ch)
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		subs := c.listeners[method]
		for i, sub := range subs {
			if sub == ch {
				c.listeners[method] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

// Close tears down the connection. Every still-pending command is rejected
// with ErrClosed and all listener channels are closed.
func (c *Client) Close() error {
	err := c.ws.Close()
	c.shutdown()
	return err
}

func (c *Client) abandon(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// shutdown marks the client closed, wakes pending callers and closes
// listener channels. Safe to call from both Close and the read loop.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		for id := range c.pending {
			delete(c.pending, id)
		}
		for method, subs := range c.listeners {
			for _, sub := range subs {
				close(sub)
			}
			delete(c.listeners, method)
		}
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Debug("cdp read loop ended", zap.Error(err))
			}
			_ = c.ws.Close()
			c.shutdown()
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("dropping malformed devtools frame", zap.Error(err))
			continue
		}

		if msg.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- &msg // buffered, never blocks
			} else {
				c.log.Debug("response for unknown or abandoned id", zap.Int64("id", msg.ID))
			}
			continue
		}

		if msg.Method == "" {
			c.log.Warn("dropping frame with neither id nor method")
			continue
		}

		// Sends stay under the lock: listener channels are only closed
		// under c.mu (Listen's cancel, shutdown), so a subscriber
		// cancelling mid-flood cannot close a channel out from under the
		// fanout. The sends never block, so holding c.mu here is cheap.
		c.mu.Lock()
		for _, sub := range c.listeners[msg.Method] {
			select {
			case sub <- msg.Params:
			default:
				c.log.Warn("event listener backlogged, dropping event", zap.String("method", msg.Method))
			}
		}
		c.mu.Unlock()
	}
}

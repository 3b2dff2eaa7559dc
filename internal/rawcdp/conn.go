// Package rawcdp is a flat-session CDP transport over a single browser
// websocket. It skips chromedp's target initialisation and exposes each
// attached tab as a cdp.Executor.
package rawcdp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	protocdp "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var ErrNotConnected = errors.New("rawcdp: not connected")

// EventFunc receives decoded protocol events for one session.
type EventFunc func(ev any)

// Conn multiplexes commands and events for the browser target and every
// flat session attached through it.
type Conn struct {
	httpBase string

	mu   sync.Mutex
	conn net.Conn
	seq  atomic.Int64

	// pendingMu guards pending and live, the socket whose read loop still
	// answers pending commands.
	pendingMu sync.Mutex
	pending   map[int64]chan *cdproto.Message
	live      net.Conn

	listenMu  sync.RWMutex
	listeners map[target.SessionID]EventFunc
}

type request struct {
	ID        int64            `json:"id"`
	SessionID target.SessionID `json:"sessionId,omitempty"`
	Method    string           `json:"method"`
	Params    jsontext.Value   `json:"params,omitzero"`
}

// New returns an unconnected Conn for a DevTools HTTP endpoint such as
// http://127.0.0.1:9220.
func New(httpBase string) *Conn {
	return &Conn{
		httpBase:  strings.TrimRight(httpBase, "/"),
		pending:   make(map[int64]chan *cdproto.Message),
		listeners: make(map[target.SessionID]EventFunc),
	}
}

// Connect dials the browser websocket. It is a no-op when already connected.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	wsURL, err := c.browserWSURL(ctx)
	if err != nil {
		return fmt.Errorf("rawcdp: browser ws url: %w", err)
	}

	slog.Debug("rawcdp connecting", "ws_url", wsURL)
	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("rawcdp: dial: %w", err)
	}

	c.conn = conn
	c.pendingMu.Lock()
	c.live = conn
	c.pendingMu.Unlock()
	go c.readLoop(conn)
	return nil
}

// Close drops the websocket. Commands waiting for a reply fail.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	err := conn.Close()
	c.closeAllPending(conn)
	return err
}

// Execute sends a browser-level command. Conn itself is the executor for
// the browser target, so target.GetTargets().Do(cdp.WithExecutor(ctx, conn))
// works.
func (c *Conn) Execute(ctx context.Context, method string, params, res any) error {
	return c.execute(ctx, "", method, params, res)
}

// Session returns an executor bound to a flat session.
func (c *Conn) Session(id target.SessionID) protocdp.Executor {
	return &sessionExecutor{conn: c, id: id}
}

// Listen routes events for a session to fn. The empty session id receives
// browser-level events. The returned func removes the listener.
func (c *Conn) Listen(id target.SessionID, fn EventFunc) func() {
	c.listenMu.Lock()
	c.listeners[id] = fn
	c.listenMu.Unlock()
	return func() {
		c.listenMu.Lock()
		delete(c.listeners, id)
		c.listenMu.Unlock()
	}
}

type sessionExecutor struct {
	conn *Conn
	id   target.SessionID
}

func (s *sessionExecutor) Execute(ctx context.Context, method string, params, res any) error {
	return s.conn.execute(ctx, s.id, method, params, res)
}

func (c *Conn) execute(ctx context.Context, sessionID target.SessionID, method string, params, res any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	req := request{ID: c.seq.Add(1), SessionID: sessionID, Method: method}
	if params != nil {
		buf, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("rawcdp: marshal %s: %w", method, err)
		}
		req.Params = buf
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("rawcdp: marshal %s: %w", method, err)
	}

	ch := make(chan *cdproto.Message, 1)
	c.pendingMu.Lock()
	if c.live != conn {
		c.pendingMu.Unlock()
		return ErrNotConnected
	}
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()

	c.mu.Lock()
	err = wsutil.WriteClientText(conn, data)
	c.mu.Unlock()
	if err != nil {
		c.deletePending(req.ID)
		return fmt.Errorf("rawcdp: send %s: %w", method, err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return fmt.Errorf("rawcdp: %s: connection closed", method)
		}
		if msg.Error != nil {
			return msg.Error
		}
		if res != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, res); err != nil {
				return fmt.Errorf("rawcdp: unmarshal %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.deletePending(req.ID)
		return ctx.Err()
	}
}

func (c *Conn) readLoop(conn net.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		c.closeAllPending(conn)
	}()

	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			slog.Debug("rawcdp read loop exit", "error", err)
			return
		}

		msg := new(cdproto.Message)
		if err := json.Unmarshal(data, msg); err != nil {
			slog.Debug("rawcdp malformed message", "error", err)
			continue
		}

		if msg.ID > 0 {
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.pendingMu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}
		if msg.Method != "" {
			c.dispatchEvent(msg)
		}
	}
}

func (c *Conn) dispatchEvent(msg *cdproto.Message) {
	c.listenMu.RLock()
	fn := c.listeners[msg.SessionID]
	c.listenMu.RUnlock()
	if fn == nil {
		return
	}

	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		slog.Debug("rawcdp undecodable event", "method", msg.Method, "error", err)
		return
	}
	fn(ev)
}

func (c *Conn) deletePending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// closeAllPending fails every waiting command if conn is still the live
// socket. Later commands on conn are refused.
func (c *Conn) closeAllPending(conn net.Conn) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.live != conn {
		return
	}
	c.live = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// browserWSURL fetches the websocket debugger URL from /json/version.
func (c *Conn) browserWSURL(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpBase+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("/json/version: HTTP %d", resp.StatusCode)
	}

	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.UnmarshalRead(resp.Body, &info); err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("empty webSocketDebuggerUrl")
	}
	return info.WebSocketDebuggerURL, nil
}

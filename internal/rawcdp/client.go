package rawcdp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	protocdp "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/netintercept/internal/cdp"
	"github.com/dgnsrekt/netintercept/internal/config"
	"github.com/dgnsrekt/netintercept/internal/intercept"
)

// Client attaches flat sessions to matching page targets over one Conn and
// runs an interception session on each.
type Client struct {
	cfg         *config.Config
	installer   *cdp.Installer
	tabRegistry *cdp.TabRegistry
	conn        *Conn

	ctx    context.Context
	cancel context.CancelFunc

	tabsMu sync.RWMutex
	tabs   map[target.ID]*tab
}

type tab struct {
	id        target.ID
	sessionID target.SessionID
	session   *intercept.Session
	unlisten  func()
}

func NewClient(cfg *config.Config, installer *cdp.Installer, tabRegistry *cdp.TabRegistry) *Client {
	return &Client{
		cfg:         cfg,
		installer:   installer,
		tabRegistry: tabRegistry,
		conn:        New(cfg.CDPURL()),
		tabs:        make(map[target.ID]*tab),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	slog.Info("connecting to chromium", "url", c.cfg.CDPURL(), "transport", "raw")

	if err := c.conn.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.conn.Listen("", c.handleBrowserEvent)

	browserCtx := protocdp.WithExecutor(ctx, c.conn)
	targets, err := target.GetTargets().Do(browserCtx)
	if err != nil {
		return fmt.Errorf("failed to enumerate targets: %w", err)
	}
	slog.Info("found browser targets", "count", len(targets))

	attachedCount := 0
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if !cdp.MatchesTabURL(c.cfg.TabURLFilter, t.URL) {
			slog.Debug("skipping tab (url filter)", "url", t.URL)
			continue
		}
		if err := c.attachToTab(browserCtx, t.TargetID, t.URL); err != nil {
			slog.Error("failed to attach to tab", "target_id", t.TargetID, "url", t.URL, "error", err)
			continue
		}
		attachedCount++
	}

	if attachedCount == 0 {
		return fmt.Errorf("no tabs found matching INTERCEPTOR_TAB_URL_FILTER=%q", c.cfg.TabURLFilter)
	}

	slog.Info("attached to tabs", "count", attachedCount, "tab_url_filter", c.cfg.TabURLFilter)
	return nil
}

func (c *Client) attachToTab(browserCtx context.Context, targetID target.ID, url string) error {
	tabInfo, err := c.tabRegistry.Register(targetID, url)
	if err != nil {
		return fmt.Errorf("failed to register tab: %w", err)
	}

	sessionID, err := target.AttachToTarget(targetID).WithFlatten(true).Do(browserCtx)
	if err != nil {
		c.tabRegistry.Remove(targetID)
		return fmt.Errorf("failed to attach: %w", err)
	}

	exec := c.conn.Session(sessionID)
	session := c.installer.NewSession(exec, tabInfo)
	t := &tab{id: targetID, sessionID: sessionID, session: session}
	t.unlisten = c.conn.Listen(sessionID, c.createEventHandler(t))

	fail := func(err error) error {
		t.unlisten()
		session.Close()
		c.tabRegistry.Remove(targetID)
		return err
	}

	if err := page.Enable().Do(protocdp.WithExecutor(browserCtx, exec)); err != nil {
		return fail(fmt.Errorf("failed to enable page domain: %w", err))
	}
	if err := c.installer.Arm(browserCtx, session); err != nil {
		return fail(err)
	}

	c.tabsMu.Lock()
	c.tabs[targetID] = t
	c.tabsMu.Unlock()

	slog.Info("attached to tab",
		"target_id", targetID,
		"session_id", sessionID,
		"path_segment", tabInfo.PathSegment,
		"browser_id", tabInfo.BrowserID,
		"url", cdp.TruncateURL(url))
	return nil
}

func (c *Client) createEventHandler(t *tab) EventFunc {
	return func(ev any) {
		switch e := ev.(type) {
		case *page.EventFrameNavigated:
			if e.Frame.ParentID == "" {
				if info, err := c.tabRegistry.Register(t.id, e.Frame.URL); err == nil {
					slog.Info("tab navigated", "tab_id", t.id, "path_segment", info.PathSegment, "url", cdp.TruncateURL(e.Frame.URL))
				}
			}
		default:
			t.session.HandleEvent(c.ctx, ev)
		}
	}
}

func (c *Client) handleBrowserEvent(ev any) {
	e, ok := ev.(*target.EventDetachedFromTarget)
	if !ok {
		return
	}

	c.tabsMu.Lock()
	var gone *tab
	for id, t := range c.tabs {
		if t.sessionID == e.SessionID {
			gone = t
			delete(c.tabs, id)
			break
		}
	}
	c.tabsMu.Unlock()
	if gone == nil {
		return
	}

	gone.unlisten()
	gone.session.Close()
	c.tabRegistry.Remove(gone.id)
	slog.Info("tab detached", "target_id", gone.id, "session_id", gone.sessionID)
}

// Sessions returns the interception session of every attached tab.
func (c *Client) Sessions() []cdp.TabSession {
	c.tabsMu.RLock()
	defer c.tabsMu.RUnlock()

	out := make([]cdp.TabSession, 0, len(c.tabs))
	for id, t := range c.tabs {
		info, ok := c.tabRegistry.Get(id)
		if !ok {
			continue
		}
		out = append(out, cdp.TabSession{Info: *info, Session: t.session})
	}
	return out
}

func (c *Client) Close() error {
	c.tabsMu.Lock()
	tabs := c.tabs
	c.tabs = make(map[target.ID]*tab)
	c.tabsMu.Unlock()

	for id, t := range tabs {
		cdp.Release(t.session, 5*time.Second)
		t.unlisten()
		c.detach(t.sessionID)
		c.tabRegistry.Remove(id)
	}

	if c.cancel != nil {
		c.cancel()
	}
	err := c.conn.Close()
	slog.Info("raw cdp client closed")
	return err
}

func (c *Client) detach(sessionID target.SessionID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := target.DetachFromTarget().WithSessionID(sessionID).Do(protocdp.WithExecutor(ctx, c.conn)); err != nil {
		slog.Debug("detach failed", "session_id", sessionID, "error", err)
	}
}

func (c *Client) GetTabCount() int {
	c.tabsMu.RLock()
	defer c.tabsMu.RUnlock()
	return len(c.tabs)
}

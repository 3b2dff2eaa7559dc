package cdp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/netintercept/internal/config"
	"github.com/dgnsrekt/netintercept/internal/intercept"
)

// Client attaches to browser tabs through chromedp and runs one
// interception session per tab.
type Client struct {
	cfg         *config.Config
	installer   *Installer
	tabRegistry *TabRegistry
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabs        map[target.ID]*TabContext
	tabsMu      sync.RWMutex
}

type TabContext struct {
	ID      target.ID
	URL     string
	session *intercept.Session
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewClient(cfg *config.Config, installer *Installer, tabRegistry *TabRegistry) *Client {
	return &Client{
		cfg:         cfg,
		installer:   installer,
		tabRegistry: tabRegistry,
		tabs:        make(map[target.ID]*TabContext),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	cdpURL := c.cfg.CDPURL()
	slog.Info("connecting to chromium", "url", cdpURL, "transport", "chromedp")

	c.allocCtx, c.allocCancel = chromedp.NewRemoteAllocator(context.Background(), cdpURL)

	tempCtx, tempCancel := chromedp.NewContext(c.allocCtx)
	defer tempCancel()

	if err := chromedp.Run(tempCtx); err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	targets, err := chromedp.Targets(tempCtx)
	if err != nil {
		return fmt.Errorf("failed to enumerate targets: %w", err)
	}
	slog.Info("found browser targets", "count", len(targets))

	attachedCount := 0
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if !MatchesTabURL(c.cfg.TabURLFilter, t.URL) {
			slog.Debug("skipping tab (url filter)", "url", t.URL)
			continue
		}
		if err := c.attachToTab(ctx, t.TargetID, t.URL); err != nil {
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

func (c *Client) attachToTab(ctx context.Context, targetID target.ID, url string) error {
	tabInfo, err := c.tabRegistry.Register(targetID, url)
	if err != nil {
		return fmt.Errorf("failed to register tab: %w", err)
	}

	tabCtx, tabCancel := chromedp.NewContext(c.allocCtx, chromedp.WithTargetID(targetID))
	if err := chromedp.Run(tabCtx, page.Enable()); err != nil {
		tabCancel()
		c.tabRegistry.Remove(targetID)
		return fmt.Errorf("failed to enable page domain: %w", err)
	}

	session := c.installer.NewSession(chromedp.FromContext(tabCtx).Target, tabInfo)
	tab := &TabContext{ID: targetID, URL: url, session: session, ctx: tabCtx, cancel: tabCancel}
	chromedp.ListenTarget(tabCtx, c.createEventHandler(tab))

	if err := c.installer.Arm(tabCtx, session); err != nil {
		session.Close()
		tabCancel()
		c.tabRegistry.Remove(targetID)
		return err
	}

	c.tabsMu.Lock()
	c.tabs[targetID] = tab
	c.tabsMu.Unlock()

	slog.Info("attached to tab",
		"target_id", targetID,
		"path_segment", tabInfo.PathSegment,
		"browser_id", tabInfo.BrowserID,
		"url", TruncateURL(url))
	return nil
}

func (c *Client) createEventHandler(tab *TabContext) func(ev any) {
	tabID := tab.ID
	return func(ev any) {
		switch e := ev.(type) {
		case *page.EventFrameNavigated:
			if e.Frame.ParentID == "" {
				if info, err := c.tabRegistry.Register(tabID, e.Frame.URL); err == nil {
					slog.Info("tab navigated", "tab_id", tabID, "path_segment", info.PathSegment, "url", TruncateURL(e.Frame.URL))
				}
			}
		case *page.EventNavigatedWithinDocument:
			if info, err := c.tabRegistry.Register(tabID, e.URL); err == nil {
				slog.Debug("tab navigated within document", "tab_id", tabID, "path_segment", info.PathSegment, "url", TruncateURL(e.URL))
			}
		default:
			tab.session.HandleEvent(tab.ctx, ev)
		}
	}
}

// Sessions returns the interception session of every attached tab.
func (c *Client) Sessions() []TabSession {
	c.tabsMu.RLock()
	defer c.tabsMu.RUnlock()

	out := make([]TabSession, 0, len(c.tabs))
	for id, tab := range c.tabs {
		info, ok := c.tabRegistry.Get(id)
		if !ok {
			continue
		}
		out = append(out, TabSession{Info: *info, Session: tab.session})
	}
	return out
}

func (c *Client) Close() error {
	c.tabsMu.Lock()
	tabs := c.tabs
	c.tabs = make(map[target.ID]*TabContext)
	c.tabsMu.Unlock()

	for id, tab := range tabs {
		Release(tab.session, 5*time.Second)
		tab.cancel()
		c.tabRegistry.Remove(id)
	}

	if c.allocCancel != nil {
		c.allocCancel()
	}

	slog.Info("cdp client closed")
	return nil
}

func (c *Client) GetTabCount() int {
	c.tabsMu.RLock()
	defer c.tabsMu.RUnlock()
	return len(c.tabs)
}

// MatchesTabURL reports whether url contains filter, ignoring case. An empty
// filter matches every tab.
func MatchesTabURL(filter, url string) bool {
	if filter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(url), strings.ToLower(filter))
}

func TruncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}

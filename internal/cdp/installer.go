package cdp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cdproto "github.com/chromedp/cdproto/cdp"

	"github.com/dgnsrekt/netintercept/internal/intercept"
	"github.com/dgnsrekt/netintercept/internal/relay"
	"github.com/dgnsrekt/netintercept/internal/rules"
	"github.com/dgnsrekt/netintercept/internal/storage"
	"github.com/dgnsrekt/netintercept/internal/types"
)

// TabSession pairs an attached tab with its interception session.
type TabSession struct {
	Info    types.TabInfo
	Session *intercept.Session
}

// Installer builds interception sessions for attached tabs and arms them
// with the rule set. Both transports share it.
type Installer struct {
	Rules       *rules.Set
	Journals    *storage.JournalRegistry // nil disables journaling
	Feed        *relay.Broker            // nil disables the live feed
	CancelGrace time.Duration
	PendingTTL  time.Duration
}

// NewSession creates an unarmed session for a tab. Callers subscribe it to
// the tab's events before calling Arm so no cancellation is missed.
func (in *Installer) NewSession(exec cdproto.Executor, info *types.TabInfo) *intercept.Session {
	tabID := info.BrowserID
	opts := []intercept.Option{
		intercept.WithTabID(tabID),
		intercept.WithCancelGrace(in.CancelGrace),
		intercept.WithPendingTTL(in.PendingTTL),
		intercept.WithErrorSink(func(err error) {
			slog.Debug("interception error", "tab_id", tabID, "error", err)
		}),
	}
	var recs recorders
	if in.Journals != nil {
		recs = append(recs, in.Journals.Get(info.PathSegment, info.BrowserID))
	}
	if in.Feed != nil {
		recs = append(recs, in.Feed)
	}
	if len(recs) > 0 {
		opts = append(opts, intercept.WithRecorder(recs))
	}
	return intercept.NewSession(exec, opts...)
}

type recorders []intercept.Recorder

func (rs recorders) Record(rec types.InterceptionRecord) {
	for _, r := range rs {
		r.Record(rec)
	}
}

// Arm installs the rule handler, which enables interception on the tab.
func (in *Installer) Arm(ctx context.Context, s *intercept.Session) error {
	if _, err := s.Intercept(ctx, in.Rules.RequestHandler()); err != nil {
		return fmt.Errorf("install rule handler: %w", err)
	}
	return nil
}

// Release disables interception and stops the session's background work.
func Release(s *intercept.Session, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Disable(ctx); err != nil {
		slog.Debug("disable interception failed", "tab_id", s.TabID(), "error", err)
	}
	s.Close()
}

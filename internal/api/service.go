package api

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgnsrekt/netintercept/internal/cdp"
	"github.com/dgnsrekt/netintercept/internal/intercept"
	"github.com/dgnsrekt/netintercept/internal/rules"
	"github.com/dgnsrekt/netintercept/internal/storage"
	"github.com/dgnsrekt/netintercept/internal/types"
)

var ErrTabNotFound = errors.New("tab not found")

// SessionLister is implemented by both transports.
type SessionLister interface {
	Sessions() []cdp.TabSession
}

type TabStatus struct {
	types.TabInfo
	Enabled bool                    `json:"enabled"`
	Stats   intercept.StatsSnapshot `json:"stats"`
}

type StatsResult struct {
	Tabs           int                     `json:"tabs"`
	Totals         intercept.StatsSnapshot `json:"totals"`
	JournalDropped int64                   `json:"journal_dropped"`
}

type InFlightEntry struct {
	BrowserID string `json:"browser_id"`
	intercept.InFlightInfo
	AgeMS int64 `json:"age_ms"`
}

// Backend serves the control API from live transport state.
type Backend struct {
	tabs      SessionLister
	installer *cdp.Installer
	journals  *storage.JournalRegistry
	now       func() time.Time
}

func NewBackend(tabs SessionLister, installer *cdp.Installer, journals *storage.JournalRegistry) *Backend {
	return &Backend{tabs: tabs, installer: installer, journals: journals, now: time.Now}
}

func (b *Backend) ListTabs(ctx context.Context) ([]TabStatus, error) {
	sessions := b.sorted()
	out := make([]TabStatus, 0, len(sessions))
	for _, ts := range sessions {
		out = append(out, tabStatus(ts))
	}
	return out, nil
}

func (b *Backend) Stats(ctx context.Context) (StatsResult, error) {
	sessions := b.tabs.Sessions()
	res := StatsResult{Tabs: len(sessions)}
	for _, ts := range sessions {
		res.Totals = res.Totals.Add(ts.Session.Stats())
	}
	if b.journals != nil {
		res.JournalDropped = b.journals.Dropped()
	}
	return res, nil
}

func (b *Backend) InFlight(ctx context.Context) ([]InFlightEntry, error) {
	now := b.now()
	var out []InFlightEntry
	for _, ts := range b.sorted() {
		for _, info := range ts.Session.InFlight() {
			out = append(out, InFlightEntry{
				BrowserID:    ts.Info.BrowserID,
				InFlightInfo: info,
				AgeMS:        now.Sub(info.Since).Milliseconds(),
			})
		}
	}
	return out, nil
}

func (b *Backend) Rules(ctx context.Context) ([]rules.Rule, error) {
	return b.installer.Rules.Rules(), nil
}

func (b *Backend) ReplaceRules(ctx context.Context, rs []rules.Rule) ([]rules.Rule, error) {
	if err := b.installer.Rules.Replace(rs); err != nil {
		return nil, err
	}
	return b.installer.Rules.Rules(), nil
}

// SetInterception arms or disables interception on one tab.
func (b *Backend) SetInterception(ctx context.Context, browserID string, enabled bool) (TabStatus, error) {
	ts, ok := b.find(browserID)
	if !ok {
		return TabStatus{}, fmt.Errorf("%w: %s", ErrTabNotFound, browserID)
	}
	var err error
	if enabled {
		err = b.installer.Arm(ctx, ts.Session)
	} else {
		err = ts.Session.Disable(ctx)
	}
	if err != nil {
		return TabStatus{}, err
	}
	return tabStatus(ts), nil
}

func (b *Backend) find(browserID string) (cdp.TabSession, bool) {
	for _, ts := range b.tabs.Sessions() {
		if ts.Info.BrowserID == browserID {
			return ts, true
		}
	}
	return cdp.TabSession{}, false
}

func (b *Backend) sorted() []cdp.TabSession {
	sessions := b.tabs.Sessions()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Info.BrowserID < sessions[j].Info.BrowserID })
	return sessions
}

func tabStatus(ts cdp.TabSession) TabStatus {
	return TabStatus{TabInfo: ts.Info, Enabled: ts.Session.Enabled(), Stats: ts.Session.Stats()}
}

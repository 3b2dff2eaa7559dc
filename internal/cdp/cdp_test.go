package cdp

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"

	"github.com/dgnsrekt/netintercept/internal/relay"
	"github.com/dgnsrekt/netintercept/internal/rules"
	"github.com/dgnsrekt/netintercept/internal/storage"
)

type recordingExecutor struct {
	mu      sync.Mutex
	methods []string
	params  []any
}

func (e *recordingExecutor) Execute(ctx context.Context, method string, params, res any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.methods = append(e.methods, method)
	e.params = append(e.params, params)
	return nil
}

func (e *recordingExecutor) last(method string) any {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.methods) - 1; i >= 0; i-- {
		if e.methods[i] == method {
			return e.params[i]
		}
	}
	return nil
}

func TestTabRegistry(t *testing.T) {
	r := NewTabRegistry()
	info, err := r.Register("B0D5A8E8AAAA", "https://example.com/api/v1")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if info.BrowserID != "B0D5A8E8" || info.PathSegment != "api_v1" {
		t.Fatalf("Register() = %+v; want browser id B0D5A8E8 and path api_v1", info)
	}
	if _, err := r.Register("B0D5A8E8AAAA", "https://example.com/"); err != nil {
		t.Fatalf("Register(navigate) error = %v", err)
	}
	if got, _ := r.Get("B0D5A8E8AAAA"); got.PathSegment != "root" {
		t.Fatalf("PathSegment after navigate = %q; want root", got.PathSegment)
	}
	_, _ = r.Register("A0000000", "https://a.test/")
	list := r.List()
	if len(list) != 2 || list[0].TargetID != "A0000000" {
		t.Fatalf("List() = %+v; want 2 tabs sorted by id", list)
	}
	r.Remove("A0000000")
	if r.Count() != 1 {
		t.Fatalf("Count() = %d; want 1", r.Count())
	}
}

func TestMatchesTabURL(t *testing.T) {
	tests := []struct {
		filter, url string
		want        bool
	}{
		{"", "https://anything.test/", true},
		{"Example.com", "https://www.example.com/app", true},
		{"example.com", "https://other.test/", false},
	}
	for _, tt := range tests {
		if got := MatchesTabURL(tt.filter, tt.url); got != tt.want {
			t.Fatalf("MatchesTabURL(%q, %q) = %v; want %v", tt.filter, tt.url, got, tt.want)
		}
	}
}

func TestInstallerArmsSessionWithRules(t *testing.T) {
	set, err := rules.NewSet([]rules.Rule{{
		Name:       "tag",
		Stage:      rules.StageRequest,
		URL:        "*",
		SetHeaders: map[string]string{"X-Test": "1"},
	}})
	if err != nil {
		t.Fatalf("rules.NewSet() error = %v", err)
	}
	dir := t.TempDir()
	journals := storage.NewJournalRegistry(dir, 8, 1, 64)
	t.Cleanup(func() { journals.Close() })

	feed := relay.NewBroker()
	subID, events := feed.Subscribe()
	defer feed.Unsubscribe(subID)

	in := &Installer{Rules: set, Journals: journals, Feed: feed, CancelGrace: time.Millisecond, PendingTTL: time.Minute}
	reg := NewTabRegistry()
	info, _ := reg.Register("B0D5A8E8AAAA", "https://example.com/")
	exec := &recordingExecutor{}

	s := in.NewSession(exec, info)
	if err := in.Arm(context.Background(), s); err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	if exec.last(fetch.CommandEnable) == nil {
		t.Fatalf("Arm() did not enable the fetch domain")
	}

	ev := &fetch.EventRequestPaused{
		RequestID: "int-1",
		NetworkID: "net-1",
		Request:   &network.Request{URL: "https://example.com/", Method: "GET", Headers: network.Headers{}},
	}
	if err := s.OnRequestPaused(context.Background(), ev); err != nil {
		t.Fatalf("OnRequestPaused() error = %v", err)
	}
	params, ok := exec.last(fetch.CommandContinueRequest).(*fetch.ContinueRequestParams)
	if !ok || len(params.Headers) != 1 || params.Headers[0].Name != "X-Test" {
		t.Fatalf("continueRequest params = %+v; want X-Test override", params)
	}
	select {
	case evt := <-events:
		if evt.Tab != "B0D5A8E8" || evt.Stage != "request" {
			t.Fatalf("feed event = %+v; want request on B0D5A8E8", evt)
		}
	default:
		t.Fatalf("feed received no event")
	}

	Release(s, time.Second)
	if exec.last(fetch.CommandDisable) == nil {
		t.Fatalf("Release() did not disable the fetch domain")
	}
	if err := journals.Close(); err != nil {
		t.Fatalf("journals.Close() error = %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*", "root", "interceptions", "B0D5A8E8.jsonl"))
	if len(matches) != 1 {
		t.Fatalf("journal files = %v; want one file for the tab", matches)
	}
}

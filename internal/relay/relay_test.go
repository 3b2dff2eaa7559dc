package relay

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/netintercept/internal/types"
)

func TestBrokerRecordPublishesJSON(t *testing.T) {
	b := NewBroker()
	b.Record(types.InterceptionRecord{TabID: "AAAA0001"})

	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	b.Record(types.InterceptionRecord{TabID: "AAAA0001", Stage: "request", URL: "https://example.com/", RawBody: []byte("secret")})
	select {
	case evt := <-ch:
		if evt.Tab != "AAAA0001" || evt.Stage != "request" {
			t.Fatalf("event = %+v; want tab AAAA0001 request", evt)
		}
		if !strings.Contains(evt.Payload, `"url":"https://example.com/"`) || strings.Contains(evt.Payload, "secret") {
			t.Fatalf("Payload = %s; want url without raw body", evt.Payload)
		}
	default:
		t.Fatalf("no event published")
	}
	if len(ch) != 0 {
		t.Fatalf("record before subscribe was delivered")
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	id, _ := b.Subscribe()
	defer b.Unsubscribe(id)

	for i := 0; i < subscriberBufSize+3; i++ {
		b.Publish(Event{Tab: "x", Payload: "{}"})
	}
	if got := b.Dropped(); got != 3 {
		t.Fatalf("Dropped() = %d; want 3", got)
	}
}

func TestSSEHandlerFiltersTabsAndStage(t *testing.T) {
	b := NewBroker()
	srv := httptest.NewServer(SSEHandler(b))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?tabs=AAAA0001&stage=response", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q; want text/event-stream", ct)
	}

	for b.ClientCount() == 0 {
		select {
		case <-ctx.Done():
			t.Fatalf("subscriber never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	b.Record(types.InterceptionRecord{TabID: "BBBB0002", Stage: "response", InterceptionID: "other-tab"})
	b.Record(types.InterceptionRecord{TabID: "AAAA0001", Stage: "request", InterceptionID: "other-stage"})
	b.Record(types.InterceptionRecord{TabID: "AAAA0001", Stage: "response", InterceptionID: "wanted"})

	sc := bufio.NewScanner(resp.Body)
	var event string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			if event != "interception" || !strings.Contains(line, `"interception_id":"wanted"`) {
				t.Fatalf("first event = %q %q; want interception for wanted", event, line)
			}
			return
		}
	}
	t.Fatalf("stream ended without data: %v", sc.Err())
}

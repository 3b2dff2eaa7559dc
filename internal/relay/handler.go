package relay

import (
	"fmt"
	"net/http"
	"strings"
)

// SSEHandler streams interception decisions as SSE. Clients may filter with
// ?tabs=<browser_id>,... and ?stage=request|response.
func SSEHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		tabFilter := parseSet(r.URL.Query().Get("tabs"))
		stage := strings.TrimSpace(r.URL.Query().Get("stage"))

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher.Flush()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if tabFilter != nil && !tabFilter[evt.Tab] {
					continue
				}
				if stage != "" && evt.Stage != stage {
					continue
				}
				fmt.Fprintf(w, "event: interception\ndata: %s\n\n", evt.Payload)
				flusher.Flush()
			}
		}
	}
}

// parseSet splits a comma list. Empty input means no filter.
func parseSet(q string) map[string]bool {
	if q == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, f := range strings.Split(q, ",") {
		if f = strings.TrimSpace(f); f != "" {
			set[f] = true
		}
	}
	return set
}

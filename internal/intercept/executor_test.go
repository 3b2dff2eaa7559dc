package intercept

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"

	"github.com/dgnsrekt/netintercept/internal/types"
)

type execCall struct {
	method string
	params any
}

// fakeExecutor records every command and serves response bodies.
type fakeExecutor struct {
	mu     sync.Mutex
	calls  []execCall
	errs   map[string][]error
	bodies map[fetch.RequestID][]byte
	onCall func(method string)
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		errs:   make(map[string][]error),
		bodies: make(map[fetch.RequestID][]byte),
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, method string, params, res any) error {
	f.mu.Lock()
	f.calls = append(f.calls, execCall{method: method, params: params})
	var err error
	if q := f.errs[method]; len(q) > 0 {
		err = q[0]
		f.errs[method] = q[1:]
	}
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(method)
	}
	if err != nil {
		return err
	}

	if method == fetch.CommandGetResponseBody {
		p := params.(*fetch.GetResponseBodyParams)
		f.mu.Lock()
		body, ok := f.bodies[p.RequestID]
		f.mu.Unlock()
		if !ok {
			return &cdproto.Error{Code: -32000, Message: "No resource with given identifier found"}
		}
		r := res.(*fetch.GetResponseBodyReturns)
		r.Body = base64.StdEncoding.EncodeToString(body)
		r.Base64encoded = true
	}
	return nil
}

func (f *fakeExecutor) failNext(method string, err error) {
	f.mu.Lock()
	f.errs[method] = append(f.errs[method], err)
	f.mu.Unlock()
}

func (f *fakeExecutor) setBody(id fetch.RequestID, body string) {
	f.mu.Lock()
	f.bodies[id] = []byte(body)
	f.mu.Unlock()
}

func (f *fakeExecutor) reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

func (f *fakeExecutor) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.method)
	}
	return out
}

func (f *fakeExecutor) callsTo(method string) []execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []execCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

type recorderFunc func(types.InterceptionRecord)

func (f recorderFunc) Record(rec types.InterceptionRecord) { f(rec) }

func staleErr() error {
	return &cdproto.Error{Code: -32602, Message: "Invalid InterceptionId."}
}

func requestPaused(id, networkID, method, url string) *fetch.EventRequestPaused {
	return &fetch.EventRequestPaused{
		RequestID: fetch.RequestID(id),
		NetworkID: network.RequestID(networkID),
		Request: &network.Request{
			URL:     url,
			Method:  method,
			Headers: network.Headers{"Accept": "*/*"},
		},
		ResourceType: network.ResourceTypeDocument,
	}
}

func responsePaused(id, networkID, url string, status int64) *fetch.EventRequestPaused {
	ev := requestPaused(id, networkID, "GET", url)
	ev.ResponseStatusCode = status
	ev.ResponseStatusText = "OK"
	ev.ResponseHeaders = []*fetch.HeaderEntry{{Name: "Content-Type", Value: "text/plain"}}
	return ev
}

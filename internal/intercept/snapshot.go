package intercept

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
)

// Headers maps header names to values. Names keep the case they were
// received with. Repeated response headers (e.g. Set-Cookie) are joined
// with "\n" and split again when serialized.
type Headers map[string]string

// Get returns the value of the first header whose name matches key
// case-insensitively.
func (h Headers) Get(key string) (string, bool) {
	if v, ok := h[key]; ok {
		return v, true
	}
	for k, v := range h {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// Set replaces any header matching key case-insensitively.
func (h Headers) Set(key, value string) {
	h.Del(key)
	h[key] = value
}

// Del removes every header matching key case-insensitively.
func (h Headers) Del(key string) {
	for k := range h {
		if strings.EqualFold(k, key) {
			delete(h, k)
		}
	}
}

// Entries returns the headers as name-sorted wire entries.
func (h Headers) Entries() []*fetch.HeaderEntry {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make([]*fetch.HeaderEntry, 0, len(h))
	for _, name := range names {
		for _, v := range strings.Split(h[name], "\n") {
			out = append(out, &fetch.HeaderEntry{Name: name, Value: v})
		}
	}
	return out
}

func (h Headers) clone() Headers {
	if h == nil {
		return Headers{}
	}
	return maps.Clone(h)
}

func headersFromNetwork(in network.Headers) Headers {
	out := make(Headers, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func headersFromEntries(entries []*fetch.HeaderEntry) Headers {
	out := make(Headers, len(entries))
	for _, e := range entries {
		if e == nil {
			continue
		}
		if prev, ok := out[e.Name]; ok {
			out[e.Name] = prev + "\n" + e.Value
			continue
		}
		out[e.Name] = e.Value
	}
	return out
}

// Request is a snapshot of a paused request.
type Request struct {
	InterceptionID fetch.RequestID
	NetworkID      network.RequestID
	ResourceType   network.ResourceType

	URL     string
	Method  string
	Headers Headers
	Body    []byte
}

// NewRequest builds a request snapshot from a request-stage pause event.
func NewRequest(ev *fetch.EventRequestPaused) *Request {
	r := &Request{
		InterceptionID: ev.RequestID,
		NetworkID:      ev.NetworkID,
		ResourceType:   ev.ResourceType,
		Headers:        Headers{},
	}
	if ev.Request == nil {
		return r
	}
	r.URL = ev.Request.URL
	r.Method = ev.Request.Method
	r.Headers = headersFromNetwork(ev.Request.Headers)
	r.Body = decodePostData(ev.Request.PostDataEntries)
	return r
}

func decodePostData(entries []*network.PostDataEntry) []byte {
	var out []byte
	for _, entry := range entries {
		if entry == nil || entry.Bytes == "" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			out = append(out, entry.Bytes...)
			continue
		}
		out = append(out, decoded...)
	}
	return out
}

// Clone returns an independent copy.
func (r *Request) Clone() *Request {
	c := *r
	c.Headers = r.Headers.clone()
	if r.Body != nil {
		c.Body = bytes.Clone(r.Body)
	}
	return &c
}

// Equal reports whether URL, method, headers and body are identical.
func (r *Request) Equal(o *Request) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.URL == o.URL &&
		r.Method == o.Method &&
		maps.Equal(r.Headers, o.Headers) &&
		bytes.Equal(r.Body, o.Body)
}

// Response is a snapshot of a paused response.
type Response struct {
	InterceptionID fetch.RequestID
	NetworkID      network.RequestID
	URL            string
	Method         string

	Status      int
	StatusText  string
	Headers     Headers
	Body        []byte
	ErrorReason network.ErrorReason
}

// NewResponse builds a response snapshot from a response-stage pause event.
// body may be nil when it could not be fetched.
func NewResponse(ev *fetch.EventRequestPaused, body []byte) *Response {
	r := &Response{
		InterceptionID: ev.RequestID,
		NetworkID:      ev.NetworkID,
		Status:         int(ev.ResponseStatusCode),
		StatusText:     ev.ResponseStatusText,
		Headers:        headersFromEntries(ev.ResponseHeaders),
		Body:           body,
		ErrorReason:    ev.ResponseErrorReason,
	}
	if ev.Request != nil {
		r.URL = ev.Request.URL
		r.Method = ev.Request.Method
	}
	return r
}

// Clone returns an independent copy.
func (r *Response) Clone() *Response {
	c := *r
	c.Headers = r.Headers.clone()
	if r.Body != nil {
		c.Body = bytes.Clone(r.Body)
	}
	return &c
}

// Equal reports whether status, reason phrase, headers and body are
// identical.
func (r *Response) Equal(o *Response) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.Status == o.Status &&
		r.StatusText == o.StatusText &&
		maps.Equal(r.Headers, o.Headers) &&
		bytes.Equal(r.Body, o.Body)
}

// IsResponseStage reports whether a pause event was issued at the response
// stage.
func IsResponseStage(ev *fetch.EventRequestPaused) bool {
	return ev.ResponseStatusCode != 0 || ev.ResponseErrorReason != ""
}

// IsRedirect reports whether the status is an HTTP redirect.
func (r *Response) IsRedirect() bool {
	switch r.Status {
	case 301, 302, 303, 307, 308:
		return true
	}
	return false
}

package intercept

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/fetch"
)

func baseRequest() *Request {
	return &Request{
		InterceptionID: "int-1",
		NetworkID:      "net-1",
		URL:            "https://example.com/",
		Method:         "GET",
		Headers:        Headers{"Accept": "*/*"},
	}
}

func TestContinueRequestDecision(t *testing.T) {
	t.Run("identical_is_minimal", func(t *testing.T) {
		orig := baseRequest()
		dec, err := ContinueRequestDecision(orig, orig.Clone(), true)
		if err != nil {
			t.Fatalf("ContinueRequestDecision() error = %v", err)
		}
		if dec.Modified {
			t.Fatalf("Modified = true; want false")
		}
		p := dec.Action.(*fetch.ContinueRequestParams)
		if p.URL != "" || p.Method != "" || p.Headers != nil || p.PostData != "" || !p.InterceptResponse {
			t.Fatalf("params = %+v; want only InterceptResponse", p)
		}
	})

	t.Run("single_change_sends_everything", func(t *testing.T) {
		orig := baseRequest()
		mut := orig.Clone()
		mut.URL = "https://example.com/v2"
		dec, err := ContinueRequestDecision(orig, mut, false)
		if err != nil {
			t.Fatalf("ContinueRequestDecision() error = %v", err)
		}
		p := dec.Action.(*fetch.ContinueRequestParams)
		if !dec.Modified || p.URL != mut.URL || p.Method != "GET" || len(p.Headers) != 1 {
			t.Fatalf("params = %+v; want full override", p)
		}
		if dec.Command != fetch.CommandContinueRequest {
			t.Fatalf("Command = %q; want %q", dec.Command, fetch.CommandContinueRequest)
		}
	})

	t.Run("clearing_body_is_rejected", func(t *testing.T) {
		orig := baseRequest()
		orig.Method = "POST"
		orig.Body = []byte("a=1")
		mut := orig.Clone()
		mut.Body = nil
		_, err := ContinueRequestDecision(orig, mut, false)
		if !HasCode(err, CodeInvalidMutation) || !strings.Contains(err.Error(), "body") {
			t.Fatalf("ContinueRequestDecision() error = %v; want %s naming body", err, CodeInvalidMutation)
		}
	})

	t.Run("invalid_mutations", func(t *testing.T) {
		tests := []struct {
			name  string
			apply func(*Request)
			want  string
		}{
			{"empty_method", func(r *Request) { r.Method = "" }, "method"},
			{"spaced_method", func(r *Request) { r.Method = "GE T" }, "method"},
			{"empty_url", func(r *Request) { r.URL = "" }, "url"},
			{"relative_url", func(r *Request) { r.URL = "/path" }, "absolute"},
			{"empty_header_name", func(r *Request) { r.Headers[" "] = "x" }, "header"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				orig := baseRequest()
				mut := orig.Clone()
				tt.apply(mut)
				_, err := ContinueRequestDecision(orig, mut, false)
				if !HasCode(err, CodeInvalidMutation) || !strings.Contains(err.Error(), tt.want) {
					t.Fatalf("ContinueRequestDecision() error = %v; want %s naming %q", err, CodeInvalidMutation, tt.want)
				}
			})
		}
	})
}

func TestContinueResponseDecision(t *testing.T) {
	orig := &Response{
		InterceptionID: "int-1",
		Status:         200,
		StatusText:     "OK",
		Headers:        Headers{"Set-Cookie": "a=1\nb=2"},
		Body:           []byte("hi"),
	}

	t.Run("identical_continues", func(t *testing.T) {
		dec, err := ContinueResponseDecision(orig, orig.Clone())
		if err != nil {
			t.Fatalf("ContinueResponseDecision() error = %v", err)
		}
		if _, ok := dec.Action.(*fetch.ContinueResponseParams); !ok || dec.Modified {
			t.Fatalf("Action = %T modified=%v; want unmodified continueResponse", dec.Action, dec.Modified)
		}
	})

	t.Run("status_change_fulfills", func(t *testing.T) {
		mut := orig.Clone()
		mut.Status = 404
		dec, err := ContinueResponseDecision(orig, mut)
		if err != nil {
			t.Fatalf("ContinueResponseDecision() error = %v", err)
		}
		p := dec.Action.(*fetch.FulfillRequestParams)
		if p.ResponseCode != 404 || p.ResponsePhrase != "" {
			t.Fatalf("params = %+v; want 404 without phrase", p)
		}
		if len(p.ResponseHeaders) != 2 {
			t.Fatalf("ResponseHeaders = %d; want repeated header split in 2", len(p.ResponseHeaders))
		}
		body, _ := base64.StdEncoding.DecodeString(p.Body)
		if string(body) != "hi" {
			t.Fatalf("Body = %q; want hi", body)
		}
	})

	t.Run("non_utf8_headers_use_binary", func(t *testing.T) {
		mut := orig.Clone()
		mut.Headers["X-Raw"] = "\xff\xfe"
		dec, err := ContinueResponseDecision(orig, mut)
		if err != nil {
			t.Fatalf("ContinueResponseDecision() error = %v", err)
		}
		p := dec.Action.(*fetch.FulfillRequestParams)
		if p.ResponseHeaders != nil || p.BinaryResponseHeaders == "" {
			t.Fatalf("params = %+v; want binary headers only", p)
		}
		raw, _ := base64.StdEncoding.DecodeString(p.BinaryResponseHeaders)
		if !strings.Contains(string(raw), "X-Raw: \xff\xfe") || !strings.Contains(string(raw), "\x00") {
			t.Fatalf("binary headers = %q; want NUL separated pairs", raw)
		}
	})

	t.Run("reason_phrase_change_fulfills", func(t *testing.T) {
		mut := orig.Clone()
		mut.StatusText = "Fine"
		dec, err := ContinueResponseDecision(orig, mut)
		if err != nil {
			t.Fatalf("ContinueResponseDecision() error = %v", err)
		}
		p, ok := dec.Action.(*fetch.FulfillRequestParams)
		if !ok || p.ResponsePhrase != "Fine" {
			t.Fatalf("Action = %+v; want fulfillRequest with phrase Fine", dec.Action)
		}
	})

	t.Run("body_headers_dropped_on_fulfill", func(t *testing.T) {
		gz := orig.Clone()
		gz.Headers["Content-Encoding"] = "gzip"
		gz.Headers["content-md5"] = "x"
		mut := gz.Clone()
		mut.Headers.Set("X-Added", "1")
		dec, err := ContinueResponseDecision(gz, mut)
		if err != nil {
			t.Fatalf("ContinueResponseDecision() error = %v", err)
		}
		p := dec.Action.(*fetch.FulfillRequestParams)
		for _, h := range p.ResponseHeaders {
			if strings.EqualFold(h.Name, "Content-Encoding") || strings.EqualFold(h.Name, "Content-MD5") {
				t.Fatalf("ResponseHeaders kept %s", h.Name)
			}
		}
		if _, ok := mut.Headers.Get("Content-Encoding"); !ok {
			t.Fatalf("mutated snapshot lost Content-Encoding; want headers copied before filtering")
		}
	})

	t.Run("bodyless_change_continues_with_overrides", func(t *testing.T) {
		redirect := &Response{
			InterceptionID: "int-1",
			Status:         302,
			StatusText:     "Found",
			Headers:        Headers{"Location": "https://example.com/a"},
		}
		mut := redirect.Clone()
		mut.Headers.Set("Location", "https://example.com/b")
		dec, err := ContinueResponseDecision(redirect, mut)
		if err != nil {
			t.Fatalf("ContinueResponseDecision() error = %v", err)
		}
		p, ok := dec.Action.(*fetch.ContinueResponseParams)
		if !ok || !dec.Modified || dec.Command != fetch.CommandContinueResponse {
			t.Fatalf("Action = %T modified=%v; want modified continueResponse", dec.Action, dec.Modified)
		}
		if p.ResponseCode != 302 || len(p.ResponseHeaders) != 1 || p.ResponseHeaders[0].Value != "https://example.com/b" {
			t.Fatalf("params = %+v; want 302 with new Location", p)
		}
	})

	t.Run("status_out_of_range", func(t *testing.T) {
		mut := orig.Clone()
		mut.Status = 0
		if _, err := ContinueResponseDecision(orig, mut); !HasCode(err, CodeInvalidMutation) {
			t.Fatalf("ContinueResponseDecision() error = %v; want %s", err, CodeInvalidMutation)
		}
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindOther},
		{"protocol_stale", &cdproto.Error{Code: -32602, Message: "Invalid InterceptionId."}, KindStaleInterception},
		{"wrapped_stale", fmt.Errorf("continue: %w", &cdproto.Error{Message: "Invalid InterceptionId."}), KindStaleInterception},
		{"redirect_body", &cdproto.Error{Message: "Response body is unavailable for redirect responses"}, KindBodyUnavailable},
		{"pre_headers_body", errors.New("Can only get response body on requests captured after headers received."), KindBodyUnavailable},
		{"coded", newError(CodeBodyUnavailable, "x", nil), KindBodyUnavailable},
		{"other", errors.New("websocket closed"), KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got != tt.want {
				t.Fatalf("classify() = %s; want %s", got, tt.want)
			}
		})
	}
}

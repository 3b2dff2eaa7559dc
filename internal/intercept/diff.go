package intercept

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/chromedp"
)

// Decision is the single wire command chosen for a paused phase.
type Decision struct {
	Action   chromedp.Action
	Command  string
	Modified bool
}

// ContinueRequestDecision compares the original request with the one the
// handler produced. Identical snapshots continue unmodified; anything else
// sends a full override, since the protocol does not merge partial
// overrides. interceptResponse asks the browser to pause again at the
// response stage. A body cannot be removed: an override without post data
// keeps the original one, so clearing it is rejected.
func ContinueRequestDecision(original, mutated *Request, interceptResponse bool) (Decision, error) {
	if err := validateRequest(mutated); err != nil {
		return Decision{}, err
	}
	if len(original.Body) > 0 && len(mutated.Body) == 0 {
		return Decision{}, newError(CodeInvalidMutation, "body cannot be cleared", nil)
	}

	params := fetch.ContinueRequest(original.InterceptionID).WithInterceptResponse(interceptResponse)
	if original.Equal(mutated) {
		return Decision{Action: params, Command: fetch.CommandContinueRequest}, nil
	}

	params = params.
		WithURL(mutated.URL).
		WithMethod(mutated.Method).
		WithHeaders(mutated.Headers.Entries())
	if len(mutated.Body) > 0 {
		params = params.WithPostData(base64.StdEncoding.EncodeToString(mutated.Body))
	}
	return Decision{Action: params, Command: fetch.CommandContinueRequest, Modified: true}, nil
}

// ContinueResponseDecision is the response-stage counterpart: identical
// snapshots continue the response untouched. When neither snapshot holds a
// body (redirects, bodies the browser could not serve) the status and
// headers are overridden on the live response so its body survives.
// Otherwise the request is fulfilled with the mutated status, headers and
// decoded body, minus the headers that described the encoded one.
func ContinueResponseDecision(original, mutated *Response) (Decision, error) {
	if err := validateResponse(mutated); err != nil {
		return Decision{}, err
	}

	if original.Equal(mutated) {
		return Decision{Action: fetch.ContinueResponse(original.InterceptionID), Command: fetch.CommandContinueResponse}, nil
	}

	phrase := ""
	if mutated.StatusText != "" && (mutated.Status == original.Status || mutated.StatusText != original.StatusText) {
		phrase = mutated.StatusText
	}

	if original.Body == nil && mutated.Body == nil {
		params := fetch.ContinueResponse(original.InterceptionID).WithResponseCode(int64(mutated.Status))
		if needsBinaryHeaders(mutated.Headers) {
			params = params.WithBinaryResponseHeaders(binaryHeaders(mutated.Headers))
		} else {
			params = params.WithResponseHeaders(mutated.Headers.Entries())
		}
		if phrase != "" {
			params = params.WithResponsePhrase(phrase)
		}
		return Decision{Action: params, Command: fetch.CommandContinueResponse, Modified: true}, nil
	}

	headers := mutated.Headers.clone()
	for _, name := range encodingHeaders {
		headers.Del(name)
	}
	params := fetch.FulfillRequest(original.InterceptionID, int64(mutated.Status))
	if needsBinaryHeaders(headers) {
		params = params.WithBinaryResponseHeaders(binaryHeaders(headers))
	} else {
		params = params.WithResponseHeaders(headers.Entries())
	}
	if len(mutated.Body) > 0 {
		params = params.WithBody(base64.StdEncoding.EncodeToString(mutated.Body))
	}
	if phrase != "" {
		params = params.WithResponsePhrase(phrase)
	}
	return Decision{Action: params, Command: fetch.CommandFulfillRequest, Modified: true}, nil
}

// encodingHeaders describe the body as it came off the wire. Fulfilled
// bodies are the decoded bytes, so these no longer apply.
var encodingHeaders = []string{"Content-Encoding", "Content-Length", "Content-MD5", "ETag"}

// passThroughDecision releases a phase unmodified. At the request stage
// interceptResponse is always sent, so it decides whether the browser pauses
// again once the response arrives.
func passThroughDecision(stage requestStage, id fetch.RequestID, interceptResponse bool) Decision {
	if stage == stageResponse {
		return Decision{Action: fetch.ContinueResponse(id), Command: fetch.CommandContinueResponse}
	}
	return Decision{
		Action:  fetch.ContinueRequest(id).WithInterceptResponse(interceptResponse),
		Command: fetch.CommandContinueRequest,
	}
}

func validateRequest(r *Request) error {
	if r == nil {
		return newError(CodeInvalidMutation, "request is nil", nil)
	}
	if strings.TrimSpace(r.Method) == "" {
		return newError(CodeInvalidMutation, "method is required", nil)
	}
	if strings.ContainsAny(r.Method, " \t\r\n") {
		return newError(CodeInvalidMutation, fmt.Sprintf("method %q is not a valid token", r.Method), nil)
	}
	if strings.TrimSpace(r.URL) == "" {
		return newError(CodeInvalidMutation, "url is required", nil)
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return newError(CodeInvalidMutation, "url is malformed", err)
	}
	if u.Scheme == "" {
		return newError(CodeInvalidMutation, fmt.Sprintf("url %q must be absolute", r.URL), nil)
	}
	for name := range r.Headers {
		if strings.TrimSpace(name) == "" {
			return newError(CodeInvalidMutation, "header name is required", nil)
		}
	}
	return nil
}

func validateResponse(r *Response) error {
	if r == nil {
		return newError(CodeInvalidMutation, "response is nil", nil)
	}
	if r.Status < 100 || r.Status > 599 {
		return newError(CodeInvalidMutation, fmt.Sprintf("status %d is out of range", r.Status), nil)
	}
	for name := range r.Headers {
		if strings.TrimSpace(name) == "" {
			return newError(CodeInvalidMutation, "header name is required", nil)
		}
	}
	return nil
}

func needsBinaryHeaders(h Headers) bool {
	for k, v := range h {
		if !utf8.ValidString(k) || !utf8.ValidString(v) {
			return true
		}
	}
	return false
}

// binaryHeaders encodes headers as base64 of \0-separated "name: value" pairs.
func binaryHeaders(h Headers) string {
	entries := h.Entries()
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, e.Name+": "+e.Value)
	}
	return base64.StdEncoding.EncodeToString([]byte(strings.Join(parts, "\x00")))
}

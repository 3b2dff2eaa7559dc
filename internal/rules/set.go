package rules

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/dgnsrekt/netintercept/internal/intercept"
)

type compiledRule struct {
	Rule
	match   func(string) bool
	methods []string
}

func (c *compiledRule) matches(url, method string) bool {
	if len(c.methods) > 0 && !slices.Contains(c.methods, strings.ToUpper(method)) {
		return false
	}
	return c.match(url)
}

type compiled struct {
	raw      []Rule
	request  []*compiledRule
	response []*compiledRule
}

func compile(rules []Rule) (*compiled, error) {
	if err := Validate(rules); err != nil {
		return nil, err
	}
	c := &compiled{raw: slices.Clone(rules)}
	for _, r := range rules {
		re, err := compileGlob(r.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %q: url: %v", ErrInvalidRule, r.Name, err)
		}
		cr := &compiledRule{Rule: r, match: re.MatchString}
		for _, m := range r.Methods {
			cr.methods = append(cr.methods, strings.ToUpper(m))
		}
		if r.Stage == StageRequest {
			c.request = append(c.request, cr)
		} else {
			c.response = append(c.response, cr)
		}
	}
	return c, nil
}

// Set is a rule list that can be swapped while requests are in flight. Each
// pause sees one consistent version.
type Set struct {
	current atomic.Pointer[compiled]
}

// NewSet compiles rules into a Set.
func NewSet(rules []Rule) (*Set, error) {
	c, err := compile(rules)
	if err != nil {
		return nil, err
	}
	s := &Set{}
	s.current.Store(c)
	return s, nil
}

// Replace validates rules and swaps them in. On error the old rules stay.
func (s *Set) Replace(rules []Rule) error {
	c, err := compile(rules)
	if err != nil {
		return err
	}
	s.current.Store(c)
	slog.Info("rules replaced", "count", len(rules))
	return nil
}

// Rules returns a copy of the active rules.
func (s *Set) Rules() []Rule {
	return slices.Clone(s.current.Load().raw)
}

// RequestHandler applies matching request rules. When response rules match
// the same request it registers them for that request's response phase.
func (s *Set) RequestHandler() intercept.RequestHandler {
	return func(ctx context.Context, req *intercept.Request, next intercept.ContinueRequestFunc) error {
		c := s.current.Load()
		origURL, origMethod := req.URL, req.Method

		for _, r := range c.request {
			if r.matches(origURL, origMethod) {
				r.applyRequest(req)
				slog.Debug("request rule applied", "rule", r.Name, "url", origURL)
			}
		}

		var matched []*compiledRule
		for _, r := range c.response {
			if r.matches(req.URL, req.Method) {
				matched = append(matched, r)
			}
		}
		if len(matched) == 0 {
			return next(nil)
		}
		return next(func(ctx context.Context, res *intercept.Response, next intercept.ContinueResponseFunc) error {
			for _, r := range matched {
				r.applyResponse(res)
				slog.Debug("response rule applied", "rule", r.Name, "url", res.URL)
			}
			return next()
		})
	}
}

// ResponseHandler applies matching response rules. Use it as the fallback
// response handler when no request handler is installed.
func (s *Set) ResponseHandler() intercept.ResponseHandler {
	return func(ctx context.Context, res *intercept.Response, next intercept.ContinueResponseFunc) error {
		c := s.current.Load()
		for _, r := range c.response {
			if r.matches(res.URL, res.Method) {
				r.applyResponse(res)
				slog.Debug("response rule applied", "rule", r.Name, "url", res.URL)
			}
		}
		return next()
	}
}

func (r *compiledRule) applyRequest(req *intercept.Request) {
	if r.SetMethod != "" {
		req.Method = r.SetMethod
	}
	if r.SetURL != "" {
		req.URL = r.SetURL
	}
	for _, name := range r.RemoveHeaders {
		req.Headers.Del(name)
	}
	for name, value := range r.SetHeaders {
		req.Headers.Set(name, value)
	}
	if r.SetBody != "" {
		req.Body = []byte(r.SetBody)
	}
}

func (r *compiledRule) applyResponse(res *intercept.Response) {
	if r.SetStatus != 0 {
		res.Status = r.SetStatus
		res.StatusText = http.StatusText(r.SetStatus)
	}
	for _, name := range r.RemoveHeaders {
		res.Headers.Del(name)
	}
	for name, value := range r.SetHeaders {
		res.Headers.Set(name, value)
	}

	body := res.Body
	if r.SetBody != "" {
		body = []byte(r.SetBody)
	}
	for _, rep := range r.ReplaceBody {
		body = bytes.ReplaceAll(body, []byte(rep.Find), []byte(rep.Replace))
	}
	if !bytes.Equal(body, res.Body) {
		res.Body = body
		res.Headers.Del("Content-Length")
	}
}

package intercept

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"

	"github.com/dgnsrekt/netintercept/internal/types"
)

// ContinueRequestFunc resolves a request phase. A non-nil onResponse is
// registered for the response phase of the same request.
type ContinueRequestFunc func(onResponse ResponseHandler) error

// ContinueResponseFunc resolves a response phase.
type ContinueResponseFunc func() error

// RequestHandler inspects or mutates req and calls next exactly once.
type RequestHandler func(ctx context.Context, req *Request, next ContinueRequestFunc) error

// ResponseHandler inspects or mutates res and calls next exactly once.
type ResponseHandler func(ctx context.Context, res *Response, next ContinueResponseFunc) error

// Recorder receives one record per continuation command sent.
type Recorder interface {
	Record(rec types.InterceptionRecord)
}

const (
	DefaultCancelGrace = 50 * time.Millisecond
	DefaultPendingTTL  = 5 * time.Minute

	cleanupInterval = time.Minute
)

// Option configures a Session.
type Option func(*Session)

// WithCancelGrace sets how long a stale-interception failure waits for a
// matching cancellation event.
func WithCancelGrace(d time.Duration) Option {
	return func(s *Session) { s.grace = d }
}

// WithPendingTTL bounds how long pending response handlers and cancellation
// records are kept.
func WithPendingTTL(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithErrorSink receives handler failures and command errors.
func WithErrorSink(fn func(error)) Option {
	return func(s *Session) { s.sink = fn }
}

// WithRecorder journals every continuation command.
func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.recorder = r }
}

// WithTabID labels logs and records.
func WithTabID(id string) Option {
	return func(s *Session) { s.tabID = id }
}

// Session dispatches pause events for one browser target. Each pause is
// handled independently; no session lock is held while a handler runs or a
// command is in flight.
type Session struct {
	exec     cdp.Executor
	tabID    string
	grace    time.Duration
	ttl      time.Duration
	sink     func(error)
	recorder Recorder

	registry *Registry
	cancels  *CancellationTracker
	stats    Stats

	enableMu sync.Mutex

	mu              sync.RWMutex
	enabled         bool
	requestHandler  RequestHandler
	responseHandler ResponseHandler

	inflightMu sync.Mutex
	inflight   map[*phase]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates a session issuing commands through exec.
func NewSession(exec cdp.Executor, opts ...Option) *Session {
	s := &Session{
		exec:     exec,
		grace:    DefaultCancelGrace,
		ttl:      DefaultPendingTTL,
		registry: NewRegistry(),
		inflight: make(map[*phase]struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cancels = NewCancellationTracker(s.grace)

	go s.cleanupLoop()
	return s
}

// TabID returns the label given with WithTabID.
func (s *Session) TabID() string { return s.tabID }

// Enabled reports whether interception is on.
func (s *Session) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

func (s *Session) execContext(ctx context.Context) context.Context {
	return cdp.WithExecutor(ctx, s.exec)
}

// Enable turns on network events, disables the cache and pauses every
// request at both stages.
func (s *Session) Enable(ctx context.Context) error {
	s.enableMu.Lock()
	defer s.enableMu.Unlock()
	return s.enableLocked(ctx)
}

func (s *Session) enableLocked(ctx context.Context) error {
	s.mu.RLock()
	enabled := s.enabled
	s.mu.RUnlock()
	if enabled {
		return nil
	}

	cctx := s.execContext(ctx)
	if err := network.Enable().Do(cctx); err != nil {
		return fmt.Errorf("enable network domain: %w", err)
	}
	if err := network.SetCacheDisabled(true).Do(cctx); err != nil {
		return fmt.Errorf("disable cache: %w", err)
	}
	patterns := []*fetch.RequestPattern{
		{URLPattern: "*", RequestStage: fetch.RequestStageRequest},
		{URLPattern: "*", RequestStage: fetch.RequestStageResponse},
	}
	if err := fetch.Enable().WithPatterns(patterns).Do(cctx); err != nil {
		return fmt.Errorf("enable fetch domain: %w", err)
	}

	s.mu.Lock()
	s.enabled = true
	s.mu.Unlock()
	slog.Info("interception enabled", "tab_id", s.tabID)
	return nil
}

// Disable stops interception, removes all handlers and forgets pending
// state. Phases still waiting on a handler are released by the browser.
func (s *Session) Disable(ctx context.Context) error {
	s.enableMu.Lock()
	defer s.enableMu.Unlock()

	s.mu.Lock()
	wasEnabled := s.enabled
	s.enabled = false
	s.requestHandler = nil
	s.responseHandler = nil
	s.mu.Unlock()

	s.releaseInFlight()
	s.registry.Reset()
	s.cancels.Reset()
	if !wasEnabled {
		return nil
	}

	cctx := s.execContext(ctx)
	var errs []error
	if err := fetch.Disable().Do(cctx); err != nil {
		errs = append(errs, fmt.Errorf("disable fetch domain: %w", err))
	}
	if err := network.SetCacheDisabled(false).Do(cctx); err != nil {
		errs = append(errs, fmt.Errorf("enable cache: %w", err))
	}
	slog.Info("interception disabled", "tab_id", s.tabID)
	return errors.Join(errs...)
}

// Handle is returned by Intercept and RouteResponses.
type Handle struct {
	s    *Session
	once sync.Once
}

// Close disables interception and unregisters every handler of the session.
func (h *Handle) Close(ctx context.Context) error {
	var err error
	h.once.Do(func() { err = h.s.Disable(ctx) })
	return err
}

// Intercept installs the request-stage handler, enabling interception on
// first use. The most recently installed handler replaces any earlier one.
func (s *Session) Intercept(ctx context.Context, handler RequestHandler) (*Handle, error) {
	if handler == nil {
		return nil, newError(CodeRegistryMisuse, "nil request handler", nil)
	}
	s.enableMu.Lock()
	defer s.enableMu.Unlock()

	// Installed before enabling so the first pause already sees it.
	s.mu.Lock()
	prev := s.requestHandler
	s.requestHandler = handler
	s.mu.Unlock()
	if err := s.enableLocked(ctx); err != nil {
		s.mu.Lock()
		s.requestHandler = prev
		s.mu.Unlock()
		return nil, err
	}
	return &Handle{s: s}, nil
}

// RouteResponses installs the fallback response-stage handler, used when no
// request handler registered one for the same request.
func (s *Session) RouteResponses(ctx context.Context, handler ResponseHandler) (*Handle, error) {
	if handler == nil {
		return nil, newError(CodeRegistryMisuse, "nil response handler", nil)
	}
	s.enableMu.Lock()
	defer s.enableMu.Unlock()

	// Installed before enabling so the first pause already sees it.
	s.mu.Lock()
	prev := s.responseHandler
	s.responseHandler = handler
	s.mu.Unlock()
	if err := s.enableLocked(ctx); err != nil {
		s.mu.Lock()
		s.responseHandler = prev
		s.mu.Unlock()
		return nil, err
	}
	return &Handle{s: s}, nil
}

func (s *Session) handlers() (RequestHandler, ResponseHandler) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requestHandler, s.responseHandler
}

// HandleEvent is the event entry point for transports. It never blocks on a
// handler: pauses are dispatched on their own goroutine.
func (s *Session) HandleEvent(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case *fetch.EventRequestPaused:
		go func() {
			if err := s.OnRequestPaused(ctx, e); err != nil {
				slog.Warn("request pause dispatch failed",
					"tab_id", s.tabID,
					"request_id", e.RequestID,
					"error", err)
			}
		}()
	case *network.EventLoadingFailed:
		s.OnLoadingFailed(e)
	case *fetch.EventAuthRequired:
		go s.releaseAuth(ctx, e)
	}
}

// OnLoadingFailed records a browser cancellation and abandons any pending
// response handler for that request.
func (s *Session) OnLoadingFailed(ev *network.EventLoadingFailed) {
	if ev == nil {
		return
	}
	if ev.Canceled {
		s.stats.CancellationsSeen.Add(1)
	}
	s.cancels.OnLoadingFailed(ev.RequestID, ev.Canceled)
	if n := s.registry.DropNetwork(ev.RequestID); n > 0 {
		slog.Debug("dropped pending response handlers",
			"tab_id", s.tabID,
			"network_id", ev.RequestID,
			"count", n,
			"canceled", ev.Canceled)
	}
}

// OnRequestPaused dispatches one pause event and returns once a command was
// sent for it.
func (s *Session) OnRequestPaused(ctx context.Context, ev *fetch.EventRequestPaused) error {
	if ev == nil {
		return nil
	}
	s.stats.Paused.Add(1)
	if IsResponseStage(ev) {
		s.stats.ResponsePauses.Add(1)
		return s.dispatchResponse(ctx, ev)
	}
	s.stats.RequestPauses.Add(1)
	return s.dispatchRequest(ctx, ev)
}

func (s *Session) dispatchRequest(ctx context.Context, ev *fetch.EventRequestPaused) error {
	original := NewRequest(ev)
	networkID := original.NetworkID
	if networkID == "" {
		networkID = network.RequestID(original.InterceptionID)
	}
	p := newPhase(stageRequest, original.InterceptionID, networkID)
	p.url, p.method = original.URL, original.Method
	s.track(p)
	defer s.untrack(p)

	handler, global := s.handlers()
	wantResponse := global != nil
	fallback := passThroughDecision(stageRequest, original.InterceptionID, wantResponse)

	if handler == nil {
		if !p.claim() {
			return nil
		}
		if wantResponse {
			s.registry.BindNetwork(original.InterceptionID, networkID)
		}
		s.stats.PassedThrough.Add(1)
		_, err := s.send(ctx, p, fallback, nil)
		return err
	}

	req := original.Clone()
	next := func(onResponse ResponseHandler) error {
		return s.continueRequest(ctx, p, original, req, onResponse, wantResponse)
	}
	return s.runHandler(ctx, p, fallback, func() error {
		return handler(ctx, req, next)
	})
}

func (s *Session) continueRequest(ctx context.Context, p *phase, original, mutated *Request, onResponse ResponseHandler, global bool) error {
	if p.current() == stateDispatched {
		return ErrAlreadyHandled
	}
	interceptResponse := global || onResponse != nil
	dec, err := ContinueRequestDecision(original, mutated, interceptResponse)
	if err != nil {
		return err
	}
	if !p.claim() {
		return ErrAlreadyHandled
	}

	id := original.InterceptionID
	if onResponse != nil {
		if err := s.registry.RegisterPending(id, p.networkID, onResponse); err != nil {
			s.stats.PassedThrough.Add(1)
			if _, sendErr := s.send(ctx, p, passThroughDecision(stageRequest, id, false), nil); sendErr != nil {
				return errors.Join(err, sendErr)
			}
			return err
		}
	}
	if interceptResponse {
		s.registry.BindNetwork(id, p.networkID)
	}

	var body []byte
	if dec.Modified {
		s.stats.ContinuedOverridden.Add(1)
		body = mutated.Body
	} else {
		s.stats.ContinuedUnmodified.Add(1)
	}
	absorbed, err := s.send(ctx, p, dec, body)
	if absorbed || err != nil {
		s.registry.TakePending(id)
		s.registry.Unbind(id)
	}
	return err
}

func (s *Session) dispatchResponse(ctx context.Context, ev *fetch.EventRequestPaused) error {
	id := ev.RequestID
	networkID := ev.NetworkID
	if networkID == "" {
		networkID = s.registry.NetworkFor(id)
	}
	defer s.registry.Unbind(id)

	p := newPhase(stageResponse, id, networkID)
	p.status = int(ev.ResponseStatusCode)
	if ev.Request != nil {
		p.url, p.method = ev.Request.URL, ev.Request.Method
	}
	s.track(p)
	defer s.untrack(p)

	handler, ok := s.registry.TakePending(id)
	if !ok {
		_, handler = s.handlers()
	}

	// A failed response cannot be continued as a response.
	if ev.ResponseErrorReason != "" {
		if !p.claim() {
			return nil
		}
		s.stats.PassedThrough.Add(1)
		_, err := s.send(ctx, p, passThroughDecision(stageRequest, id, false), nil)
		return err
	}

	fallback := passThroughDecision(stageResponse, id, false)
	if handler == nil {
		if !p.claim() {
			return nil
		}
		s.stats.PassedThrough.Add(1)
		_, err := s.send(ctx, p, fallback, nil)
		return err
	}

	original := NewResponse(ev, nil)
	original.NetworkID = networkID
	if !original.IsRedirect() {
		body, absorbed, err := s.fetchBody(ctx, p)
		if absorbed {
			if p.claim() {
				p.finish(nil)
			}
			return nil
		}
		if err != nil {
			if p.claim() {
				s.stats.PassedThrough.Add(1)
				s.send(ctx, p, fallback, nil)
			}
			err = fmt.Errorf("fetch response body: %w", err)
			s.report(err)
			return err
		}
		original.Body = body
	}
	if p.current() == stateDispatched {
		return nil
	}

	res := original.Clone()
	next := func() error {
		return s.continueResponse(ctx, p, original, res)
	}
	return s.runHandler(ctx, p, fallback, func() error {
		return handler(ctx, res, next)
	})
}

// fetchBody reads the paused response body. Bodies the browser cannot serve
// come back as nil without error.
func (s *Session) fetchBody(ctx context.Context, p *phase) ([]byte, bool, error) {
	var body []byte
	absorbed, err := s.cancels.Guard(s.execContext(ctx), p.networkID, func(ctx context.Context) error {
		b, err := fetch.GetResponseBody(p.interceptionID).Do(ctx)
		body = b
		return err
	})
	if absorbed {
		s.stats.CancellationsAbsorbed.Add(1)
		return nil, true, nil
	}
	if err != nil {
		if classify(err) == KindBodyUnavailable {
			s.stats.BodyUnavailable.Add(1)
			slog.Debug("response body unavailable",
				"tab_id", s.tabID,
				"request_id", p.interceptionID,
				"status", p.status)
			return nil, false, nil
		}
		return nil, false, err
	}
	return body, false, nil
}

func (s *Session) continueResponse(ctx context.Context, p *phase, original, mutated *Response) error {
	if p.current() == stateDispatched {
		return ErrAlreadyHandled
	}
	dec, err := ContinueResponseDecision(original, mutated)
	if err != nil {
		return err
	}
	if !p.claim() {
		return ErrAlreadyHandled
	}

	var body []byte
	if dec.Modified {
		s.stats.ContinuedOverridden.Add(1)
		body = mutated.Body
	} else {
		s.stats.ContinuedUnmodified.Add(1)
	}
	_, err = s.send(ctx, p, dec, body)
	return err
}

// runHandler invokes a user handler and waits for its decision. A failing
// or panicking handler gets the phase released with fallback before the
// failure is returned.
func (s *Session) runHandler(ctx context.Context, p *phase, fallback Decision, call func() error) error {
	p.await()
	herr := invokeHandler(call)
	if herr != nil {
		if !p.claim() {
			if res := p.result(); res != nil && errors.Is(herr, res) {
				// The handler passed up the command error it got from next.
				return herr
			}
		} else {
			s.stats.PassedThrough.Add(1)
			if _, err := s.send(ctx, p, fallback, nil); err != nil {
				slog.Warn("fallback continue failed",
					"tab_id", s.tabID,
					"request_id", p.interceptionID,
					"error", err)
			}
		}
		s.stats.HandlerErrors.Add(1)
		err := newError(CodeHandlerFailed, fmt.Sprintf("%s handler failed for %s", p.stage, p.url), herr)
		slog.Warn("interception handler failed",
			"tab_id", s.tabID,
			"request_id", p.interceptionID,
			"stage", p.stage.String(),
			"url", p.url,
			"error", herr)
		s.report(err)
		return err
	}

	select {
	case <-p.done:
		return p.result()
	case <-ctx.Done():
		if p.claim() {
			p.finish(ctx.Err())
		}
		return ctx.Err()
	}
}

func invokeHandler(call func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return call()
}

// send issues the command for a claimed phase and resolves it.
func (s *Session) send(ctx context.Context, p *phase, dec Decision, body []byte) (bool, error) {
	start := time.Now()
	absorbed, err := s.cancels.Guard(s.execContext(ctx), p.networkID, dec.Action.Do)
	if absorbed {
		s.stats.CancellationsAbsorbed.Add(1)
	}
	if err != nil {
		s.stats.CommandErrors.Add(1)
		err = fmt.Errorf("%s: %w", dec.Command, err)
		s.report(err)
	}
	p.finish(err)
	s.record(p, dec, absorbed, err, time.Since(start), body)
	return absorbed, err
}

func (s *Session) record(p *phase, dec Decision, absorbed bool, err error, elapsed time.Duration, body []byte) {
	if s.recorder == nil {
		return
	}
	rec := types.InterceptionRecord{
		Timestamp:            time.Now().UTC(),
		TabID:                s.tabID,
		InterceptionID:       string(p.interceptionID),
		NetworkID:            string(p.networkID),
		Stage:                p.stage.String(),
		URL:                  p.url,
		Method:               p.method,
		Status:               p.status,
		Command:              dec.Command,
		Modified:             dec.Modified,
		CancellationAbsorbed: absorbed,
		DurationMS:           elapsed.Milliseconds(),
		RawBody:              body,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	s.recorder.Record(rec)
}

func (s *Session) report(err error) {
	if s.sink != nil {
		s.sink(err)
	}
}

func (s *Session) releaseAuth(ctx context.Context, ev *fetch.EventAuthRequired) {
	resp := &fetch.AuthChallengeResponse{Response: fetch.AuthChallengeResponseResponseDefault}
	if err := fetch.ContinueWithAuth(ev.RequestID, resp).Do(s.execContext(ctx)); err != nil {
		slog.Debug("continue with auth failed",
			"tab_id", s.tabID,
			"request_id", ev.RequestID,
			"error", err)
	}
}

func (s *Session) track(p *phase) {
	s.inflightMu.Lock()
	s.inflight[p] = struct{}{}
	s.inflightMu.Unlock()
}

func (s *Session) untrack(p *phase) {
	s.inflightMu.Lock()
	delete(s.inflight, p)
	s.inflightMu.Unlock()
}

func (s *Session) releaseInFlight() {
	s.inflightMu.Lock()
	phases := make([]*phase, 0, len(s.inflight))
	for p := range s.inflight {
		phases = append(phases, p)
	}
	s.inflightMu.Unlock()

	for _, p := range phases {
		if p.claim() {
			p.finish(nil)
		}
	}
}

// InFlight lists pause events that have not been resolved yet, oldest first.
func (s *Session) InFlight() []InFlightInfo {
	s.inflightMu.Lock()
	out := make([]InFlightInfo, 0, len(s.inflight))
	for p := range s.inflight {
		if p.current() == stateDispatched {
			continue
		}
		out = append(out, p.info())
	}
	s.inflightMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

// Stats returns the session counters.
func (s *Session) Stats() StatsSnapshot {
	snap := s.stats.snapshot()
	snap.PendingContinuations = s.registry.Len()
	snap.InFlight = len(s.InFlight())
	return snap
}

// Close stops background cleanup. It does not touch the browser; use
// Disable for that.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-s.done:
			return
		}
	}
}

func (s *Session) sweep(now time.Time) {
	threshold := now.Add(-s.ttl)
	pending := s.registry.Sweep(threshold)
	cancelled := s.cancels.Sweep(threshold)
	if pending > 0 || cancelled > 0 {
		s.stats.PendingSwept.Add(int64(pending))
		slog.Debug("swept stale interception state",
			"tab_id", s.tabID,
			"pending", pending,
			"cancellations", cancelled)
	}
}

package intercept

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto"
)

const (
	CodeHandlerFailed     = "HANDLER_FAILED"
	CodeStaleInterception = "STALE_INTERCEPTION"
	CodeBodyUnavailable   = "BODY_UNAVAILABLE"
	CodeInvalidMutation   = "INVALID_MUTATION"
	CodeRegistryMisuse    = "REGISTRY_MISUSE"
)

// ErrAlreadyHandled is returned when a continuation is invoked after the
// phase was already resolved.
var ErrAlreadyHandled = errors.New("interception already handled")

// Error is a typed error used for stable classification by callers.
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(code, msg string, cause error) error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

// HasCode reports whether any *Error in err's chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// ErrorKind is the protocol-level classification of a command failure.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindStaleInterception
	KindBodyUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindStaleInterception:
		return "stale_interception"
	case KindBodyUnavailable:
		return "body_unavailable"
	default:
		return "other"
	}
}

// Messages Chromium returns for an interception id it no longer knows, and
// for response bodies it cannot serve (redirects, pre-header stages,
// evicted resources).
var (
	staleHints = []string{
		"invalid interceptionid",
		"invalid interception id",
	}
	bodyUnavailableHints = []string{
		"can only get response body",
		"no data found for resource",
		"no resource with given identifier",
		"response body is unavailable for redirect",
	}
)

// classify maps a command error onto an ErrorKind. It is the only place that
// inspects protocol error text.
func classify(err error) ErrorKind {
	if err == nil {
		return KindOther
	}
	var e *Error
	if errors.As(err, &e) {
		switch e.Code {
		case CodeStaleInterception:
			return KindStaleInterception
		case CodeBodyUnavailable:
			return KindBodyUnavailable
		}
	}

	msg := err.Error()
	var protoErr *cdproto.Error
	if errors.As(err, &protoErr) {
		msg = protoErr.Message
	}
	msg = strings.ToLower(msg)
	for _, hint := range staleHints {
		if strings.Contains(msg, hint) {
			return KindStaleInterception
		}
	}
	for _, hint := range bodyUnavailableHints {
		if strings.Contains(msg, hint) {
			return KindBodyUnavailable
		}
	}
	return KindOther
}

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/netintercept/internal/intercept"
	"github.com/dgnsrekt/netintercept/internal/rules"
)

type Service interface {
	ListTabs(ctx context.Context) ([]TabStatus, error)
	Stats(ctx context.Context) (StatsResult, error)
	InFlight(ctx context.Context) ([]InFlightEntry, error)
	Rules(ctx context.Context) ([]rules.Rule, error)
	ReplaceRules(ctx context.Context, rs []rules.Rule) ([]rules.Rule, error)
	SetInterception(ctx context.Context, browserID string, enabled bool) (TabStatus, error)
}

type rulesOutput struct {
	Body struct {
		Rules []rules.Rule `json:"rules"`
	}
}

type tabOutput struct {
	Body TabStatus
}

type browserIDInput struct {
	BrowserID string `path:"browser_id" doc:"Short tab id shown in /api/v1/tabs"`
}

// NewServer builds the API router. events, when non-nil, is mounted at
// /api/v1/events as the live decision stream.
func NewServer(svc Service, events http.Handler) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Network Interceptor API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})

	if events != nil {
		router.Method(http.MethodGet, "/api/v1/events", events)
	}

	registerStatusHandlers(api, svc)
	registerRuleHandlers(api, svc)
	registerTabHandlers(api, svc)

	return router
}

func registerStatusHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
			Tabs   int    `json:"tabs"`
		}
	}

	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/api/v1/health", Summary: "Health check", Tags: []string{"Status"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			tabs, err := svc.ListTabs(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &healthOutput{}
			out.Body.Status = "ok"
			out.Body.Tabs = len(tabs)
			return out, nil
		})

	type statsOutput struct {
		Body StatsResult
	}

	huma.Register(api, huma.Operation{OperationID: "get-stats", Method: http.MethodGet, Path: "/api/v1/stats", Summary: "Interception counters summed over all tabs", Tags: []string{"Status"}},
		func(ctx context.Context, input *struct{}) (*statsOutput, error) {
			stats, err := svc.Stats(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &statsOutput{Body: stats}, nil
		})

	type inFlightOutput struct {
		Body struct {
			Phases []InFlightEntry `json:"phases"`
		}
	}

	huma.Register(api, huma.Operation{OperationID: "list-inflight", Method: http.MethodGet, Path: "/api/v1/inflight", Summary: "Paused requests awaiting a decision", Tags: []string{"Status"}},
		func(ctx context.Context, input *struct{}) (*inFlightOutput, error) {
			phases, err := svc.InFlight(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &inFlightOutput{}
			out.Body.Phases = phases
			if out.Body.Phases == nil {
				out.Body.Phases = []InFlightEntry{}
			}
			return out, nil
		})
}

func registerRuleHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "get-rules", Method: http.MethodGet, Path: "/api/v1/rules", Summary: "Active rewrite rules", Tags: []string{"Rules"}},
		func(ctx context.Context, input *struct{}) (*rulesOutput, error) {
			rs, err := svc.Rules(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &rulesOutput{}
			out.Body.Rules = nonNilRules(rs)
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "replace-rules", Method: http.MethodPut, Path: "/api/v1/rules", Summary: "Replace the rule set", Description: "The new rules apply to requests paused after the swap. Invalid rules leave the current set in place.", Tags: []string{"Rules"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Rules []rules.Rule `json:"rules" doc:"Complete rule list; an empty list removes every rule"`
			}
		}) (*rulesOutput, error) {
			rs, err := svc.ReplaceRules(ctx, input.Body.Rules)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &rulesOutput{}
			out.Body.Rules = nonNilRules(rs)
			return out, nil
		})
}

func registerTabHandlers(api huma.API, svc Service) {
	type listTabsOutput struct {
		Body struct {
			Tabs []TabStatus `json:"tabs"`
		}
	}

	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "Attached tabs with their counters", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*listTabsOutput, error) {
			tabs, err := svc.ListTabs(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listTabsOutput{}
			out.Body.Tabs = tabs
			if out.Body.Tabs == nil {
				out.Body.Tabs = []TabStatus{}
			}
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "enable-interception", Method: http.MethodPost, Path: "/api/v1/tabs/{browser_id}/interception", Summary: "Arm interception on a tab with the current rules", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *browserIDInput) (*tabOutput, error) {
			tab, err := svc.SetInterception(ctx, input.BrowserID, true)
			if err != nil {
				return nil, mapErr(err)
			}
			return &tabOutput{Body: tab}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "disable-interception", Method: http.MethodDelete, Path: "/api/v1/tabs/{browser_id}/interception", Summary: "Disable interception on a tab", Description: "Requests paused on the tab are released unmodified.", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *browserIDInput) (*tabOutput, error) {
			tab, err := svc.SetInterception(ctx, input.BrowserID, false)
			if err != nil {
				return nil, mapErr(err)
			}
			return &tabOutput{Body: tab}, nil
		})
}

func nonNilRules(rs []rules.Rule) []rules.Rule {
	if rs == nil {
		return []rules.Rule{}
	}
	return rs
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, rules.ErrInvalidRule):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, ErrTabNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return huma.Error504GatewayTimeout(err.Error())
	}
	var coded *intercept.Error
	if errors.As(err, &coded) {
		switch coded.Code {
		case intercept.CodeInvalidMutation:
			return huma.Error400BadRequest(coded.Error())
		case intercept.CodeRegistryMisuse:
			return huma.Error409Conflict(coded.Error())
		case intercept.CodeStaleInterception:
			return huma.Error502BadGateway(coded.Error())
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error502BadGateway(err.Error())
}

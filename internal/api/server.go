package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/ctrader_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/ctrader_agent/internal/controller"
	"github.com/dgnsrekt/ctrader_agent/internal/dispatch"
	"github.com/dgnsrekt/ctrader_agent/internal/session"
	"github.com/dgnsrekt/ctrader_agent/internal/snapshot"
	"github.com/dgnsrekt/ctrader_agent/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Service is what the HTTP layer needs from the controller.
type Service interface {
	Trade(ctx context.Context, req dispatch.Request) (controller.TradeResult, error)
	Health(ctx context.Context) controller.Health
	ListSessions(ctx context.Context) []session.Info
	CloseSession(ctx context.Context, identity string) error
	ListAutomations(ctx context.Context) ([]store.Automation, error)
	GetAutomation(ctx context.Context, ref string) (store.Automation, error)
	RunAutomation(ctx context.Context, ref string, input map[string]any) (controller.AutomationRun, error)
	RecentRuns(ctx context.Context, limit int) ([]store.Run, error)
	ListSnapshots(ctx context.Context, identity string) ([]snapshot.Meta, error)
	ReadSnapshotImage(ctx context.Context, id string) ([]byte, string, error)
}

type statusOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// ServerOption customizes NewServer.
type ServerOption func(chi.Router)

// WithEventStream mounts an event stream handler at /api/v1/events.
func WithEventStream(h http.HandlerFunc) ServerOption {
	return func(r chi.Router) { r.Get("/api/v1/events", h) }
}

func NewServer(svc Service, opts ...ServerOption) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("cTrader Agent Controller API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})

	for _, opt := range opts {
		opt(router)
	}

	registerTradeHandlers(api, svc)
	registerSessionHandlers(api, svc)
	registerAutomationHandlers(api, svc)
	registerSnapshotHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *cdpcontrol.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case cdpcontrol.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case cdpcontrol.CodeNotFound:
			return huma.Error404NotFound(coded.Message)
		case cdpcontrol.CodeBusy:
			return huma.Error409Conflict(coded.Message)
		case cdpcontrol.CodeEvalTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case cdpcontrol.CodeCDPUnavailable, cdpcontrol.CodeLaunchFailed, cdpcontrol.CodeNavigationFailed, cdpcontrol.CodeRunnerFailure:
			return huma.Error502BadGateway(coded.Message)
		case cdpcontrol.CodeStoreFailure:
			return huma.Error503ServiceUnavailable(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	if errors.Is(err, context.Canceled) {
		return huma.NewError(499, "client closed request")
	}
	return huma.Error500InternalServerError(err.Error())
}

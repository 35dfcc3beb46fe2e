// Package api assembles the terminal HTTP surface.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-pod/internal/api/handlers"
	"github.com/drfirst/go-pod/internal/api/middleware"
	"github.com/drfirst/go-pod/internal/observability/metrics"
	"github.com/drfirst/go-pod/internal/replication"
	"github.com/drfirst/go-pod/internal/workflow"
	"github.com/drfirst/go-pod/pkg/idempotency"
)

// ServiceName identifies the terminal in health output and traces.
const ServiceName = "go-pod"

// Version is reported by /health.
var Version = "1.0.0"

// RouterConfig holds everything the router serves.
type RouterConfig struct {
	DeviceID   string
	BackendURL string
	Workflow   *workflow.Workflow
	Scheduler  *replication.Scheduler
	Store      handlers.Pinger
	Metrics    *metrics.Metrics

	// Inbox deduplicates commits; nil uses a fresh in-memory inbox.
	Inbox  *idempotency.Inbox
	Logger *zap.Logger
}

// NewRouter builds the chi router with the global middleware stack.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	inbox := cfg.Inbox
	if inbox == nil {
		inbox = idempotency.NewInbox(idempotency.DefaultInboxConfig(), logger)
	}

	health := handlers.NewHealthHandler(cfg.Store, ServiceName, Version)
	dispenses := handlers.NewDispenseHandler(cfg.Workflow, inbox, logger)
	sync := handlers.NewSyncHandler(cfg.Scheduler, cfg.BackendURL, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(ServiceName))

	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", cfg.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/sync", sync.Routes())
		r.Group(func(r chi.Router) {
			r.Use(middleware.OperatorSession(cfg.DeviceID))
			r.Mount("/doses", dispenses.DoseRoutes())
			r.Mount("/dispenses", dispenses.Routes())
		})
	})

	return r
}

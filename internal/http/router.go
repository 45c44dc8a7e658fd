// Package http wires every feature handler into one router. Route groups
// carry their own auth: staff endpoints need a JWT, the ingest endpoint
// needs the producer API key, and the read-side views plus health and
// metrics are open to the internal network.
package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/benffsc/atlas/pkg/platform/middleware"

	entityhandler "github.com/benffsc/atlas/internal/entity/handler"
	identifierhandler "github.com/benffsc/atlas/internal/identifier/handler"
	leasehandler "github.com/benffsc/atlas/internal/lease/handler"
	mergehandler "github.com/benffsc/atlas/internal/merge/handler"
	pipelinehandler "github.com/benffsc/atlas/internal/pipeline/handler"
	reconcilehandler "github.com/benffsc/atlas/internal/reconcile/handler"
	resolvehandler "github.com/benffsc/atlas/internal/resolve/handler"
	reviewhandler "github.com/benffsc/atlas/internal/review/handler"
)

// Config carries the router's own knobs; handlers arrive prebuilt.
type Config struct {
	JWTSigningKey string
	IngestKeyHash string

	Entities    *entityhandler.Handler
	Identifiers *identifierhandler.Handler
	Resolve     *resolvehandler.Handler
	Merge       *mergehandler.Handler
	Pipeline    *pipelinehandler.Handler
	Reconcile   *reconcilehandler.Handler
	Leases      *leasehandler.Handler
	Review      *reviewhandler.Handler

	// IngestRateLimit, when set, wraps the ingest group. Connectors that
	// blow through it get 429s instead of filling the staging table.
	IngestRateLimit func(http.Handler) http.Handler

	Healthcheck http.HandlerFunc
	Logger      *slog.Logger
}

func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.Logger(cfg.Logger))

	r.Get("/healthz", cfg.Healthcheck)
	r.Handle("/metrics", promhttp.Handler())

	// Read-side surfaces: entity lookups and dashboard views.
	r.Group(func(r chi.Router) {
		cfg.Entities.Register(r)
		cfg.Review.Register(r)
	})

	// Producer surface: staged-record ingestion behind the API key.
	r.Group(func(r chi.Router) {
		r.Use(middleware.IngestKey(cfg.IngestKeyHash, cfg.Logger))
		if cfg.IngestRateLimit != nil {
			r.Use(cfg.IngestRateLimit)
		}
		cfg.Pipeline.RegisterIngest(r)
	})

	// Staff surface: everything that mutates canonical state.
	r.Group(func(r chi.Router) {
		r.Use(middleware.StaffAuth(cfg.JWTSigningKey, cfg.Logger))
		cfg.Resolve.Register(r)
		cfg.Merge.Register(r)
		cfg.Identifiers.Register(r)
		cfg.Pipeline.Register(r)
		cfg.Reconcile.Register(r)
		cfg.Leases.Register(r)
	})

	return r
}

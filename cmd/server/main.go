// Command server runs the Atlas identity resolution service: HTTP API,
// staged-record dispatcher, stale-source detector, and the audit outbox
// relay, all sharing one PostgreSQL pool.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"github.com/benffsc/atlas/pkg/platform/audit"
	"github.com/benffsc/atlas/pkg/platform/audit/relay"
	auditpostgres "github.com/benffsc/atlas/pkg/platform/audit/store/postgres"

	atlashttp "github.com/benffsc/atlas/internal/http"
	"github.com/benffsc/atlas/internal/platform/config"
	"github.com/benffsc/atlas/internal/platform/database"
	"github.com/benffsc/atlas/internal/platform/httpserver"
	"github.com/benffsc/atlas/internal/platform/logger"
	"github.com/benffsc/atlas/internal/platform/ratelimit"
	platformredis "github.com/benffsc/atlas/internal/platform/redis"

	entityhandler "github.com/benffsc/atlas/internal/entity/handler"
	entityservice "github.com/benffsc/atlas/internal/entity/service"
	entitystore "github.com/benffsc/atlas/internal/entity/store"
	"github.com/benffsc/atlas/internal/identifier/blacklist"
	identifierhandler "github.com/benffsc/atlas/internal/identifier/handler"
	identifierstore "github.com/benffsc/atlas/internal/identifier/store"
	leasehandler "github.com/benffsc/atlas/internal/lease/handler"
	leasemetrics "github.com/benffsc/atlas/internal/lease/metrics"
	leaseservice "github.com/benffsc/atlas/internal/lease/service"
	leasestore "github.com/benffsc/atlas/internal/lease/store"
	"github.com/benffsc/atlas/internal/match"
	matchmetrics "github.com/benffsc/atlas/internal/match/metrics"
	mergehandler "github.com/benffsc/atlas/internal/merge/handler"
	mergemetrics "github.com/benffsc/atlas/internal/merge/metrics"
	mergeservice "github.com/benffsc/atlas/internal/merge/service"
	"github.com/benffsc/atlas/internal/pipeline"
	pipelinehandler "github.com/benffsc/atlas/internal/pipeline/handler"
	pipelinemetrics "github.com/benffsc/atlas/internal/pipeline/metrics"
	pipelinemodels "github.com/benffsc/atlas/internal/pipeline/models"
	"github.com/benffsc/atlas/internal/pipeline/processors/clinichq"
	"github.com/benffsc/atlas/internal/pipeline/processors/volunteerhub"
	pipelinestore "github.com/benffsc/atlas/internal/pipeline/store"
	"github.com/benffsc/atlas/internal/provenance"
	provenanceservice "github.com/benffsc/atlas/internal/provenance/service"
	provenancestore "github.com/benffsc/atlas/internal/provenance/store"
	"github.com/benffsc/atlas/internal/reconcile"
	reconcilehandler "github.com/benffsc/atlas/internal/reconcile/handler"
	reconcilemetrics "github.com/benffsc/atlas/internal/reconcile/metrics"
	relationshipstore "github.com/benffsc/atlas/internal/relationship/store"
	resolvehandler "github.com/benffsc/atlas/internal/resolve/handler"
	resolvemetrics "github.com/benffsc/atlas/internal/resolve/metrics"
	resolveservice "github.com/benffsc/atlas/internal/resolve/service"
	resolvestore "github.com/benffsc/atlas/internal/resolve/store"
	reviewhandler "github.com/benffsc/atlas/internal/review/handler"
	reviewservice "github.com/benffsc/atlas/internal/review/service"

	id "github.com/benffsc/atlas/pkg/domain"
)

const (
	dispatchInterval = 30 * time.Second
	detectInterval   = 5 * time.Minute
	detectBatchLimit = 500
	relayInterval    = 2 * time.Second
	dispatchBatch    = 200
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()
	log := logger.New()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := database.ApplySchema(ctx, db); err != nil {
		return err
	}
	txRunner := database.NewTxRunner(db)

	auditStore := auditpostgres.New(db)
	auditor := audit.NewPublisher(auditStore)

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return err
	}
	var leases leasestore.Store
	var memoryLeases *leasestore.InMemory
	if redisClient != nil {
		leases = leasestore.NewRedis(redisClient)
		log.Info("edit leases backed by redis")
	} else {
		memoryLeases = leasestore.NewInMemory()
		leases = memoryLeases
		log.Warn("redis not configured, edit leases are in-memory only")
	}

	entities := entitystore.NewPostgres(db)
	identifiers := identifierstore.NewPostgres(db)
	blacklisted := blacklist.NewPostgres(db)
	fieldSources := provenancestore.NewPostgres(db)
	relationships := relationshipstore.NewPostgres(db)
	decisions := resolvestore.NewPostgres(db)
	staged := pipelinestore.NewPostgresStaged(db)
	registrations := pipelinestore.NewPostgresRegistrations(db)

	priorities := provenance.NewPriorityTable(nil, []string{"clinichq", "volunteerhub", "airtable", "legacy"})
	provSvc := provenanceservice.New(fieldSources, priorities, auditor)

	entitySvc, err := entityservice.New(entities, log)
	if err != nil {
		return err
	}
	engine, err := match.NewEngine(identifiers, blacklisted, entitySvc, cfg.Matcher.ReviewThreshold, matchmetrics.New(), log)
	if err != nil {
		return err
	}
	resolver, err := resolveservice.New(entitySvc, identifiers, engine, provSvc, decisions, txRunner, auditor, cfg.Matcher.AcceptThreshold, resolvemetrics.New(), log)
	if err != nil {
		return err
	}
	merger, err := mergeservice.New(entities, identifiers, relationships, provSvc, txRunner, auditor, mergemetrics.New(), log)
	if err != nil {
		return err
	}

	registry := pipeline.NewRegistry(
		clinichq.New(resolver, relationships, log),
		volunteerhub.New(resolver, log),
	)
	dispatcher, err := pipeline.NewDispatcher(staged, registrations, registry, txRunner, auditor, pipelinemetrics.New(), log, dispatchBatch)
	if err != nil {
		return err
	}
	if err := seedRegistrations(ctx, registrations); err != nil {
		return err
	}

	reconcileMetrics := reconcilemetrics.New()
	detector, err := reconcile.NewDetector(relationships, staged, auditor, reconcileMetrics, log)
	if err != nil {
		return err
	}
	reconciler, err := reconcile.NewReconciler(relationships, staged, provSvc, txRunner, auditor, reconcileMetrics, log)
	if err != nil {
		return err
	}

	leaseSvc, err := leaseservice.New(leases, cfg.Lease.TTL, auditor, leasemetrics.New(), log)
	if err != nil {
		return err
	}
	reviewSvc, err := reviewservice.New(resolver, provSvc, relationships, registrations, dispatcher, log)
	if err != nil {
		return err
	}

	var ingestLimit func(http.Handler) http.Handler
	if cfg.Ingest.RateLimit > 0 {
		var limitStore ratelimit.Store = ratelimit.NewInMemory()
		if redisClient != nil {
			limitStore = ratelimit.NewRedis(redisClient)
		}
		ingestLimit = ratelimit.Middleware(limitStore, cfg.Ingest.RateLimit, cfg.Ingest.RateWindow, log)
	}

	router := atlashttp.NewRouter(atlashttp.Config{
		JWTSigningKey: cfg.JWTSigningKey,
		IngestKeyHash: cfg.IngestKeyHash,

		Entities:    entityhandler.New(entitySvc, provSvc, relationships, auditStore, log),
		Identifiers: identifierhandler.New(blacklisted, log),
		Resolve:     resolvehandler.New(resolver, log),
		Merge:       mergehandler.New(merger, log),
		Pipeline:    pipelinehandler.New(dispatcher, log),
		Reconcile:   reconcilehandler.New(detector, reconciler, log),
		Leases:      leasehandler.New(leaseSvc, log),
		Review:      reviewhandler.New(reviewSvc, log),

		IngestRateLimit: ingestLimit,

		Healthcheck: healthcheck(db, redisClient),
		Logger:      log,
	})
	srv := httpserver.New(cfg.Addr, router)

	g, ctx := errgroup.WithContext(ctx)

	if len(cfg.Kafka.Brokers) > 0 {
		kafkaClient, err := kgo.NewClient(kgo.SeedBrokers(cfg.Kafka.Brokers...))
		if err != nil {
			return err
		}
		defer kafkaClient.Close()

		auditRelay := relay.New(db, kafkaClient, cfg.Kafka.AuditTopic, log)
		if err := auditRelay.EnsureTopic(ctx, 3, 1); err != nil {
			return err
		}
		g.Go(func() error { return auditRelay.Run(ctx, relayInterval) })
	} else {
		log.Warn("kafka not configured, audit events stay in the outbox table")
	}

	g.Go(func() error { return dispatcher.Run(ctx, dispatchInterval) })
	g.Go(func() error { return detector.Run(ctx, detectInterval, detectBatchLimit) })

	if memoryLeases != nil {
		// Redis expires leases itself; the memory store needs a periodic sweep.
		g.Go(func() error {
			ticker := time.NewTicker(cfg.Lease.TTL)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					memoryLeases.Sweep(ctx)
				}
			}
		})
	}

	g.Go(func() error {
		log.Info("atlas listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// seedRegistrations upserts the built-in processor routes so a fresh database
// accepts staged records without manual setup.
func seedRegistrations(ctx context.Context, registrations pipelinestore.RegistrationStore) error {
	defaults := []*pipelinemodels.ProcessorRegistration{
		{
			ID:                 uuid.New(),
			SourceSystem:       "clinichq",
			SourceTable:        "appointments",
			EntityType:         id.EntityPerson,
			ProcessorReference: "clinichq.appointments",
			Priority:           10,
			IsActive:           true,
		},
		{
			ID:                 uuid.New(),
			SourceSystem:       "volunteerhub",
			SourceTable:        "contacts",
			EntityType:         id.EntityPerson,
			ProcessorReference: "volunteerhub.contacts",
			Priority:           20,
			IsActive:           true,
		},
	}
	for _, reg := range defaults {
		if err := registrations.Upsert(ctx, reg); err != nil {
			return err
		}
	}
	return nil
}

func healthcheck(db *sql.DB, redisClient *platformredis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "ok"}
		code := http.StatusOK
		if err := db.PingContext(r.Context()); err != nil {
			status["status"] = "degraded"
			status["database"] = "unreachable"
			code = http.StatusServiceUnavailable
		}
		if redisClient != nil && !redisClient.Healthy(r.Context()) {
			status["status"] = "degraded"
			status["redis"] = "unreachable"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}

// Package service implements the create-or-match orchestrator: junk
// rejection, matcher invocation, check-then-create entity creation, and the
// match-decision audit trail.
package service

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	id "github.com/benffsc/atlas/pkg/domain"
	dErrors "github.com/benffsc/atlas/pkg/domain-errors"
	"github.com/benffsc/atlas/pkg/platform/audit"
	"github.com/benffsc/atlas/pkg/requestcontext"

	entitymodels "github.com/benffsc/atlas/internal/entity/models"
	entityservice "github.com/benffsc/atlas/internal/entity/service"
	identifiermodels "github.com/benffsc/atlas/internal/identifier/models"
	"github.com/benffsc/atlas/internal/identifier/normalize"
	identifierstore "github.com/benffsc/atlas/internal/identifier/store"
	"github.com/benffsc/atlas/internal/match"
	"github.com/benffsc/atlas/internal/platform/database"
	provenanceservice "github.com/benffsc/atlas/internal/provenance/service"
	"github.com/benffsc/atlas/internal/resolve/metrics"
	"github.com/benffsc/atlas/internal/resolve/models"
	"github.com/benffsc/atlas/internal/resolve/store"
)

var tracer = otel.Tracer("atlas/resolve")

// Request is one raw attribute bundle plus its source metadata.
type Request struct {
	EntityType  id.EntityType
	DisplayName string
	// Attributes are display fields keyed by field name ("address",
	// "email", ...). Each one is recorded through field provenance.
	Attributes  map[string]string
	Identifiers []match.BundleIdentifier

	SourceSystem   string
	SourceRecordID string
	StagedRecordID id.StagedRecordID
	ObservedAt     time.Time
	Confidence     float64

	// DisallowCreate makes a no-match outcome return a review_pending
	// decision instead of creating an entity.
	DisallowCreate bool
}

// Result is the outcome of one resolve attempt. Entity is nil for rejected
// and review_pending decisions.
type Result struct {
	Decision *models.MatchDecision
	Entity   *entitymodels.Entity
	Created  bool
}

// Service orchestrates matching and creation. Every attempt leaves a match
// decision behind, including rejections.
type Service struct {
	entities        *entityservice.Service
	identifiers     identifierstore.Store
	matcher         *match.Engine
	provenance      *provenanceservice.Service
	decisions       store.Store
	txRunner        database.TxRunner
	audit           *audit.Publisher
	acceptThreshold float64
	metrics         *metrics.Metrics
	logger          *slog.Logger
}

func New(entities *entityservice.Service, identifiers identifierstore.Store, matcher *match.Engine, prov *provenanceservice.Service, decisions store.Store, txRunner database.TxRunner, auditor *audit.Publisher, acceptThreshold float64, m *metrics.Metrics, logger *slog.Logger) (*Service, error) {
	if entities == nil || identifiers == nil || matcher == nil || prov == nil || decisions == nil || txRunner == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "all stores and services are required")
	}
	if acceptThreshold <= 0 || acceptThreshold > 1 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "accept threshold must be in (0, 1]")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		entities:        entities,
		identifiers:     identifiers,
		matcher:         matcher,
		provenance:      prov,
		decisions:       decisions,
		txRunner:        txRunner,
		audit:           auditor,
		acceptThreshold: acceptThreshold,
		metrics:         m,
		logger:          logger,
	}, nil
}

// ResolveOrCreate validates, matches, and either attaches the input to an
// existing entity, queues it for review, or creates a new entity with its
// identifiers. Identifier uniqueness is re-checked immediately before every
// insert, inside the same transaction: check-then-create, never
// create-then-check.
func (s *Service) ResolveOrCreate(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "resolve.ResolveOrCreate")
	defer span.End()
	defer func() {
		if s.metrics != nil {
			s.metrics.ObserveResolve(start)
		}
	}()

	if req == nil || !req.EntityType.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "a request with a valid entity type is required")
	}
	if req.SourceSystem == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "source system is required")
	}
	span.SetAttributes(
		attribute.String("entity_type", string(req.EntityType)),
		attribute.String("source_system", req.SourceSystem),
	)
	if req.ObservedAt.IsZero() {
		req.ObservedAt = requestcontext.Now(ctx)
	}
	if req.Confidence == 0 {
		req.Confidence = 1.0
	}

	if reason := s.validate(req); reason != "" {
		return s.reject(ctx, req, reason)
	}

	candidate, err := s.matcher.Match(ctx, &match.Bundle{
		EntityType:  req.EntityType,
		DisplayName: req.DisplayName,
		Address:     req.Attributes["address"],
		Identifiers: req.Identifiers,
	})
	if err != nil {
		return nil, err
	}

	switch {
	case candidate != nil && (candidate.Exact || candidate.Score >= s.acceptThreshold):
		return s.autoMatch(ctx, req, candidate)
	case candidate != nil:
		return s.queueReview(ctx, req, candidate)
	case req.DisallowCreate:
		return s.queueReview(ctx, req, nil)
	default:
		return s.createEntity(ctx, req)
	}
}

// Review resolves a pending decision. A nil chosen id records a reviewer
// rejection without attaching the input to anything.
func (s *Service) Review(ctx context.Context, decisionID id.DecisionID, chosen id.EntityID, reviewer string) (*models.MatchDecision, error) {
	if reviewer == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "reviewer is required")
	}
	var out *models.MatchDecision
	err := s.txRunner.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.decisions.MarkReviewed(ctx, decisionID, chosen, reviewer); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to mark decision reviewed")
		}
		decision, err := s.decisions.FindByID(ctx, decisionID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to reload decision")
		}
		out = decision
		return s.emit(ctx, audit.Event{
			EntityID: chosen,
			Action:   audit.EventEntityMatched.String(),
			Actor:    reviewer,
			Details:  map[string]any{"decision_id": decisionID.String(), "reviewed": true},
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListPending exposes the review queue.
func (s *Service) ListPending(ctx context.Context, limit int) ([]*models.MatchDecision, error) {
	pending, err := s.decisions.ListPending(ctx, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list pending decisions")
	}
	return pending, nil
}

// DecisionCountsSince summarizes decision outcomes recorded after the given
// instant, for the dashboard.
func (s *Service) DecisionCountsSince(ctx context.Context, since time.Time) (map[models.DecisionType]int, error) {
	counts, err := s.decisions.CountsSince(ctx, since)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count decisions")
	}
	return counts, nil
}

func (s *Service) reject(ctx context.Context, req *Request, reason string) (*Result, error) {
	decision := &models.MatchDecision{
		StagedRecordID: req.StagedRecordID,
		EntityType:     req.EntityType,
		DecisionType:   models.DecisionRejected,
		RejectReason:   reason,
	}
	err := s.txRunner.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.decisions.Create(ctx, decision); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record rejection decision")
		}
		return s.emit(ctx, audit.Event{
			Action: audit.EventInputRejected.String(),
			Reason: reason,
			Details: map[string]any{
				"source_system":    req.SourceSystem,
				"source_record_id": req.SourceRecordID,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	s.count(models.DecisionRejected)
	s.logger.Info("input rejected", "reason", reason,
		"source_system", req.SourceSystem, "source_record_id", req.SourceRecordID)
	return &Result{Decision: decision}, nil
}

func (s *Service) autoMatch(ctx context.Context, req *Request, candidate *match.Candidate) (*Result, error) {
	winner := candidate.Entity
	decision := &models.MatchDecision{
		StagedRecordID:    req.StagedRecordID,
		EntityType:        req.EntityType,
		DecisionType:      models.DecisionAutoMatch,
		ScoreBreakdown:    candidate.Breakdown,
		Candidates:        []models.CandidateRef{{EntityID: winner.ID, PublicID: winner.PublicID, Score: candidate.Score}},
		ResultingEntityID: winner.ID,
	}
	err := s.txRunner.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.attachIdentifiers(ctx, req, winner.ID); err != nil {
			return err
		}
		if err := s.recordFields(ctx, req, winner.ID); err != nil {
			return err
		}
		if err := s.decisions.Create(ctx, decision); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record match decision")
		}
		return s.emit(ctx, audit.Event{
			EntityType: winner.Type,
			EntityID:   winner.ID,
			Action:     audit.EventEntityMatched.String(),
			Details: map[string]any{
				"score":            candidate.Score,
				"exact":            candidate.Exact,
				"source_system":    req.SourceSystem,
				"source_record_id": req.SourceRecordID,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	s.count(models.DecisionAutoMatch)
	return &Result{Decision: decision, Entity: winner}, nil
}

func (s *Service) queueReview(ctx context.Context, req *Request, candidate *match.Candidate) (*Result, error) {
	decision := &models.MatchDecision{
		StagedRecordID: req.StagedRecordID,
		EntityType:     req.EntityType,
		DecisionType:   models.DecisionReviewPending,
	}
	if candidate != nil {
		decision.ScoreBreakdown = candidate.Breakdown
		decision.Candidates = []models.CandidateRef{{
			EntityID: candidate.Entity.ID,
			PublicID: candidate.Entity.PublicID,
			Score:    candidate.Score,
		}}
	}
	err := s.txRunner.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.decisions.Create(ctx, decision); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record review decision")
		}
		return s.emit(ctx, audit.Event{
			Action: audit.EventMatchReviewQueued.String(),
			Details: map[string]any{
				"decision_id":      decision.ID.String(),
				"source_system":    req.SourceSystem,
				"source_record_id": req.SourceRecordID,
				"candidates":       len(decision.Candidates),
			},
		})
	})
	if err != nil {
		return nil, err
	}
	s.count(models.DecisionReviewPending)
	return &Result{Decision: decision}, nil
}

func (s *Service) createEntity(ctx context.Context, req *Request) (*Result, error) {
	entity := &entitymodels.Entity{
		Type:         req.EntityType,
		DisplayName:  req.DisplayName,
		Attributes:   req.Attributes,
		SourceSystem: req.SourceSystem,
	}
	decision := &models.MatchDecision{
		StagedRecordID: req.StagedRecordID,
		EntityType:     req.EntityType,
		DecisionType:   models.DecisionNewEntity,
	}
	err := s.txRunner.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.entities.Create(ctx, entity); err != nil {
			return err
		}
		if err := s.attachIdentifiers(ctx, req, entity.ID); err != nil {
			return err
		}
		if err := s.recordFields(ctx, req, entity.ID); err != nil {
			return err
		}
		decision.ResultingEntityID = entity.ID
		if err := s.decisions.Create(ctx, decision); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record creation decision")
		}
		return s.emit(ctx, audit.Event{
			EntityType: entity.Type,
			EntityID:   entity.ID,
			Action:     audit.EventEntityCreated.String(),
			Details: map[string]any{
				"public_id":        entity.PublicID,
				"source_system":    req.SourceSystem,
				"source_record_id": req.SourceRecordID,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	s.count(models.DecisionNewEntity)
	s.logger.Info("entity created", "entity_type", entity.Type,
		"public_id", entity.PublicID, "source_system", req.SourceSystem)
	return &Result{Decision: decision, Entity: entity, Created: true}, nil
}

// attachIdentifiers adds the request's identifiers to the target, re-checking
// uniqueness under the ambient transaction right before each insert. A live
// holder other than the target means the matcher's view was stale; that is a
// conflict the caller must see, not a row to drop silently.
func (s *Service) attachIdentifiers(ctx context.Context, req *Request, target id.EntityID) error {
	for _, ident := range req.Identifiers {
		normalized, err := normalize.Value(ident.Type, ident.RawValue)
		if err != nil {
			continue
		}
		holders, err := s.identifiers.FindHolders(ctx, req.EntityType, ident.Type, normalized)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to re-check identifier uniqueness")
		}
		conflicting := false
		alreadyHeld := false
		for _, holder := range holders {
			canonical, err := s.entities.ResolveCanonical(ctx, req.EntityType, holder.EntityID)
			if err != nil {
				return err
			}
			if canonical.ID == target {
				alreadyHeld = true
				continue
			}
			conflicting = true
		}
		if conflicting {
			return dErrors.Newf(dErrors.CodeConflict,
				"identifier %s %q already held by another live entity", ident.Type, normalized)
		}
		if alreadyHeld {
			continue
		}
		err = s.identifiers.Add(ctx, &identifiermodels.Identifier{
			EntityType:      req.EntityType,
			EntityID:        target,
			Type:            ident.Type,
			RawValue:        ident.RawValue,
			NormalizedValue: normalized,
			SourceSystem:    req.SourceSystem,
			Confidence:      req.Confidence,
		})
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to add identifier")
		}
	}
	return nil
}

func (s *Service) recordFields(ctx context.Context, req *Request, target id.EntityID) error {
	if req.DisplayName != "" {
		if err := s.provenance.RecordField(ctx, target, "display_name", req.DisplayName,
			req.SourceSystem, req.SourceRecordID, req.ObservedAt, req.Confidence); err != nil {
			return err
		}
	}
	for field, value := range req.Attributes {
		if err := s.provenance.RecordField(ctx, target, field, value,
			req.SourceSystem, req.SourceRecordID, req.ObservedAt, req.Confidence); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) emit(ctx context.Context, event audit.Event) error {
	if s.audit == nil {
		return nil
	}
	if err := s.audit.Emit(ctx, event); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to write audit event")
	}
	return nil
}

func (s *Service) count(decisionType models.DecisionType) {
	if s.metrics != nil {
		s.metrics.RecordDecision(decisionType.String())
	}
}

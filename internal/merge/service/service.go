// Package service implements the merge engine: folding one canonical entity
// into another inside a single transaction, with full transfer accounting.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	id "github.com/benffsc/atlas/pkg/domain"
	dErrors "github.com/benffsc/atlas/pkg/domain-errors"
	"github.com/benffsc/atlas/pkg/platform/audit"
	"github.com/benffsc/atlas/pkg/platform/sentinel"
	"github.com/benffsc/atlas/pkg/requestcontext"

	entitymodels "github.com/benffsc/atlas/internal/entity/models"
	entitystore "github.com/benffsc/atlas/internal/entity/store"
	identifierstore "github.com/benffsc/atlas/internal/identifier/store"
	"github.com/benffsc/atlas/internal/merge/metrics"
	"github.com/benffsc/atlas/internal/platform/database"
	provenanceservice "github.com/benffsc/atlas/internal/provenance/service"
	relationshipstore "github.com/benffsc/atlas/internal/relationship/store"
)

// Request names the two entities to fold together. Both must be live
// canonical records of the same type.
type Request struct {
	EntityType id.EntityType
	LoserID    id.EntityID
	WinnerID   id.EntityID
	Reason     string
	Actor      string
}

// Result reports what one merge moved.
type Result struct {
	Winner *entitymodels.Entity

	MovedIdentifiers     int
	SkippedIdentifiers   int
	MovedRelationships   int
	SkippedRelationships int
	MovedObservations    int
	SkippedObservations  int
	BackfilledFields     int
	AliasCreated         bool
}

// Service is the merge engine.
type Service struct {
	entities      entitystore.Store
	identifiers   identifierstore.Store
	relationships relationshipstore.Store
	provenance    *provenanceservice.Service
	txRunner      database.TxRunner
	audit         *audit.Publisher
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

func New(entities entitystore.Store, identifiers identifierstore.Store, relationships relationshipstore.Store, prov *provenanceservice.Service, txRunner database.TxRunner, auditor *audit.Publisher, m *metrics.Metrics, logger *slog.Logger) (*Service, error) {
	if entities == nil || identifiers == nil || relationships == nil || prov == nil || txRunner == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "all stores and services are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		entities:      entities,
		identifiers:   identifiers,
		relationships: relationships,
		provenance:    prov,
		txRunner:      txRunner,
		audit:         auditor,
		metrics:       m,
		logger:        logger,
	}, nil
}

// Merge folds loser into winner. An already-merged participant is a hard
// error: the caller must re-resolve to the current canonical id first, which
// is what keeps merge chains from ever folding backwards.
var tracer = otel.Tracer("atlas/merge")

func (s *Service) Merge(ctx context.Context, req *Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "merge.Merge")
	defer span.End()

	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.ObserveMerge(start)
		}
	}()

	if req == nil || !req.EntityType.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "a request with a valid entity type is required")
	}
	if req.LoserID.IsNil() || req.WinnerID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "loser and winner ids are required")
	}
	if req.LoserID == req.WinnerID {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "cannot merge an entity into itself")
	}
	span.SetAttributes(
		attribute.String("entity_type", string(req.EntityType)),
		attribute.String("loser_id", req.LoserID.String()),
		attribute.String("winner_id", req.WinnerID.String()),
	)

	result := &Result{}
	err := s.txRunner.RunInTx(ctx, func(ctx context.Context) error {
		loser, err := s.load(ctx, req.EntityType, req.LoserID)
		if err != nil {
			return err
		}
		winner, err := s.load(ctx, req.EntityType, req.WinnerID)
		if err != nil {
			return err
		}
		if loser.IsMerged() {
			return dErrors.Newf(dErrors.CodeInvariantViolation,
				"loser %s is already merged into %s; re-resolve to the canonical id", loser.PublicID, loser.MergedInto)
		}
		if winner.IsMerged() {
			return dErrors.Newf(dErrors.CodeInvariantViolation,
				"winner %s is already merged into %s; re-resolve to the canonical id", winner.PublicID, winner.MergedInto)
		}

		before := snapshot(loser, winner)

		result.MovedIdentifiers, result.SkippedIdentifiers, err =
			s.identifiers.Transfer(ctx, req.EntityType, loser.ID, winner.ID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to transfer identifiers")
		}
		result.MovedRelationships, result.SkippedRelationships, err =
			s.relationships.Transfer(ctx, loser.ID, winner.ID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to transfer relationships")
		}
		result.MovedObservations, result.SkippedObservations, err =
			s.provenance.TransferObservations(ctx, loser.ID, winner.ID)
		if err != nil {
			return err
		}

		if err := s.backfill(ctx, loser, winner, result); err != nil {
			return err
		}

		if err := s.entities.SetMergedInto(ctx, req.EntityType, loser.ID, winner.ID); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to set merge pointer")
		}

		if loser.PublicID != "" && loser.PublicID != winner.PublicID {
			if err := s.entities.AddAlias(ctx, &entitymodels.Alias{
				OldPublicID:       loser.PublicID,
				CanonicalEntityID: winner.ID,
				OriginalEntityID:  loser.ID,
				Reason:            req.Reason,
				MergedAt:          requestcontext.Now(ctx),
			}); err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to create alias")
			}
			result.AliasCreated = true
			if err := s.emit(ctx, audit.Event{
				EntityType: req.EntityType,
				EntityID:   winner.ID,
				Action:     audit.EventAliasCreated.String(),
				Actor:      req.Actor,
				Details:    map[string]any{"old_public_id": loser.PublicID},
			}); err != nil {
				return err
			}
		}

		// Aliases that pointed at the loser must now land on the winner, or
		// a twice-merged chain would leave the oldest public ids dangling.
		if _, err := s.entities.RepointAliases(ctx, loser.ID, winner.ID); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to repoint aliases")
		}

		reloaded, err := s.load(ctx, req.EntityType, winner.ID)
		if err != nil {
			return err
		}
		result.Winner = reloaded

		return s.emit(ctx, audit.Event{
			EntityType: req.EntityType,
			EntityID:   winner.ID,
			Action:     audit.EventEntitiesMerged.String(),
			Actor:      req.Actor,
			Reason:     req.Reason,
			Details: map[string]any{
				"before":                before,
				"after":                 snapshotOne(reloaded),
				"moved_identifiers":     result.MovedIdentifiers,
				"skipped_identifiers":   result.SkippedIdentifiers,
				"moved_relationships":   result.MovedRelationships,
				"skipped_relationships": result.SkippedRelationships,
				"moved_observations":    result.MovedObservations,
				"skipped_observations":  result.SkippedObservations,
				"backfilled_fields":     result.BackfilledFields,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordMerge(string(req.EntityType))
		s.metrics.AddMovedRows("identifier", result.MovedIdentifiers)
		s.metrics.AddMovedRows("relationship", result.MovedRelationships)
		s.metrics.AddMovedRows("observation", result.MovedObservations)
	}
	s.logger.Info("entities merged",
		"entity_type", req.EntityType,
		"winner", result.Winner.PublicID,
		"moved_identifiers", result.MovedIdentifiers,
		"moved_relationships", result.MovedRelationships,
		"actor", req.Actor)
	return result, nil
}

func (s *Service) load(ctx context.Context, entityType id.EntityType, entityID id.EntityID) (*entitymodels.Entity, error) {
	e, err := s.entities.FindByID(ctx, entityType, entityID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "entity not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load entity")
	}
	return e, nil
}

// backfill copies loser display fields the winner is missing, recording each
// one through provenance under a merge-scoped source so its origin stays
// visible in the conflict view.
func (s *Service) backfill(ctx context.Context, loser, winner *entitymodels.Entity, result *Result) error {
	mergeSource := "merge:" + loser.PublicID
	observedAt := requestcontext.Now(ctx)
	changed := false

	if winner.DisplayName == "" && loser.DisplayName != "" {
		winner.DisplayName = loser.DisplayName
		changed = true
		result.BackfilledFields++
		if err := s.provenance.RecordField(ctx, winner.ID, "display_name",
			loser.DisplayName, mergeSource, loser.ID.String(), observedAt, 1.0); err != nil {
			return err
		}
	}
	for field, value := range loser.Attributes {
		if value == "" || winner.Attributes[field] != "" {
			continue
		}
		if winner.Attributes == nil {
			winner.Attributes = make(map[string]string)
		}
		winner.Attributes[field] = value
		changed = true
		result.BackfilledFields++
		if err := s.provenance.RecordField(ctx, winner.ID, field,
			value, mergeSource, loser.ID.String(), observedAt, 1.0); err != nil {
			return err
		}
	}
	if !changed {
		return nil
	}
	if err := s.entities.UpdateAttributes(ctx, winner); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to backfill winner attributes")
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

func snapshot(loser, winner *entitymodels.Entity) map[string]any {
	return map[string]any{
		"loser":  snapshotOne(loser),
		"winner": snapshotOne(winner),
	}
}

func snapshotOne(e *entitymodels.Entity) map[string]any {
	return map[string]any{
		"id":           e.ID.String(),
		"public_id":    e.PublicID,
		"display_name": e.DisplayName,
		"attributes":   e.Attributes,
	}
}

// Package service provides canonical entity resolution: following merge
// pointers to the surviving record and resolving public ids through aliases.
package service

import (
	"context"
	"fmt"
	"log/slog"

	id "github.com/benffsc/atlas/pkg/domain"
	dErrors "github.com/benffsc/atlas/pkg/domain-errors"
	"github.com/benffsc/atlas/pkg/platform/sentinel"
	"github.com/benffsc/atlas/pkg/requestcontext"

	"github.com/benffsc/atlas/internal/entity/models"
	"github.com/benffsc/atlas/internal/entity/store"
)

// maxMergeHops bounds canonical resolution. Real chains stay short (a record
// rarely survives more than a couple of merges); hitting the bound means an
// undetected cycle and is surfaced as an invariant violation rather than
// looping forever.
const maxMergeHops = 16

type Service struct {
	store  store.Store
	logger *slog.Logger
}

func New(st store.Store, logger *slog.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("entity store is required")
	}
	return &Service{store: st, logger: logger}, nil
}

// Create assigns a public id and inserts the entity.
func (s *Service) Create(ctx context.Context, e *models.Entity) error {
	if e == nil {
		return dErrors.New(dErrors.CodeBadRequest, "entity is required")
	}
	if !e.Type.IsValid() {
		return dErrors.Newf(dErrors.CodeBadRequest, "invalid entity type %q", e.Type)
	}
	if e.ID.IsNil() {
		e.ID = id.NewEntityID()
	}
	if e.PublicID == "" {
		seq, err := s.store.NextPublicSeq(ctx, e.Type)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "assign public id")
		}
		e.PublicID = id.FormatPublicID(e.Type, seq)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = requestcontext.Now(ctx)
	}
	if err := s.store.Create(ctx, e); err != nil {
		if dErrors.Is(err, sentinel.ErrConflict) {
			return dErrors.Wrap(err, dErrors.CodeConflict, "entity already exists")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "create entity")
	}
	return nil
}

// Get returns the entity as stored, merged or not.
func (s *Service) Get(ctx context.Context, entityType id.EntityType, entityID id.EntityID) (*models.Entity, error) {
	e, err := s.store.FindByID(ctx, entityType, entityID)
	if err != nil {
		if dErrors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "entity not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "find entity")
	}
	return e, nil
}

// ResolveCanonical follows merge pointers from entityID to the terminal
// (live) entity. Bounded pointer-chasing: exceeding maxMergeHops is an
// invariant violation, as is revisiting an id already seen.
func (s *Service) ResolveCanonical(ctx context.Context, entityType id.EntityType, entityID id.EntityID) (*models.Entity, error) {
	seen := make(map[id.EntityID]bool, 4)
	current := entityID
	for hop := 0; hop < maxMergeHops; hop++ {
		if seen[current] {
			return nil, dErrors.Newf(dErrors.CodeInvariantViolation,
				"merge chain cycle at entity %s", current)
		}
		seen[current] = true

		e, err := s.store.FindByID(ctx, entityType, current)
		if err != nil {
			if dErrors.Is(err, sentinel.ErrNotFound) {
				return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "entity not found")
			}
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "resolve canonical entity")
		}
		if e.MergedInto == nil {
			return e, nil
		}
		current = *e.MergedInto
	}
	return nil, dErrors.Newf(dErrors.CodeInvariantViolation,
		"merge chain from entity %s exceeds %d hops", entityID, maxMergeHops)
}

// ResolvePublicID resolves a public id — live, merged-away, or aliased — to
// its canonical entity.
func (s *Service) ResolvePublicID(ctx context.Context, publicID string) (*models.Entity, error) {
	e, err := s.store.FindByPublicID(ctx, publicID)
	if err == nil {
		if e.MergedInto == nil {
			return e, nil
		}
		return s.ResolveCanonical(ctx, e.Type, e.ID)
	}
	if !dErrors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "find by public id")
	}

	alias, err := s.store.FindAlias(ctx, publicID)
	if err != nil {
		if dErrors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "public id not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "find alias")
	}

	// The alias target may itself have been merged since; chase one more
	// level through canonical resolution so stale aliases never dangle.
	entityType, err := id.EntityTypeFromPublicID(alias.OldPublicID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvariantViolation, "alias public id malformed")
	}
	canonical, err := s.ResolveCanonical(ctx, entityType, alias.CanonicalEntityID)
	if err != nil {
		return nil, err
	}
	return canonical, nil
}

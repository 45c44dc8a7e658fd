package store

import (
	"context"

	id "github.com/benffsc/atlas/pkg/domain"

	"github.com/benffsc/atlas/internal/entity/models"
)

type Store interface {
	// Create inserts a new entity. The caller assigns ID and PublicID.
	Create(ctx context.Context, e *models.Entity) error

	FindByID(ctx context.Context, entityType id.EntityType, entityID id.EntityID) (*models.Entity, error)
	FindByPublicID(ctx context.Context, publicID string) (*models.Entity, error)

	// UpdateAttributes persists display name and attributes.
	UpdateAttributes(ctx context.Context, e *models.Entity) error

	// SetMergedInto marks loser as merged into winner. Fails with
	// sentinel.ErrInvalidState when the loser already has a merge pointer.
	SetMergedInto(ctx context.Context, entityType id.EntityType, loser, winner id.EntityID) error

	// NextPublicSeq atomically increments and returns the public-id sequence
	// for a type. Sequences are monotonic and never reused.
	NextPublicSeq(ctx context.Context, entityType id.EntityType) (int64, error)

	AddAlias(ctx context.Context, alias *models.Alias) error
	FindAlias(ctx context.Context, oldPublicID string) (*models.Alias, error)

	// RepointAliases retargets every alias whose canonical pointer is
	// oldCanonical onto newCanonical, so alias resolution never dangles
	// after a survivor is itself merged away.
	RepointAliases(ctx context.Context, oldCanonical, newCanonical id.EntityID) (int, error)
}

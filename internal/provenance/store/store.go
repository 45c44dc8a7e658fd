package store

import (
	"context"

	id "github.com/benffsc/atlas/pkg/domain"

	"github.com/benffsc/atlas/internal/provenance/models"
)

type Store interface {
	// Upsert inserts or updates the row keyed by (entity, field, source).
	// The IsCurrent flag on the argument is ignored; currency is recomputed
	// by SetCurrent.
	Upsert(ctx context.Context, fs *models.FieldSource) error

	// ListByEntityField returns every observation for one field, oldest
	// observation first.
	ListByEntityField(ctx context.Context, entityID id.EntityID, field string) ([]*models.FieldSource, error)

	// ListByEntity returns every observation on an entity.
	ListByEntity(ctx context.Context, entityID id.EntityID) ([]*models.FieldSource, error)

	// SetCurrent flips the (entity, field, source) row to current and every
	// other row for that field to not-current, atomically.
	SetCurrent(ctx context.Context, entityID id.EntityID, field, sourceSystem string) error

	// Transfer reattaches the loser's observations to the winner, skipping
	// any (field, source) pair the winner already has.
	Transfer(ctx context.Context, from, to id.EntityID) (moved, skipped int, err error)

	// Conflicts returns every (entity, field) carrying more than one
	// distinct non-blank value across sources.
	Conflicts(ctx context.Context, limit int) ([]*models.FieldConflict, error)
}

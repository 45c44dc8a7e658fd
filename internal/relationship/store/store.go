package store

import (
	"context"

	"github.com/google/uuid"

	id "github.com/benffsc/atlas/pkg/domain"

	"github.com/benffsc/atlas/internal/relationship/models"
)

type Store interface {
	// Create inserts a link. An existing (kind, subject, object) triple
	// returns sentinel.ErrConflict.
	Create(ctx context.Context, rel *models.Relationship) error

	FindByID(ctx context.Context, relID uuid.UUID) (*models.Relationship, error)

	// ListByEntity returns every link touching the entity, as subject or
	// object.
	ListByEntity(ctx context.Context, entityID id.EntityID) ([]*models.Relationship, error)

	// ListBySourceRow returns links derived from one upstream row.
	ListBySourceRow(ctx context.Context, sourceSystem, sourceRowID string) ([]*models.Relationship, error)

	// Transfer repoints the loser's links to the winner on both ends,
	// skipping any move that would duplicate a (kind, subject, object)
	// triple the winner already participates in.
	Transfer(ctx context.Context, from, to id.EntityID) (moved, skipped int, err error)

	// SetStale flags or clears the stale-source marker.
	SetStale(ctx context.Context, relID uuid.UUID, stale bool) error

	// UpdateFingerprint records the fingerprint of the staged version the
	// link was last reconciled against and clears the stale flag.
	UpdateFingerprint(ctx context.Context, relID uuid.UUID, fingerprint string) error

	// ListStale returns flagged links, oldest update first.
	ListStale(ctx context.Context, limit int) ([]*models.Relationship, error)

	// ListFingerprinted returns links that carry a source fingerprint, for
	// the detector sweep.
	ListFingerprinted(ctx context.Context, limit int) ([]*models.Relationship, error)
}

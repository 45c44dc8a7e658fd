// Package store persists typed identifiers. Uniqueness of
// (type, normalized_value) among live entities is enforced by the resolve
// and merge services under a transaction; the store only answers who holds a
// value and prevents duplicate rows per entity.
package store

import (
	"context"

	id "github.com/benffsc/atlas/pkg/domain"

	"github.com/benffsc/atlas/internal/identifier/models"
)

type Store interface {
	// Add inserts one identifier row. Returns sentinel.ErrConflict wrapped
	// when the same entity already holds the same (type, normalized) pair.
	Add(ctx context.Context, ident *models.Identifier) error

	// FindHolders returns every identifier row of the given type/value for
	// the entity type, whichever entity holds it. Callers resolve holders to
	// canonical entities and decide whether multiple live holders are an
	// invariant violation.
	FindHolders(ctx context.Context, entityType id.EntityType, idType models.Type, normalized string) ([]*models.Identifier, error)

	// ListByEntity returns all identifiers attached directly to an entity.
	ListByEntity(ctx context.Context, entityType id.EntityType, entityID id.EntityID) ([]*models.Identifier, error)

	// Transfer reattaches the loser's identifiers to the winner, skipping
	// any (type, normalized) pair the winner already holds. Returns moved
	// and skipped counts.
	Transfer(ctx context.Context, entityType id.EntityType, from, to id.EntityID) (moved, skipped int, err error)
}

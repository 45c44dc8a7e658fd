// Package store holds the edit-lease stores. The Redis store is the
// production one; its claim is a single atomic SET NX PX so two concurrent
// editors can never both win. The in-memory store mirrors the semantics
// under a mutex for tests and single-node development.
package store

import (
	"context"
	"time"

	id "github.com/benffsc/atlas/pkg/domain"

	"github.com/benffsc/atlas/internal/lease/models"
)

type Store interface {
	// Acquire claims the lease for lease.Holder. A lapsed or absent lease is
	// claimable by anyone; an unexpired lease is only re-claimable (renewed)
	// by its current holder. When the claim loses, the current lease is
	// returned alongside acquired=false.
	Acquire(ctx context.Context, lease *models.EditLease, ttl time.Duration) (bool, *models.EditLease, error)

	// Renew extends an unexpired lease held by the given holder. Returns
	// false when the lease is absent, lapsed, or held by someone else.
	Renew(ctx context.Context, entityType id.EntityType, entityID id.EntityID, holder string, ttl time.Duration) (bool, error)

	// Release drops the lease if the given holder owns it. Releasing an
	// absent or foreign lease is a no-op returning false.
	Release(ctx context.Context, entityType id.EntityType, entityID id.EntityID, holder string) (bool, error)

	// Get returns the current unexpired lease, or sentinel.ErrNotFound.
	Get(ctx context.Context, entityType id.EntityType, entityID id.EntityID) (*models.EditLease, error)
}

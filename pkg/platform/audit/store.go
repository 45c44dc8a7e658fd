package audit

import (
	"context"

	id "github.com/benffsc/atlas/pkg/domain"
)

// Store persists audit events. Implementations must be append-only; nothing
// in the engine updates or deletes an audit row.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByEntity(ctx context.Context, entityType id.EntityType, entityID id.EntityID) ([]Event, error)
}

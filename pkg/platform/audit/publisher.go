package audit

import (
	"context"

	id "github.com/benffsc/atlas/pkg/domain"
	"github.com/benffsc/atlas/pkg/requestcontext"
)

// Publisher captures structured audit events. It is append-only and uses the
// storage layer for persistence so tests can swap sinks easily.
type Publisher struct {
	store Store
}

func NewPublisher(store Store) *Publisher {
	return &Publisher{store: store}
}

// Emit records one audit event, stamping the timestamp and request id from
// context when the caller left them empty.
func (p *Publisher) Emit(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = requestcontext.Now(ctx)
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	if event.Actor == "" {
		event.Actor = requestcontext.Actor(ctx)
	}
	return p.store.Append(ctx, event)
}

// List returns the audit history for one entity, oldest first.
func (p *Publisher) List(ctx context.Context, entityType id.EntityType, entityID id.EntityID) ([]Event, error) {
	return p.store.ListByEntity(ctx, entityType, entityID)
}

package store

import (
	"context"
	"time"

	id "github.com/benffsc/atlas/pkg/domain"

	"github.com/benffsc/atlas/internal/resolve/models"
)

type Store interface {
	Create(ctx context.Context, decision *models.MatchDecision) error

	FindByID(ctx context.Context, decisionID id.DecisionID) (*models.MatchDecision, error)

	// ListPending returns unreviewed review_pending decisions, oldest first.
	ListPending(ctx context.Context, limit int) ([]*models.MatchDecision, error)

	// MarkReviewed stamps the reviewer and the chosen entity (nil id for a
	// reviewer-rejected match). Fails with sentinel.ErrInvalidState when the
	// decision is not pending.
	MarkReviewed(ctx context.Context, decisionID id.DecisionID, resultingEntityID id.EntityID, reviewer string) error

	// CountsSince returns decision counts by type from a cutoff, for the
	// activity view.
	CountsSince(ctx context.Context, since time.Time) (map[models.DecisionType]int, error)
}

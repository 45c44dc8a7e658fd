// Package service enforces the edit-lease contract: one interactive editor
// per entity at a time, TTL-bounded so an abandoned browser tab never locks
// a record forever. Contention never blocks; the loser is told who holds
// the lease and when it lapses.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	id "github.com/benffsc/atlas/pkg/domain"
	dErrors "github.com/benffsc/atlas/pkg/domain-errors"
	"github.com/benffsc/atlas/pkg/platform/audit"
	"github.com/benffsc/atlas/pkg/platform/sentinel"

	"github.com/benffsc/atlas/internal/lease/metrics"
	"github.com/benffsc/atlas/internal/lease/models"
	"github.com/benffsc/atlas/internal/lease/store"
)

type Service struct {
	store   store.Store
	ttl     time.Duration
	audit   *audit.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(s store.Store, ttl time.Duration, auditor *audit.Publisher, m *metrics.Metrics, logger *slog.Logger) (*Service, error) {
	if s == nil {
		return nil, errors.New("lease store is required")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, ttl: ttl, audit: auditor, metrics: m, logger: logger}, nil
}

// Acquire claims an edit lease. A rejection is a normal outcome, not an
// error: the caller gets acquired=false plus the competing lease so the UI
// can say who is editing and until when.
func (s *Service) Acquire(ctx context.Context, entityType id.EntityType, entityID id.EntityID, holder, reason string) (bool, *models.EditLease, error) {
	if !entityType.IsValid() {
		return false, nil, dErrors.Newf(dErrors.CodeInvalidInput, "invalid entity type %q", entityType)
	}
	if entityID.IsNil() || holder == "" {
		return false, nil, dErrors.New(dErrors.CodeInvalidInput, "entity id and holder are required")
	}

	lease := &models.EditLease{
		EntityType: entityType,
		EntityID:   entityID,
		Holder:     holder,
		Reason:     reason,
	}
	acquired, current, err := s.store.Acquire(ctx, lease, s.ttl)
	if err != nil {
		return false, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to acquire edit lease")
	}
	if !acquired {
		s.record("rejected")
		s.logger.Info("edit lease contention",
			"entity_type", entityType, "entity_id", entityID,
			"requested_by", holder, "held_by", current.Holder)
		s.emit(ctx, entityType, entityID, audit.EventLeaseRejected, holder, map[string]any{
			"held_by":    current.Holder,
			"expires_at": current.ExpiresAt,
		})
		return false, current, nil
	}
	s.record("granted")
	s.emit(ctx, entityType, entityID, audit.EventLeaseAcquired, holder, map[string]any{
		"expires_at": current.ExpiresAt,
		"reason":     reason,
	})
	return true, current, nil
}

// Renew extends the caller's own unexpired lease. Returns false when the
// lease lapsed or belongs to someone else; the caller must re-acquire.
func (s *Service) Renew(ctx context.Context, entityType id.EntityType, entityID id.EntityID, holder string) (bool, error) {
	renewed, err := s.store.Renew(ctx, entityType, entityID, holder, s.ttl)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to renew edit lease")
	}
	if renewed {
		s.record("renewed")
	}
	return renewed, nil
}

// Release drops the caller's lease. Releasing a lease that already lapsed
// or was never held returns false without error.
func (s *Service) Release(ctx context.Context, entityType id.EntityType, entityID id.EntityID, holder string) (bool, error) {
	released, err := s.store.Release(ctx, entityType, entityID, holder)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to release edit lease")
	}
	if released {
		s.record("released")
		s.emit(ctx, entityType, entityID, audit.EventLeaseReleased, holder, nil)
	}
	return released, nil
}

// Current returns the live lease on an entity, or nil when it is unheld.
func (s *Service) Current(ctx context.Context, entityType id.EntityType, entityID id.EntityID) (*models.EditLease, error) {
	lease, err := s.store.Get(ctx, entityType, entityID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up edit lease")
	}
	return lease, nil
}

func (s *Service) record(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordOutcome(outcome)
	}
}

func (s *Service) emit(ctx context.Context, entityType id.EntityType, entityID id.EntityID, action audit.AuditEvent, actor string, details map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Emit(ctx, audit.Event{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action.String(),
		Actor:      actor,
		Details:    details,
	})
	if err != nil {
		s.logger.Warn("failed to audit lease event", "action", action, "error", err)
	}
}

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	id "github.com/benffsc/atlas/pkg/domain"
	"github.com/benffsc/atlas/pkg/platform/sentinel"
	"github.com/benffsc/atlas/pkg/requestcontext"

	"github.com/benffsc/atlas/internal/lease/models"
)

type InMemory struct {
	mu     sync.Mutex
	leases map[string]*models.EditLease
}

func NewInMemory() *InMemory {
	return &InMemory{leases: make(map[string]*models.EditLease)}
}

func leaseKey(entityType id.EntityType, entityID id.EntityID) string {
	return fmt.Sprintf("%s:%s", entityType, entityID)
}

func (s *InMemory) Acquire(ctx context.Context, lease *models.EditLease, ttl time.Duration) (bool, *models.EditLease, error) {
	if lease == nil || lease.Holder == "" {
		return false, nil, fmt.Errorf("lease holder is required")
	}
	now := requestcontext.Now(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	key := leaseKey(lease.EntityType, lease.EntityID)
	if current, ok := s.leases[key]; ok && !current.ExpiredAt(now) && current.Holder != lease.Holder {
		cp := *current
		return false, &cp, nil
	}

	cp := *lease
	cp.AcquiredAt = now
	cp.ExpiresAt = now.Add(ttl)
	s.leases[key] = &cp
	granted := cp
	lease.AcquiredAt = cp.AcquiredAt
	lease.ExpiresAt = cp.ExpiresAt
	return true, &granted, nil
}

func (s *InMemory) Renew(ctx context.Context, entityType id.EntityType, entityID id.EntityID, holder string, ttl time.Duration) (bool, error) {
	now := requestcontext.Now(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	key := leaseKey(entityType, entityID)
	current, ok := s.leases[key]
	if !ok || current.ExpiredAt(now) || current.Holder != holder {
		return false, nil
	}
	current.ExpiresAt = now.Add(ttl)
	return true, nil
}

func (s *InMemory) Release(ctx context.Context, entityType id.EntityType, entityID id.EntityID, holder string) (bool, error) {
	now := requestcontext.Now(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	key := leaseKey(entityType, entityID)
	current, ok := s.leases[key]
	if !ok || current.ExpiredAt(now) || current.Holder != holder {
		return false, nil
	}
	delete(s.leases, key)
	return true, nil
}

// Sweep drops lapsed leases and returns how many it removed. Lapsed leases
// are already invisible to Get and claimable by Acquire; the sweep just keeps
// the map from growing over a long uptime.
func (s *InMemory) Sweep(ctx context.Context) int {
	now := requestcontext.Now(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, lease := range s.leases {
		if lease.ExpiredAt(now) {
			delete(s.leases, key)
			removed++
		}
	}
	return removed
}

func (s *InMemory) Get(ctx context.Context, entityType id.EntityType, entityID id.EntityID) (*models.EditLease, error) {
	now := requestcontext.Now(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.leases[leaseKey(entityType, entityID)]
	if !ok || current.ExpiredAt(now) {
		return nil, fmt.Errorf("lease for %s %s: %w", entityType, entityID, sentinel.ErrNotFound)
	}
	cp := *current
	return &cp, nil
}

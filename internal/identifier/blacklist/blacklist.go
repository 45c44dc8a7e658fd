// Package blacklist maintains the soft blacklist: identifier values known to
// be shared or organizational. A blacklisted value still gets stored as an
// identifier; it is only excluded from exact-match short-circuiting during
// resolution.
package blacklist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/benffsc/atlas/pkg/platform/sentinel"

	"github.com/benffsc/atlas/internal/identifier/models"
)

type Store interface {
	Contains(ctx context.Context, idType models.Type, normalized string) (bool, error)
	Add(ctx context.Context, entry *models.BlacklistEntry) error
	Remove(ctx context.Context, idType models.Type, normalized string) error
	List(ctx context.Context) ([]*models.BlacklistEntry, error)
}

// InMemory is the in-process blacklist store.
type InMemory struct {
	mu      sync.RWMutex
	entries map[string]*models.BlacklistEntry
}

func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[string]*models.BlacklistEntry)}
}

func key(idType models.Type, normalized string) string {
	return string(idType) + "\x00" + normalized
}

func (s *InMemory) Contains(_ context.Context, idType models.Type, normalized string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key(idType, normalized)]
	return ok, nil
}

func (s *InMemory) Add(_ context.Context, entry *models.BlacklistEntry) error {
	if entry == nil {
		return fmt.Errorf("blacklist entry is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.entries[key(cp.Type, cp.NormalizedValue)] = &cp
	return nil
}

func (s *InMemory) Remove(_ context.Context, idType models.Type, normalized string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(idType, normalized)
	if _, ok := s.entries[k]; !ok {
		return fmt.Errorf("blacklist entry %s=%s: %w", idType, normalized, sentinel.ErrNotFound)
	}
	delete(s.entries, k)
	return nil
}

func (s *InMemory) List(_ context.Context) ([]*models.BlacklistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.BlacklistEntry, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

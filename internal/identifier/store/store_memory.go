package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	id "github.com/benffsc/atlas/pkg/domain"
	"github.com/benffsc/atlas/pkg/platform/sentinel"

	"github.com/benffsc/atlas/internal/identifier/models"
)

// InMemory keeps identifiers in process. Used by unit tests and local runs.
type InMemory struct {
	mu   sync.RWMutex
	rows []*models.Identifier
}

func NewInMemory() *InMemory {
	return &InMemory{}
}

func (s *InMemory) Add(_ context.Context, ident *models.Identifier) error {
	if ident == nil {
		return fmt.Errorf("identifier is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.EntityType == ident.EntityType &&
			row.EntityID == ident.EntityID &&
			row.Type == ident.Type &&
			row.NormalizedValue == ident.NormalizedValue {
			return fmt.Errorf("identifier %s=%s on entity %s: %w",
				ident.Type, ident.NormalizedValue, ident.EntityID, sentinel.ErrConflict)
		}
	}
	cp := *ident
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.rows = append(s.rows, &cp)
	return nil
}

func (s *InMemory) FindHolders(_ context.Context, entityType id.EntityType, idType models.Type, normalized string) ([]*models.Identifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Identifier
	for _, row := range s.rows {
		if row.EntityType == entityType && row.Type == idType && row.NormalizedValue == normalized {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemory) ListByEntity(_ context.Context, entityType id.EntityType, entityID id.EntityID) ([]*models.Identifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Identifier
	for _, row := range s.rows {
		if row.EntityType == entityType && row.EntityID == entityID {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemory) Transfer(_ context.Context, entityType id.EntityType, from, to id.EntityID) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held := make(map[string]bool)
	for _, row := range s.rows {
		if row.EntityType == entityType && row.EntityID == to {
			held[string(row.Type)+"\x00"+row.NormalizedValue] = true
		}
	}

	moved, skipped := 0, 0
	for _, row := range s.rows {
		if row.EntityType != entityType || row.EntityID != from {
			continue
		}
		key := string(row.Type) + "\x00" + row.NormalizedValue
		if held[key] {
			skipped++
			continue
		}
		row.EntityID = to
		held[key] = true
		moved++
	}
	return moved, skipped, nil
}

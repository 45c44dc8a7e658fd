package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	id "github.com/benffsc/atlas/pkg/domain"
	"github.com/benffsc/atlas/pkg/platform/sentinel"

	"github.com/benffsc/atlas/internal/relationship/models"
)

// InMemory keeps relationships in process.
type InMemory struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*models.Relationship
}

func NewInMemory() *InMemory {
	return &InMemory{rows: make(map[uuid.UUID]*models.Relationship)}
}

func tripleKey(kind models.Kind, subject, object id.EntityID) string {
	return string(kind) + "\x00" + subject.String() + "\x00" + object.String()
}

func (s *InMemory) Create(_ context.Context, rel *models.Relationship) error {
	if rel == nil {
		return fmt.Errorf("relationship is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tripleKey(rel.Kind, rel.SubjectID, rel.ObjectID)
	for _, row := range s.rows {
		if tripleKey(row.Kind, row.SubjectID, row.ObjectID) == key {
			return fmt.Errorf("relationship %s already exists: %w", key, sentinel.ErrConflict)
		}
	}
	cp := *rel
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = cp.CreatedAt
	s.rows[cp.ID] = &cp
	rel.ID = cp.ID
	rel.CreatedAt = cp.CreatedAt
	rel.UpdatedAt = cp.UpdatedAt
	return nil
}

func (s *InMemory) FindByID(_ context.Context, relID uuid.UUID) (*models.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[relID]
	if !ok {
		return nil, fmt.Errorf("relationship %s: %w", relID, sentinel.ErrNotFound)
	}
	cp := *row
	return &cp, nil
}

func (s *InMemory) ListByEntity(_ context.Context, entityID id.EntityID) ([]*models.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Relationship
	for _, row := range s.rows {
		if row.SubjectID == entityID || row.ObjectID == entityID {
			cp := *row
			out = append(out, &cp)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *InMemory) ListBySourceRow(_ context.Context, sourceSystem, sourceRowID string) ([]*models.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Relationship
	for _, row := range s.rows {
		if row.SourceSystem == sourceSystem && row.SourceRowID == sourceRowID {
			cp := *row
			out = append(out, &cp)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *InMemory) Transfer(_ context.Context, from, to id.EntityID) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held := make(map[string]bool)
	for _, row := range s.rows {
		if row.SubjectID == to || row.ObjectID == to {
			held[tripleKey(row.Kind, row.SubjectID, row.ObjectID)] = true
		}
	}

	moved, skipped := 0, 0
	for _, row := range s.rows {
		subject, object := row.SubjectID, row.ObjectID
		if subject == from {
			subject = to
		}
		if object == from {
			object = to
		}
		if subject == row.SubjectID && object == row.ObjectID {
			continue
		}
		key := tripleKey(row.Kind, subject, object)
		if held[key] || subject == object {
			skipped++
			continue
		}
		row.SubjectID = subject
		row.ObjectID = object
		row.UpdatedAt = time.Now()
		held[key] = true
		moved++
	}
	return moved, skipped, nil
}

func (s *InMemory) SetStale(_ context.Context, relID uuid.UUID, stale bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[relID]
	if !ok {
		return fmt.Errorf("relationship %s: %w", relID, sentinel.ErrNotFound)
	}
	row.HasStaleSource = stale
	row.UpdatedAt = time.Now()
	return nil
}

func (s *InMemory) UpdateFingerprint(_ context.Context, relID uuid.UUID, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[relID]
	if !ok {
		return fmt.Errorf("relationship %s: %w", relID, sentinel.ErrNotFound)
	}
	row.SourceFingerprint = fingerprint
	row.HasStaleSource = false
	row.UpdatedAt = time.Now()
	return nil
}

func (s *InMemory) ListStale(_ context.Context, limit int) ([]*models.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Relationship
	for _, row := range s.rows {
		if row.HasStaleSource {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemory) ListFingerprinted(_ context.Context, limit int) ([]*models.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Relationship
	for _, row := range s.rows {
		if row.SourceFingerprint != "" {
			cp := *row
			out = append(out, &cp)
		}
	}
	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortByCreated(rows []*models.Relationship) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].ID.String() < rows[j].ID.String()
	})
}

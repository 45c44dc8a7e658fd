package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	id "github.com/benffsc/atlas/pkg/domain"
	"github.com/benffsc/atlas/pkg/platform/sentinel"

	"github.com/benffsc/atlas/internal/entity/models"
)

// InMemory keeps entities in process maps. Unit tests and local development.
type InMemory struct {
	mu       sync.RWMutex
	entities map[id.EntityID]*models.Entity
	byPublic map[string]id.EntityID
	aliases  map[string]*models.Alias
	seqs     map[id.EntityType]int64
}

func NewInMemory() *InMemory {
	return &InMemory{
		entities: make(map[id.EntityID]*models.Entity),
		byPublic: make(map[string]id.EntityID),
		aliases:  make(map[string]*models.Alias),
		seqs:     make(map[id.EntityType]int64),
	}
}

func (s *InMemory) Create(_ context.Context, e *models.Entity) error {
	if e == nil {
		return fmt.Errorf("entity is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[e.ID]; ok {
		return fmt.Errorf("entity %s: %w", e.ID, sentinel.ErrConflict)
	}
	if e.PublicID != "" {
		if _, ok := s.byPublic[e.PublicID]; ok {
			return fmt.Errorf("public id %s: %w", e.PublicID, sentinel.ErrConflict)
		}
	}
	cp := cloneEntity(e)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.entities[cp.ID] = cp
	if cp.PublicID != "" {
		s.byPublic[cp.PublicID] = cp.ID
	}
	return nil
}

func (s *InMemory) FindByID(_ context.Context, entityType id.EntityType, entityID id.EntityID) (*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[entityID]
	if !ok || e.Type != entityType {
		return nil, fmt.Errorf("entity %s: %w", entityID, sentinel.ErrNotFound)
	}
	return cloneEntity(e), nil
}

func (s *InMemory) FindByPublicID(_ context.Context, publicID string) (*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	eid, ok := s.byPublic[publicID]
	if !ok {
		return nil, fmt.Errorf("public id %s: %w", publicID, sentinel.ErrNotFound)
	}
	return cloneEntity(s.entities[eid]), nil
}

func (s *InMemory) UpdateAttributes(_ context.Context, e *models.Entity) error {
	if e == nil {
		return fmt.Errorf("entity is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entities[e.ID]
	if !ok {
		return fmt.Errorf("entity %s: %w", e.ID, sentinel.ErrNotFound)
	}
	cur.DisplayName = e.DisplayName
	cur.Attributes = cloneAttrs(e.Attributes)
	cur.UpdatedAt = time.Now()
	return nil
}

func (s *InMemory) SetMergedInto(_ context.Context, entityType id.EntityType, loser, winner id.EntityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[loser]
	if !ok || e.Type != entityType {
		return fmt.Errorf("entity %s: %w", loser, sentinel.ErrNotFound)
	}
	if e.MergedInto != nil {
		return fmt.Errorf("entity %s already merged: %w", loser, sentinel.ErrInvalidState)
	}
	w := winner
	e.MergedInto = &w
	e.UpdatedAt = time.Now()
	return nil
}

func (s *InMemory) NextPublicSeq(_ context.Context, entityType id.EntityType) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[entityType]++
	return s.seqs[entityType], nil
}

func (s *InMemory) AddAlias(_ context.Context, alias *models.Alias) error {
	if alias == nil {
		return fmt.Errorf("alias is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *alias
	s.aliases[alias.OldPublicID] = &cp
	return nil
}

func (s *InMemory) FindAlias(_ context.Context, oldPublicID string) (*models.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.aliases[oldPublicID]
	if !ok {
		return nil, fmt.Errorf("alias %s: %w", oldPublicID, sentinel.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

// RepointAliases updates every alias that resolves to oldCanonical so it
// points at newCanonical. Keeps alias chains one hop long after repeated
// merges.
func (s *InMemory) RepointAliases(_ context.Context, oldCanonical, newCanonical id.EntityID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.aliases {
		if a.CanonicalEntityID == oldCanonical {
			a.CanonicalEntityID = newCanonical
			n++
		}
	}
	return n, nil
}

func cloneEntity(e *models.Entity) *models.Entity {
	cp := *e
	cp.Attributes = cloneAttrs(e.Attributes)
	if e.MergedInto != nil {
		m := *e.MergedInto
		cp.MergedInto = &m
	}
	return &cp
}

func cloneAttrs(attrs map[string]string) map[string]string {
	if attrs == nil {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

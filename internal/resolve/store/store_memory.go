package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	id "github.com/benffsc/atlas/pkg/domain"
	"github.com/benffsc/atlas/pkg/platform/sentinel"

	"github.com/benffsc/atlas/internal/resolve/models"
)

// InMemory keeps match decisions in process.
type InMemory struct {
	mu   sync.RWMutex
	rows map[id.DecisionID]*models.MatchDecision
}

func NewInMemory() *InMemory {
	return &InMemory{rows: make(map[id.DecisionID]*models.MatchDecision)}
}

func (s *InMemory) Create(_ context.Context, decision *models.MatchDecision) error {
	if decision == nil {
		return fmt.Errorf("decision is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneDecision(decision)
	if cp.ID.IsNil() {
		cp.ID = id.NewDecisionID()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if _, exists := s.rows[cp.ID]; exists {
		return fmt.Errorf("decision %s: %w", cp.ID, sentinel.ErrConflict)
	}
	s.rows[cp.ID] = cp
	decision.ID = cp.ID
	decision.CreatedAt = cp.CreatedAt
	return nil
}

func (s *InMemory) FindByID(_ context.Context, decisionID id.DecisionID) (*models.MatchDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[decisionID]
	if !ok {
		return nil, fmt.Errorf("decision %s: %w", decisionID, sentinel.ErrNotFound)
	}
	return cloneDecision(row), nil
}

func (s *InMemory) ListPending(_ context.Context, limit int) ([]*models.MatchDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.MatchDecision
	for _, row := range s.rows {
		if row.IsPending() {
			out = append(out, cloneDecision(row))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemory) MarkReviewed(_ context.Context, decisionID id.DecisionID, resultingEntityID id.EntityID, reviewer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[decisionID]
	if !ok {
		return fmt.Errorf("decision %s: %w", decisionID, sentinel.ErrNotFound)
	}
	if !row.IsPending() {
		return fmt.Errorf("decision %s is not pending review: %w", decisionID, sentinel.ErrInvalidState)
	}
	now := time.Now()
	row.ResultingEntityID = resultingEntityID
	row.ReviewedAt = &now
	row.ReviewedBy = reviewer
	return nil
}

func (s *InMemory) CountsSince(_ context.Context, since time.Time) (map[models.DecisionType]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[models.DecisionType]int)
	for _, row := range s.rows {
		if row.CreatedAt.Before(since) {
			continue
		}
		out[row.DecisionType]++
	}
	return out, nil
}

func cloneDecision(d *models.MatchDecision) *models.MatchDecision {
	cp := *d
	if d.ScoreBreakdown != nil {
		cp.ScoreBreakdown = make(map[string]float64, len(d.ScoreBreakdown))
		for k, v := range d.ScoreBreakdown {
			cp.ScoreBreakdown[k] = v
		}
	}
	cp.Candidates = append([]models.CandidateRef(nil), d.Candidates...)
	if d.ReviewedAt != nil {
		t := *d.ReviewedAt
		cp.ReviewedAt = &t
	}
	return &cp
}

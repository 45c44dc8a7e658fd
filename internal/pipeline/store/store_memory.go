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

	"github.com/benffsc/atlas/internal/pipeline/models"
)

// claimTimeout is how long a claim shields a row from other workers.
const claimTimeout = 10 * time.Minute

// InMemoryStaged keeps staged records in process. The mutex stands in for the
// claim semantics Postgres gets from FOR UPDATE SKIP LOCKED.
type InMemoryStaged struct {
	mu   sync.Mutex
	rows []*models.StagedRecord
}

func NewInMemoryStaged() *InMemoryStaged {
	return &InMemoryStaged{}
}

func (s *InMemoryStaged) Insert(_ context.Context, record *models.StagedRecord) error {
	if record == nil {
		return fmt.Errorf("staged record is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	if cp.ID.IsNil() {
		cp.ID = id.NewStagedRecordID()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.IsProcessed = false
	cp.ClaimedAt = nil
	cp.ProcessedAt = nil
	s.rows = append(s.rows, &cp)
	record.ID = cp.ID
	record.CreatedAt = cp.CreatedAt
	return nil
}

func (s *InMemoryStaged) FindByID(_ context.Context, recordID id.StagedRecordID) (*models.StagedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.ID == recordID {
			cp := *row
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("staged record %s: %w", recordID, sentinel.ErrNotFound)
}

func (s *InMemoryStaged) LatestBySourceRow(_ context.Context, sourceSystem, sourceTable, sourceRowID string) (*models.StagedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.StagedRecord
	for _, row := range s.rows {
		if row.SourceSystem != sourceSystem || row.SourceTable != sourceTable || row.SourceRowID != sourceRowID {
			continue
		}
		if latest == nil || row.CreatedAt.After(latest.CreatedAt) {
			latest = row
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("staged row %s/%s/%s: %w", sourceSystem, sourceTable, sourceRowID, sentinel.ErrNotFound)
	}
	cp := *latest
	return &cp, nil
}

func (s *InMemoryStaged) ClaimUnprocessed(_ context.Context, sourceSystem, sourceTable string, limit int) ([]*models.StagedRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimable []*models.StagedRecord
	for _, row := range s.rows {
		if row.IsProcessed {
			continue
		}
		// A stale claim is reclaimable; a crashed worker must not wedge its
		// rows forever.
		if row.ClaimedAt != nil && time.Since(*row.ClaimedAt) < claimTimeout {
			continue
		}
		if row.SourceSystem != sourceSystem || row.SourceTable != sourceTable {
			continue
		}
		claimable = append(claimable, row)
	}
	sort.Slice(claimable, func(i, j int) bool {
		if !claimable[i].CreatedAt.Equal(claimable[j].CreatedAt) {
			return claimable[i].CreatedAt.Before(claimable[j].CreatedAt)
		}
		return claimable[i].ID.String() < claimable[j].ID.String()
	})
	if len(claimable) > limit {
		claimable = claimable[:limit]
	}
	now := time.Now()
	out := make([]*models.StagedRecord, 0, len(claimable))
	for _, row := range claimable {
		row.ClaimedAt = &now
		cp := *row
		out = append(out, &cp)
	}
	return out, nil
}

func (s *InMemoryStaged) ClaimUnregistered(_ context.Context, registered []models.SourcePartition, limit int) ([]*models.StagedRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	known := make(map[models.SourcePartition]bool, len(registered))
	for _, p := range registered {
		known[p] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimable []*models.StagedRecord
	for _, row := range s.rows {
		if row.IsProcessed {
			continue
		}
		if row.ClaimedAt != nil && time.Since(*row.ClaimedAt) < claimTimeout {
			continue
		}
		if known[models.SourcePartition{SourceSystem: row.SourceSystem, SourceTable: row.SourceTable}] {
			continue
		}
		claimable = append(claimable, row)
	}
	sort.Slice(claimable, func(i, j int) bool {
		if !claimable[i].CreatedAt.Equal(claimable[j].CreatedAt) {
			return claimable[i].CreatedAt.Before(claimable[j].CreatedAt)
		}
		return claimable[i].ID.String() < claimable[j].ID.String()
	})
	if len(claimable) > limit {
		claimable = claimable[:limit]
	}
	now := time.Now()
	out := make([]*models.StagedRecord, 0, len(claimable))
	for _, row := range claimable {
		row.ClaimedAt = &now
		cp := *row
		out = append(out, &cp)
	}
	return out, nil
}

func (s *InMemoryStaged) MarkProcessed(_ context.Context, recordID id.StagedRecordID, processorName string, resultType id.EntityType, resultID id.EntityID, processingError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.ID != recordID {
			continue
		}
		if row.IsProcessed {
			return fmt.Errorf("staged record %s already processed: %w", recordID, sentinel.ErrInvalidState)
		}
		now := time.Now()
		row.IsProcessed = true
		row.ProcessorName = processorName
		row.ResultingEntityType = resultType
		row.ResultingEntityID = resultID
		row.ProcessingError = processingError
		row.ProcessedAt = &now
		return nil
	}
	return fmt.Errorf("staged record %s: %w", recordID, sentinel.ErrNotFound)
}

func (s *InMemoryStaged) Reset(_ context.Context, recordID id.StagedRecordID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.ID != recordID {
			continue
		}
		if !row.IsProcessed {
			return fmt.Errorf("staged record %s is not processed: %w", recordID, sentinel.ErrInvalidState)
		}
		row.IsProcessed = false
		row.ProcessorName = ""
		row.ResultingEntityType = ""
		row.ResultingEntityID = id.EntityID{}
		row.ProcessingError = ""
		row.ClaimedAt = nil
		row.ProcessedAt = nil
		return nil
	}
	return fmt.Errorf("staged record %s: %w", recordID, sentinel.ErrNotFound)
}

func (s *InMemoryStaged) PendingCounts(_ context.Context) ([]*models.QueueDepth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type key struct{ system, table string }
	depths := make(map[key]*models.QueueDepth)
	for _, row := range s.rows {
		k := key{row.SourceSystem, row.SourceTable}
		d, ok := depths[k]
		if !ok {
			d = &models.QueueDepth{SourceSystem: k.system, SourceTable: k.table}
			depths[k] = d
		}
		if !row.IsProcessed {
			d.Pending++
		} else if row.ProcessingError != "" {
			d.Errored++
		}
	}
	out := make([]*models.QueueDepth, 0, len(depths))
	for _, d := range depths {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceSystem != out[j].SourceSystem {
			return out[i].SourceSystem < out[j].SourceSystem
		}
		return out[i].SourceTable < out[j].SourceTable
	})
	return out, nil
}

// InMemoryRegistrations keeps processor registrations in process.
type InMemoryRegistrations struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*models.ProcessorRegistration
}

func NewInMemoryRegistrations() *InMemoryRegistrations {
	return &InMemoryRegistrations{rows: make(map[uuid.UUID]*models.ProcessorRegistration)}
}

func (s *InMemoryRegistrations) Upsert(_ context.Context, reg *models.ProcessorRegistration) error {
	if reg == nil {
		return fmt.Errorf("registration is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.SourceSystem == reg.SourceSystem && row.SourceTable == reg.SourceTable {
			row.EntityType = reg.EntityType
			row.ProcessorReference = reg.ProcessorReference
			row.Priority = reg.Priority
			row.IsActive = reg.IsActive
			row.UpdatedAt = time.Now()
			reg.ID = row.ID
			return nil
		}
	}
	cp := *reg
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.rows[cp.ID] = &cp
	reg.ID = cp.ID
	return nil
}

func (s *InMemoryRegistrations) ListActive(_ context.Context) ([]*models.ProcessorRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ProcessorRegistration
	for _, row := range s.rows {
		if row.IsActive {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].SourceTable < out[j].SourceTable
	})
	return out, nil
}

func (s *InMemoryRegistrations) RecordRun(_ context.Context, regID uuid.UUID, succeeded, errored int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[regID]
	if !ok {
		return fmt.Errorf("registration %s: %w", regID, sentinel.ErrNotFound)
	}
	now := time.Now()
	row.RunStats.Runs++
	row.RunStats.Succeeded += int64(succeeded)
	row.RunStats.Errored += int64(errored)
	row.RunStats.LastRun = &now
	row.UpdatedAt = now
	return nil
}

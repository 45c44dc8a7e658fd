package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	id "github.com/benffsc/atlas/pkg/domain"

	"github.com/benffsc/atlas/internal/provenance/models"
)

// InMemory keeps field observations in process.
type InMemory struct {
	mu   sync.RWMutex
	rows []*models.FieldSource
}

func NewInMemory() *InMemory {
	return &InMemory{}
}

func (s *InMemory) Upsert(_ context.Context, fs *models.FieldSource) error {
	if fs == nil {
		return fmt.Errorf("field source is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.EntityID == fs.EntityID && row.FieldName == fs.FieldName && row.SourceSystem == fs.SourceSystem {
			row.Value = fs.Value
			row.SourceRecordID = fs.SourceRecordID
			row.ObservedAt = fs.ObservedAt
			row.Confidence = fs.Confidence
			return nil
		}
	}
	cp := *fs
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if cp.ObservedAt.IsZero() {
		cp.ObservedAt = time.Now()
	}
	cp.IsCurrent = false
	s.rows = append(s.rows, &cp)
	return nil
}

func (s *InMemory) ListByEntityField(_ context.Context, entityID id.EntityID, field string) ([]*models.FieldSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.FieldSource
	for _, row := range s.rows {
		if row.EntityID == entityID && row.FieldName == field {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	return out, nil
}

func (s *InMemory) ListByEntity(_ context.Context, entityID id.EntityID) ([]*models.FieldSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.FieldSource
	for _, row := range s.rows {
		if row.EntityID == entityID {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FieldName != out[j].FieldName {
			return out[i].FieldName < out[j].FieldName
		}
		return out[i].ObservedAt.Before(out[j].ObservedAt)
	})
	return out, nil
}

func (s *InMemory) SetCurrent(_ context.Context, entityID id.EntityID, field, sourceSystem string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for _, row := range s.rows {
		if row.EntityID != entityID || row.FieldName != field {
			continue
		}
		if row.SourceSystem == sourceSystem {
			row.IsCurrent = true
			found = true
		} else {
			row.IsCurrent = false
		}
	}
	if !found {
		return fmt.Errorf("no observation for entity %s field %s source %s", entityID, field, sourceSystem)
	}
	return nil
}

func (s *InMemory) Transfer(_ context.Context, from, to id.EntityID) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held := make(map[string]bool)
	for _, row := range s.rows {
		if row.EntityID == to {
			held[row.FieldName+"\x00"+row.SourceSystem] = true
		}
	}

	moved, skipped := 0, 0
	for _, row := range s.rows {
		if row.EntityID != from {
			continue
		}
		key := row.FieldName + "\x00" + row.SourceSystem
		if held[key] {
			skipped++
			continue
		}
		row.EntityID = to
		// Currency is per-entity; the merge recomputes winners afterwards.
		row.IsCurrent = false
		held[key] = true
		moved++
	}
	return moved, skipped, nil
}

func (s *InMemory) Conflicts(_ context.Context, limit int) ([]*models.FieldConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type key struct {
		entity id.EntityID
		field  string
	}
	grouped := make(map[key][]*models.FieldSource)
	for _, row := range s.rows {
		if row.Value == "" {
			continue
		}
		k := key{row.EntityID, row.FieldName}
		grouped[k] = append(grouped[k], row)
	}

	var out []*models.FieldConflict
	for k, rows := range grouped {
		distinct := make(map[string]bool)
		for _, r := range rows {
			distinct[r.Value] = true
		}
		if len(distinct) < 2 {
			continue
		}
		fc := &models.FieldConflict{EntityID: k.entity, FieldName: k.field}
		for _, r := range rows {
			fc.Values = append(fc.Values, models.ConflictValue{
				Value:        r.Value,
				SourceSystem: r.SourceSystem,
				ObservedAt:   r.ObservedAt,
				IsCurrent:    r.IsCurrent,
			})
			if r.IsCurrent {
				fc.CurrentValue = r.Value
			}
		}
		sort.Slice(fc.Values, func(i, j int) bool {
			return fc.Values[i].ObservedAt.Before(fc.Values[j].ObservedAt)
		})
		out = append(out, fc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID.String() < out[j].EntityID.String()
		}
		return out[i].FieldName < out[j].FieldName
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

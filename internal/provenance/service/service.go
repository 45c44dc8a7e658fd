package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/benffsc/atlas/internal/provenance"
	"github.com/benffsc/atlas/internal/provenance/models"
	"github.com/benffsc/atlas/internal/provenance/store"
	id "github.com/benffsc/atlas/pkg/domain"
	dErrors "github.com/benffsc/atlas/pkg/domain-errors"
	"github.com/benffsc/atlas/pkg/platform/audit"
	"github.com/benffsc/atlas/pkg/requestcontext"
)

// Service records field observations and keeps exactly one of them current
// per (entity, field), chosen by the priority table.
type Service struct {
	store      store.Store
	priorities *provenance.PriorityTable
	audit      *audit.Publisher
}

func New(s store.Store, priorities *provenance.PriorityTable, auditor *audit.Publisher) *Service {
	return &Service{store: s, priorities: priorities, audit: auditor}
}

// RecordField stores one source's observation of one field and recomputes
// which observation is current. Blank values are dropped without touching
// existing rows: a source going silent on a field never erases another
// source's value.
func (s *Service) RecordField(ctx context.Context, entityID id.EntityID, field, value, sourceSystem, sourceRecordID string, observedAt time.Time, confidence float64) error {
	if entityID.IsNil() {
		return dErrors.New(dErrors.CodeInvalidInput, "entity id is required")
	}
	if field == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "field name is required")
	}
	if sourceSystem == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "source system is required")
	}
	if strings.TrimSpace(value) == "" {
		return nil
	}
	if observedAt.IsZero() {
		observedAt = requestcontext.Now(ctx)
	}

	err := s.store.Upsert(ctx, &models.FieldSource{
		EntityID:       entityID,
		FieldName:      field,
		Value:          value,
		SourceSystem:   sourceSystem,
		SourceRecordID: sourceRecordID,
		ObservedAt:     observedAt,
		Confidence:     confidence,
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record field observation")
	}

	changed, current, err := s.recomputeField(ctx, entityID, field)
	if err != nil {
		return err
	}

	if s.audit != nil {
		if err := s.audit.Emit(ctx, audit.Event{
			EntityID: entityID,
			Action:   audit.EventFieldRecorded.String(),
			Details: map[string]any{
				"field":           field,
				"source_system":   sourceSystem,
				"current_source":  current,
				"current_changed": changed,
			},
		}); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to audit field observation")
		}
	}
	return nil
}

// RecomputeEntity re-derives the current observation for every field on an
// entity. Used after a merge transfers observations between entities.
func (s *Service) RecomputeEntity(ctx context.Context, entityID id.EntityID) error {
	all, err := s.store.ListByEntity(ctx, entityID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to list field observations")
	}
	seen := map[string]bool{}
	for _, fs := range all {
		if seen[fs.FieldName] {
			continue
		}
		seen[fs.FieldName] = true
		if _, _, err := s.recomputeField(ctx, entityID, fs.FieldName); err != nil {
			return err
		}
	}
	return nil
}

// TransferObservations moves one entity's observations onto another and
// re-derives currency for every field on the receiver. Observations whose
// (field, source) pair the receiver already holds are left behind.
func (s *Service) TransferObservations(ctx context.Context, from, to id.EntityID) (int, int, error) {
	moved, skipped, err := s.store.Transfer(ctx, from, to)
	if err != nil {
		return 0, 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to transfer field observations")
	}
	if err := s.RecomputeEntity(ctx, to); err != nil {
		return 0, 0, err
	}
	return moved, skipped, nil
}

// CurrentValue returns the surviving value for a field, or "" when no source
// has observed it.
func (s *Service) CurrentValue(ctx context.Context, entityID id.EntityID, field string) (string, error) {
	rows, err := s.store.ListByEntityField(ctx, entityID, field)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to list field observations")
	}
	for _, fs := range rows {
		if fs.IsCurrent {
			return fs.Value, nil
		}
	}
	return "", nil
}

// ListByEntity exposes the full observation history for an entity.
func (s *Service) ListByEntity(ctx context.Context, entityID id.EntityID) ([]*models.FieldSource, error) {
	rows, err := s.store.ListByEntity(ctx, entityID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list field observations")
	}
	return rows, nil
}

// Conflicts returns every field on which sources disagree.
func (s *Service) Conflicts(ctx context.Context, limit int) ([]*models.FieldConflict, error) {
	conflicts, err := s.store.Conflicts(ctx, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list field conflicts")
	}
	return conflicts, nil
}

// recomputeField picks the surviving observation for one field and flips the
// current flag if the winner changed. The choice is a pure function of the
// stored observations and the priority table: best-ranked source wins; on a
// rank tie the incumbent keeps the field, and with no incumbent among the
// tied rows the earliest observation wins. Replaying the same inputs in any
// order converges on the same current value.
func (s *Service) recomputeField(ctx context.Context, entityID id.EntityID, field string) (bool, string, error) {
	rows, err := s.store.ListByEntityField(ctx, entityID, field)
	if err != nil {
		return false, "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to list field observations")
	}
	candidates := rows[:0:0]
	for _, fs := range rows {
		if strings.TrimSpace(fs.Value) != "" {
			candidates = append(candidates, fs)
		}
	}
	if len(candidates) == 0 {
		return false, "", nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ri := s.priorities.Rank(field, candidates[i].SourceSystem)
		rj := s.priorities.Rank(field, candidates[j].SourceSystem)
		if ri != rj {
			return ri < rj
		}
		if candidates[i].IsCurrent != candidates[j].IsCurrent {
			return candidates[i].IsCurrent
		}
		if !candidates[i].ObservedAt.Equal(candidates[j].ObservedAt) {
			return candidates[i].ObservedAt.Before(candidates[j].ObservedAt)
		}
		return candidates[i].SourceSystem < candidates[j].SourceSystem
	})

	winner := candidates[0]
	if winner.IsCurrent {
		return false, winner.SourceSystem, nil
	}
	if err := s.store.SetCurrent(ctx, entityID, field, winner.SourceSystem); err != nil {
		return false, "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to update current field source")
	}
	return true, winner.SourceSystem, nil
}

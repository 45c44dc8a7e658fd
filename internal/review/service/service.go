// Package service assembles the read-side views the staff dashboard leans
// on: field conflicts, pipeline health, and the unified review queue. It
// owns no state of its own; everything is derived from the other stores on
// demand.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	id "github.com/benffsc/atlas/pkg/domain"
	dErrors "github.com/benffsc/atlas/pkg/domain-errors"
	"github.com/benffsc/atlas/pkg/requestcontext"

	"github.com/benffsc/atlas/internal/pipeline"
	pipelinestore "github.com/benffsc/atlas/internal/pipeline/store"
	provenanceservice "github.com/benffsc/atlas/internal/provenance/service"
	relationshipstore "github.com/benffsc/atlas/internal/relationship/store"
	resolvemodels "github.com/benffsc/atlas/internal/resolve/models"
	resolveservice "github.com/benffsc/atlas/internal/resolve/service"
)

// Severity orders activity items in the review queue. Invariant breaches
// outrank pending decisions, which outrank stale-source flags.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 0
	case SeverityMedium:
		return 1
	default:
		return 2
	}
}

// ActivityItem is one row of the unified review queue.
type ActivityItem struct {
	Kind      string      `json:"kind"`
	Severity  Severity    `json:"severity"`
	EntityID  id.EntityID `json:"entity_id,omitempty"`
	Summary   string      `json:"summary"`
	CreatedAt time.Time   `json:"created_at"`
	// Ref points at the underlying record: decision id for pending reviews,
	// relationship id for stale sources.
	Ref string `json:"ref,omitempty"`
}

// ProcessorHealth is one row of the pipeline health view.
type ProcessorHealth struct {
	SourceSystem string     `json:"source_system"`
	SourceTable  string     `json:"source_table"`
	Processor    string     `json:"processor"`
	Pending      int        `json:"pending"`
	Errored      int        `json:"errored"`
	Runs         int64      `json:"runs"`
	Succeeded    int64      `json:"succeeded"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	IsActive     bool       `json:"is_active"`
}

// DecisionSummary counts recent resolver outcomes for the dashboard header.
type DecisionSummary struct {
	Window  string                             `json:"window"`
	Counts  map[resolvemodels.DecisionType]int `json:"counts"`
	Pending int                                `json:"pending"`
}

type Service struct {
	resolver      *resolveservice.Service
	provenance    *provenanceservice.Service
	relationships relationshipstore.Store
	registrations pipelinestore.RegistrationStore
	dispatcher    *pipeline.Dispatcher
	logger        *slog.Logger
}

func New(resolver *resolveservice.Service, provenance *provenanceservice.Service, relationships relationshipstore.Store, registrations pipelinestore.RegistrationStore, dispatcher *pipeline.Dispatcher, logger *slog.Logger) (*Service, error) {
	if resolver == nil || provenance == nil || relationships == nil {
		return nil, errors.New("resolver, provenance and relationship stores are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		resolver:      resolver,
		provenance:    provenance,
		relationships: relationships,
		registrations: registrations,
		dispatcher:    dispatcher,
		logger:        logger,
	}, nil
}

// Conflicts lists fields where live sources still disagree, alongside the
// value survivorship picked. All contributing values are shown; nothing is
// hidden just because it lost.
func (s *Service) Conflicts(ctx context.Context, limit int) ([]*ConflictView, error) {
	if limit <= 0 {
		limit = 100
	}
	conflicts, err := s.provenance.Conflicts(ctx, limit)
	if err != nil {
		return nil, err
	}
	views := make([]*ConflictView, 0, len(conflicts))
	for _, c := range conflicts {
		view := &ConflictView{
			EntityID:     c.EntityID,
			Field:        c.FieldName,
			CurrentValue: c.CurrentValue,
			HasConflict:  true,
		}
		for _, v := range c.Values {
			view.SourceValues = append(view.SourceValues, SourceValue{
				Value:        v.Value,
				SourceSystem: v.SourceSystem,
			})
		}
		views = append(views, view)
	}
	return views, nil
}

// PipelineHealth joins processor registrations with their queue depths.
func (s *Service) PipelineHealth(ctx context.Context) ([]*ProcessorHealth, error) {
	if s.registrations == nil || s.dispatcher == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "pipeline health view is not wired")
	}
	regs, err := s.registrations.ListActive(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list processor registrations")
	}
	depths, err := s.dispatcher.QueueDepths(ctx)
	if err != nil {
		return nil, err
	}

	type partition struct{ system, table string }
	depthBy := make(map[partition]struct{ pending, errored int })
	for _, d := range depths {
		depthBy[partition{d.SourceSystem, d.SourceTable}] = struct{ pending, errored int }{d.Pending, d.Errored}
	}

	health := make([]*ProcessorHealth, 0, len(regs))
	for _, reg := range regs {
		row := &ProcessorHealth{
			SourceSystem: reg.SourceSystem,
			SourceTable:  reg.SourceTable,
			Processor:    reg.ProcessorReference,
			Runs:         reg.RunStats.Runs,
			Succeeded:    reg.RunStats.Succeeded,
			LastRun:      reg.RunStats.LastRun,
			IsActive:     reg.IsActive,
		}
		if d, ok := depthBy[partition{reg.SourceSystem, reg.SourceTable}]; ok {
			row.Pending = d.pending
			row.Errored = d.errored
		}
		health = append(health, row)
	}
	return health, nil
}

// ReviewQueue unions pending match decisions and stale-source flags into a
// single severity-ordered activity feed.
func (s *Service) ReviewQueue(ctx context.Context, limit int) ([]*ActivityItem, error) {
	if limit <= 0 {
		limit = 100
	}

	var items []*ActivityItem

	pending, err := s.resolver.ListPending(ctx, limit)
	if err != nil {
		return nil, err
	}
	for _, d := range pending {
		items = append(items, &ActivityItem{
			Kind:      "match_review",
			Severity:  SeverityMedium,
			Summary:   pendingSummary(d),
			CreatedAt: d.CreatedAt,
			Ref:       d.ID.String(),
		})
	}

	stale, err := s.relationships.ListStale(ctx, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list stale relationships")
	}
	for _, rel := range stale {
		items = append(items, &ActivityItem{
			Kind:      "stale_source",
			Severity:  SeverityLow,
			EntityID:  rel.SubjectID,
			Summary:   "source row " + rel.SourceRowID + " in " + rel.SourceSystem + " changed after processing",
			CreatedAt: rel.UpdatedAt,
			Ref:       rel.ID.String(),
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := severityRank(items[i].Severity), severityRank(items[j].Severity)
		if ri != rj {
			return ri < rj
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// RecentDecisions summarizes resolver outcomes over a trailing window.
func (s *Service) RecentDecisions(ctx context.Context, window time.Duration) (*DecisionSummary, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	since := requestcontext.Now(ctx).Add(-window)
	counts, err := s.resolver.DecisionCountsSince(ctx, since)
	if err != nil {
		return nil, err
	}
	return &DecisionSummary{
		Window:  window.String(),
		Counts:  counts,
		Pending: counts[resolvemodels.DecisionReviewPending],
	}, nil
}

func pendingSummary(d *resolvemodels.MatchDecision) string {
	if len(d.Candidates) == 0 {
		return "ambiguous " + string(d.EntityType) + " bundle awaiting review"
	}
	best := d.Candidates[0]
	return "possible " + string(d.EntityType) + " match against " + best.PublicID
}

// ConflictView is the dashboard shape of a field disagreement.
type ConflictView struct {
	EntityID     id.EntityID   `json:"entity_id"`
	Field        string        `json:"field"`
	SourceValues []SourceValue `json:"source_values"`
	CurrentValue string        `json:"current_value"`
	HasConflict  bool          `json:"has_conflict"`
}

type SourceValue struct {
	Value        string `json:"value"`
	SourceSystem string `json:"source_system"`
}

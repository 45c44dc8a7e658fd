package reconcile

import (
	"context"
	"log/slog"
	"time"

	id "github.com/benffsc/atlas/pkg/domain"
	dErrors "github.com/benffsc/atlas/pkg/domain-errors"
	"github.com/benffsc/atlas/pkg/platform/audit"

	pipelinestore "github.com/benffsc/atlas/internal/pipeline/store"
	"github.com/benffsc/atlas/internal/platform/database"
	provenanceservice "github.com/benffsc/atlas/internal/provenance/service"
	"github.com/benffsc/atlas/internal/reconcile/metrics"
	relationshipmodels "github.com/benffsc/atlas/internal/relationship/models"
	relationshipstore "github.com/benffsc/atlas/internal/relationship/store"
)

// Mode selects whether a reconciliation run writes anything.
type Mode string

const (
	ModeDryRun Mode = "dry_run"
	ModeApply  Mode = "apply"
)

func (m Mode) IsValid() bool {
	return m == ModeDryRun || m == ModeApply
}

const (
	ActionAdd    = "add"
	ActionUpdate = "update"
)

// Change is one field difference between current canonical state and the
// latest staged payload. In dry-run mode this is the whole deliverable.
type Change struct {
	EntityID id.EntityID `json:"entity_id"`
	Field    string      `json:"field"`
	OldValue string      `json:"old_value"`
	NewValue string      `json:"new_value"`
	Action   string      `json:"action"`
}

type Reconciler struct {
	relationships relationshipstore.Store
	staged        pipelinestore.StagedStore
	provenance    *provenanceservice.Service
	mappers       map[string]Mapper
	txRunner      database.TxRunner
	audit         *audit.Publisher
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

func NewReconciler(relationships relationshipstore.Store, staged pipelinestore.StagedStore, provenance *provenanceservice.Service, txRunner database.TxRunner, auditor *audit.Publisher, m *metrics.Metrics, logger *slog.Logger) (*Reconciler, error) {
	if relationships == nil || staged == nil || provenance == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "relationship store, staged store and provenance service are required")
	}
	if txRunner == nil {
		txRunner = database.NoopTxRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		relationships: relationships,
		staged:        staged,
		provenance:    provenance,
		mappers: map[string]Mapper{
			"clinichq":     NewClinicHQMapper(),
			"volunteerhub": NewVolunteerHubMapper(),
		},
		txRunner: txRunner,
		audit:    auditor,
		metrics:  m,
		logger:   logger,
	}, nil
}

// RegisterMapper adds or replaces the payload mapper for a source system.
func (r *Reconciler) RegisterMapper(sourceSystem string, m Mapper) {
	r.mappers[sourceSystem] = m
}

// Reconcile walks flagged relationships oldest-first, re-derives fields from
// the latest staged payload and reports what differs from canonical state.
// In apply mode each differing field becomes a new provenance observation,
// the change is audited with old and new values, and the relationship's
// fingerprint catches up, clearing the stale flag. Dry-run performs no
// writes at all.
func (r *Reconciler) Reconcile(ctx context.Context, mode Mode, limit int) ([]Change, error) {
	if !mode.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "invalid reconcile mode %q", mode)
	}
	if limit <= 0 {
		limit = 50
	}
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.ObserveScan(start)
		}
	}()

	stale, err := r.relationships.ListStale(ctx, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list stale relationships")
	}

	var changes []Change
	for _, rel := range stale {
		relChanges, err := r.reconcileOne(ctx, mode, rel)
		if err != nil {
			return changes, err
		}
		changes = append(changes, relChanges...)
	}
	return changes, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, mode Mode, rel *relationshipmodels.Relationship) ([]Change, error) {
	mapper, ok := r.mappers[rel.SourceSystem]
	if !ok {
		r.logger.Warn("no reconcile mapper for source system",
			"source_system", rel.SourceSystem, "relationship_id", rel.ID)
		return nil, nil
	}
	origin, err := r.staged.FindByID(ctx, rel.StagedRecordID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load staged origin")
	}
	latest, err := r.staged.LatestBySourceRow(ctx, rel.SourceSystem, origin.SourceTable, rel.SourceRowID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load latest staged version")
	}

	var changes []Change
	for _, obs := range mapper.Observations(rel, latest) {
		current, err := r.provenance.CurrentValue(ctx, obs.EntityID, obs.Field)
		if err != nil {
			return nil, err
		}
		if current == obs.Value {
			continue
		}
		action := ActionUpdate
		if current == "" {
			action = ActionAdd
		}
		changes = append(changes, Change{
			EntityID: obs.EntityID,
			Field:    obs.Field,
			OldValue: current,
			NewValue: obs.Value,
			Action:   action,
		})
		if r.metrics != nil {
			r.metrics.RecordChange(string(mode), action)
		}
	}

	if mode == ModeDryRun {
		return changes, nil
	}

	err = r.txRunner.RunInTx(ctx, func(ctx context.Context) error {
		for _, ch := range changes {
			err := r.provenance.RecordField(ctx, ch.EntityID, ch.Field, ch.NewValue,
				rel.SourceSystem, rel.SourceRowID, latest.CreatedAt, 1.0)
			if err != nil {
				return err
			}
			if r.audit != nil {
				err := r.audit.Emit(ctx, audit.Event{
					EntityID: ch.EntityID,
					Action:   audit.EventFieldReconciled.String(),
					Actor:    "reconcile.apply",
					Details: map[string]any{
						"field":           ch.Field,
						"old_value":       ch.OldValue,
						"new_value":       ch.NewValue,
						"action":          ch.Action,
						"source_system":   rel.SourceSystem,
						"source_row_id":   rel.SourceRowID,
						"relationship_id": rel.ID.String(),
					},
				})
				if err != nil {
					return err
				}
			}
		}
		// The fingerprint catches up even when nothing differed; the row is
		// no longer stale relative to what we have seen.
		return r.relationships.UpdateFingerprint(ctx, rel.ID, latest.ContentHash)
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to apply reconciliation")
	}

	r.logger.Info("relationship reconciled",
		"relationship_id", rel.ID,
		"source_row_id", rel.SourceRowID,
		"changes", len(changes))
	return changes, nil
}

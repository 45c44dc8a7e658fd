// Package reconcile detects upstream edits to already-processed source rows
// and folds them back into canonical state. The detector only flags; the
// reconciler rewrites, and only when explicitly asked to apply.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dErrors "github.com/benffsc/atlas/pkg/domain-errors"
	"github.com/benffsc/atlas/pkg/platform/audit"
	"github.com/benffsc/atlas/pkg/platform/sentinel"

	"github.com/benffsc/atlas/internal/pipeline/models"
	pipelinestore "github.com/benffsc/atlas/internal/pipeline/store"
	"github.com/benffsc/atlas/internal/reconcile/metrics"
	relationshipmodels "github.com/benffsc/atlas/internal/relationship/models"
	relationshipstore "github.com/benffsc/atlas/internal/relationship/store"
)

type Detector struct {
	relationships relationshipstore.Store
	staged        pipelinestore.StagedStore
	audit         *audit.Publisher
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

func NewDetector(relationships relationshipstore.Store, staged pipelinestore.StagedStore, auditor *audit.Publisher, m *metrics.Metrics, logger *slog.Logger) (*Detector, error) {
	if relationships == nil || staged == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "relationship and staged stores are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		relationships: relationships,
		staged:        staged,
		audit:         auditor,
		metrics:       m,
		logger:        logger,
	}, nil
}

// Detect compares each fingerprinted relationship against the newest staged
// version of its source row and flags the ones whose row has since changed.
// Returns the number of relationships flagged in this pass.
func (d *Detector) Detect(ctx context.Context, limit int) (int, error) {
	start := time.Now()
	defer func() {
		if d.metrics != nil {
			d.metrics.ObserveScan(start)
		}
	}()

	rels, err := d.relationships.ListFingerprinted(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list fingerprinted relationships: %w", err)
	}

	flagged := 0
	for _, rel := range rels {
		if rel.HasStaleSource {
			continue
		}
		if rel.StagedRecordID.IsNil() {
			continue
		}
		latest, err := d.latestVersion(ctx, rel)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				continue
			}
			return flagged, err
		}
		if latest.ContentHash == rel.SourceFingerprint {
			continue
		}
		if err := d.relationships.SetStale(ctx, rel.ID, true); err != nil {
			return flagged, fmt.Errorf("flag relationship %s: %w", rel.ID, err)
		}
		flagged++
		if d.metrics != nil {
			d.metrics.StaleFlagged.Inc()
		}
		d.logger.Info("source row changed upstream",
			"relationship_id", rel.ID,
			"source_system", rel.SourceSystem,
			"source_row_id", rel.SourceRowID)
		if d.audit != nil {
			err := d.audit.Emit(ctx, audit.Event{
				EntityID: rel.SubjectID,
				Action:   audit.EventStaleSourceFlagged.String(),
				Actor:    "reconcile.detector",
				Details: map[string]any{
					"relationship_id":  rel.ID.String(),
					"source_system":    rel.SourceSystem,
					"source_row_id":    rel.SourceRowID,
					"old_fingerprint":  rel.SourceFingerprint,
					"new_fingerprint":  latest.ContentHash,
					"latest_staged_id": latest.ID.String(),
				},
			})
			if err != nil {
				d.logger.Warn("failed to audit stale-source flag", "error", err)
			}
		}
	}
	return flagged, nil
}

// Run flags stale sources on a fixed cadence until the context ends.
func (d *Detector) Run(ctx context.Context, interval time.Duration, limit int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.Detect(ctx, limit); err != nil {
				d.logger.Error("stale-source detection pass failed", "error", err)
			}
		}
	}
}

// latestVersion finds the newest staged version of the row a relationship was
// derived from. The relationship only stores the row id, so the staged record
// it points at supplies the source table.
func (d *Detector) latestVersion(ctx context.Context, rel *relationshipmodels.Relationship) (*models.StagedRecord, error) {
	origin, err := d.staged.FindByID(ctx, rel.StagedRecordID)
	if err != nil {
		return nil, err
	}
	return d.staged.LatestBySourceRow(ctx, rel.SourceSystem, origin.SourceTable, rel.SourceRowID)
}

package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	id "github.com/benffsc/atlas/pkg/domain"
	dErrors "github.com/benffsc/atlas/pkg/domain-errors"
	"github.com/benffsc/atlas/pkg/platform/audit"
	auditmemory "github.com/benffsc/atlas/pkg/platform/audit/store/memory"

	pipelinemodels "github.com/benffsc/atlas/internal/pipeline/models"
	pipelinestore "github.com/benffsc/atlas/internal/pipeline/store"
	"github.com/benffsc/atlas/internal/provenance"
	provenanceservice "github.com/benffsc/atlas/internal/provenance/service"
	provenancestore "github.com/benffsc/atlas/internal/provenance/store"
	relationshipmodels "github.com/benffsc/atlas/internal/relationship/models"
	relationshipstore "github.com/benffsc/atlas/internal/relationship/store"
)

type ReconcileSuite struct {
	suite.Suite
	relationships *relationshipstore.InMemory
	staged        *pipelinestore.InMemoryStaged
	provenance    *provenanceservice.Service
	sink          *auditmemory.Store
	detector      *Detector
	reconciler    *Reconciler
	ctx           context.Context

	personID id.EntityID
	catID    id.EntityID
}

func (s *ReconcileSuite) SetupTest() {
	s.relationships = relationshipstore.NewInMemory()
	s.staged = pipelinestore.NewInMemoryStaged()
	s.sink = auditmemory.New()
	publisher := audit.NewPublisher(s.sink)

	priorities := provenance.NewPriorityTable(nil, []string{"clinichq", "volunteerhub"})
	s.provenance = provenanceservice.New(provenancestore.NewInMemory(), priorities, publisher)

	detector, err := NewDetector(s.relationships, s.staged, publisher, nil, nil)
	s.Require().NoError(err)
	s.detector = detector

	reconciler, err := NewReconciler(s.relationships, s.staged, s.provenance, nil, publisher, nil, nil)
	s.Require().NoError(err)
	s.reconciler = reconciler

	s.ctx = context.Background()
	s.personID = id.NewEntityID()
	s.catID = id.NewEntityID()
}

func TestReconcileSuite(t *testing.T) {
	suite.Run(t, new(ReconcileSuite))
}

// stage appends one version of an appointment row and returns it.
func (s *ReconcileSuite) stage(payload pipelinemodels.Document) *pipelinemodels.StagedRecord {
	record := &pipelinemodels.StagedRecord{
		ID:           id.NewStagedRecordID(),
		SourceSystem: "clinichq",
		SourceTable:  "appointments",
		SourceRowID:  "appt-77",
		Payload:      payload,
		ContentHash:  payload.ContentHash(),
	}
	s.Require().NoError(s.staged.Insert(s.ctx, record))
	return record
}

// processedRow simulates a row that already went through the pipeline: the
// staged version, the appointment link fingerprinted against it, and the
// field observations the processor would have recorded.
func (s *ReconcileSuite) processedRow(payload pipelinemodels.Document) (*pipelinemodels.StagedRecord, *relationshipmodels.Relationship) {
	record := s.stage(payload)
	rel := &relationshipmodels.Relationship{
		Kind:              relationshipmodels.KindAppointment,
		SubjectID:         s.personID,
		ObjectID:          s.catID,
		SourceSystem:      record.SourceSystem,
		SourceRowID:       record.SourceRowID,
		StagedRecordID:    record.ID,
		SourceFingerprint: record.ContentHash,
	}
	s.Require().NoError(s.relationships.Create(s.ctx, rel))

	observed := time.Now().Add(-time.Hour)
	for key, field := range map[string]string{
		"owner_name": "display_name", "owner_email": "email",
	} {
		if v := payload.String(key); v != "" {
			s.Require().NoError(s.provenance.RecordField(s.ctx, s.personID, field, v,
				record.SourceSystem, record.SourceRowID, observed, 1.0))
		}
	}
	if v := payload.String("cat_name"); v != "" {
		s.Require().NoError(s.provenance.RecordField(s.ctx, s.catID, "display_name", v,
			record.SourceSystem, record.SourceRowID, observed, 1.0))
	}
	if v := payload.String("microchip"); v != "" {
		s.Require().NoError(s.provenance.RecordField(s.ctx, s.catID, "microchip", v,
			record.SourceSystem, record.SourceRowID, observed, 1.0))
	}
	return record, rel
}

func (s *ReconcileSuite) TestUnchangedRowIsNotFlagged() {
	s.processedRow(pipelinemodels.Document{
		"owner_name":  "Marisol Vega",
		"owner_email": "marisol@example.com",
		"cat_name":    "Biscuit",
		"microchip":   "985141000000000",
	})

	flagged, err := s.detector.Detect(s.ctx, 100)
	s.Require().NoError(err)
	s.Equal(0, flagged)
}

func (s *ReconcileSuite) TestUpstreamEditFlagsTheLink() {
	_, rel := s.processedRow(pipelinemodels.Document{
		"owner_name":  "Marisol Vega",
		"owner_email": "marisol@example.com",
		"cat_name":    "Biscuit",
	})
	s.stage(pipelinemodels.Document{
		"owner_name":  "Marisol Vega",
		"owner_email": "m.vega@example.com",
		"cat_name":    "Biscuit",
	})

	flagged, err := s.detector.Detect(s.ctx, 100)
	s.Require().NoError(err)
	s.Equal(1, flagged)

	got, err := s.relationships.FindByID(s.ctx, rel.ID)
	s.Require().NoError(err)
	s.True(got.HasStaleSource)

	// A second pass does not flag it again.
	flagged, err = s.detector.Detect(s.ctx, 100)
	s.Require().NoError(err)
	s.Equal(0, flagged)
}

func (s *ReconcileSuite) TestDryRunReportsWithoutWriting() {
	_, rel := s.processedRow(pipelinemodels.Document{
		"owner_name":  "Marisol Vega",
		"owner_email": "marisol@example.com",
	})
	s.stage(pipelinemodels.Document{
		"owner_name":  "Marisol Vega",
		"owner_email": "m.vega@example.com",
	})
	_, err := s.detector.Detect(s.ctx, 100)
	s.Require().NoError(err)

	changes, err := s.reconciler.Reconcile(s.ctx, ModeDryRun, 10)
	s.Require().NoError(err)
	s.Require().Len(changes, 1)
	s.Equal("email", changes[0].Field)
	s.Equal("marisol@example.com", changes[0].OldValue)
	s.Equal("m.vega@example.com", changes[0].NewValue)
	s.Equal(ActionUpdate, changes[0].Action)

	current, err := s.provenance.CurrentValue(s.ctx, s.personID, "email")
	s.Require().NoError(err)
	s.Equal("marisol@example.com", current)

	got, err := s.relationships.FindByID(s.ctx, rel.ID)
	s.Require().NoError(err)
	s.True(got.HasStaleSource)
}

func (s *ReconcileSuite) TestApplyWritesAndClearsTheFlag() {
	_, rel := s.processedRow(pipelinemodels.Document{
		"owner_name":  "Marisol Vega",
		"owner_email": "marisol@example.com",
		"cat_name":    "Biscuit",
		"microchip":   "985141000000000",
	})
	latest := s.stage(pipelinemodels.Document{
		"owner_name":  "Marisol Vega",
		"owner_email": "m.vega@example.com",
		"cat_name":    "Biscuit",
		"microchip":   "985141000000000",
	})
	_, err := s.detector.Detect(s.ctx, 100)
	s.Require().NoError(err)

	changes, err := s.reconciler.Reconcile(s.ctx, ModeApply, 10)
	s.Require().NoError(err)
	s.Require().Len(changes, 1)

	current, err := s.provenance.CurrentValue(s.ctx, s.personID, "email")
	s.Require().NoError(err)
	s.Equal("m.vega@example.com", current)

	// The microchip was untouched upstream, so it stays as observed.
	chip, err := s.provenance.CurrentValue(s.ctx, s.catID, "microchip")
	s.Require().NoError(err)
	s.Equal("985141000000000", chip)

	got, err := s.relationships.FindByID(s.ctx, rel.ID)
	s.Require().NoError(err)
	s.False(got.HasStaleSource)
	s.Equal(latest.ContentHash, got.SourceFingerprint)

	var reconciled int
	for _, e := range s.sink.All() {
		if e.Action == audit.EventFieldReconciled.String() {
			reconciled++
			s.Equal("marisol@example.com", e.Details["old_value"])
			s.Equal("m.vega@example.com", e.Details["new_value"])
		}
	}
	s.Equal(1, reconciled)

	// Nothing left to do afterwards.
	changes, err = s.reconciler.Reconcile(s.ctx, ModeApply, 10)
	s.Require().NoError(err)
	s.Empty(changes)
}

func (s *ReconcileSuite) TestApplyAddsFieldsTheSourceLearnedLater() {
	_, _ = s.processedRow(pipelinemodels.Document{
		"owner_name": "Marisol Vega",
	})
	s.stage(pipelinemodels.Document{
		"owner_name":  "Marisol Vega",
		"owner_email": "marisol@example.com",
	})
	_, err := s.detector.Detect(s.ctx, 100)
	s.Require().NoError(err)

	changes, err := s.reconciler.Reconcile(s.ctx, ModeApply, 10)
	s.Require().NoError(err)
	s.Require().Len(changes, 1)
	s.Equal(ActionAdd, changes[0].Action)
	s.Equal("", changes[0].OldValue)

	current, err := s.provenance.CurrentValue(s.ctx, s.personID, "email")
	s.Require().NoError(err)
	s.Equal("marisol@example.com", current)
}

func (s *ReconcileSuite) TestInvalidModeIsRejected() {
	_, err := s.reconciler.Reconcile(s.ctx, Mode("half-apply"), 10)
	s.Error(err)
}

func (s *ReconcileSuite) TestConstructorsRejectMissingStores() {
	_, err := NewDetector(nil, s.staged, nil, nil, nil)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))

	_, err = NewReconciler(s.relationships, nil, s.provenance, nil, nil, nil, nil)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	id "github.com/benffsc/atlas/pkg/domain"
	"github.com/benffsc/atlas/pkg/platform/audit"
	auditmemory "github.com/benffsc/atlas/pkg/platform/audit/store/memory"

	"github.com/benffsc/atlas/internal/provenance"
	"github.com/benffsc/atlas/internal/provenance/store"
)

type ProvenanceServiceSuite struct {
	suite.Suite
	store *store.InMemory
	sink  *auditmemory.Store
	svc   *Service
	ctx   context.Context
}

func (s *ProvenanceServiceSuite) SetupTest() {
	s.store = store.NewInMemory()
	s.sink = auditmemory.New()
	priorities := provenance.NewPriorityTable(map[string][]string{
		"phone": {"shelter_beta", "shelter_alpha"},
	}, []string{"shelter_alpha", "shelter_beta"})
	s.svc = New(s.store, priorities, audit.NewPublisher(s.sink))
	s.ctx = context.Background()
}

func TestProvenanceServiceSuite(t *testing.T) {
	suite.Run(t, new(ProvenanceServiceSuite))
}

func (s *ProvenanceServiceSuite) record(entityID id.EntityID, field, value, source string, observedAt time.Time) {
	s.T().Helper()
	s.Require().NoError(s.svc.RecordField(s.ctx, entityID, field, value, source, "rec-1", observedAt, 1.0))
}

func (s *ProvenanceServiceSuite) TestHigherPrioritySourceWinsField() {
	entityID := id.NewEntityID()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.record(entityID, "phone", "5105551111", "shelter_alpha", base)

	got, err := s.svc.CurrentValue(s.ctx, entityID, "phone")
	s.Require().NoError(err)
	s.Equal("5105551111", got)

	// Beta outranks alpha for phone, so a later beta observation takes over
	// even though alpha got there first.
	s.record(entityID, "phone", "5105552222", "shelter_beta", base.Add(time.Hour))

	got, err = s.svc.CurrentValue(s.ctx, entityID, "phone")
	s.Require().NoError(err)
	s.Equal("5105552222", got)

	// Alpha's value is retained, not overwritten, and both appear in the
	// conflict view.
	conflicts, err := s.svc.Conflicts(s.ctx, 100)
	s.Require().NoError(err)
	s.Require().Len(conflicts, 1)
	s.Equal(entityID, conflicts[0].EntityID)
	s.Equal("phone", conflicts[0].FieldName)
	s.Len(conflicts[0].Values, 2)
	s.Equal("5105552222", conflicts[0].CurrentValue)
}

func (s *ProvenanceServiceSuite) TestBlankValueIsIgnored() {
	entityID := id.NewEntityID()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.record(entityID, "email", "jane@example.com", "shelter_beta", base)
	// A blank from the top-priority source must not erase the email.
	s.record(entityID, "email", "   ", "shelter_alpha", base.Add(time.Hour))

	got, err := s.svc.CurrentValue(s.ctx, entityID, "email")
	s.Require().NoError(err)
	s.Equal("jane@example.com", got)

	all, err := s.svc.ListByEntity(s.ctx, entityID)
	s.Require().NoError(err)
	s.Len(all, 1)
}

func (s *ProvenanceServiceSuite) TestRankTieKeepsIncumbent() {
	entityID := id.NewEntityID()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Neither source is listed for this field or the fallback, so they tie.
	s.record(entityID, "notes", "friendly", "clinic_x", base)
	s.record(entityID, "notes", "shy", "clinic_y", base.Add(time.Hour))

	got, err := s.svc.CurrentValue(s.ctx, entityID, "notes")
	s.Require().NoError(err)
	s.Equal("friendly", got)
}

func (s *ProvenanceServiceSuite) TestRecomputeIsDeterministicAcrossOrder() {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	type obs struct {
		value, source string
		at            time.Time
	}
	observations := []obs{
		{"5105551111", "shelter_alpha", base},
		{"5105552222", "shelter_beta", base.Add(time.Hour)},
		{"5105553333", "clinic_x", base.Add(2 * time.Hour)},
	}

	forward := id.NewEntityID()
	for _, o := range observations {
		s.record(forward, "phone", o.value, o.source, o.at)
	}
	reverse := id.NewEntityID()
	for i := len(observations) - 1; i >= 0; i-- {
		o := observations[i]
		s.record(reverse, "phone", o.value, o.source, o.at)
	}

	a, err := s.svc.CurrentValue(s.ctx, forward, "phone")
	s.Require().NoError(err)
	b, err := s.svc.CurrentValue(s.ctx, reverse, "phone")
	s.Require().NoError(err)
	s.Equal(a, b)
	s.Equal("5105552222", a)
}

func (s *ProvenanceServiceSuite) TestUpdateFromSameSourceReplacesItsRow() {
	entityID := id.NewEntityID()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.record(entityID, "phone", "5105551111", "shelter_beta", base)
	s.record(entityID, "phone", "5105559999", "shelter_beta", base.Add(time.Hour))

	all, err := s.svc.ListByEntity(s.ctx, entityID)
	s.Require().NoError(err)
	s.Require().Len(all, 1)
	s.Equal("5105559999", all[0].Value)
	s.True(all[0].IsCurrent)
}

func (s *ProvenanceServiceSuite) TestRecordEmitsAudit() {
	entityID := id.NewEntityID()
	s.record(entityID, "phone", "5105551111", "shelter_beta", time.Now())

	events := s.sink.All()
	s.Require().Len(events, 1)
	s.Equal(audit.EventFieldRecorded.String(), events[0].Action)
	s.Equal(entityID, events[0].EntityID)
}

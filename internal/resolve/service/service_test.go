package service

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	id "github.com/benffsc/atlas/pkg/domain"
	dErrors "github.com/benffsc/atlas/pkg/domain-errors"
	"github.com/benffsc/atlas/pkg/platform/audit"
	auditmemory "github.com/benffsc/atlas/pkg/platform/audit/store/memory"

	entityservice "github.com/benffsc/atlas/internal/entity/service"
	entitystore "github.com/benffsc/atlas/internal/entity/store"
	"github.com/benffsc/atlas/internal/identifier/blacklist"
	identifiermodels "github.com/benffsc/atlas/internal/identifier/models"
	identifierstore "github.com/benffsc/atlas/internal/identifier/store"
	"github.com/benffsc/atlas/internal/match"
	"github.com/benffsc/atlas/internal/platform/database"
	"github.com/benffsc/atlas/internal/provenance"
	provenanceservice "github.com/benffsc/atlas/internal/provenance/service"
	provenancestore "github.com/benffsc/atlas/internal/provenance/store"
	"github.com/benffsc/atlas/internal/resolve/models"
	"github.com/benffsc/atlas/internal/resolve/store"
)

type ResolveServiceSuite struct {
	suite.Suite
	identifiers *identifierstore.InMemory
	blacklist   *blacklist.InMemory
	decisions   *store.InMemory
	provenance  *provenancestore.InMemory
	sink        *auditmemory.Store
	svc         *Service
	ctx         context.Context
}

func (s *ResolveServiceSuite) SetupTest() {
	entities := entitystore.NewInMemory()
	entitySvc, err := entityservice.New(entities, slog.Default())
	s.Require().NoError(err)

	s.identifiers = identifierstore.NewInMemory()
	s.blacklist = blacklist.NewInMemory()
	engine, err := match.NewEngine(s.identifiers, s.blacklist, entitySvc, 0.72, nil, slog.Default())
	s.Require().NoError(err)

	s.provenance = provenancestore.NewInMemory()
	priorities := provenance.NewPriorityTable(nil, []string{"clinichq", "volunteerhub"})
	s.sink = auditmemory.New()
	publisher := audit.NewPublisher(s.sink)
	provSvc := provenanceservice.New(s.provenance, priorities, publisher)

	s.decisions = store.NewInMemory()
	svc, err := New(entitySvc, s.identifiers, engine, provSvc, s.decisions,
		database.NoopTxRunner{}, publisher, 0.90, nil, slog.Default())
	s.Require().NoError(err)
	s.svc = svc
	s.ctx = context.Background()
}

func TestResolveServiceSuite(t *testing.T) {
	suite.Run(t, new(ResolveServiceSuite))
}

func (s *ResolveServiceSuite) personRequest(name, email string) *Request {
	return &Request{
		EntityType:  id.EntityPerson,
		DisplayName: name,
		Attributes:  map[string]string{"email": email},
		Identifiers: []match.BundleIdentifier{
			{Type: identifiermodels.TypeEmail, RawValue: email},
		},
		SourceSystem:   "clinichq",
		SourceRecordID: "row-1",
		ObservedAt:     time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (s *ResolveServiceSuite) TestSameBundleTwiceCreatesOnce() {
	req := s.personRequest("Jane Doe", "jane@example.com")

	first, err := s.svc.ResolveOrCreate(s.ctx, req)
	s.Require().NoError(err)
	s.True(first.Created)
	s.Equal(models.DecisionNewEntity, first.Decision.DecisionType)
	s.Require().NotNil(first.Entity)
	s.Equal("P-000001", first.Entity.PublicID)

	second, err := s.svc.ResolveOrCreate(s.ctx, req)
	s.Require().NoError(err)
	s.False(second.Created)
	s.Equal(models.DecisionAutoMatch, second.Decision.DecisionType)
	s.Equal(first.Entity.ID, second.Entity.ID)

	// The identifier still exists exactly once.
	rows, err := s.identifiers.ListByEntity(s.ctx, id.EntityPerson, first.Entity.ID)
	s.Require().NoError(err)
	s.Len(rows, 1)
}

func (s *ResolveServiceSuite) TestMatchedEntityGainsNewIdentifiers() {
	first, err := s.svc.ResolveOrCreate(s.ctx, s.personRequest("Jane Doe", "jane@example.com"))
	s.Require().NoError(err)
	s.True(first.Created)

	// The same person comes back from another intake form with a phone the
	// engine has never seen alongside the known email.
	req := s.personRequest("Jane Doe", "jane@example.com")
	req.SourceRecordID = "row-2"
	req.Identifiers = append(req.Identifiers, match.BundleIdentifier{
		Type: identifiermodels.TypePhone, RawValue: "(510) 555-0142",
	})

	second, err := s.svc.ResolveOrCreate(s.ctx, req)
	s.Require().NoError(err)
	s.False(second.Created)
	s.Equal(models.DecisionAutoMatch, second.Decision.DecisionType)
	s.Equal(first.Entity.ID, second.Entity.ID)

	rows, err := s.identifiers.ListByEntity(s.ctx, id.EntityPerson, first.Entity.ID)
	s.Require().NoError(err)
	s.Require().Len(rows, 2)
	byType := map[identifiermodels.Type]string{}
	for _, row := range rows {
		byType[row.Type] = row.NormalizedValue
	}
	s.Equal("jane@example.com", byType[identifiermodels.TypeEmail])
	s.Equal("5105550142", byType[identifiermodels.TypePhone])
}

func (s *ResolveServiceSuite) TestPlaceholderNameIsRejected() {
	req := s.personRequest("test", "real@example.com")

	res, err := s.svc.ResolveOrCreate(s.ctx, req)
	s.Require().NoError(err)
	s.Nil(res.Entity)
	s.Equal(models.DecisionRejected, res.Decision.DecisionType)
	s.Equal("placeholder display name", res.Decision.RejectReason)

	events := s.sink.All()
	s.Require().NotEmpty(events)
	s.Equal(audit.EventInputRejected.String(), events[len(events)-1].Action)
}

func (s *ResolveServiceSuite) TestOrgNameOnPersonIsRejected() {
	req := s.personRequest("Sunny Paws Rescue", "info@sunnypaws.org")

	res, err := s.svc.ResolveOrCreate(s.ctx, req)
	s.Require().NoError(err)
	s.Equal(models.DecisionRejected, res.Decision.DecisionType)
}

func (s *ResolveServiceSuite) TestMalformedIdentifierIsRejected() {
	req := &Request{
		EntityType:  id.EntityPerson,
		DisplayName: "Jane Doe",
		Identifiers: []match.BundleIdentifier{
			{Type: identifiermodels.TypePhone, RawValue: "555"},
		},
		SourceSystem: "clinichq",
	}

	res, err := s.svc.ResolveOrCreate(s.ctx, req)
	s.Require().NoError(err)
	s.Equal(models.DecisionRejected, res.Decision.DecisionType)
}

func (s *ResolveServiceSuite) TestAmbiguousScoreQueuesReview() {
	seeded, err := s.svc.ResolveOrCreate(s.ctx, &Request{
		EntityType:  id.EntityPerson,
		DisplayName: "Katherine Marsh",
		Attributes:  map[string]string{"address": "742 Evergreen Ter"},
		Identifiers: []match.BundleIdentifier{
			{Type: identifiermodels.TypePhone, RawValue: "5105550100"},
		},
		SourceSystem: "clinichq",
	})
	s.Require().NoError(err)
	s.True(seeded.Created)

	// The shared clinic line is blacklisted, so the same phone cannot prove
	// identity; it only admits the candidate. A weak name plus an exact
	// address lands mid-band.
	s.Require().NoError(s.blacklist.Add(s.ctx, &identifiermodels.BlacklistEntry{
		Type:            identifiermodels.TypePhone,
		NormalizedValue: "5105550100",
		Reason:          "shared clinic line",
	}))

	res, err := s.svc.ResolveOrCreate(s.ctx, &Request{
		EntityType:  id.EntityPerson,
		DisplayName: "K Marsh",
		Attributes:  map[string]string{"address": "742 Evergreen Terrace"},
		Identifiers: []match.BundleIdentifier{
			{Type: identifiermodels.TypePhone, RawValue: "5105550100"},
		},
		SourceSystem: "volunteerhub",
	})
	s.Require().NoError(err)
	s.Equal(models.DecisionReviewPending, res.Decision.DecisionType)
	s.Nil(res.Entity)

	pending, err := s.svc.ListPending(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)

	reviewed, err := s.svc.Review(s.ctx, pending[0].ID, seeded.Entity.ID, "staff.ana")
	s.Require().NoError(err)
	s.Equal(seeded.Entity.ID, reviewed.ResultingEntityID)
	s.NotNil(reviewed.ReviewedAt)

	pending, err = s.svc.ListPending(s.ctx, 10)
	s.Require().NoError(err)
	s.Empty(pending)
}

func (s *ResolveServiceSuite) TestReviewTwiceFails() {
	res, err := s.svc.ResolveOrCreate(s.ctx, &Request{
		EntityType:     id.EntityPerson,
		DisplayName:    "Jane Doe",
		SourceSystem:   "clinichq",
		DisallowCreate: true,
	})
	s.Require().NoError(err)
	s.Equal(models.DecisionReviewPending, res.Decision.DecisionType)

	_, err = s.svc.Review(s.ctx, res.Decision.ID, id.EntityID{}, "staff.ana")
	s.Require().NoError(err)

	_, err = s.svc.Review(s.ctx, res.Decision.ID, id.EntityID{}, "staff.ben")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}

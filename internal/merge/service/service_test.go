package service

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/suite"

	id "github.com/benffsc/atlas/pkg/domain"
	dErrors "github.com/benffsc/atlas/pkg/domain-errors"
	"github.com/benffsc/atlas/pkg/platform/audit"
	auditmemory "github.com/benffsc/atlas/pkg/platform/audit/store/memory"

	entitymodels "github.com/benffsc/atlas/internal/entity/models"
	entityservice "github.com/benffsc/atlas/internal/entity/service"
	entitystore "github.com/benffsc/atlas/internal/entity/store"
	identifiermodels "github.com/benffsc/atlas/internal/identifier/models"
	identifierstore "github.com/benffsc/atlas/internal/identifier/store"
	"github.com/benffsc/atlas/internal/platform/database"
	"github.com/benffsc/atlas/internal/provenance"
	provenanceservice "github.com/benffsc/atlas/internal/provenance/service"
	provenancestore "github.com/benffsc/atlas/internal/provenance/store"
	relationshipmodels "github.com/benffsc/atlas/internal/relationship/models"
	relationshipstore "github.com/benffsc/atlas/internal/relationship/store"
)

type MergeServiceSuite struct {
	suite.Suite
	entities      *entitystore.InMemory
	entitySvc     *entityservice.Service
	identifiers   *identifierstore.InMemory
	relationships *relationshipstore.InMemory
	provenance    *provenancestore.InMemory
	sink          *auditmemory.Store
	svc           *Service
	ctx           context.Context
}

func (s *MergeServiceSuite) SetupTest() {
	s.entities = entitystore.NewInMemory()
	entitySvc, err := entityservice.New(s.entities, slog.Default())
	s.Require().NoError(err)
	s.entitySvc = entitySvc

	s.identifiers = identifierstore.NewInMemory()
	s.relationships = relationshipstore.NewInMemory()
	s.provenance = provenancestore.NewInMemory()
	s.sink = auditmemory.New()
	publisher := audit.NewPublisher(s.sink)
	priorities := provenance.NewPriorityTable(nil, []string{"clinichq", "volunteerhub"})
	provSvc := provenanceservice.New(s.provenance, priorities, publisher)

	svc, err := New(s.entities, s.identifiers, s.relationships, provSvc,
		database.NoopTxRunner{}, publisher, nil, slog.Default())
	s.Require().NoError(err)
	s.svc = svc
	s.ctx = context.Background()
}

func TestMergeServiceSuite(t *testing.T) {
	suite.Run(t, new(MergeServiceSuite))
}

func (s *MergeServiceSuite) newEntity(t id.EntityType, name string, attrs map[string]string) *entitymodels.Entity {
	e := &entitymodels.Entity{Type: t, DisplayName: name, Attributes: attrs, SourceSystem: "test"}
	s.Require().NoError(s.entitySvc.Create(s.ctx, e))
	return e
}

func (s *MergeServiceSuite) addPhone(e *entitymodels.Entity, normalized string) {
	s.Require().NoError(s.identifiers.Add(s.ctx, &identifiermodels.Identifier{
		EntityType:      e.Type,
		EntityID:        e.ID,
		Type:            identifiermodels.TypePhone,
		RawValue:        normalized,
		NormalizedValue: normalized,
		SourceSystem:    "test",
	}))
}

func (s *MergeServiceSuite) merge(loser, winner *entitymodels.Entity) *Result {
	res, err := s.svc.Merge(s.ctx, &Request{
		EntityType: loser.Type,
		LoserID:    loser.ID,
		WinnerID:   winner.ID,
		Reason:     "duplicate",
		Actor:      "staff.ana",
	})
	s.Require().NoError(err)
	return res
}

func (s *MergeServiceSuite) TestMergeTransfersAndAliases() {
	p1 := s.newEntity(id.EntityPerson, "Jane Doe", nil)
	p2 := s.newEntity(id.EntityPerson, "Jane A. Doe", nil)
	cat := s.newEntity(id.EntityCat, "Pumpkin", nil)

	s.addPhone(p1, "5105550100")
	s.addPhone(p2, "5105550100")
	s.Require().NoError(s.relationships.Create(s.ctx, &relationshipmodels.Relationship{
		Kind:         relationshipmodels.KindCaretaker,
		SubjectID:    p1.ID,
		ObjectID:     cat.ID,
		SourceSystem: "test",
	}))

	res := s.merge(p1, p2)

	// The shared phone is skipped, the caretaker link moves.
	s.Equal(0, res.MovedIdentifiers)
	s.Equal(1, res.SkippedIdentifiers)
	s.Equal(1, res.MovedRelationships)
	s.True(res.AliasCreated)

	rels, err := s.relationships.ListByEntity(s.ctx, p2.ID)
	s.Require().NoError(err)
	s.Require().Len(rels, 1)
	s.Equal(p2.ID, rels[0].SubjectID)

	// P1's old public id now resolves to P2.
	resolved, err := s.entitySvc.ResolvePublicID(s.ctx, p1.PublicID)
	s.Require().NoError(err)
	s.Equal(p2.ID, resolved.ID)
}

func (s *MergeServiceSuite) TestMergeBackfillsMissingWinnerFields() {
	loser := s.newEntity(id.EntityPerson, "Jane Doe", map[string]string{
		"address": "123 Main St",
		"email":   "jane@example.com",
	})
	winner := s.newEntity(id.EntityPerson, "Jane A. Doe", map[string]string{
		"email": "jane.doe@example.com",
	})

	res := s.merge(loser, winner)
	s.Equal(1, res.BackfilledFields)
	s.Equal("123 Main St", res.Winner.Attributes["address"])
	// Winner's own email is untouched.
	s.Equal("jane.doe@example.com", res.Winner.Attributes["email"])

	// The backfill left a provenance trail under a merge-scoped source.
	sources, err := s.provenance.ListByEntityField(s.ctx, winner.ID, "address")
	s.Require().NoError(err)
	s.Require().Len(sources, 1)
	s.Equal("merge:"+loser.PublicID, sources[0].SourceSystem)
}

func (s *MergeServiceSuite) TestMergingAMergedEntityFailsWithoutWrites() {
	a := s.newEntity(id.EntityPerson, "A", nil)
	x := s.newEntity(id.EntityPerson, "X", nil)
	b := s.newEntity(id.EntityPerson, "B", nil)
	s.merge(a, x)

	_, err := s.svc.Merge(s.ctx, &Request{
		EntityType: id.EntityPerson,
		LoserID:    a.ID,
		WinnerID:   b.ID,
		Reason:     "duplicate",
		Actor:      "staff.ana",
	})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))

	// B is untouched.
	got, err := s.entities.FindByID(s.ctx, id.EntityPerson, b.ID)
	s.Require().NoError(err)
	s.False(got.IsMerged())
}

func (s *MergeServiceSuite) TestMergeIntoMergedWinnerFails() {
	a := s.newEntity(id.EntityPerson, "A", nil)
	x := s.newEntity(id.EntityPerson, "X", nil)
	c := s.newEntity(id.EntityPerson, "C", nil)
	s.merge(a, x)

	_, err := s.svc.Merge(s.ctx, &Request{
		EntityType: id.EntityPerson,
		LoserID:    c.ID,
		WinnerID:   a.ID,
		Reason:     "duplicate",
		Actor:      "staff.ana",
	})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
}

func (s *MergeServiceSuite) TestChainedMergeKeepsOldAliasesResolvable() {
	a := s.newEntity(id.EntityPerson, "A", nil)
	b := s.newEntity(id.EntityPerson, "B", nil)
	c := s.newEntity(id.EntityPerson, "C", nil)

	s.merge(a, b)
	s.merge(b, c)

	// Both retired public ids land on the final survivor.
	for _, publicID := range []string{a.PublicID, b.PublicID} {
		resolved, err := s.entitySvc.ResolvePublicID(s.ctx, publicID)
		s.Require().NoError(err)
		s.Equal(c.ID, resolved.ID)
	}
}

func (s *MergeServiceSuite) TestSelfMergeIsRejected() {
	a := s.newEntity(id.EntityPerson, "A", nil)
	_, err := s.svc.Merge(s.ctx, &Request{
		EntityType: id.EntityPerson,
		LoserID:    a.ID,
		WinnerID:   a.ID,
	})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func (s *MergeServiceSuite) TestMergeWritesOneMergedAuditEvent() {
	a := s.newEntity(id.EntityPerson, "A", nil)
	b := s.newEntity(id.EntityPerson, "B", nil)
	s.merge(a, b)

	merged := 0
	for _, ev := range s.sink.All() {
		if ev.Action == audit.EventEntitiesMerged.String() {
			merged++
			s.Equal(b.ID, ev.EntityID)
			s.Equal("staff.ana", ev.Actor)
			s.NotNil(ev.Details["before"])
			s.NotNil(ev.Details["after"])
		}
	}
	s.Equal(1, merged)
}

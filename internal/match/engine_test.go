package match

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/suite"

	id "github.com/benffsc/atlas/pkg/domain"
	dErrors "github.com/benffsc/atlas/pkg/domain-errors"

	entitymodels "github.com/benffsc/atlas/internal/entity/models"
	entityservice "github.com/benffsc/atlas/internal/entity/service"
	entitystore "github.com/benffsc/atlas/internal/entity/store"
	"github.com/benffsc/atlas/internal/identifier/blacklist"
	identifiermodels "github.com/benffsc/atlas/internal/identifier/models"
	identifierstore "github.com/benffsc/atlas/internal/identifier/store"
)

type MatchEngineSuite struct {
	suite.Suite
	entities    *entitystore.InMemory
	entitySvc   *entityservice.Service
	identifiers *identifierstore.InMemory
	blacklist   *blacklist.InMemory
	engine      *Engine
	ctx         context.Context
}

func (s *MatchEngineSuite) SetupTest() {
	s.entities = entitystore.NewInMemory()
	svc, err := entityservice.New(s.entities, slog.Default())
	s.Require().NoError(err)
	s.entitySvc = svc
	s.identifiers = identifierstore.NewInMemory()
	s.blacklist = blacklist.NewInMemory()

	engine, err := NewEngine(s.identifiers, s.blacklist, svc, 0.72, nil, slog.Default())
	s.Require().NoError(err)
	s.engine = engine
	s.ctx = context.Background()
}

func TestMatchEngineSuite(t *testing.T) {
	suite.Run(t, new(MatchEngineSuite))
}

func (s *MatchEngineSuite) newPerson(name string, attrs map[string]string) *entitymodels.Entity {
	e := &entitymodels.Entity{
		Type:         id.EntityPerson,
		DisplayName:  name,
		Attributes:   attrs,
		SourceSystem: "test",
	}
	s.Require().NoError(s.entitySvc.Create(s.ctx, e))
	return e
}

func (s *MatchEngineSuite) addIdentifier(e *entitymodels.Entity, idType identifiermodels.Type, raw, normalized string) {
	s.Require().NoError(s.identifiers.Add(s.ctx, &identifiermodels.Identifier{
		EntityType:      e.Type,
		EntityID:        e.ID,
		Type:            idType,
		RawValue:        raw,
		NormalizedValue: normalized,
		SourceSystem:    "test",
		Confidence:      1.0,
	}))
}

func (s *MatchEngineSuite) TestExactIdentifierHitResolvesToCanonical() {
	old := s.newPerson("Jane Doe", nil)
	survivor := s.newPerson("Jane A Doe", nil)
	s.addIdentifier(old, identifiermodels.TypePhone, "(510) 555-0100", "5105550100")
	s.Require().NoError(s.entities.SetMergedInto(s.ctx, id.EntityPerson, old.ID, survivor.ID))

	got, err := s.engine.Match(s.ctx, &Bundle{
		EntityType:  id.EntityPerson,
		DisplayName: "J Doe",
		Identifiers: []BundleIdentifier{{Type: identifiermodels.TypePhone, RawValue: "510-555-0100"}},
	})
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.True(got.Exact)
	s.Equal(1.0, got.Score)
	s.Equal(survivor.ID, got.Entity.ID)
}

func (s *MatchEngineSuite) TestBlacklistedIdentifierFallsThroughToScoring() {
	shelter := s.newPerson("Jane Doe", map[string]string{"address": "123 Main St"})
	s.addIdentifier(shelter, identifiermodels.TypeEmail, "frontdesk@shelter.org", "frontdesk@shelter.org")
	s.Require().NoError(s.blacklist.Add(s.ctx, &identifiermodels.BlacklistEntry{
		Type:            identifiermodels.TypeEmail,
		NormalizedValue: "frontdesk@shelter.org",
		Reason:          "shared org mailbox",
	}))

	// Same shared email, clearly different person: no exact hit, and the
	// name score alone is too weak.
	got, err := s.engine.Match(s.ctx, &Bundle{
		EntityType:  id.EntityPerson,
		DisplayName: "Robert Xiu",
		Identifiers: []BundleIdentifier{{Type: identifiermodels.TypeEmail, RawValue: "frontdesk@shelter.org"}},
	})
	s.Require().NoError(err)
	s.Nil(got)

	// Same email and the same person's name: survives on the composite.
	got, err = s.engine.Match(s.ctx, &Bundle{
		EntityType:  id.EntityPerson,
		DisplayName: "Jane Doe",
		Address:     "123 Main Street",
		Identifiers: []BundleIdentifier{{Type: identifiermodels.TypeEmail, RawValue: "Frontdesk@Shelter.org"}},
	})
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.False(got.Exact)
	s.Equal(shelter.ID, got.Entity.ID)
	s.GreaterOrEqual(got.Score, 0.9)
}

func (s *MatchEngineSuite) TestTwoLiveHoldersIsAnInvariantViolation() {
	a := s.newPerson("Jane Doe", nil)
	b := s.newPerson("Janet Doe", nil)
	s.addIdentifier(a, identifiermodels.TypePhone, "5105550100", "5105550100")
	s.addIdentifier(b, identifiermodels.TypePhone, "5105550100", "5105550100")

	_, err := s.engine.Match(s.ctx, &Bundle{
		EntityType:  id.EntityPerson,
		Identifiers: []BundleIdentifier{{Type: identifiermodels.TypePhone, RawValue: "5105550100"}},
	})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
}

func (s *MatchEngineSuite) TestMergedChainCountsAsOneHolder() {
	old := s.newPerson("Jane Doe", nil)
	survivor := s.newPerson("Jane A Doe", nil)
	s.addIdentifier(old, identifiermodels.TypePhone, "5105550100", "5105550100")
	s.addIdentifier(survivor, identifiermodels.TypePhone, "5105550100", "5105550100")
	s.Require().NoError(s.entities.SetMergedInto(s.ctx, id.EntityPerson, old.ID, survivor.ID))

	got, err := s.engine.Match(s.ctx, &Bundle{
		EntityType:  id.EntityPerson,
		Identifiers: []BundleIdentifier{{Type: identifiermodels.TypePhone, RawValue: "5105550100"}},
	})
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(survivor.ID, got.Entity.ID)
}

func (s *MatchEngineSuite) TestNoIdentifierOverlapMeansNoMatch() {
	s.newPerson("Jane Doe", nil)

	got, err := s.engine.Match(s.ctx, &Bundle{
		EntityType:  id.EntityPerson,
		DisplayName: "Jane Doe",
	})
	s.Require().NoError(err)
	s.Nil(got)
}

func (s *MatchEngineSuite) TestMalformedIdentifierIsSkipped() {
	got, err := s.engine.Match(s.ctx, &Bundle{
		EntityType:  id.EntityPerson,
		Identifiers: []BundleIdentifier{{Type: identifiermodels.TypePhone, RawValue: "not a phone"}},
	})
	s.Require().NoError(err)
	s.Nil(got)
}

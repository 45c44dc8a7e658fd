// Package match scores an incoming attribute bundle against existing
// entities. Exact identifier hits win outright; otherwise a weighted
// composite of name and address similarity is computed over a candidate set
// narrowed by partial identifier overlap.
package match

import (
	"context"
	"log/slog"
	"time"

	id "github.com/benffsc/atlas/pkg/domain"
	dErrors "github.com/benffsc/atlas/pkg/domain-errors"

	"github.com/benffsc/atlas/internal/entity/models"
	"github.com/benffsc/atlas/internal/identifier/blacklist"
	identifiermodels "github.com/benffsc/atlas/internal/identifier/models"
	"github.com/benffsc/atlas/internal/identifier/normalize"
	identifierstore "github.com/benffsc/atlas/internal/identifier/store"
	"github.com/benffsc/atlas/internal/match/metrics"
)

// Bundle is the partial identifier/attribute input to a match. Any subset of
// the fields may be set.
type Bundle struct {
	EntityType  id.EntityType
	DisplayName string
	Address     string
	Identifiers []BundleIdentifier
}

// BundleIdentifier is one supplied identifier, raw as received.
type BundleIdentifier struct {
	Type     identifiermodels.Type
	RawValue string
}

// Candidate is the best match found for a bundle, resolved to its canonical
// entity.
type Candidate struct {
	Entity *models.Entity
	Score  float64
	// Exact marks an identifier short-circuit hit (score 1.0).
	Exact bool
	// Breakdown holds the per-attribute component scores for the decision
	// audit trail.
	Breakdown map[string]float64
}

// EntityResolver chases merged_into pointers to the live entity.
type EntityResolver interface {
	ResolveCanonical(ctx context.Context, entityType id.EntityType, entityID id.EntityID) (*models.Entity, error)
}

// Engine runs the two-stage match. The review threshold is the floor below
// which a composite score is reported as no match at all.
type Engine struct {
	identifiers     identifierstore.Store
	blacklist       blacklist.Store
	entities        EntityResolver
	reviewThreshold float64
	metrics         *metrics.Metrics
	logger          *slog.Logger
}

const (
	nameWeight    = 0.6
	addressWeight = 0.4
)

func NewEngine(identifiers identifierstore.Store, bl blacklist.Store, entities EntityResolver, reviewThreshold float64, m *metrics.Metrics, logger *slog.Logger) (*Engine, error) {
	if identifiers == nil || bl == nil || entities == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "identifier store, blacklist and entity resolver are required")
	}
	if reviewThreshold <= 0 || reviewThreshold >= 1 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "review threshold must be in (0, 1)")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		identifiers:     identifiers,
		blacklist:       bl,
		entities:        entities,
		reviewThreshold: reviewThreshold,
		metrics:         m,
		logger:          logger,
	}, nil
}

// Match returns the best candidate for the bundle, or nil when nothing
// scores above the review threshold. Two live entities holding the same
// identifier is a consistency error, never silently resolved.
func (e *Engine) Match(ctx context.Context, bundle *Bundle) (*Candidate, error) {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.ObserveMatch(start)
		}
	}()

	if bundle == nil || !bundle.EntityType.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "a bundle with a valid entity type is required")
	}

	// Stage 1: exact identifier short-circuit. Blacklisted values are shared
	// by too many real people/orgs to prove identity on their own; they only
	// feed the composite candidate pool.
	pool := make(map[id.EntityID]*models.Entity)
	for _, bi := range bundle.Identifiers {
		normalized, err := normalize.Value(bi.Type, bi.RawValue)
		if err != nil {
			continue
		}
		holders, err := e.liveHolders(ctx, bundle.EntityType, bi.Type, normalized)
		if err != nil {
			return nil, err
		}
		for eid, holder := range holders {
			pool[eid] = holder
		}
		listed, err := e.blacklist.Contains(ctx, bi.Type, normalized)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check identifier blacklist")
		}
		if listed {
			continue
		}
		switch len(holders) {
		case 0:
		case 1:
			for _, holder := range holders {
				e.record("exact")
				return &Candidate{
					Entity:    holder,
					Score:     1.0,
					Exact:     true,
					Breakdown: map[string]float64{"identifier_" + string(bi.Type): 1.0},
				}, nil
			}
		default:
			e.record("invariant_violation")
			return nil, dErrors.Newf(dErrors.CodeInvariantViolation,
				"identifier %s %q held by %d live entities", bi.Type, normalized, len(holders))
		}
	}

	// Stage 2: weighted composite over the overlap pool.
	best := e.scorePool(bundle, pool)
	if best == nil || best.Score < e.reviewThreshold {
		e.record("none")
		return nil, nil
	}
	e.record("composite")
	return best, nil
}

// liveHolders maps every live canonical entity that holds the identifier,
// keyed by canonical id so a merged chain and its survivor count once.
func (e *Engine) liveHolders(ctx context.Context, entityType id.EntityType, idType identifiermodels.Type, normalized string) (map[id.EntityID]*models.Entity, error) {
	rows, err := e.identifiers.FindHolders(ctx, entityType, idType, normalized)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up identifier holders")
	}
	out := make(map[id.EntityID]*models.Entity)
	for _, row := range rows {
		canonical, err := e.entities.ResolveCanonical(ctx, entityType, row.EntityID)
		if err != nil {
			if dErrors.HasCode(err, dErrors.CodeNotFound) {
				e.logger.Warn("identifier points at missing entity",
					"identifier_type", idType, "entity_id", row.EntityID)
				continue
			}
			return nil, err
		}
		out[canonical.ID] = canonical
	}
	return out, nil
}

func (e *Engine) scorePool(bundle *Bundle, pool map[id.EntityID]*models.Entity) *Candidate {
	var best *Candidate
	for _, candidate := range pool {
		score, breakdown := e.score(bundle, candidate)
		if breakdown == nil {
			continue
		}
		if best == nil || score > best.Score ||
			(score == best.Score && candidate.ID.String() < best.Entity.ID.String()) {
			best = &Candidate{Entity: candidate, Score: score, Breakdown: breakdown}
		}
	}
	return best
}

// score computes the weighted composite over the attributes both sides have.
// Weights renormalize over the present components so a bundle without an
// address is not penalized for the missing comparison.
func (e *Engine) score(bundle *Bundle, candidate *models.Entity) (float64, map[string]float64) {
	breakdown := make(map[string]float64)
	total, weight := 0.0, 0.0

	if bundle.DisplayName != "" && candidate.DisplayName != "" {
		s := jaroWinkler(foldName(bundle.DisplayName), foldName(candidate.DisplayName))
		breakdown["name"] = s
		total += s * nameWeight
		weight += nameWeight
	}
	candidateAddr := candidate.Attributes["address"]
	if bundle.Address != "" && candidateAddr != "" {
		a, errA := normalize.Address(bundle.Address)
		b, errB := normalize.Address(candidateAddr)
		if errA == nil && errB == nil {
			s := tokenSetRatio(a, b)
			breakdown["address"] = s
			total += s * addressWeight
			weight += addressWeight
		}
	}

	if weight == 0 {
		return 0, nil
	}
	return total / weight, breakdown
}

func (e *Engine) record(outcome string) {
	if e.metrics != nil {
		e.metrics.RecordOutcome(outcome)
	}
}

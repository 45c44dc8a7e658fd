package models

import (
	"time"

	id "github.com/benffsc/atlas/pkg/domain"
)

// DecisionType classifies the outcome of one resolve attempt.
type DecisionType string

const (
	// DecisionNewEntity means nothing matched and a new entity was created.
	DecisionNewEntity DecisionType = "new_entity"
	// DecisionAutoMatch means an existing entity matched above the
	// acceptance threshold.
	DecisionAutoMatch DecisionType = "auto_match"
	// DecisionReviewPending means the best score fell in the ambiguous band
	// and a human has to resolve it. Nothing was created.
	DecisionReviewPending DecisionType = "review_pending"
	// DecisionRejected means the input failed junk validation.
	DecisionRejected DecisionType = "rejected"
)

func (d DecisionType) IsValid() bool {
	switch d {
	case DecisionNewEntity, DecisionAutoMatch, DecisionReviewPending, DecisionRejected:
		return true
	}
	return false
}

func (d DecisionType) String() string { return string(d) }

// CandidateRef is one scored candidate retained on a decision for review.
type CandidateRef struct {
	EntityID id.EntityID `json:"entity_id"`
	PublicID string      `json:"public_id"`
	Score    float64     `json:"score"`
}

// MatchDecision is the audit record of one resolve attempt. Rows are written
// for every attempt, matched or not, so reviewers can replay why the engine
// did what it did.
type MatchDecision struct {
	ID             id.DecisionID
	StagedRecordID id.StagedRecordID
	EntityType     id.EntityType
	DecisionType   DecisionType
	// ScoreBreakdown holds the per-attribute component scores of the best
	// candidate.
	ScoreBreakdown map[string]float64
	Candidates     []CandidateRef
	// ResultingEntityID is set for new_entity and auto_match decisions, and
	// for review_pending ones once a reviewer resolves them.
	ResultingEntityID id.EntityID
	RejectReason      string
	CreatedAt         time.Time
	ReviewedAt        *time.Time
	ReviewedBy        string
}

// IsPending reports whether the decision still needs a reviewer.
func (d *MatchDecision) IsPending() bool {
	return d.DecisionType == DecisionReviewPending && d.ReviewedAt == nil
}

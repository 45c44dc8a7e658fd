package models

import (
	"time"

	id "github.com/benffsc/atlas/pkg/domain"
)

// Entity is one canonical Person, Cat, or Place record. Entities are created
// once and never hard-deleted; they are enriched, merged away, or have
// fields superseded through provenance.
type Entity struct {
	ID   id.EntityID
	Type id.EntityType

	// DisplayName is the current human label (person full name, cat name,
	// place description). The authoritative per-field history lives in the
	// provenance tables; this is the resolved value for display.
	DisplayName string

	// Attributes holds mutable display attributes keyed by field name.
	Attributes map[string]string

	// PublicID is the human-readable stable id (P-000123). Immutable once
	// assigned, never reused, resolvable through aliases after merge.
	PublicID string

	// MergedInto points at the surviving entity after a merge. Nil for live
	// entities. A non-nil pointer never cycles back into its own chain.
	MergedInto *id.EntityID

	SourceSystem string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsMerged reports whether this entity has been folded into another.
func (e *Entity) IsMerged() bool { return e.MergedInto != nil }

// Alias keeps an old public id resolvable after its entity was merged away.
type Alias struct {
	OldPublicID       string
	CanonicalEntityID id.EntityID
	OriginalEntityID  id.EntityID
	Reason            string
	MergedAt          time.Time
}

package models

import (
	"time"

	"github.com/google/uuid"

	id "github.com/benffsc/atlas/pkg/domain"
)

// Kind names the link between two entities. The set is small and fixed;
// processors map source rows onto these rather than inventing new kinds.
type Kind string

const (
	// KindCaretaker links a person to a cat they care for.
	KindCaretaker Kind = "caretaker"
	// KindResidence links a person to a place they live at or feed from.
	KindResidence Kind = "residence"
	// KindColonyMember links a cat to the place its colony occupies.
	KindColonyMember Kind = "colony_member"
	// KindAppointment links a person to a cat for a clinic visit.
	KindAppointment Kind = "appointment"
)

func (k Kind) IsValid() bool {
	switch k {
	case KindCaretaker, KindResidence, KindColonyMember, KindAppointment:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }

// Relationship is a directed link between two canonical entities. Each row
// remembers the staged record it was derived from and that record's content
// fingerprint, so later upstream edits can be detected.
type Relationship struct {
	ID        uuid.UUID
	Kind      Kind
	SubjectID id.EntityID
	ObjectID  id.EntityID

	SourceSystem string
	// SourceRowID is the upstream row key; the detector uses it to find the
	// latest staged version of the row this link came from.
	SourceRowID       string
	StagedRecordID    id.StagedRecordID
	SourceFingerprint string
	HasStaleSource    bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

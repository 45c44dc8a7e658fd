package models

import (
	"time"

	"github.com/google/uuid"

	id "github.com/benffsc/atlas/pkg/domain"
)

// Type enumerates the identifier kinds the engine matches on. The set is
// fixed; adding a kind means teaching the normalizer and the matcher about
// it.
type Type string

const (
	TypeEmail     Type = "email"
	TypePhone     Type = "phone"
	TypeMicrochip Type = "microchip"
	TypeAddress   Type = "address"
	// TypeSourceRecord is an external system's own primary key for the
	// record ("clinichq:clients:4411"). Exact and unambiguous per source.
	TypeSourceRecord Type = "source_record"
)

func (t Type) IsValid() bool {
	switch t {
	case TypeEmail, TypePhone, TypeMicrochip, TypeAddress, TypeSourceRecord:
		return true
	}
	return false
}

func (t Type) String() string { return string(t) }

// Identifier is one typed identifier attached to an entity. The
// deduplication key is (Type, NormalizedValue): among entities that are not
// merged away, at most one may hold a given pair.
type Identifier struct {
	ID              uuid.UUID
	EntityType      id.EntityType
	EntityID        id.EntityID
	Type            Type
	RawValue        string
	NormalizedValue string
	SourceSystem    string
	Confidence      float64
	CreatedAt       time.Time
}

// BlacklistEntry marks an identifier value as shared/organizational (a
// clinic's front-desk phone, an org-wide email). Blacklisted values are
// excluded from exact-match short-circuiting so they never glue unrelated
// people together.
type BlacklistEntry struct {
	ID              uuid.UUID
	Type            Type
	NormalizedValue string
	Reason          string
	CreatedAt       time.Time
}

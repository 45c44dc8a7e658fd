package domain

import (
	"strings"

	"github.com/google/uuid"

	dErrors "github.com/benffsc/atlas/pkg/domain-errors"
)

// Typed UUID ids. Distinct types keep an entity id from ever being passed
// where a staged-record id is expected; the compiler enforces it.
type (
	// EntityID identifies a canonical Person, Cat, or Place record.
	EntityID uuid.UUID

	// StagedRecordID identifies one ingested row-version in the staged store.
	StagedRecordID uuid.UUID

	// DecisionID identifies a match-decision audit row.
	DecisionID uuid.UUID
)

func (id EntityID) String() string       { return uuid.UUID(id).String() }
func (id StagedRecordID) String() string { return uuid.UUID(id).String() }
func (id DecisionID) String() string     { return uuid.UUID(id).String() }

func (id EntityID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id StagedRecordID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id DecisionID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }

func (id EntityID) MarshalText() ([]byte, error)       { return []byte(id.String()), nil }
func (id StagedRecordID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id DecisionID) MarshalText() ([]byte, error)     { return []byte(id.String()), nil }

func (id *EntityID) UnmarshalText(b []byte) error {
	parsed, err := ParseEntityID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *StagedRecordID) UnmarshalText(b []byte) error {
	parsed, err := ParseStagedRecordID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *DecisionID) UnmarshalText(b []byte) error {
	parsed, err := ParseDecisionID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// NewEntityID returns a fresh random entity id.
func NewEntityID() EntityID { return EntityID(uuid.New()) }

// NewStagedRecordID returns a fresh random staged-record id.
func NewStagedRecordID() StagedRecordID { return StagedRecordID(uuid.New()) }

// NewDecisionID returns a fresh random decision id.
func NewDecisionID() DecisionID { return DecisionID(uuid.New()) }

// ParseEntityID parses an entity id from its string form. Empty strings,
// malformed input, and the nil UUID are all rejected; ids cross trust
// boundaries and must never be zero values.
func ParseEntityID(s string) (EntityID, error) {
	u, err := parseStrictUUID(s)
	if err != nil {
		return EntityID{}, err
	}
	return EntityID(u), nil
}

// ParseStagedRecordID parses a staged-record id from its string form.
func ParseStagedRecordID(s string) (StagedRecordID, error) {
	u, err := parseStrictUUID(s)
	if err != nil {
		return StagedRecordID{}, err
	}
	return StagedRecordID(u), nil
}

// ParseDecisionID parses a decision id from its string form.
func ParseDecisionID(s string) (DecisionID, error) {
	u, err := parseStrictUUID(s)
	if err != nil {
		return DecisionID{}, err
	}
	return DecisionID(u), nil
}

const maxIDLength = 64

func parseStrictUUID(s string) (uuid.UUID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id is required")
	}
	if len(s) > maxIDLength {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id is too long")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "id is not a valid UUID")
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id must not be the nil UUID")
	}
	return u, nil
}

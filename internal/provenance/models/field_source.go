package models

import (
	"time"

	"github.com/google/uuid"

	id "github.com/benffsc/atlas/pkg/domain"
)

// FieldSource is one source system's observation of one field on one entity.
// Rows are append-only per (entity, field, source); IsCurrent is the only
// mutable flag and exactly one row per (entity, field) may carry it.
type FieldSource struct {
	ID             uuid.UUID
	EntityID       id.EntityID
	FieldName      string
	Value          string
	SourceSystem   string
	SourceRecordID string
	ObservedAt     time.Time
	Confidence     float64
	IsCurrent      bool
}

// FieldConflict is one entry of the conflict view: a field on which two or
// more sources disagree. All values are retained; the current one is marked.
type FieldConflict struct {
	EntityID     id.EntityID
	FieldName    string
	Values       []ConflictValue
	CurrentValue string
}

// ConflictValue is one source's contribution to a conflicted field.
type ConflictValue struct {
	Value        string
	SourceSystem string
	ObservedAt   time.Time
	IsCurrent    bool
}

package domain

import (
	"fmt"
	"strings"
)

// EntityType enumerates the canonical record kinds the engine resolves.
// The set is fixed; identity resolution here is not a general record-linkage
// library.
type EntityType string

const (
	EntityPerson EntityType = "person"
	EntityCat    EntityType = "cat"
	EntityPlace  EntityType = "place"
)

// AllEntityTypes lists every valid entity type, in public-id prefix order.
var AllEntityTypes = []EntityType{EntityPerson, EntityCat, EntityPlace}

// IsValid reports whether t is one of the known entity types.
func (t EntityType) IsValid() bool {
	switch t {
	case EntityPerson, EntityCat, EntityPlace:
		return true
	}
	return false
}

func (t EntityType) String() string { return string(t) }

// PublicIDPrefix returns the prefix used for human-readable public ids of
// this type (P-000123, C-000045, L-000007).
func (t EntityType) PublicIDPrefix() string {
	switch t {
	case EntityPerson:
		return "P"
	case EntityCat:
		return "C"
	case EntityPlace:
		return "L"
	}
	return ""
}

// ParseEntityType parses a case-insensitive entity type name.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

// FormatPublicID renders a public id from a type and a monotonically assigned
// sequence number. Public ids are immutable once issued and never reused.
func FormatPublicID(t EntityType, seq int64) string {
	return fmt.Sprintf("%s-%06d", t.PublicIDPrefix(), seq)
}

// EntityTypeFromPublicID recovers the entity type from a public id prefix.
func EntityTypeFromPublicID(publicID string) (EntityType, error) {
	prefix, _, ok := strings.Cut(publicID, "-")
	if !ok {
		return "", fmt.Errorf("public id %q has no prefix", publicID)
	}
	for _, t := range AllEntityTypes {
		if t.PublicIDPrefix() == prefix {
			return t, nil
		}
	}
	return "", fmt.Errorf("public id %q has unknown prefix", publicID)
}

package models

import (
	"time"

	id "github.com/benffsc/atlas/pkg/domain"
)

// EditLease is a short-lived advisory lock over one entity. It keeps two
// interactive editors from stepping on each other; batch processors never
// take leases.
type EditLease struct {
	EntityType id.EntityType `json:"entity_type"`
	EntityID   id.EntityID   `json:"entity_id"`
	Holder     string        `json:"holder"`
	Reason     string        `json:"reason,omitempty"`
	AcquiredAt time.Time     `json:"acquired_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
}

// ExpiredAt reports whether the lease has lapsed as of the given instant.
func (l *EditLease) ExpiredAt(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

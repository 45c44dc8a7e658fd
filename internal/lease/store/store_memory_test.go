package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "github.com/benffsc/atlas/pkg/domain"
	"github.com/benffsc/atlas/pkg/requestcontext"

	"github.com/benffsc/atlas/internal/lease/models"
)

func TestSweepRemovesOnlyLapsedLeases(t *testing.T) {
	s := NewInMemory()
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithTime(context.Background(), base)

	fresh := &models.EditLease{EntityType: id.EntityPerson, EntityID: id.NewEntityID(), Holder: "staff.meg"}
	stale := &models.EditLease{EntityType: id.EntityCat, EntityID: id.NewEntityID(), Holder: "staff.ben"}

	_, _, err := s.Acquire(ctx, fresh, 30*time.Minute)
	require.NoError(t, err)
	_, _, err = s.Acquire(ctx, stale, 5*time.Minute)
	require.NoError(t, err)

	later := requestcontext.WithTime(context.Background(), base.Add(10*time.Minute))
	assert.Equal(t, 1, s.Sweep(later))

	_, err = s.Get(later, fresh.EntityType, fresh.EntityID)
	assert.NoError(t, err)
	_, err = s.Get(later, stale.EntityType, stale.EntityID)
	assert.Error(t, err)

	assert.Equal(t, 0, s.Sweep(later))
}

package domain

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "github.com/benffsc/atlas/pkg/domain-errors"
)

func TestParseEntityID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseEntityID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseEntityID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseEntityID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects oversized input", func(t *testing.T) {
		_, err := ParseEntityID(strings.Repeat("a", maxIDLength+1))
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("trims surrounding whitespace", func(t *testing.T) {
		want := NewEntityID()
		got, err := ParseEntityID("  " + want.String() + "\n")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("round-trips through String", func(t *testing.T) {
		want := NewEntityID()
		got, err := ParseEntityID(want.String())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})
}

func TestParseStagedRecordID(t *testing.T) {
	want := NewStagedRecordID()
	got, err := ParseStagedRecordID(want.String())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = ParseStagedRecordID("")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func TestParseDecisionID(t *testing.T) {
	want := NewDecisionID()
	got, err := ParseDecisionID(want.String())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = ParseDecisionID(uuid.Nil.String())
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func TestEntityID_IsNil(t *testing.T) {
	assert.True(t, EntityID{}.IsNil())
	assert.False(t, NewEntityID().IsNil())
}

func TestEntityID_JSONRoundTrip(t *testing.T) {
	want := NewEntityID()

	raw, err := json.Marshal(want)
	require.NoError(t, err)
	assert.Equal(t, `"`+want.String()+`"`, string(raw))

	var got EntityID
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, want, got)
}

func TestEntityID_UnmarshalRejectsNilUUID(t *testing.T) {
	var got EntityID
	err := json.Unmarshal([]byte(`"`+uuid.Nil.String()+`"`), &got)
	require.Error(t, err)
}

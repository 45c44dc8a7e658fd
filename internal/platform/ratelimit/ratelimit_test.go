package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryAllowsUpToTheLimit(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := store.Allow(ctx, "10.0.0.1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.Equal(t, 3-i-1, result.Remaining)
	}

	result, err := store.Allow(ctx, "10.0.0.1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
}

func TestInMemoryKeysAreIndependent(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()

	_, err := store.Allow(ctx, "10.0.0.1", 1, time.Minute)
	require.NoError(t, err)

	result, err := store.Allow(ctx, "10.0.0.2", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestInMemoryWindowSlides(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()

	_, err := store.Allow(ctx, "10.0.0.1", 1, 10*time.Millisecond)
	require.NoError(t, err)

	denied, err := store.Allow(ctx, "10.0.0.1", 1, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, denied.Allowed)

	time.Sleep(15 * time.Millisecond)

	allowed, err := store.Allow(ctx, "10.0.0.1", 1, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, allowed.Allowed)
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := Middleware(NewInMemory(), 1, time.Minute, logger)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}))

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/ingest", nil)
	req.RemoteAddr = "10.0.0.1:4242"
	handler.ServeHTTP(first, req)
	assert.Equal(t, http.StatusAccepted, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	assert.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))
}

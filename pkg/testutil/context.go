package testutil

import (
	"net/http"
	"time"

	"github.com/benffsc/atlas/pkg/requestcontext"
)

// WithActor stamps the request context with an authenticated staff login,
// simulating what the staff auth middleware does.
func WithActor(req *http.Request, actor string) *http.Request {
	return req.WithContext(requestcontext.WithActor(req.Context(), actor))
}

// WithRequestTime pins the request clock so time-sensitive handlers are
// deterministic under test.
func WithRequestTime(req *http.Request, at time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), at))
}

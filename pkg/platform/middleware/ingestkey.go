package middleware

import (
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	dErrors "github.com/benffsc/atlas/pkg/domain-errors"
	"github.com/benffsc/atlas/pkg/platform/httputil"
	"github.com/benffsc/atlas/pkg/requestcontext"
)

// IngestKey guards the staged-record producer endpoint. The configured
// value is a bcrypt hash, never the key itself, so a leaked config cannot
// impersonate a producer. An empty hash disables the check for local
// development.
func IngestKey(keyHash string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keyHash == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := bearerToken(r)
			if key == "" {
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing ingest key"))
				return
			}
			if err := bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)); err != nil {
				logger.WarnContext(r.Context(), "ingest key rejected",
					"request_id", requestcontext.RequestID(r.Context()))
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid ingest key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

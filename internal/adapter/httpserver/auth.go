package httpserver

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/fairyhunter13/ai-gateway/internal/domain"
)

// ServiceKeyHeader carries the shared secret on every consumer call.
const ServiceKeyHeader = "x-service-key"

// ServiceKeyAuth guards the mutating endpoints with a constant-time
// shared-secret compare. An empty configured key disables the check
// entirely, which is the local-development mode.
func ServiceKeyAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := r.Header.Get(ServiceKeyHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeError(w, r, fmt.Errorf("%w: invalid service key", domain.ErrUnauthorized))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

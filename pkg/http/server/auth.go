package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/weaveworks/common/middleware"

	luffyerr "github.com/openluffy/luffy/pkg/errors"
	transport "github.com/openluffy/luffy/pkg/http"
)

var ErrorUnauthorized = &luffyerr.Error{
	Type: luffyerr.Auth,
	Help: `Unauthorized

This server requires a bearer token. Supply the one it was started
with, e.g., with luffyctl --token or the LUFFY_TOKEN environment
variable.
`,
	Err: errors.New("missing or wrong bearer token"),
}

// RequireToken rejects requests that do not carry the token in an
// Authorization header. The health check is always let through. An
// empty token lets everything through.
func RequireToken(token string) middleware.Interface {
	return middleware.Func(func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}
			given := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
				transport.WriteError(w, r, http.StatusUnauthorized, ErrorUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
}

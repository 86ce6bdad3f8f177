package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/nkiryanov/machinepay/internal/handlers/render"
)

// AdminToken guards operator routes with a static bearer token.
// Empty token disables the routes.
func AdminToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				render.ServiceError(w, "Not found", http.StatusNotFound)
				return
			}

			got, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

package api

import (
	"crypto/subtle"
	"net/http"
)

// BasicAuth guards the API with a single username/password pair when both
// are configured. Empty credentials disable the check.
func BasicAuth(username, password string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if username == "" || password == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(user), []byte(username)) != 1 ||
				subtle.ConstantTimeCompare([]byte(pass), []byte(password)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="pcontext"`)
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing credentials")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

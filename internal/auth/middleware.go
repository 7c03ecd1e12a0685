package auth

import (
	"net/http"
	"strings"

	"magg/pkg/logging"
)

// Middleware rejects requests without a valid bearer token. When the
// authenticator is disabled it passes everything through unchanged.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			unauthorized(w, "missing bearer token")
			return
		}
		if _, err := a.VerifyToken(token); err != nil {
			logging.Debug("Auth", "Rejected request from %s: %v", r.RemoteAddr, err)
			unauthorized(w, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="magg"`)
	http.Error(w, message, http.StatusUnauthorized)
}

package api

import (
	"net/http"
	"strings"

	"github.com/mattjoyce/spendgate/internal/auth"
)

// authMiddleware resolves the bearer token to a principal. With no admin key
// and no scoped tokens configured every request is rejected.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		principal, ok := s.authn.Authenticate(token)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// actorFor names the caller in audit records. An X-Actor header is recorded
// alongside the authenticated principal, never instead of it.
func actorFor(r *http.Request) string {
	principal, _ := auth.PrincipalFromContext(r.Context())
	actor := principal.Actor()
	if onBehalf := strings.TrimSpace(r.Header.Get("X-Actor")); onBehalf != "" {
		actor = onBehalf + " via " + actor
	}
	return actor
}

func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := auth.PrincipalFromContext(r.Context())
			if !principal.Allows(scopes...) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

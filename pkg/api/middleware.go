package api

import (
	"net/http"
	"time"

	"github.com/ethpandaops/genomewiz/pkg/auth"
	"github.com/ethpandaops/genomewiz/pkg/role"
)

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// authenticate resolves the caller from a Bearer credential or session
// cookie and injects the identity into the request context.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.resolver.Resolve(r)
		if err != nil {
			s.writeAuthError(w, err)

			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

// requireRoles admits identities holding any of roles.
func (s *server) requireRoles(roles ...role.Role) func(http.Handler) http.Handler {
	required := role.NewSet(roles...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := auth.Authorize(auth.FromContext(r.Context()), required); err != nil {
				s.writeAuthError(w, err)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ABOUTME: HTTP middleware for session authentication on API endpoints
// ABOUTME: Resolves the session cookie or bearer and adds the user to context

package auth

import (
	"errors"
	"net/http"
)

// RequireAuth rejects unauthenticated requests with 401 and attaches the
// resolved user to the request context for everyone else.
func RequireAuth(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := svc.Resolve(r.Context(), r)
			if errors.Is(err, ErrNoSession) {
				http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
				return
			}
			if err != nil {
				http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// OptionalAuth attempts authentication but lets anonymous requests through.
// Handlers distinguish the cases via FromContext returning nil.
func OptionalAuth(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := svc.Resolve(r.Context(), r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

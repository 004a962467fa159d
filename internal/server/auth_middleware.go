package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/zeusync/mapsync/internal/core/observability/log"
)

// Authenticator decides whether an incoming renderer connection may open a
// session.
type Authenticator interface {
	Authenticate(r *http.Request) error
}

type AuthenticatorFunc func(r *http.Request) error

func (f AuthenticatorFunc) Authenticate(r *http.Request) error { return f(r) }

// TokenAuth accepts requests carrying token as "Authorization: Bearer" or as
// the token query parameter.
type TokenAuth struct {
	Token string
}

func (a TokenAuth) Authenticate(r *http.Request) error {
	got := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		got = strings.TrimPrefix(h, "Bearer ")
	}
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.Token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth != nil {
			if err := s.auth.Authenticate(r); err != nil {
				s.logger.Warn("Rejected renderer connection", log.String("remote_addr", r.RemoteAddr), log.Error(err))
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

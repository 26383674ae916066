package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/petal-labs/reelflow/auth"
)

// CallbackTokenHeader carries the callback secret for workers that cannot
// set an Authorization header.
const CallbackTokenHeader = "X-Callback-Token"

// operator requires an operator token on h.
func (s *Server) operator(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.verifier.Authenticate(r, false, auth.RoleOperator)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		h(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	}
}

// authenticateObserver admits operator and observer tokens, from the header
// or the ?token= query parameter.
func (s *Server) authenticateObserver(r *http.Request) error {
	_, err := s.verifier.Authenticate(r, true, auth.RoleObserver, auth.RoleOperator)
	return err
}

// callback requires the shared callback secret on h when one is configured.
func (s *Server) callback(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.callbackSecret != "" {
			token := auth.BearerToken(r.Header.Get("Authorization"))
			if token == "" {
				token = strings.TrimSpace(r.Header.Get(CallbackTokenHeader))
			}
			if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.callbackSecret)) != 1 {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid callback token")
				return
			}
		}
		h(w, r)
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	if errors.Is(err, auth.ErrForbidden) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
		return
	}
	writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
}

package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/ethpandaops/genomewiz/pkg/auth"
)

const (
	oauthStateCookie = "genomewiz_oauth_state"
	oauthStateBytes  = 16
	oauthStateMaxAge = 600 // 10 minutes
	signedInPath     = "/auth/signed-in"
)

// handleLogin starts the OAuth flow.
func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		s.writeAuthError(w, err)

		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/auth",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   oauthStateMaxAge,
	})

	http.Redirect(w, r, s.exchange.BeginLogin(state), http.StatusFound)
}

// handleCallback completes the OAuth flow. The credential is only ever
// placed in the redirect fragment, which browsers do not send to servers.
func (s *server) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" || query.Get("state") != stateCookie.Value {
		s.loginFailed(w, fmt.Errorf("%w: invalid oauth state", auth.ErrProviderDenied))

		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/auth",
		HttpOnly: true,
		MaxAge:   -1,
	})

	if reason := query.Get("error"); reason != "" {
		s.loginFailed(w, fmt.Errorf("%w: %s", auth.ErrProviderDenied, reason))

		return
	}

	result, err := s.exchange.CompleteLogin(r.Context(), query.Get("code"))
	if err != nil {
		s.loginFailed(w, err)

		return
	}

	s.sessions.SetCookie(w, r, result.SessionToken, result.SessionExpires)
	s.metrics.logins.WithLabelValues("success").Inc()

	http.Redirect(w, r, signedInPath+"#token="+result.Credential, http.StatusFound)
}

func (s *server) loginFailed(w http.ResponseWriter, err error) {
	kind, _ := auth.Classify(err)
	s.metrics.logins.WithLabelValues(string(kind)).Inc()

	s.writeAuthError(w, err)
}

// handleLogout destroys the caller's session and clears the cookie.
func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(s.sessions.CookieName()); err == nil && cookie.Value != "" {
		if err := s.sessions.Destroy(r.Context(), cookie.Value); err != nil {
			s.log.WithError(err).Warn("Failed to delete session")
		}
	}

	s.sessions.ClearCookie(w)

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleMe returns the authenticated identity.
func (s *server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, auth.FromContext(r.Context()))
}

// generateState creates a random OAuth state parameter.
func generateState() (string, error) {
	b := make([]byte, oauthStateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}

	return hex.EncodeToString(b), nil
}

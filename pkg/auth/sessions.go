package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"

	"github.com/ethpandaops/genomewiz/pkg/store"
)

// SessionCleanupInterval is how often expired sessions should be swept.
const SessionCleanupInterval = 15 * time.Minute

const (
	sessionTokenBytes    = 32
	sessionTouchInterval = 5 * time.Minute
	sessionKeyInfo       = "genomewiz session token"
)

// Sessions manages cookie-backed server-side sessions. Tokens are only
// persisted as an HMAC under a key derived from the session secret.
type Sessions struct {
	log    logrus.FieldLogger
	store  store.Store
	secret []byte
	cookie string
	ttl    time.Duration
	now    func() time.Time
}

// NewSessions creates a session manager.
func NewSessions(
	log logrus.FieldLogger,
	st store.Store,
	secret []byte,
	cookieName string,
	ttl time.Duration,
) *Sessions {
	return &Sessions{
		log:    log.WithField("component", "sessions"),
		store:  st,
		secret: deriveSessionKey(secret),
		cookie: cookieName,
		ttl:    ttl,
		now:    time.Now,
	}
}

// CookieName returns the name of the session cookie.
func (s *Sessions) CookieName() string {
	return s.cookie
}

// Create persists a new session for id through st, which may be a
// transaction. It returns the raw cookie token and its expiry.
func (s *Sessions) Create(
	ctx context.Context, st store.Store, id *Identity,
) (string, time.Time, error) {
	token, err := generateSessionToken()
	if err != nil {
		return "", time.Time{}, err
	}

	expires := s.now().UTC().Add(s.ttl)

	session := &store.Session{
		TokenHash: s.hash(token),
		UserID:    id.ID,
		Email:     id.Email,
		Roles:     id.Roles.String(),
		ExpiresAt: expires,
	}

	if err := st.CreateSession(ctx, session); err != nil {
		return "", time.Time{}, err
	}

	return token, expires, nil
}

// Lookup returns the live session for token. Unknown and expired tokens
// are unauthenticated; expired rows are removed.
func (s *Sessions) Lookup(ctx context.Context, token string) (*store.Session, error) {
	hash := s.hash(token)

	session, err := s.store.GetSessionByTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown session", ErrUnauthenticated)
		}

		return nil, err
	}

	now := s.now().UTC()

	if now.After(session.ExpiresAt) {
		if err := s.store.DeleteSessionByTokenHash(ctx, hash); err != nil {
			s.log.WithError(err).Warn("Failed to delete expired session")
		}

		return nil, fmt.Errorf("%w: session expired", ErrUnauthenticated)
	}

	if session.LastActiveAt == nil ||
		now.Sub(*session.LastActiveAt) > sessionTouchInterval {
		go func() {
			if err := s.store.UpdateSessionLastActive(
				context.Background(), session.ID, now,
			); err != nil {
				s.log.WithError(err).
					Warn("Failed to update session last active")
			}
		}()
	}

	return session, nil
}

// Destroy removes the session for token, if any.
func (s *Sessions) Destroy(ctx context.Context, token string) error {
	return s.store.DeleteSessionByTokenHash(ctx, s.hash(token))
}

// Sweep deletes every expired session.
func (s *Sessions) Sweep(ctx context.Context) error {
	return s.store.DeleteExpiredSessions(ctx)
}

// SetCookie writes the session cookie.
func (s *Sessions) SetCookie(
	w http.ResponseWriter, r *http.Request, token string, expires time.Time,
) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		Expires:  expires,
		MaxAge:   int(s.ttl.Seconds()),
	})
}

// ClearCookie expires the session cookie.
func (s *Sessions) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func (s *Sessions) hash(token string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(token))

	return hex.EncodeToString(mac.Sum(nil))
}

// deriveSessionKey expands the configured secret into the token MAC key.
func deriveSessionKey(secret []byte) []byte {
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(sessionKeyInfo)), key); err != nil {
		// HKDF-SHA256 only fails past 255 blocks of output.
		panic(fmt.Sprintf("deriving session key: %v", err))
	}

	return key
}

// generateSessionToken creates a cryptographically random session token.
func generateSessionToken() (string, error) {
	b := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}

	return hex.EncodeToString(b), nil
}

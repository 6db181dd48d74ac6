package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/genomewiz/pkg/credential"
	"github.com/ethpandaops/genomewiz/pkg/role"
	"github.com/ethpandaops/genomewiz/pkg/store"
)

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// ReconcileCredentialRoles grants roles from a credential's snapshot
	// that the role store does not yet hold for its subject.
	ReconcileCredentialRoles bool
}

// Resolver turns a bearer credential or session cookie into an Identity.
// Roles always come from the role store, never from the carrier.
type Resolver struct {
	log      logrus.FieldLogger
	store    store.Store
	codec    *credential.Codec
	sessions *Sessions
	cfg      ResolverConfig
}

// NewResolver creates a Resolver.
func NewResolver(
	log logrus.FieldLogger,
	st store.Store,
	codec *credential.Codec,
	sessions *Sessions,
	cfg ResolverConfig,
) *Resolver {
	return &Resolver{
		log:      log.WithField("component", "resolver"),
		store:    st,
		codec:    codec,
		sessions: sessions,
		cfg:      cfg,
	}
}

// Resolve authenticates r. A bearer credential is tried first, then the
// session cookie. When both fail the bearer's error is returned so that
// clients can tell an expired credential from a missing one.
func (res *Resolver) Resolve(r *http.Request) (*Identity, error) {
	ctx := r.Context()

	var bearerErr error

	if token, ok := bearerToken(r); ok {
		id, err := res.ResolveCredential(ctx, token)
		if err == nil {
			return id, nil
		}

		bearerErr = err
	}

	if cookie, err := r.Cookie(res.sessions.CookieName()); err == nil && cookie.Value != "" {
		id, err := res.ResolveSession(ctx, cookie.Value)
		if err == nil {
			return id, nil
		}

		if bearerErr == nil {
			return nil, err
		}
	}

	if bearerErr != nil {
		return nil, bearerErr
	}

	return nil, ErrUnauthenticated
}

// ResolveCredential verifies token and loads its subject. An unknown
// subject is created from the credential's claims.
func (res *Resolver) ResolveCredential(ctx context.Context, token string) (*Identity, error) {
	claims, err := res.codec.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("verifying credential: %w", err)
	}

	var id *Identity

	err = res.store.Transaction(ctx, func(tx store.Store) error {
		user, err := tx.GetUserByID(ctx, claims.Subject)
		if errors.Is(err, store.ErrNotFound) {
			user, err = res.createFromClaims(ctx, tx, claims)
		}

		if err != nil {
			return err
		}

		if res.cfg.ReconcileCredentialRoles {
			if err := res.reconcile(ctx, tx, user.ID, claims.Roles); err != nil {
				return err
			}
		}

		roles, err := tx.RolesOf(ctx, user.ID)
		if err != nil {
			return err
		}

		id = &Identity{ID: user.ID, Email: user.Email, Roles: roles}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return id, nil
}

// ResolveSession looks up the session for a raw cookie token.
func (res *Resolver) ResolveSession(ctx context.Context, token string) (*Identity, error) {
	session, err := res.sessions.Lookup(ctx, token)
	if err != nil {
		return nil, err
	}

	roles, err := res.store.RolesOf(ctx, session.UserID)
	if err != nil {
		return nil, err
	}

	return &Identity{ID: session.UserID, Email: session.Email, Roles: roles}, nil
}

func (res *Resolver) createFromClaims(
	ctx context.Context, tx store.Store, claims *credential.Claims,
) (*store.User, error) {
	if claims.Email == "" {
		return nil, fmt.Errorf("%w: unknown subject without email", ErrUnauthenticated)
	}

	user := &store.User{
		ID:    claims.Subject,
		Name:  store.EmailLocalPart(claims.Email),
		Email: claims.Email,
	}

	if err := tx.CreateUser(ctx, user); err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, err
		}

		// Either a concurrent request created the subject, or the email
		// belongs to a different user.
		existing, getErr := tx.GetUserByID(ctx, claims.Subject)
		if getErr != nil {
			if errors.Is(getErr, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: credential email belongs to another user", ErrUnauthenticated)
			}

			return nil, getErr
		}

		return existing, nil
	}

	res.log.WithField("user", user.ID).
		WithField("email", user.Email).
		Info("Created user from credential subject")

	return user, nil
}

func (res *Resolver) reconcile(
	ctx context.Context, tx store.Store, userID string, names []string,
) error {
	for _, name := range names {
		r, err := role.Parse(name)
		if err != nil {
			res.log.WithField("user", userID).
				WithField("role", name).
				Warn("Skipping unknown role in credential")

			continue
		}

		if _, err := tx.GrantRole(ctx, userID, r); err != nil {
			return err
		}
	}

	return nil
}

// bearerToken extracts the token from an "Authorization: Bearer" header.
// Other schemes are ignored.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}

	return strings.TrimSpace(token), true
}

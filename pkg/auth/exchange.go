package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/genomewiz/pkg/credential"
	"github.com/ethpandaops/genomewiz/pkg/role"
	"github.com/ethpandaops/genomewiz/pkg/store"
)

const defaultProviderTimeout = 10 * time.Second

// ProviderIdentity is what the identity provider reports about a user.
type ProviderIdentity struct {
	Subject string
	Email   string
	Name    string
}

// Provider is an OAuth identity provider.
type Provider interface {
	// AuthCodeURL returns the authorization URL for state.
	AuthCodeURL(state string) string
	// Identify redeems code and returns the user it identifies. It fails
	// with ErrProviderDenied when the provider refuses, and with
	// ErrProviderUnavailable when it cannot be reached.
	Identify(ctx context.Context, code string) (*ProviderIdentity, error)
}

// ExchangeConfig configures an Exchange.
type ExchangeConfig struct {
	AllowedDomain   string
	ProviderTimeout time.Duration
}

// LoginResult is the outcome of a completed login.
type LoginResult struct {
	Identity       *Identity
	Created        bool
	Credential     string
	SessionToken   string
	SessionExpires time.Time
}

// Exchange runs the OAuth login handshake and maps provider identities to
// local users.
type Exchange struct {
	log      logrus.FieldLogger
	store    store.Store
	provider Provider
	codec    *credential.Codec
	sessions *Sessions
	cfg      ExchangeConfig
}

// NewExchange creates an Exchange.
func NewExchange(
	log logrus.FieldLogger,
	st store.Store,
	provider Provider,
	codec *credential.Codec,
	sessions *Sessions,
	cfg ExchangeConfig,
) *Exchange {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = defaultProviderTimeout
	}

	cfg.AllowedDomain = strings.TrimPrefix(cfg.AllowedDomain, "@")

	return &Exchange{
		log:      log.WithField("component", "exchange"),
		store:    st,
		provider: provider,
		codec:    codec,
		sessions: sessions,
		cfg:      cfg,
	}
}

// BeginLogin returns the provider URL to redirect the browser to.
func (e *Exchange) BeginLogin(state string) string {
	return e.provider.AuthCodeURL(state)
}

// CompleteLogin redeems code, upserts the user and mints a session and a
// credential. The first user ever created is granted admin; later ones
// get curator. Nothing is persisted unless every step succeeds.
func (e *Exchange) CompleteLogin(ctx context.Context, code string) (*LoginResult, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: missing authorization code", ErrProviderDenied)
	}

	pid, err := e.identify(ctx, code)
	if err != nil {
		return nil, err
	}

	if !e.domainAllowed(pid.Email) {
		return nil, fmt.Errorf("%w: %s", ErrDomainNotAllowed, pid.Email)
	}

	var result *LoginResult

	err = e.store.Transaction(ctx, func(tx store.Store) error {
		var err error

		result, err = e.upsert(ctx, tx, pid)

		return err
	}, store.Serializable())
	if err != nil {
		return nil, fmt.Errorf("completing login: %w", err)
	}

	e.log.WithField("user", result.Identity.ID).
		WithField("roles", result.Identity.Roles.String()).
		WithField("created", result.Created).
		Info("Login completed")

	return result, nil
}

func (e *Exchange) identify(ctx context.Context, code string) (*ProviderIdentity, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
	defer cancel()

	pid, err := e.provider.Identify(ctx, code)
	if err != nil {
		if errors.Is(err, ErrProviderDenied) || errors.Is(err, ErrProviderUnavailable) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}

	if pid == nil || pid.Subject == "" || pid.Email == "" {
		return nil, fmt.Errorf("%w: no identity returned", ErrProviderDenied)
	}

	return pid, nil
}

func (e *Exchange) domainAllowed(email string) bool {
	if e.cfg.AllowedDomain == "" {
		return true
	}

	return strings.HasSuffix(
		strings.ToLower(email),
		"@"+strings.ToLower(e.cfg.AllowedDomain),
	)
}

// upsert must run inside a transaction: the user count is read before the
// insert so that exactly one first user becomes admin.
func (e *Exchange) upsert(
	ctx context.Context, tx store.Store, pid *ProviderIdentity,
) (*LoginResult, error) {
	existing, err := tx.CountUsers(ctx)
	if err != nil {
		return nil, err
	}

	user, created, err := tx.FindOrCreateUser(ctx, store.UserSelector{
		Email:           pid.Email,
		ProviderSubject: pid.Subject,
		Name:            pid.Name,
	})
	if err != nil {
		return nil, err
	}

	if created {
		initial := role.Curator
		if existing == 0 {
			initial = role.Admin
		}

		if _, err := tx.GrantRole(ctx, user.ID, initial); err != nil {
			return nil, err
		}
	} else if refreshUser(user, pid) {
		if err := tx.UpdateUser(ctx, user); err != nil {
			return nil, err
		}
	}

	roles, err := tx.RolesOf(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	id := &Identity{ID: user.ID, Email: user.Email, Roles: roles}

	token, expires, err := e.sessions.Create(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	cred, err := e.codec.Issue(credential.Claims{
		Subject: id.ID,
		Email:   id.Email,
		Roles:   roles.Strings(),
	})
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		Identity:       id,
		Created:        created,
		Credential:     cred,
		SessionToken:   token,
		SessionExpires: expires,
	}, nil
}

// refreshUser copies the provider's name and subject onto user and reports
// whether anything changed.
func refreshUser(user *store.User, pid *ProviderIdentity) bool {
	changed := false

	if pid.Name != "" && user.Name != pid.Name {
		user.Name = pid.Name
		changed = true
	}

	if user.ProviderSubject == nil || *user.ProviderSubject != pid.Subject {
		sub := pid.Subject
		user.ProviderSubject = &sub
		changed = true
	}

	return changed
}

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/ethpandaops/genomewiz/pkg/config"
)

const googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// googleScopes is fixed: the exchange needs the subject, email and name.
var googleScopes = []string{"openid", "email", "profile"}

type googleUserInfo struct {
	Subject       string `mapstructure:"sub"`
	Email         string `mapstructure:"email"`
	EmailVerified *bool  `mapstructure:"email_verified"`
	Name          string `mapstructure:"name"`
}

// GoogleProvider is a Provider backed by Google's OAuth endpoints.
type GoogleProvider struct {
	log         logrus.FieldLogger
	oauth       *oauth2.Config
	userInfoURL string
}

// Compile-time interface check.
var _ Provider = (*GoogleProvider)(nil)

// NewGoogleProvider creates a Google provider. Endpoint URLs may be
// overridden in cfg.
func NewGoogleProvider(log logrus.FieldLogger, cfg *config.GoogleAuthConfig) *GoogleProvider {
	endpoint := google.Endpoint
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}

	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}

	userInfoURL := googleUserInfoURL
	if cfg.UserInfoURL != "" {
		userInfoURL = cfg.UserInfoURL
	}

	return &GoogleProvider{
		log: log.WithField("component", "google"),
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret.Value(),
			RedirectURL:  cfg.CallbackURL,
			Scopes:       googleScopes,
			Endpoint:     endpoint,
		},
		userInfoURL: userInfoURL,
	}
}

// AuthCodeURL returns Google's consent URL for state.
func (p *GoogleProvider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// Identify exchanges code for a token and fetches the userinfo document.
func (p *GoogleProvider) Identify(ctx context.Context, code string) (*ProviderIdentity, error) {
	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil &&
			re.Response.StatusCode >= 400 && re.Response.StatusCode < 500 {
			return nil, fmt.Errorf("%w: code rejected: %s", ErrProviderDenied, re.ErrorCode)
		}

		return nil, fmt.Errorf("%w: exchanging code: %w", ErrProviderUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating userinfo request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := p.oauth.Client(ctx, token).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching userinfo: %w", ErrProviderUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: userinfo returned status %d", ErrProviderDenied, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: userinfo returned status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decoding userinfo: %w", ErrProviderDenied, err)
	}

	var info googleUserInfo

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &info,
	})
	if err != nil {
		return nil, fmt.Errorf("creating userinfo decoder: %w", err)
	}

	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("%w: decoding userinfo: %w", ErrProviderDenied, err)
	}

	if info.Subject == "" || info.Email == "" {
		return nil, fmt.Errorf("%w: userinfo missing sub or email", ErrProviderDenied)
	}

	if info.EmailVerified != nil && !*info.EmailVerified {
		return nil, fmt.Errorf("%w: email %s is not verified", ErrProviderDenied, info.Email)
	}

	p.log.WithField("email", info.Email).Debug("Resolved Google identity")

	return &ProviderIdentity{
		Subject: info.Subject,
		Email:   info.Email,
		Name:    info.Name,
	}, nil
}

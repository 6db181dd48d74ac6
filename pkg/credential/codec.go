// Package credential issues and verifies the signed, time-bound bearer
// tokens handed to API clients. Tokens are HS256 JWTs carrying the subject,
// email and a snapshot of the subject's roles at issuance time.
package credential

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TTL is the fixed lifetime of an issued credential.
const TTL = 7 * 24 * time.Hour

var (
	// ErrMalformed covers tokens that are not three base64url JSON segments
	// or that name any algorithm other than HS256.
	ErrMalformed = errors.New("malformed credential")
	// ErrSignatureMismatch is returned when the MAC does not match.
	ErrSignatureMismatch = errors.New("credential signature mismatch")
	// ErrExpired is returned for correctly signed tokens past their expiry.
	ErrExpired = errors.New("credential expired")
)

var errUnexpectedAlgorithm = errors.New("unexpected signing algorithm")

// Claims is the identity asserted by a credential.
type Claims struct {
	Subject   string
	Email     string
	Roles     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// tokenClaims is the wire payload: sub, email, roles, iat, exp.
type tokenClaims struct {
	Email string   `json:"email"`
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Codec signs and verifies credentials with a symmetric secret.
type Codec struct {
	secret []byte
	now    func() time.Time
	parser *jwt.Parser
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the time source used for iat/exp and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec creates a Codec for the given signing secret.
func NewCodec(secret []byte, opts ...Option) *Codec {
	c := &Codec{
		secret: secret,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.parser = jwt.NewParser(
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return c.now() }),
	)

	return c
}

// Issue mints a credential for the given claims. IssuedAt and ExpiresAt on
// the input are ignored; the credential is valid from now for TTL.
func (c *Codec) Issue(claims Claims) (string, error) {
	if claims.Subject == "" {
		return "", fmt.Errorf("issuing credential: subject is required")
	}

	now := c.now().UTC().Truncate(time.Second)

	roles := claims.Roles
	if roles == nil {
		roles = []string{}
	}

	tc := tokenClaims{
		Email: claims.Email,
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TTL)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("signing credential: %w", err)
	}

	return signed, nil
}

// Verify checks the credential's structure, algorithm, signature and expiry,
// in that order, and returns its claims.
func (c *Codec) Verify(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformed, len(parts))
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature segment: %v", ErrMalformed, err)
	}

	// A segment that only differs in its unused trailing bits decodes to the
	// same MAC; it is still not the signature that was issued.
	if base64.RawURLEncoding.EncodeToString(sig) != parts[2] {
		return nil, ErrSignatureMismatch
	}

	var tc tokenClaims
	if _, err := c.parser.ParseWithClaims(token, &tc, c.key); err != nil {
		return nil, classify(err)
	}

	if tc.Subject == "" || tc.IssuedAt == nil {
		return nil, fmt.Errorf("%w: missing sub or iat", ErrMalformed)
	}

	return &Claims{
		Subject:   tc.Subject,
		Email:     tc.Email,
		Roles:     tc.Roles,
		IssuedAt:  tc.IssuedAt.Time,
		ExpiresAt: tc.ExpiresAt.Time,
	}, nil
}

func (c *Codec) key(t *jwt.Token) (any, error) {
	if t.Method != jwt.SigningMethodHS256 {
		return nil, fmt.Errorf("%w: %v", errUnexpectedAlgorithm, t.Header["alg"])
	}

	return c.secret, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

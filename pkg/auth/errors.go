// Package auth resolves request identities, guards routes by role and
// drives the OAuth login exchange.
package auth

import (
	"errors"
	"net/http"

	"github.com/ethpandaops/genomewiz/pkg/credential"
	"github.com/ethpandaops/genomewiz/pkg/role"
)

var (
	// ErrUnauthenticated means no usable credential or session was presented.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrForbidden means the identity lacks every required role.
	ErrForbidden = errors.New("insufficient permissions")
	// ErrProviderDenied means the identity provider returned no identity.
	ErrProviderDenied = errors.New("identity provider denied the login")
	// ErrDomainNotAllowed means the email is outside the allow-listed domain.
	ErrDomainNotAllowed = errors.New("email domain not allowed")
	// ErrProviderUnavailable means the identity provider timed out or failed.
	ErrProviderUnavailable = errors.New("identity provider unavailable")
)

// Kind is the stable discriminator returned to clients in error bodies.
type Kind string

// Error kinds.
const (
	KindUnauthenticated     Kind = "unauthenticated"
	KindInvalidCredential   Kind = "invalid_credential"
	KindCredentialExpired   Kind = "credential_expired"
	KindForbidden           Kind = "forbidden"
	KindProviderDenied      Kind = "provider_denied"
	KindDomainNotAllowed    Kind = "domain_not_allowed"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindUnknownRole         Kind = "unknown_role"
	KindInternal            Kind = "internal"
)

var kindMessages = map[Kind]string{
	KindUnauthenticated:     "authentication required",
	KindInvalidCredential:   "invalid credential",
	KindCredentialExpired:   "credential expired",
	KindForbidden:           "insufficient permissions",
	KindProviderDenied:      "identity provider denied the login",
	KindDomainNotAllowed:    "email domain not allowed",
	KindProviderUnavailable: "identity provider unavailable",
	KindUnknownRole:         "unknown role",
	KindInternal:            "internal error",
}

// Message returns the fixed client-facing message for the kind.
func (k Kind) Message() string {
	if msg, ok := kindMessages[k]; ok {
		return msg
	}

	return kindMessages[KindInternal]
}

// Classify maps err to its kind and HTTP status. Errors outside the auth
// taxonomy are internal.
func Classify(err error) (Kind, int) {
	switch {
	case errors.Is(err, credential.ErrExpired):
		return KindCredentialExpired, http.StatusUnauthorized
	case errors.Is(err, credential.ErrMalformed),
		errors.Is(err, credential.ErrSignatureMismatch):
		return KindInvalidCredential, http.StatusUnauthorized
	case errors.Is(err, ErrUnauthenticated):
		return KindUnauthenticated, http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return KindForbidden, http.StatusForbidden
	case errors.Is(err, ErrProviderDenied):
		return KindProviderDenied, http.StatusBadRequest
	case errors.Is(err, ErrDomainNotAllowed):
		return KindDomainNotAllowed, http.StatusForbidden
	case errors.Is(err, ErrProviderUnavailable):
		return KindProviderUnavailable, http.StatusServiceUnavailable
	case errors.Is(err, role.ErrUnknownRole):
		return KindUnknownRole, http.StatusBadRequest
	default:
		return KindInternal, http.StatusInternalServerError
	}
}

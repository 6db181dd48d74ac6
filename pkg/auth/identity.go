package auth

import (
	"context"
	"encoding/json"

	"github.com/ethpandaops/genomewiz/pkg/role"
)

type contextKey string

const identityContextKey contextKey = "identity"

// Identity is the resolved caller, independent of how it authenticated.
type Identity struct {
	ID    string
	Email string
	Roles role.Set
}

type identityJSON struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Roles []string `json:"roles"`
}

// MarshalJSON renders roles as a sorted list.
func (i *Identity) MarshalJSON() ([]byte, error) {
	return json.Marshal(identityJSON{
		ID:    i.ID,
		Email: i.Email,
		Roles: i.Roles.Strings(),
	})
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// FromContext returns the identity stored by WithIdentity, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey).(*Identity)

	return id
}

package auth

import "github.com/ethpandaops/genomewiz/pkg/role"

// Authorize allows id when it holds at least one of the required roles.
// An empty requirement admits any authenticated identity. A nil identity
// is always unauthenticated, never forbidden.
func Authorize(id *Identity, required role.Set) error {
	if id == nil {
		return ErrUnauthenticated
	}

	if len(required) == 0 || id.Roles.Intersects(required) {
		return nil
	}

	return ErrForbidden
}

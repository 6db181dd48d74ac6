// Package role defines the closed set of roles a user can be granted.
package role

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Role is a named capability granted to a user.
type Role string

// Known roles.
const (
	Admin   Role = "admin"
	Curator Role = "curator"
	Viewer  Role = "viewer"
)

// ErrUnknownRole is returned for any role name outside the known set.
var ErrUnknownRole = errors.New("unknown role")

var known = map[Role]struct{}{
	Admin:   {},
	Curator: {},
	Viewer:  {},
}

// Parse converts a role name into a Role. Names are matched
// case-insensitively; anything else fails with ErrUnknownRole.
func Parse(name string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(name)))
	if !r.Valid() {
		return "", fmt.Errorf("%w %q (allowed: admin|curator|viewer)", ErrUnknownRole, name)
	}

	return r, nil
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, ok := known[r]

	return ok
}

func (r Role) String() string {
	return string(r)
}

// Set is an unordered collection of roles.
type Set map[Role]struct{}

// NewSet builds a set from the given roles.
func NewSet(roles ...Role) Set {
	s := make(Set, len(roles))
	for _, r := range roles {
		s[r] = struct{}{}
	}

	return s
}

// Has reports whether r is in the set.
func (s Set) Has(r Role) bool {
	_, ok := s[r]

	return ok
}

// Add inserts r into the set.
func (s Set) Add(r Role) {
	s[r] = struct{}{}
}

// Intersects reports whether s and other share at least one role.
func (s Set) Intersects(other Set) bool {
	for r := range other {
		if s.Has(r) {
			return true
		}
	}

	return false
}

// Sorted returns the roles in lexical order.
func (s Set) Sorted() []Role {
	out := make([]Role, 0, len(s))
	for r := range s {
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

// Strings returns the role names in lexical order. The result is never nil.
func (s Set) Strings() []string {
	out := make([]string, 0, len(s))
	for _, r := range s.Sorted() {
		out = append(out, string(r))
	}

	return out
}

func (s Set) String() string {
	return strings.Join(s.Strings(), ",")
}

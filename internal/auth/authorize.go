package auth

import "context"

// Principal is an authenticated caller. UserID comes from the verified token
// subject and is the only identity writes may target.
type Principal struct {
	UserID string
	Roles  []string
}

// HasRole reports whether the principal carries role (case-insensitive).
func (p Principal) HasRole(role string) bool {
	for _, r := range dedupeRoles([]string{role}) {
		for _, have := range p.Roles {
			if have == r {
				return true
			}
		}
	}
	return false
}

// RoleAdmin may replay provider notifications by hand.
const RoleAdmin = "admin"

// Require checks that ctx carries a principal holding role.
func Require(ctx context.Context, role string) (Principal, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return Principal{}, ErrUnauthenticated
	}
	if !p.HasRole(role) {
		return p, ErrForbidden
	}
	return p, nil
}

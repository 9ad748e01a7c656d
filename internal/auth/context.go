package auth

import (
	"context"
	"strings"
)

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	principal.UserID = strings.TrimSpace(principal.UserID)
	principal.Roles = dedupeRoles(principal.Roles)
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// ContextWithUser is shorthand for ContextWithPrincipal.
func ContextWithUser(ctx context.Context, userID string, roles []string) context.Context {
	return ContextWithPrincipal(ctx, Principal{UserID: userID, Roles: roles})
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil || v.UserID == "" {
		return Principal{}, false
	}
	return *v, true
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return "", false
	}
	return p.UserID, true
}

// HasRole checks whether the context principal has the specified role.
func HasRole(ctx context.Context, role string) bool {
	p, ok := PrincipalFromContext(ctx)
	return ok && p.HasRole(role)
}

package auth

import (
	"context"
	"strings"

	"civicops.org/internal/scope"
)

// Principal is the fully resolved caller identity: user id, city-wide roles
// and module assignments, built once from validated claims at ingress.
type Principal struct {
	UserID      string
	Roles       []string
	Assignments []scope.Assignment
}

// NewPrincipal builds a principal from validated claims.
func NewPrincipal(claims *Claims) Principal {
	return Principal{
		UserID:      claims.Subject,
		Roles:       append([]string(nil), claims.Roles...),
		Assignments: claims.Assignments(),
	}
}

// HasCityRole reports whether the principal holds a city-wide role such as
// CITY_ADMIN or COMMISSIONER.
func (p Principal) HasCityRole(role string) bool {
	role = strings.ToUpper(strings.TrimSpace(role))
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type principalContextKey struct{}
type tokenContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	p, ok := PrincipalFromContext(ctx)
	if !ok || strings.TrimSpace(p.UserID) == "" {
		return "", false
	}
	return p.UserID, true
}

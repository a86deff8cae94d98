package auth

import (
	"context"
	"errors"
)

// ErrNoPrincipal is returned when a request reached a handler unauthenticated.
var ErrNoPrincipal = errors.New("auth: no principal in context")

type contextKey string

const principalKey contextKey = "principal"

// Principal is the authenticated caller. TenantID comes from the token and is
// the only source of tenant identity.
type Principal struct {
	ID       string
	TenantID string
	Roles    []string
}

// HasRole reports whether the principal carries role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (*Principal, error) {
	p, ok := ctx.Value(principalKey).(*Principal)
	if !ok || p == nil {
		return nil, ErrNoPrincipal
	}
	return p, nil
}

// GetTenantID is a helper to get the TenantID from the context's Principal.
func GetTenantID(ctx context.Context) (string, error) {
	p, err := GetPrincipal(ctx)
	if err != nil {
		return "", err
	}
	return p.TenantID, nil
}

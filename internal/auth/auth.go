// Package auth resolves connection credentials to a tenant.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
)

// ErrUnauthenticated is returned when credentials do not map to a tenant.
var ErrUnauthenticated = errors.New("unauthenticated")

// Credentials carry whatever a connection presented.
type Credentials struct {
	Token string
}

// Resolver maps credentials onto a tenant identifier.
type Resolver interface {
	Resolve(ctx context.Context, creds Credentials) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, creds Credentials) (string, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, creds Credentials) (string, error) {
	return f(ctx, creds)
}

// StaticTokenResolver resolves bearer tokens from a fixed table.
type StaticTokenResolver struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewStaticTokenResolver copies tokens (token -> tenant).
func NewStaticTokenResolver(tokens map[string]string) *StaticTokenResolver {
	r := &StaticTokenResolver{tokens: make(map[string]string, len(tokens))}
	for tok, tenant := range tokens {
		r.tokens[tok] = tenant
	}
	return r
}

// Resolve implements Resolver. Tokens are compared in constant time.
func (r *StaticTokenResolver) Resolve(ctx context.Context, creds Credentials) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if creds.Token == "" {
		return "", ErrUnauthenticated
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	tenant := ""
	for tok, t := range r.tokens {
		if subtle.ConstantTimeCompare([]byte(tok), []byte(creds.Token)) == 1 {
			tenant = t
		}
	}
	if tenant == "" {
		return "", ErrUnauthenticated
	}
	return tenant, nil
}

// Set adds or replaces a token.
func (r *StaticTokenResolver) Set(token, tenant string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = tenant
}

// Revoke removes a token.
func (r *StaticTokenResolver) Revoke(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, token)
}

// FromRequest extracts credentials from an Authorization bearer header,
// falling back to the "token" query parameter used by browser sockets.
func FromRequest(req *http.Request) Credentials {
	if tok := BearerToken(req.Header.Get("Authorization")); tok != "" {
		return Credentials{Token: tok}
	}
	return Credentials{Token: req.URL.Query().Get("token")}
}

// BearerToken strips a case-insensitive "Bearer " prefix. It returns "" when
// the header is not a bearer credential.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

type tenantKey struct{}

// ContextWithTenant records the resolved tenant on ctx.
func ContextWithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant)
}

// TenantFromContext returns the tenant stored by ContextWithTenant.
func TenantFromContext(ctx context.Context) (string, bool) {
	tenant, ok := ctx.Value(tenantKey{}).(string)
	return tenant, ok && tenant != ""
}

// Package auth resolves API bearer tokens to named principals holding scopes.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Scopes understood by the API. "*" grants everything.
const (
	ScopeChangesRead  = "changes:ro"
	ScopeChangesWrite = "changes:rw"
	ScopeEventsRead   = "events:ro"
	ScopeMetricsRead  = "metrics:ro"
	ScopeAll          = "*"
)

// AdminName is the principal name of the admin API key.
const AdminName = "admin"

// TokenConfig is a bearer token with a set of scopes. Name appears in audit
// records as the acting principal; unnamed tokens are numbered.
type TokenConfig struct {
	Name   string
	Token  string
	Scopes []string
}

// Principal is an authenticated caller.
type Principal struct {
	Name   string
	Scopes map[string]struct{}
}

// Allows reports whether p holds at least one of required. No requirement
// always passes.
func (p Principal) Allows(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}

// Actor is the audit actor for changes made by p.
func (p Principal) Actor() string {
	return "api:" + p.Name
}

type credential struct {
	token     []byte
	principal Principal
}

// Authenticator matches presented tokens against the configured credentials.
type Authenticator struct {
	creds []credential
}

// NewAuthenticator builds an authenticator from an optional admin key and
// scoped tokens. Empty tokens are ignored.
func NewAuthenticator(adminKey string, tokens []TokenConfig) *Authenticator {
	a := &Authenticator{}
	if adminKey != "" {
		a.creds = append(a.creds, credential{
			token:     []byte(adminKey),
			principal: Principal{Name: AdminName, Scopes: map[string]struct{}{ScopeAll: {}}},
		})
	}
	for i, t := range tokens {
		if t.Token == "" {
			continue
		}
		name := strings.TrimSpace(t.Name)
		if name == "" {
			name = fmt.Sprintf("token-%d", i+1)
		}
		a.creds = append(a.creds, credential{
			token:     []byte(t.Token),
			principal: Principal{Name: name, Scopes: normalizeScopes(t.Scopes)},
		})
	}
	return a
}

// Enabled reports whether any credential is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.creds) > 0
}

// Authenticate compares presented against every credential in constant time
// and returns the first match.
func (a *Authenticator) Authenticate(presented string) (Principal, bool) {
	if presented == "" {
		return Principal{}, false
	}
	var (
		match Principal
		found bool
	)
	p := []byte(presented)
	for _, c := range a.creds {
		if subtle.ConstantTimeCompare(p, c.token) == 1 && !found {
			match, found = c.principal, true
		}
	}
	return match, found
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out[s] = struct{}{}
		}
	}
	// Submitting or cancelling implies reading.
	if _, ok := out[ScopeChangesWrite]; ok {
		out[ScopeChangesRead] = struct{}{}
	}
	return out
}

// ExtractBearerToken reads the token from an "Authorization: Bearer" header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errors.New("invalid Authorization header format")
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Package auth defines the gateway's pluggable bearer-token authentication
// boundary (spec.md §6, §4.7's "claims match configured rules" check),
// grounded on perkeep's pkg/auth.AuthMode: an interface any authentication
// scheme can satisfy, rather than one hard-coded implementation.
package auth

import (
	"context"
	"strings"

	"github.com/freva-org/freva-nextgen-sub001/internal/errs"
)

// Claims reports whether the authenticated caller's credentials satisfy a
// configured claim rule (e.g. "role=data-portal-reader").
type Claims interface {
	ClaimMatches(rule string) bool
}

// AuthVerifier verifies a bearer token and returns the caller's claims.
type AuthVerifier interface {
	Verify(ctx context.Context, bearer string) (Claims, error)
}

// MapClaims is the reference Claims implementation: a flat key/value set,
// matched against "key=value" rules.
type MapClaims map[string]string

func (c MapClaims) ClaimMatches(rule string) bool {
	key, value, ok := strings.Cut(rule, "=")
	if !ok {
		_, present := c[rule]
		return present
	}
	return c[key] == value
}

// StaticVerifier is a fixed bearer-token -> claims map, useful for tests and
// local development; production deployments supply their own AuthVerifier
// (OIDC, mTLS, ...) behind the same interface (spec.md's Non-goals exclude
// the OIDC device-code flow itself, not the extension point).
type StaticVerifier struct {
	Tokens map[string]MapClaims
}

func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{Tokens: map[string]MapClaims{}}
}

func (v *StaticVerifier) Verify(_ context.Context, bearer string) (Claims, error) {
	claims, ok := v.Tokens[bearer]
	if !ok {
		return nil, errs.New(errs.KindUnauthorized, "unrecognized bearer token")
	}
	return claims, nil
}

// MatchesAny reports whether claims satisfies at least one of rules. An
// empty rule set always matches (no claim restriction configured).
func MatchesAny(claims Claims, rules []string) bool {
	if len(rules) == 0 {
		return true
	}
	for _, rule := range rules {
		if claims.ClaimMatches(rule) {
			return true
		}
	}
	return false
}

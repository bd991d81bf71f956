package identity

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
)

const (
	// Issuer is the iss claim of every timelock token.
	Issuer = "helm-timelock"
	// Audience is the aud claim of every timelock token.
	Audience = "helm-timelock.api"

	// RoleOperator may run maintenance routes such as prune and the event journal.
	RoleOperator = "operator"
)

// Claims are the JWT claims of a timelock bearer token. The subject is the
// caller principal.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// Principal returns the subject as a timelock principal.
func (c *Claims) Principal() contracts.Principal {
	return contracts.Principal(c.Subject)
}

// HasRole reports whether the token grants role.
func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// TokenManager issues and validates tokens against a KeySet.
type TokenManager struct {
	keySet KeySet
	now    func() time.Time
}

// NewTokenManager creates a manager over ks.
func NewTokenManager(ks KeySet) *TokenManager {
	return &TokenManager{keySet: ks, now: time.Now}
}

// Issue creates a signed token for p valid for ttl.
func (tm *TokenManager) Issue(ctx context.Context, p contracts.Principal, ttl time.Duration, roles ...string) (string, error) {
	if p.IsZero() {
		return "", fmt.Errorf("identity: principal is required")
	}
	now := tm.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{Audience},
		},
		Roles: roles,
	}
	return tm.keySet.Sign(ctx, claims)
}

// Validate parses tokenString and checks signature, expiry, issuer and
// audience.
func (tm *TokenManager) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, tm.keySet.KeyFunc(),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(tm.now),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("identity: token subject is required")
	}
	return claims, nil
}

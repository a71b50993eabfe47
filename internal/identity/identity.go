// Package identity resolves bearer credentials to user ids.
package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/zulandar/switchboard/internal/chaterr"
)

// Resolver maps an opaque bearer token to a user id. Invalid tokens yield
// an AUTHENTICATION_FAILED error.
type Resolver interface {
	ResolveUser(ctx context.Context, token string) (string, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, token string) (string, error)

// ResolveUser calls f(ctx, token).
func (f ResolverFunc) ResolveUser(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// JWTResolver accepts HS256 tokens signed with a shared secret. The user id
// is the sub claim. exp and nbf are enforced when present.
type JWTResolver struct {
	secret []byte
	issuer string
}

// NewJWTResolver creates a JWTResolver. An empty issuer accepts any.
func NewJWTResolver(secret []byte, issuer string) (*JWTResolver, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("identity: jwt secret is required")
	}
	return &JWTResolver{secret: secret, issuer: issuer}, nil
}

// ResolveUser implements Resolver.
func (r *JWTResolver) ResolveUser(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return "", chaterr.AuthFailed("identity: missing token")
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return "", chaterr.Wrap(chaterr.CodeAuthFailed, err, "identity: invalid token")
	}
	if r.issuer != "" && !claims.VerifyIssuer(r.issuer, true) {
		return "", chaterr.AuthFailed("identity: unexpected issuer %q", claims.Issuer)
	}
	if claims.Subject == "" {
		return "", chaterr.AuthFailed("identity: token has no subject")
	}
	return claims.Subject, nil
}

// Sign issues an HS256 token for user. Used by operators and tests.
func Sign(secret []byte, user, issuer string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = user
	if issuer != "" {
		claims.Issuer = issuer
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign: %w", err)
	}
	return s, nil
}

// Package auth provides JWT validation using JWKS.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails validation.
var ErrInvalidToken = errors.New("invalid token")

// Claims represents the JWT claims for relay access.
type Claims struct {
	jwt.RegisteredClaims
	// Tools optionally restricts which catalog tools the bearer may invoke.
	Tools []string `json:"tools,omitempty"`
}

// AllowsTool reports whether the claims permit invoking the named tool. An
// empty list permits every tool.
func (c *Claims) AllowsTool(name string) bool {
	if len(c.Tools) == 0 {
		return true
	}
	for _, t := range c.Tools {
		if t == name || t == "*" {
			return true
		}
	}
	return false
}

// JWTValidator validates JWTs using a remote JWKS endpoint.
type JWTValidator struct {
	keyfunc  jwt.Keyfunc
	audience string
	issuer   string
	methods  []string
}

// NewJWTValidator creates a new JWT validator that fetches keys from the JWKS endpoint.
func NewJWTValidator(ctx context.Context, jwksURL, issuer, audience string) (*JWTValidator, error) {
	// The keyfunc keeps refreshing in the background until ctx is done.
	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}

	return &JWTValidator{
		keyfunc:  k.Keyfunc,
		audience: audience,
		issuer:   issuer,
		methods:  []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "EdDSA"},
	}, nil
}

// NewJWTValidatorWithKeyfunc builds a validator around a caller-supplied
// key lookup, e.g. a static key.
func NewJWTValidatorWithKeyfunc(kf jwt.Keyfunc, issuer, audience string, methods ...string) *JWTValidator {
	return &JWTValidator{keyfunc: kf, audience: audience, issuer: issuer, methods: methods}
}

// Validate validates a JWT token and returns the claims if valid.
func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	if len(v.methods) > 0 {
		opts = append(opts, jwt.WithValidMethods(v.methods))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}
	return claims, nil
}

// GetUserID extracts the user ID from validated claims.
func (v *JWTValidator) GetUserID(claims *Claims) string {
	return claims.Subject
}

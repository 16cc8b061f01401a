// Package auth validates bearer tokens of ops API callers.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bissquit/booking-dispatch/internal/domain"
)

// Auth errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidRole  = errors.New("token carries an unknown role")
	ErrEmptySecret  = errors.New("jwt secret is empty")
)

// Claims are the JWT claims accepted by the ops API.
type Claims struct {
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// JWTValidator validates HS256 tokens signed with a shared secret.
type JWTValidator struct {
	secret []byte
	issuer string
	parser *jwt.Parser
	now    func() time.Time
}

// NewJWTValidator creates a validator. issuer may be empty to accept any.
func NewJWTValidator(secret, issuer string) (*JWTValidator, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	v := &JWTValidator{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	v.parser = jwt.NewParser(opts...)

	return v, nil
}

// ValidateToken parses the token and returns the caller identity.
func (v *JWTValidator) ValidateToken(_ context.Context, tokenString string) (string, domain.Role, error) {
	var claims Claims
	_, err := v.parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return "", "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if !claims.Role.IsValid() {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRole, claims.Role)
	}

	return claims.Subject, claims.Role, nil
}

// IssueToken signs a token for the given caller. It is meant for tooling and
// tests; production tokens come from the identity provider.
func (v *JWTValidator) IssueToken(userID string, role domain.Role, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Package auth verifies the bearer tokens presented by streaming clients.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "mtbridge/pkg/errors"
)

// Claims is the token payload: the broker account login plus the registered
// expiry.
type Claims struct {
	Login int64 `json:"login"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 bearer tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the given shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates the token and returns the login it carries.
// Expired tokens map to ErrTokenExpired, everything else that fails to
// ErrTokenInvalid.
func (v *Verifier) Verify(tokenString string) (int64, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, apperrors.ErrTokenExpired
		}
		return 0, apperrors.ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return 0, apperrors.ErrTokenInvalid
	}
	if claims.Login <= 0 {
		return 0, apperrors.ErrTokenInvalid
	}
	return claims.Login, nil
}

// GenerateToken signs a token for the login, valid for ttl. Operators mint
// client tokens with this; tests use it too.
func GenerateToken(secret string, login int64, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Login: login,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

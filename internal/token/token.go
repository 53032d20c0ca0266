// Package token verifies bearer credentials issued by the identity provider
// against the shared signing secret.
package token

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for every verification failure. Malformed,
// expired, and signature-mismatch tokens are deliberately indistinguishable
// to callers so rejection responses leak nothing about the token internals.
var ErrInvalidToken = errors.New("invalid credential")

// Principal is the authenticated identity derived from a verified token.
// It is never persisted; its lifetime is one message-processing call.
type Principal struct {
	UserID string
	Email  string
	Role   string
}

// Claims are the JWT claims the identity provider puts in access tokens.
// The subject carries the user ID.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens with a shared HMAC secret. It is
// stateless and safe for concurrent use.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier. The secret must be non-empty; main
// enforces that before construction.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a token, returning the principal it carries.
func (v *Verifier) Verify(tokenStr string) (*Principal, error) {
	tok, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return &Principal{
		UserID: claims.Subject,
		Email:  claims.Email,
		Role:   claims.Role,
	}, nil
}

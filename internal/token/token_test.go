package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-signing-secret"

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func validClaims() Claims {
	return Claims{
		Email: "dev@example.com",
		Role:  "user",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func TestVerify_Valid(t *testing.T) {
	v := NewVerifier(testSecret)

	p, err := v.Verify(signToken(t, testSecret, validClaims()))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.UserID != "user-123" {
		t.Errorf("expected userId user-123, got %q", p.UserID)
	}
	if p.Email != "dev@example.com" {
		t.Errorf("expected email dev@example.com, got %q", p.Email)
	}
	if p.Role != "user" {
		t.Errorf("expected role user, got %q", p.Role)
	}
}

func TestVerify_RejectionsAreOpaque(t *testing.T) {
	v := NewVerifier(testSecret)

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	noSubject := validClaims()
	noSubject.Subject = ""

	cases := []struct {
		name  string
		token string
	}{
		{"malformed", "not-a-jwt"},
		{"empty", ""},
		{"wrong secret", signToken(t, "other-secret", validClaims())},
		{"expired", signToken(t, testSecret, expired)},
		{"missing subject", signToken(t, testSecret, noSubject)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := v.Verify(tc.token)
			if err != ErrInvalidToken {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
			if p != nil {
				t.Errorf("expected nil principal, got %+v", p)
			}
		})
	}
}

func TestVerify_RejectsUnsignedToken(t *testing.T) {
	v := NewVerifier(testSecret)

	tok := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims())
	s, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}

	if _, err := v.Verify(s); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken for alg=none, got %v", err)
	}
}

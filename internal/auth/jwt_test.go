package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret, issuer string, expiresAt time.Time) string {
	t.Helper()
	claims := Claims{
		UserID:      "user-1",
		WorkspaceID: "workspace-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestParseToken(t *testing.T) {
	secret := "test-secret"
	issuer := "checkpoint-accounts"

	token := signToken(t, secret, issuer, time.Now().Add(time.Hour))
	claims, err := ParseToken(secret, issuer, token)
	if err != nil {
		t.Fatalf("expected valid token, got %v", err)
	}
	if claims.UserID != "user-1" || claims.WorkspaceID != "workspace-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	if _, err := ParseToken("other-secret", issuer, token); err == nil {
		t.Fatalf("expected signature rejection")
	}
	if _, err := ParseToken(secret, "other-issuer", token); err == nil {
		t.Fatalf("expected issuer rejection")
	}
	expired := signToken(t, secret, issuer, time.Now().Add(-time.Minute))
	if _, err := ParseToken(secret, issuer, expired); err == nil {
		t.Fatalf("expected expiry rejection")
	}
}

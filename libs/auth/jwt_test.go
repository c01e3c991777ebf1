package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var secret = []byte("test-secret")

func signToken(t *testing.T, claims jwt.Claims, method jwt.SigningMethod, key any) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestParseJWT(t *testing.T) {
	token := signToken(t, jwt.RegisteredClaims{
		Subject:   "0xa11ce",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, jwt.SigningMethodHS256, secret)

	claims, err := ParseJWT(token, secret)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "0xa11ce" {
		t.Errorf("subject = %s, want 0xa11ce", claims.Subject)
	}
}

func TestParseJWTRejectsWrongSecret(t *testing.T) {
	token := signToken(t, jwt.RegisteredClaims{Subject: "0xa11ce"}, jwt.SigningMethodHS256, []byte("other"))
	if _, err := ParseJWT(token, secret); err == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func TestParseJWTRejectsExpired(t *testing.T) {
	token := signToken(t, jwt.RegisteredClaims{
		Subject:   "0xa11ce",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}, jwt.SigningMethodHS256, secret)
	if _, err := ParseJWT(token, secret); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestExtractBearer(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Basic abc", ""},
		{"abc", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExtractBearer(tt.header); got != tt.want {
			t.Errorf("ExtractBearer(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

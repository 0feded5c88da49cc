package utils

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestNewAccessToken(t *testing.T) {
	tok, err := NewAccessToken("secret", "gate-7", "VERIFIER", time.Hour)
	if err != nil {
		t.Fatalf("NewAccessToken: %v", err)
	}
	if until := time.Until(tok.Exp); until < 59*time.Minute || until > time.Hour {
		t.Fatalf("Exp = %v", tok.Exp)
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(tok.Token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte("secret"), nil
	})
	if err != nil || !parsed.Valid {
		t.Fatalf("parse: %v", err)
	}
	if sub, _ := claims.GetSubject(); sub != "gate-7" || claims["role"] != "VERIFIER" {
		t.Fatalf("claims = %v", claims)
	}
}

func TestNewAccessTokenRejectsBadInput(t *testing.T) {
	if _, err := NewAccessToken("", "c", "READER", time.Hour); err == nil {
		t.Error("empty secret accepted")
	}
	if _, err := NewAccessToken("s", "", "READER", time.Hour); err == nil {
		t.Error("empty client accepted")
	}
	if _, err := NewAccessToken("s", "c", "READER", 0); err == nil {
		t.Error("zero ttl accepted")
	}
}

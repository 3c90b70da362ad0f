package server

import (
	"testing"
	"time"
)

func testClock(value string) func() time.Time {
	parsed, _ := time.Parse(time.RFC3339, value)
	return func() time.Time { return parsed }
}

func TestIssueAndValidateToken(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Clock:         testClock("2026-06-15T12:00:00Z"),
	})

	token, expiresIn, err := issuer.IssueToken("admin")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if expiresIn != int64(defaultTokenTTL.Seconds()) {
		t.Fatalf("expected default ttl %d, got %d", int64(defaultTokenTTL.Seconds()), expiresIn)
	}

	subject, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validate error: %v", err)
	}
	if subject != "admin" {
		t.Fatalf("expected subject admin, got %q", subject)
	}
}

func TestIssueTokenRequiresSubjectAndSecret(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("test-secret")})
	if _, _, err := issuer.IssueToken(""); err == nil {
		t.Fatalf("expected missing subject to fail")
	}

	unsigned := NewTokenIssuer(TokenIssuerConfig{})
	if _, _, err := unsigned.IssueToken("admin"); err == nil {
		t.Fatalf("expected missing secret to fail")
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		TokenTTL:      time.Hour,
		Clock:         testClock("2026-06-15T12:00:00Z"),
	})
	token, _, err := issuer.IssueToken("admin")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	later := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Clock:         testClock("2026-06-15T14:00:00Z"),
	})
	if _, err := later.ValidateToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("test-secret")})
	token, _, err := issuer.IssueToken("admin")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	other := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("other-secret")})
	if _, err := other.ValidateToken(token); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("test-secret")
	claims := Claims{
		Sub:  "u_1",
		Name: "Ada",
		JTI:  "jti-1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	}

	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	parsed, err := ParseToken(secret, token)
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	if parsed.Sub != claims.Sub || parsed.Name != claims.Name {
		t.Errorf("claims mismatch: got %+v", parsed)
	}
}

func TestParseTokenWrongSecret(t *testing.T) {
	token, err := IssueToken([]byte("secret-a"), Claims{
		Sub: "u_1", Name: "Ada", JTI: "j", Exp: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if _, err := ParseToken([]byte("secret-b"), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseTokenExpired(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueToken(secret, Claims{
		Sub: "u_1", Name: "Ada", JTI: "j", Exp: time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if _, err := ParseToken(secret, token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseTokenMissingClaims(t *testing.T) {
	secret := []byte("test-secret")
	exp := time.Now().Add(time.Hour).Unix()
	cases := []struct {
		name   string
		claims Claims
	}{
		{name: "no subject", claims: Claims{Name: "Ada", JTI: "j", Exp: exp}},
		{name: "no name", claims: Claims{Sub: "u_1", JTI: "j", Exp: exp}},
		// Revocation keys on JTI; a token without one must not verify.
		{name: "no jti", claims: Claims{Sub: "u_1", Name: "Ada", Exp: exp}},
		{name: "no expiry", claims: Claims{Sub: "u_1", Name: "Ada", JTI: "j"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			token, err := IssueToken(secret, tc.claims)
			if err != nil {
				t.Fatalf("IssueToken failed: %v", err)
			}
			if _, err := ParseToken(secret, token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestParseTokenGarbage(t *testing.T) {
	for _, token := range []string{"", "a", "a.b.c", "!!!.???"} {
		if _, err := ParseToken([]byte("s"), token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("ParseToken(%q): expected ErrInvalidToken, got %v", token, err)
		}
	}
}

func TestHashTokenStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Error("HashToken not deterministic")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Error("HashToken collision on different inputs")
	}
}

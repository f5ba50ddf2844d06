package auth

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"adminease/internal/config"
)

var testSecret = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("k"), MinKeyBytes))

func newTestSigner(t *testing.T, mutate func(*config.AuthConfig)) *Signer {
	t.Helper()
	cfg := config.AuthConfig{JWTSecret: testSecret}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewSigner(cfg)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return s
}

func accessClaims(sub, jti string) Claims {
	return Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: sub, ID: jti}, Type: TokenTypeAccess}
}

func TestNewSigner_RejectsBadKeys(t *testing.T) {
	cases := map[string]string{
		"empty":      "",
		"not base64": "%%%",
		"too short":  base64.StdEncoding.EncodeToString([]byte("secret")),
	}
	for name, secret := range cases {
		if _, err := NewSigner(config.AuthConfig{JWTSecret: secret}); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestNewSigner_AcceptsUnpaddedKey(t *testing.T) {
	raw := base64.RawStdEncoding.EncodeToString(bytes.Repeat([]byte("x"), 65))
	if _, err := NewSigner(config.AuthConfig{JWTSecret: raw}); err != nil {
		t.Fatalf("expected unpadded key to be accepted: %v", err)
	}
}

func TestSignVerify_RoundTrip(t *testing.T) {
	s := newTestSigner(t, func(c *config.AuthConfig) {
		c.JWTIssuer = "adminease"
		c.JWTAudience = "adminease-api"
	})
	now := time.Unix(1700000000, 0).UTC()

	tok, err := s.Sign(now, accessClaims("u1", "jti-1"), 15*time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if strings.Count(tok, ".") != 2 {
		t.Fatalf("expected compact token, got %q", tok)
	}

	c, err := s.Verify(tok, TokenTypeAccess, now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if c.Subject != "u1" || c.ID != "jti-1" || c.Type != TokenTypeAccess {
		t.Fatalf("unexpected claims: %+v", c)
	}
	if !c.IssuedAt.Time.Equal(now) || !c.ExpiresAt.Time.Equal(now.Add(15*time.Minute)) {
		t.Fatalf("unexpected iat/exp: %v %v", c.IssuedAt, c.ExpiresAt)
	}
	if c.Issuer != "adminease" || len(c.Audience) != 1 || c.Audience[0] != "adminease-api" {
		t.Fatalf("unexpected iss/aud: %+v", c.RegisteredClaims)
	}
}

func TestSign_RequiresClaims(t *testing.T) {
	s := newTestSigner(t, nil)
	now := time.Now()
	if _, err := s.Sign(now, accessClaims("", "j"), time.Minute); err == nil {
		t.Fatalf("expected error for missing subject")
	}
	if _, err := s.Sign(now, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u", ID: "j"}}, time.Minute); err == nil {
		t.Fatalf("expected error for missing type")
	}
	if _, err := s.Sign(now, accessClaims("u", "j"), 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}

func TestVerify_TamperedPayloadFailsSignature(t *testing.T) {
	s := newTestSigner(t, nil)
	now := time.Unix(1700000000, 0)
	tok, err := s.Sign(now, accessClaims("u1", "jti-1"), time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	parts := strings.Split(tok, ".")
	payload := []byte(parts[1])
	for i := range payload {
		mutated := append([]byte(nil), payload...)
		if mutated[i] == 'A' {
			mutated[i] = 'B'
		} else {
			mutated[i] = 'A'
		}
		forged := parts[0] + "." + string(mutated) + "." + parts[2]
		if _, err := s.Verify(forged, TokenTypeAccess, now); !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("byte %d: expected ErrSignatureInvalid, got %v", i, err)
		}
	}
}

func TestVerify_ErrorKinds(t *testing.T) {
	s := newTestSigner(t, nil)
	now := time.Unix(1700000000, 0)
	access, _ := s.Sign(now, accessClaims("u1", "j1"), time.Minute)
	refresh, _ := s.Sign(now, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u1", ID: "j1"}, Type: TokenTypeRefresh}, time.Hour)

	other := newTestSigner(t, func(c *config.AuthConfig) {
		c.JWTSecret = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("o"), MinKeyBytes))
	})
	foreign, _ := other.Sign(now, accessClaims("u1", "j1"), time.Minute)

	hs256, err := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims("u1", "j1")).SignedString(s.key)
	if err != nil {
		t.Fatalf("hs256: %v", err)
	}

	cases := []struct {
		name     string
		token    string
		expected TokenType
		at       time.Time
		want     error
	}{
		{"expired", access, TokenTypeAccess, now.Add(2 * time.Minute), ErrTokenExpired},
		{"expired at exp", access, TokenTypeAccess, now.Add(time.Minute), ErrTokenExpired},
		{"refresh as access", refresh, TokenTypeAccess, now, ErrWrongTokenType},
		{"access as refresh", access, TokenTypeRefresh, now, ErrWrongTokenType},
		{"other key", foreign, TokenTypeAccess, now, ErrSignatureInvalid},
		{"other algorithm", hs256, TokenTypeAccess, now, ErrSignatureInvalid},
		{"garbage", "not-a-token", TokenTypeAccess, now, ErrTokenMalformed},
		{"bad signature encoding", "a.b.!!!", TokenTypeAccess, now, ErrTokenMalformed},
		{"issued in the future", access, TokenTypeAccess, now.Add(-time.Minute), ErrTokenMalformed},
	}
	for _, tc := range cases {
		_, err := s.Verify(tc.token, tc.expected, tc.at)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
		if !IsUnauthorized(err) {
			t.Fatalf("%s: expected unauthorized kind, got %v", tc.name, err)
		}
	}
}

func TestVerify_LeewayToleratesSkew(t *testing.T) {
	s := newTestSigner(t, func(c *config.AuthConfig) { c.Leeway = 30 * time.Second })
	now := time.Unix(1700000000, 0)
	tok, _ := s.Sign(now, accessClaims("u1", "j1"), time.Minute)

	if _, err := s.Verify(tok, TokenTypeAccess, now.Add(time.Minute+10*time.Second)); err != nil {
		t.Fatalf("expected token within leeway to verify: %v", err)
	}
	if _, err := s.Verify(tok, TokenTypeAccess, now.Add(2*time.Minute)); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expiry beyond leeway, got %v", err)
	}
}

func TestVerify_IssuerMismatch(t *testing.T) {
	a := newTestSigner(t, func(c *config.AuthConfig) { c.JWTIssuer = "a" })
	b := newTestSigner(t, func(c *config.AuthConfig) { c.JWTIssuer = "b" })
	now := time.Unix(1700000000, 0)
	tok, _ := a.Sign(now, accessClaims("u1", "j1"), time.Minute)

	if _, err := b.Verify(tok, TokenTypeAccess, now); !IsUnauthorized(err) {
		t.Fatalf("expected issuer mismatch to be rejected, got %v", err)
	}
}

func TestInspect_AcceptsExpiredButNotForged(t *testing.T) {
	s := newTestSigner(t, nil)
	tok, _ := s.Sign(time.Unix(1000, 0), accessClaims("u1", "j1"), time.Minute)

	c, err := s.Inspect(tok)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if c.ID != "j1" {
		t.Fatalf("unexpected jti %q", c.ID)
	}

	parts := strings.Split(tok, ".")
	if _, err := s.Inspect(parts[0] + "." + parts[1] + "x." + parts[2]); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected forged token to fail, got %v", err)
	}
}

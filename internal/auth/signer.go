package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"adminease/internal/config"
)

// MinKeyBytes is the shortest accepted HMAC key (512 bits for HS512).
const MinKeyBytes = 64

var signingMethod = jwt.SigningMethodHS512

// Signer produces and verifies HS512 compact tokens with one symmetric key.
// It is safe for concurrent use.
type Signer struct {
	key      []byte
	issuer   string
	audience string
	leeway   time.Duration
}

// NewSigner decodes the base64 JWT secret. Key problems are startup errors.
func NewSigner(cfg config.AuthConfig) (*Signer, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	key, err := decodeKey(cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("JWT_SECRET must be base64: %w", err)
	}
	if len(key) < MinKeyBytes {
		return nil, fmt.Errorf("JWT_SECRET must decode to at least %d bytes, got %d", MinKeyBytes, len(key))
	}
	return &Signer{
		key:      key,
		issuer:   cfg.JWTIssuer,
		audience: cfg.JWTAudience,
		leeway:   cfg.Leeway,
	}, nil
}

func decodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if key, err := base64.StdEncoding.DecodeString(s); err == nil {
		return key, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// Sign sets iat=now and exp=now+ttl on c and returns the compact token.
// Subject, ID and Type must already be set.
func (s *Signer) Sign(now time.Time, c Claims, ttl time.Duration) (string, error) {
	if c.Subject == "" || c.ID == "" {
		return "", errors.New("auth: sign: subject and token id are required")
	}
	if !c.Type.valid() {
		return "", fmt.Errorf("auth: sign: unknown token type %q", c.Type)
	}
	if ttl <= 0 {
		return "", errors.New("auth: sign: ttl must be > 0")
	}

	c.IssuedAt = jwt.NewNumericDate(now)
	c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	c.Issuer = s.issuer
	c.Audience = audienceOrNil(s.audience)

	return jwt.NewWithClaims(signingMethod, c).SignedString(s.key)
}

// Verify checks signature, exp, iat and typ at time now.
func (s *Signer) Verify(token string, expected TokenType, now time.Time) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}

	claims, err := s.parse(token, opts...)
	if err != nil {
		return Claims{}, err
	}
	if claims.Type != expected {
		return Claims{}, fmt.Errorf("%w: want %s, got %q", ErrWrongTokenType, expected, claims.Type)
	}
	return claims, nil
}

// Inspect checks only the signature. Logout uses it so that an authentic but
// expired token can still be revoked.
func (s *Signer) Inspect(token string) (Claims, error) {
	return s.parse(token, jwt.WithoutClaimsValidation())
}

func (s *Signer) parse(token string, opts ...jwt.ParserOption) (Claims, error) {
	// The MAC is checked over the raw header.payload bytes before anything is
	// decoded, so any modified payload fails here rather than in JSON parsing.
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, fmt.Errorf("%w: expected 3 segments", ErrTokenMalformed)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: signature encoding", ErrTokenMalformed)
	}
	if err := signingMethod.Verify(parts[0]+"."+parts[1], sig, s.key); err != nil {
		return Claims{}, ErrSignatureInvalid
	}

	var claims Claims
	opts = append(opts, jwt.WithValidMethods([]string{signingMethod.Alg()}))
	_, err = jwt.NewParser(opts...).ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	})
	if err != nil {
		return Claims{}, mapParseError(err)
	}
	if claims.Subject == "" || claims.ID == "" || claims.IssuedAt == nil {
		return Claims{}, fmt.Errorf("%w: sub, jti and iat are required", ErrTokenMalformed)
	}
	return claims, nil
}

func mapParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrSignatureInvalid
	default:
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
}

func audienceOrNil(aud string) jwt.ClaimStrings {
	if aud == "" {
		return nil
	}
	return jwt.ClaimStrings{aud}
}

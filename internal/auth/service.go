package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"adminease/internal/audit"
	"adminease/internal/metrics"
	"adminease/internal/tokens"
	"adminease/pkg/logger"
)

// Principal is the read-only view of a user that the auth core consumes.
type Principal struct {
	Subject     string
	Role        string
	Permissions []string
	Enabled     bool
}

// CredentialVerifier checks a subject/password pair. Implementations return
// ErrInvalidCredentials for both unknown subjects and wrong passwords.
type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, subject, password string) (Principal, error)
}

// PrincipalLookup resolves a subject without a password. Unknown subjects
// yield ErrUnknownPrincipal.
type PrincipalLookup interface {
	LookupPrincipal(ctx context.Context, subject string) (Principal, error)
}

type Auditor interface {
	LogAuthEvent(ctx context.Context, typ audit.EventType, subject, tokenID, message string) error
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Session is the result of a successful Authenticate.
type Session struct {
	TokenPair
	Subject     string
	Role        string
	Permissions []string
}

// Deps are the collaborators of Service. Auditor and Metrics are optional.
type Deps struct {
	Signer     *Signer
	Store      tokens.Store
	Verifier   CredentialVerifier
	Principals PrincipalLookup
	Auditor    Auditor
	Metrics    *metrics.Recorder
}

// Service issues, validates, refreshes and revokes tokens.
//
// Session invariants:
// - A subject has at most one usable token record; issuing rotates the rest out.
// - The jti of the access token is the revocation handle and survives Refresh.
// - Only the access token last issued under a jti is accepted.
// - No token is returned unless its record was durably written.
type Service struct {
	signer     *Signer
	store      tokens.Store
	verifier   CredentialVerifier
	principals PrincipalLookup
	auditor    Auditor
	metrics    *metrics.Recorder

	accessTTL  time.Duration
	refreshTTL time.Duration

	// clock and newID are injectable for deterministic tests.
	clock func() time.Time
	newID func() string
}

func NewService(d Deps, accessTTL, refreshTTL time.Duration) *Service {
	return &Service{
		signer:     d.Signer,
		store:      d.Store,
		verifier:   d.Verifier,
		principals: d.Principals,
		auditor:    d.Auditor,
		metrics:    d.Metrics,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		clock:      time.Now,
		newID:      uuid.NewString,
	}
}

// Authenticate verifies credentials and starts a new session, revoking any
// previous one of the same subject.
func (s *Service) Authenticate(ctx context.Context, subject, password string) (Session, error) {
	p, err := s.verifier.VerifyCredentials(ctx, subject, password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrUnknownPrincipal) {
			s.metrics.Login(metrics.ResultRejected)
			s.audit(ctx, audit.EventLoginFailed, subject, "", "invalid credentials")
			return Session{}, ErrAuthenticationFailed
		}
		s.metrics.Login(metrics.ResultError)
		return Session{}, fmt.Errorf("%w: verify credentials: %w", ErrPersistence, err)
	}
	if !p.Enabled {
		s.metrics.Login(metrics.ResultDisabled)
		s.audit(ctx, audit.EventLoginFailed, p.Subject, "", "account disabled")
		return Session{}, ErrAccountDisabled
	}

	now := s.clock()
	jti := s.newID()
	access, err := s.sign(now, p.Subject, jti, TokenTypeAccess, s.accessTTL)
	if err != nil {
		s.metrics.Login(metrics.ResultError)
		return Session{}, err
	}
	refresh, err := s.sign(now, p.Subject, jti, TokenTypeRefresh, s.refreshTTL)
	if err != nil {
		s.metrics.Login(metrics.ResultError)
		return Session{}, err
	}

	if err := s.rotate(ctx, now, p.Subject, jti, access); err != nil {
		s.metrics.Login(metrics.ResultError)
		return Session{}, err
	}

	s.metrics.Login(metrics.ResultOK)
	s.audit(ctx, audit.EventLoginSucceeded, p.Subject, jti, "")
	logger.From(ctx).InfoContext(ctx, "session issued", "subject", p.Subject, "jti", jti)

	return Session{
		TokenPair:   TokenPair{AccessToken: access, RefreshToken: refresh},
		Subject:     p.Subject,
		Role:        p.Role,
		Permissions: p.Permissions,
	}, nil
}

// Validate resolves an access token to the caller's identity. The signature
// is checked before any I/O.
func (s *Service) Validate(ctx context.Context, accessToken string) (Identity, error) {
	id, err := s.validate(ctx, accessToken)
	switch {
	case err == nil:
		s.metrics.Validation(metrics.ResultOK)
	case errors.Is(err, ErrPersistence):
		s.metrics.Validation(metrics.ResultError)
	default:
		s.metrics.Validation(metrics.ResultRejected)
	}
	return id, err
}

func (s *Service) validate(ctx context.Context, accessToken string) (Identity, error) {
	claims, err := s.signer.Verify(accessToken, TokenTypeAccess, s.clock())
	if err != nil {
		return Identity{}, err
	}

	rec, err := s.store.FindByTokenID(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, tokens.ErrNotFound) {
			return Identity{}, ErrTokenRevoked
		}
		return Identity{}, fmt.Errorf("%w: find token: %w", ErrPersistence, err)
	}
	if !rec.Usable() || rec.Subject != claims.Subject || !sameToken(rec.SignedValue, accessToken) {
		return Identity{}, ErrTokenRevoked
	}

	p, err := s.principals.LookupPrincipal(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrUnknownPrincipal) {
			return Identity{}, ErrTokenRevoked
		}
		return Identity{}, fmt.Errorf("%w: lookup principal: %w", ErrPersistence, err)
	}
	if !p.Enabled {
		return Identity{}, ErrAccountDisabled
	}

	return Identity{
		Subject:     p.Subject,
		Role:        p.Role,
		Permissions: p.Permissions,
		TokenID:     claims.ID,
	}, nil
}

// Refresh mints a new access token under the session's existing jti and
// returns it with the presented refresh token.
//
// The refresh token is rejected once a newer session exists for the subject
// or the session record has been reaped.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	pair, err := s.refresh(ctx, refreshToken)
	switch {
	case err == nil:
		s.metrics.Refresh(metrics.ResultOK)
	case errors.Is(err, ErrAccountDisabled):
		s.metrics.Refresh(metrics.ResultDisabled)
	case errors.Is(err, ErrPersistence):
		s.metrics.Refresh(metrics.ResultError)
	default:
		s.metrics.Refresh(metrics.ResultRejected)
	}
	return pair, err
}

func (s *Service) refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	now := s.clock()
	claims, err := s.signer.Verify(refreshToken, TokenTypeRefresh, now)
	if err != nil {
		if errors.Is(err, ErrWrongTokenType) {
			return TokenPair{}, fmt.Errorf("%w: %w", ErrInvalidRefreshToken, err)
		}
		return TokenPair{}, err
	}

	p, err := s.principals.LookupPrincipal(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrUnknownPrincipal) {
			return TokenPair{}, fmt.Errorf("%w: unknown subject", ErrInvalidRefreshToken)
		}
		return TokenPair{}, fmt.Errorf("%w: lookup principal: %w", ErrPersistence, err)
	}
	if !p.Enabled {
		return TokenPair{}, ErrAccountDisabled
	}

	latest, err := s.store.FindLatestBySubject(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, tokens.ErrNotFound) {
			return TokenPair{}, ErrTokenRevoked
		}
		return TokenPair{}, fmt.Errorf("%w: find session: %w", ErrPersistence, err)
	}
	if latest.TokenID != claims.ID {
		return TokenPair{}, ErrTokenRevoked
	}

	access, err := s.sign(now, claims.Subject, claims.ID, TokenTypeAccess, s.reissueTTL(now, latest))
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.rotateIfLatest(ctx, now, claims.Subject, claims.ID, access); err != nil {
		return TokenPair{}, err
	}

	s.audit(ctx, audit.EventRefresh, claims.Subject, claims.ID, "")
	logger.From(ctx).InfoContext(ctx, "access token refreshed", "subject", claims.Subject, "jti", claims.ID)
	return TokenPair{AccessToken: access, RefreshToken: refreshToken}, nil
}

// Logout revokes the session of an authentic access token. Expired tokens are
// accepted; revoking an unknown or already revoked jti is a no-op.
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	claims, err := s.signer.Inspect(accessToken)
	if err != nil {
		return err
	}
	if claims.Type != TokenTypeAccess {
		return fmt.Errorf("%w: logout requires an access token", ErrWrongTokenType)
	}
	if err := s.store.MarkRevoked(ctx, claims.ID); err != nil {
		return fmt.Errorf("%w: revoke token: %w", ErrPersistence, err)
	}
	s.audit(ctx, audit.EventLogout, claims.Subject, claims.ID, "")
	return nil
}

// RevokeAllForSubject revokes every usable record of subject and returns how
// many were revoked.
func (s *Service) RevokeAllForSubject(ctx context.Context, subject string) (int, error) {
	valid, err := s.store.FindValidBySubject(ctx, subject)
	if err != nil {
		return 0, fmt.Errorf("%w: find tokens: %w", ErrPersistence, err)
	}
	if len(valid) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(valid))
	for _, r := range valid {
		ids = append(ids, r.TokenID)
	}
	if err := s.store.MarkRevokedBatch(ctx, ids); err != nil {
		return 0, fmt.Errorf("%w: revoke tokens: %w", ErrPersistence, err)
	}
	s.audit(ctx, audit.EventRevokeAll, subject, "", fmt.Sprintf("revoked %d", len(ids)))
	return len(ids), nil
}

func (s *Service) sign(now time.Time, subject, jti string, typ TokenType, ttl time.Duration) (string, error) {
	return s.signer.Sign(now, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject, ID: jti},
		Type:             typ,
	}, ttl)
}

// rotate persists the access token record and revokes the subject's others.
// now is the iat of the signed tokens and becomes the record's createdAt.
func (s *Service) rotate(ctx context.Context, now time.Time, subject, jti, access string) error {
	return s.save(ctx, s.store.Rotate, now, subject, jti, access)
}

// rotateIfLatest is rotate for an existing session. It fails with
// ErrTokenRevoked when a newer session was issued after the caller looked.
func (s *Service) rotateIfLatest(ctx context.Context, now time.Time, subject, jti, access string) error {
	err := s.save(ctx, s.store.RotateIfLatest, now, subject, jti, access)
	if errors.Is(err, tokens.ErrSuperseded) {
		return ErrTokenRevoked
	}
	return err
}

func (s *Service) save(ctx context.Context, put func(context.Context, tokens.Record) error, now time.Time, subject, jti, access string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := put(ctx, tokens.Record{
		TokenID:     jti,
		Subject:     subject,
		SignedValue: access,
		CreatedAt:   now.UTC(),
	})
	if errors.Is(err, tokens.ErrSuperseded) {
		return err
	}
	if err != nil {
		logger.From(ctx).ErrorContext(ctx, "token record not saved", "subject", subject, "jti", jti, "err", err)
		return fmt.Errorf("%w: save token: %w", ErrPersistence, err)
	}
	return nil
}

// reissueTTL stretches the access TTL so the new token expires strictly after
// the one it replaces. exp has second precision; two tokens issued under one
// jti must never be identical.
func (s *Service) reissueTTL(now time.Time, prev tokens.Record) time.Duration {
	ttl := s.accessTTL
	c, err := s.signer.Inspect(prev.SignedValue)
	if err != nil || c.ExpiresAt == nil {
		return ttl
	}
	floor := c.ExpiresAt.Time.Add(time.Second)
	if now.Add(ttl).Before(floor) {
		return floor.Sub(now)
	}
	return ttl
}

// sameToken binds a record to the exact access token it was last issued with.
func sameToken(stored, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

func (s *Service) audit(ctx context.Context, typ audit.EventType, subject, tokenID, message string) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.LogAuthEvent(ctx, typ, subject, tokenID, message); err != nil {
		logger.From(ctx).WarnContext(ctx, "audit event dropped", "type", string(typ), "err", err)
	}
}

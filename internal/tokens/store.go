package tokens

import "context"

// Store is the persistence contract for issued access tokens.
//
// All mutation of token state goes through these methods so that each backend
// can serialize writes its own way (row locks, Lua scripts, a mutex).
type Store interface {
	// Save inserts rec, replacing any existing record with the same token id.
	Save(ctx context.Context, rec Record) error

	// Rotate revokes every usable record of rec.Subject and then saves rec,
	// atomically where the backend allows it. The saved record becomes the
	// subject's latest: its CreatedAt is moved past every other record of the
	// subject when the caller's clock is behind.
	Rotate(ctx context.Context, rec Record) error

	// RotateIfLatest is Rotate guarded by the condition that the subject's
	// latest record already has rec.TokenID. It returns ErrSuperseded, and
	// changes nothing, when another session was issued in between or the
	// record is gone.
	RotateIfLatest(ctx context.Context, rec Record) error

	// FindValidBySubject returns the usable records of subject, oldest first.
	FindValidBySubject(ctx context.Context, subject string) ([]Record, error)

	// FindLatestBySubject returns the most recently created record of subject,
	// usable or not, or ErrNotFound.
	FindLatestBySubject(ctx context.Context, subject string) (Record, error)

	// FindByTokenID returns ErrNotFound when no record exists.
	FindByTokenID(ctx context.Context, tokenID string) (Record, error)

	// MarkRevoked sets both flags. Unknown ids are a no-op.
	MarkRevoked(ctx context.Context, tokenID string) error
	MarkRevokedBatch(ctx context.Context, tokenIDs []string) error

	// DeleteFullyExpiredRevoked removes records with both flags set.
	DeleteFullyExpiredRevoked(ctx context.Context) (int64, error)
}

package tokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"adminease/pkg/utils"
)

// NOTE: This store assumes the tokens table from internal/migrations:
// token_id is the primary key, subject is indexed for usable rows.

const tokenColumns = `token_id, subject, token, revoked, expired, created_at, updated_at`

// PostgresStore persists token records with database/sql (pgx stdlib driver).
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	if err := upsertToken(ctx, s.db, s.stamp(rec)); err != nil {
		return fmt.Errorf("save token %s: %w", rec.TokenID, err)
	}
	return nil
}

// Rotate runs revoke-all and insert in one transaction. A per-subject advisory
// lock serializes concurrent logins and refreshes of the same subject.
func (s *PostgresStore) Rotate(ctx context.Context, rec Record) error {
	return s.rotate(ctx, rec, false)
}

func (s *PostgresStore) RotateIfLatest(ctx context.Context, rec Record) error {
	return s.rotate(ctx, rec, true)
}

func (s *PostgresStore) rotate(ctx context.Context, rec Record, ifLatest bool) error {
	if err := rec.validate(); err != nil {
		return err
	}
	rec = s.stamp(rec)
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rec.Subject); err != nil {
			return err
		}

		if ifLatest {
			var latestID string
			err := tx.QueryRowContext(ctx, `
SELECT token_id
FROM tokens
WHERE subject = $1
ORDER BY created_at DESC
LIMIT 1
`, rec.Subject).Scan(&latestID)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && latestID != rec.TokenID) {
				return ErrSuperseded
			}
			if err != nil {
				return err
			}
		}

		var newest sql.NullTime
		if err := tx.QueryRowContext(ctx, `
SELECT max(created_at)
FROM tokens
WHERE subject = $1 AND token_id <> $2
`, rec.Subject, rec.TokenID).Scan(&newest); err != nil {
			return err
		}
		rec.CreatedAt = createdAfter(rec.CreatedAt, newest.Time)
		if rec.UpdatedAt.Before(rec.CreatedAt) {
			rec.UpdatedAt = rec.CreatedAt
		}

		const q = `
UPDATE tokens
SET revoked = true, expired = true, updated_at = $3
WHERE subject = $1 AND token_id <> $2 AND revoked = false AND expired = false
`
		if _, err := tx.ExecContext(ctx, q, rec.Subject, rec.TokenID, rec.CreatedAt); err != nil {
			return err
		}
		return upsertToken(ctx, tx, rec)
	})
	if errors.Is(err, ErrSuperseded) {
		return err
	}
	if err != nil {
		return fmt.Errorf("rotate tokens for %s: %w", rec.Subject, err)
	}
	return nil
}

func (s *PostgresStore) FindValidBySubject(ctx context.Context, subject string) ([]Record, error) {
	const q = `
SELECT ` + tokenColumns + `
FROM tokens
WHERE subject = $1 AND revoked = false AND expired = false
ORDER BY created_at
`
	rows, err := s.db.QueryContext(ctx, q, subject)
	if err != nil {
		return nil, fmt.Errorf("find valid tokens: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.TokenID, &r.Subject, &r.SignedValue, &r.Revoked, &r.Expired, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) FindLatestBySubject(ctx context.Context, subject string) (Record, error) {
	const q = `
SELECT ` + tokenColumns + `
FROM tokens
WHERE subject = $1
ORDER BY created_at DESC
LIMIT 1
`
	r, err := scanRecord(s.db.QueryRowContext(ctx, q, subject))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Record{}, fmt.Errorf("find latest token of %s: %w", subject, err)
	}
	return r, err
}

func (s *PostgresStore) FindByTokenID(ctx context.Context, tokenID string) (Record, error) {
	const q = `
SELECT ` + tokenColumns + `
FROM tokens
WHERE token_id = $1
`
	r, err := scanRecord(s.db.QueryRowContext(ctx, q, tokenID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Record{}, fmt.Errorf("find token %s: %w", tokenID, err)
	}
	return r, err
}

func scanRecord(row *sql.Row) (Record, error) {
	var r Record
	if err := row.Scan(
		&r.TokenID,
		&r.Subject,
		&r.SignedValue,
		&r.Revoked,
		&r.Expired,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return r, nil
}

func (s *PostgresStore) MarkRevoked(ctx context.Context, tokenID string) error {
	if err := markRevoked(ctx, s.db, tokenID, s.clock().UTC()); err != nil {
		return fmt.Errorf("revoke token %s: %w", tokenID, err)
	}
	return nil
}

func (s *PostgresStore) MarkRevokedBatch(ctx context.Context, tokenIDs []string) error {
	if len(tokenIDs) == 0 {
		return nil
	}
	now := s.clock().UTC()
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		for _, id := range tokenIDs {
			if err := markRevoked(ctx, tx, id, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("revoke %d tokens: %w", len(tokenIDs), err)
	}
	return nil
}

func (s *PostgresStore) DeleteFullyExpiredRevoked(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE revoked = true AND expired = true`)
	if err != nil {
		return 0, fmt.Errorf("delete dead tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete dead tokens: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) stamp(rec Record) Record {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock().UTC()
	}
	// timestamptz keeps microseconds; compare at the precision that is stored.
	rec.CreatedAt = rec.CreatedAt.Truncate(time.Microsecond)
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	return rec
}

func upsertToken(ctx context.Context, db utils.DBTX, rec Record) error {
	const q = `
INSERT INTO tokens (token_id, subject, token, token_type, revoked, expired, created_at, updated_at)
VALUES ($1, $2, $3, 'BEARER', $4, $5, $6, $7)
ON CONFLICT (token_id)
DO UPDATE SET subject = EXCLUDED.subject,
              token = EXCLUDED.token,
              revoked = EXCLUDED.revoked,
              expired = EXCLUDED.expired,
              created_at = EXCLUDED.created_at,
              updated_at = EXCLUDED.updated_at
`
	_, err := db.ExecContext(ctx, q,
		rec.TokenID,
		rec.Subject,
		rec.SignedValue,
		rec.Revoked,
		rec.Expired,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	return err
}

func markRevoked(ctx context.Context, db utils.DBTX, tokenID string, now time.Time) error {
	const q = `
UPDATE tokens
SET revoked = true, expired = true, updated_at = $2
WHERE token_id = $1
`
	_, err := db.ExecContext(ctx, q, tokenID, now)
	return err
}

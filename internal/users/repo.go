package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
)

type Repository interface {
	FindBySubject(ctx context.Context, subject string) (User, error)
	Create(ctx context.Context, u User) error
}

// PostgresRepo reads and writes the users table.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) FindBySubject(ctx context.Context, subject string) (User, error) {
	const q = `
SELECT username, email, password_hash, role, enabled, created_at, updated_at
FROM users
WHERE username = $1
`
	var u User
	if err := r.db.QueryRowContext(ctx, q, subject).Scan(
		&u.Subject,
		&u.Email,
		&u.PasswordHash,
		&u.Role,
		&u.Enabled,
		&u.CreatedAt,
		&u.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

func (r *PostgresRepo) Create(ctx context.Context, u User) error {
	const q = `
INSERT INTO users (username, email, password_hash, role, enabled, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	_, err := r.db.ExecContext(ctx, q,
		u.Subject,
		u.Email,
		u.PasswordHash,
		u.Role,
		u.Enabled,
		u.CreatedAt,
		u.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// MemoryRepo is an in-memory Repository for tests.
type MemoryRepo struct {
	mu    sync.Mutex
	users map[string]User
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{users: map[string]User{}} }

func (r *MemoryRepo) FindBySubject(_ context.Context, subject string) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[subject]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (r *MemoryRepo) Create(_ context.Context, u User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.Subject == u.Subject || existing.Email == u.Email {
			return ErrDuplicate
		}
	}
	r.users[u.Subject] = u
	return nil
}

package users

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"adminease/internal/auth"
	"adminease/internal/rbac"
)

// DefaultCost is the bcrypt cost factor for stored password hashes.
const DefaultCost = 12

const minPasswordLength = 8

// Directory is the user-facing side of the users table for the auth core:
// it verifies credentials, resolves principals and provisions accounts.
type Directory struct {
	repo  Repository
	cost  int
	clock func() time.Time

	// dummyHash is compared against when the subject does not exist so both
	// failure paths pay for one bcrypt comparison.
	dummyHash func() []byte
}

func NewDirectory(repo Repository, cost int) *Directory {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}
	d := &Directory{repo: repo, cost: cost, clock: time.Now}
	d.dummyHash = sync.OnceValue(func() []byte {
		h, _ := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), d.cost)
		return h
	})
	return d
}

func (d *Directory) VerifyCredentials(ctx context.Context, subject, password string) (auth.Principal, error) {
	u, err := d.repo.FindBySubject(ctx, subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(d.dummyHash(), []byte(password))
			return auth.Principal{}, auth.ErrInvalidCredentials
		}
		return auth.Principal{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return auth.Principal{}, auth.ErrInvalidCredentials
	}
	return principal(u), nil
}

func (d *Directory) LookupPrincipal(ctx context.Context, subject string) (auth.Principal, error) {
	u, err := d.repo.FindBySubject(ctx, subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return auth.Principal{}, auth.ErrUnknownPrincipal
		}
		return auth.Principal{}, err
	}
	return principal(u), nil
}

type NewUser struct {
	Subject  string
	Email    string
	Password string
	Role     string
}

// Register creates an enabled account with a bcrypt-hashed password.
func (d *Directory) Register(ctx context.Context, in NewUser) (User, error) {
	in.Subject = strings.TrimSpace(in.Subject)
	in.Email = strings.TrimSpace(in.Email)
	in.Role = strings.ToUpper(strings.TrimSpace(in.Role))
	if in.Role == "" {
		in.Role = rbac.RoleUser
	}

	switch {
	case in.Subject == "":
		return User{}, fmt.Errorf("%w: subject is required", ErrInvalidArgument)
	case !rbac.Valid(in.Role):
		return User{}, fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, in.Role)
	case len(in.Password) < minPasswordLength:
		return User{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidArgument, minPasswordLength)
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return User{}, fmt.Errorf("%w: invalid email", ErrInvalidArgument)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), d.cost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	now := d.clock().UTC()
	u := User{
		Subject:      in.Subject,
		Email:        in.Email,
		PasswordHash: string(hash),
		Role:         in.Role,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := d.repo.Create(ctx, u); err != nil {
		return User{}, err
	}
	return u, nil
}

func principal(u User) auth.Principal {
	return auth.Principal{
		Subject:     u.Subject,
		Role:        u.Role,
		Permissions: rbac.PermissionsFor(u.Role),
		Enabled:     u.Enabled,
	}
}

package users

import (
	"errors"
	"time"
)

// User is a row of the users table. Subject is the login name and the sub
// claim of issued tokens.
type User struct {
	Subject      string    `json:"subject" db:"username"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Role         string    `json:"role" db:"role"`
	Enabled      bool      `json:"enabled" db:"enabled"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

var (
	ErrNotFound        = errors.New("users: not found")
	ErrDuplicate       = errors.New("users: subject or email already exists")
	ErrInvalidArgument = errors.New("users: invalid argument")
)

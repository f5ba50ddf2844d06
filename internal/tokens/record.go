package tokens

import (
	"errors"
	"time"
)

// Record is the server-side trace of one issued access token.
//
// A record is usable only while both Revoked and Expired are false. The two
// flags always flip together through the store's revoke operations; they are
// kept separate because the schema predates that rule and the reaper only
// deletes rows where both are set.
type Record struct {
	// TokenID is the jti claim. It is the revocation handle.
	TokenID string `json:"token_id" db:"token_id"`
	Subject string `json:"subject" db:"subject"`

	// SignedValue is the access token currently issued under TokenID. Only
	// that exact token is accepted; a refresh replaces it.
	SignedValue string `json:"-" db:"token"`

	Revoked bool `json:"revoked" db:"revoked"`
	Expired bool `json:"expired" db:"expired"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Usable reports whether the record still authorizes requests.
func (r Record) Usable() bool { return !r.Revoked && !r.Expired }

// Dead reports whether the reaper may delete the record.
func (r Record) Dead() bool { return r.Revoked && r.Expired }

var (
	ErrNotFound      = errors.New("tokens: record not found")
	ErrInvalidRecord = errors.New("tokens: invalid record")
	ErrSuperseded    = errors.New("tokens: session superseded")
)

// createdAfter is the creation time a rotated record gets so that it sorts
// after prev, the newest CreatedAt among the subject's other records.
// Postgres keeps microseconds, so that is the step.
func createdAfter(want, prev time.Time) time.Time {
	if prev.IsZero() || want.After(prev) {
		return want
	}
	return prev.Add(time.Microsecond)
}

func (r Record) validate() error {
	if r.TokenID == "" || r.Subject == "" {
		return ErrInvalidRecord
	}
	return nil
}

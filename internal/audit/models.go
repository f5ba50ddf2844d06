package audit

import "time"

// Event is an immutable, append-only record of one authentication event.
//
// Invariants:
// - Events are never updated or deleted.
// - Raw tokens, passwords and secrets are never stored; the token id (jti) is.
// - ip capture is best-effort; auth flows never block on audit failures.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// Subject is the user the event is about. It may name an unknown user for
	// failed logins.
	Subject string `json:"subject,omitempty" db:"subject"`
	TokenID string `json:"token_id,omitempty" db:"token_id"`

	// IPAddress is the resolved client IP when available.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	Message string `json:"message,omitempty" db:"message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventLoginSucceeded EventType = "login_succeeded"
	EventLoginFailed    EventType = "login_failed"
	EventLogout         EventType = "logout"
	EventRefresh        EventType = "refresh"
	EventRevokeAll      EventType = "revoke_all"
	EventTokensReaped   EventType = "tokens_reaped"
)

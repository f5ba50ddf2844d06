package auth

import "errors"

var (
	// ErrAuthenticationFailed is the only error a caller sees for bad
	// credentials. It never says whether the subject exists.
	ErrAuthenticationFailed = errors.New("auth: authentication failed")
	ErrAccountDisabled      = errors.New("auth: account disabled")

	ErrTokenMalformed   = errors.New("auth: token malformed")
	ErrSignatureInvalid = errors.New("auth: token signature invalid")
	ErrTokenExpired     = errors.New("auth: token expired")
	ErrTokenRevoked     = errors.New("auth: token revoked")
	ErrWrongTokenType   = errors.New("auth: wrong token type")

	ErrInvalidRefreshToken = errors.New("auth: invalid refresh token")

	// ErrPersistence means the token store could not be read or written.
	// Issuance never returns tokens together with this error.
	ErrPersistence = errors.New("auth: token persistence failed")
)

// Errors returned by CredentialVerifier and PrincipalLookup implementations.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrUnknownPrincipal   = errors.New("auth: unknown principal")
)

// IsUnauthorized reports whether err should surface as a generic 401.
func IsUnauthorized(err error) bool {
	for _, target := range []error{
		ErrAuthenticationFailed,
		ErrAccountDisabled,
		ErrTokenMalformed,
		ErrSignatureInvalid,
		ErrTokenExpired,
		ErrTokenRevoked,
		ErrWrongTokenType,
		ErrInvalidRefreshToken,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

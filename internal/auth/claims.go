package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

func (t TokenType) valid() bool {
	return t == TokenTypeAccess || t == TokenTypeRefresh
}

// Claims is the only supported payload shape: sub, jti, iat, exp (plus
// optional iss/aud) and typ, which keeps access and refresh tokens from being
// used in place of each other.
//
// Role and permissions are not embedded; they are resolved from the user
// directory on every validation so a disabled account stops working at once.
type Claims struct {
	jwt.RegisteredClaims

	Type TokenType `json:"typ"`
}

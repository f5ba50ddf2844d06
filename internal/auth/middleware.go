package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"adminease/pkg/logger"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "

	// GinIdentityKey holds the Identity on the gin context.
	GinIdentityKey = "identity"
)

// Validator is the part of Service the session filter needs.
type Validator interface {
	Validate(ctx context.Context, accessToken string) (Identity, error)
}

// BearerToken extracts the token of a "Bearer" Authorization header.
// ok is false when the header is absent or uses another scheme.
func BearerToken(r *http.Request) (token string, ok bool) {
	raw := strings.TrimSpace(r.Header.Get(authorizationHeader))
	if len(raw) < len(bearerPrefix) || !strings.EqualFold(raw[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	return strings.TrimSpace(raw[len(bearerPrefix):]), true
}

// SessionFilter resolves bearer tokens into an Identity on the request
// context. Requests without a bearer token pass through anonymously; route
// guards decide whether that is acceptable. A presented token that fails
// validation is rejected with 401.
// It does not perform RBAC checks; those belong to internal/rbac.
func SessionFilter(v Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := BearerToken(c.Request)
		if !ok {
			c.Next()
			return
		}

		id, err := v.Validate(c.Request.Context(), tok)
		if err != nil {
			if errors.Is(err, ErrPersistence) {
				logger.FromGin(c).ErrorContext(c.Request.Context(), "token validation unavailable", "err", err)
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
				return
			}
			logger.FromGin(c).InfoContext(c.Request.Context(), "token rejected", "reason", err.Error())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
		c.Set(GinIdentityKey, id)
		c.Next()
	}
}

// RequireIdentity rejects anonymous requests.
func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := IdentityFrom(c.Request.Context()); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

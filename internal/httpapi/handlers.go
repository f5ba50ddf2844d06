package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"adminease/internal/audit"
	"adminease/internal/auth"
	"adminease/pkg/logger"
	"adminease/pkg/utils"
)

// AuthService is the part of auth.Service the handlers call.
type AuthService interface {
	Authenticate(ctx context.Context, subject, password string) (auth.Session, error)
	Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error)
	Logout(ctx context.Context, accessToken string) error
}

type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth   AuthService
	Reaper Sweeper
	DB     *sql.DB

	// Audit is optional; maintenance actions are recorded when set.
	Audit auth.Auditor
}

// ClientIP makes the resolved client IP available to the audit log.
func ClientIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(audit.WithClientIP(c.Request.Context(), c.ClientIP()))
		c.Next()
	}
}

// --- Auth ---

type authenticateRequest struct {
	Subject  string `json:"subject" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type authenticateResponse struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	Subject      string   `json:"subject"`
	Role         string   `json:"role"`
	Permissions  []string `json:"permissions"`
}

type tokenPairResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (h Handlers) Authenticate(c *gin.Context) {
	var req authenticateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "subject and password required"})
		return
	}
	s, err := h.Auth.Authenticate(c.Request.Context(), req.Subject, req.Password)
	if err != nil {
		writeAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, authenticateResponse{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		Subject:      s.Subject,
		Role:         s.Role,
		Permissions:  s.Permissions,
	})
}

// RefreshToken expects the refresh token as a bearer credential.
func (h Handlers) RefreshToken(c *gin.Context) {
	tok, ok := auth.BearerToken(c.Request)
	if !ok || tok == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	pair, err := h.Auth.Refresh(c.Request.Context(), tok)
	if err != nil {
		writeAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokenPairResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

// Logout always answers 200. A failed revocation is logged; the token then
// stays valid until its exp.
func (h Handlers) Logout(c *gin.Context) {
	if tok, ok := auth.BearerToken(c.Request); ok && tok != "" {
		if err := h.Auth.Logout(c.Request.Context(), tok); err != nil {
			log := logger.FromGin(c)
			if errors.Is(err, auth.ErrPersistence) {
				log.ErrorContext(c.Request.Context(), "logout revocation failed", "err", err)
			} else {
				log.InfoContext(c.Request.Context(), "logout ignored token", "reason", err.Error())
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "OK", "message": "Logged out successfully!"})
}

func (h Handlers) Me(c *gin.Context) {
	id, ok := auth.IdentityFrom(c.Request.Context())
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, id)
}

// --- Maintenance ---

func (h Handlers) ReapTokens(c *gin.Context) {
	if h.Reaper == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reaper not configured"})
		return
	}
	ctx := c.Request.Context()
	n, err := h.Reaper.Sweep(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "token store unavailable"})
		return
	}
	if h.Audit != nil {
		actor, _ := auth.Subject(ctx)
		if err := h.Audit.LogAuthEvent(ctx, audit.EventTokensReaped, actor, "", "manual sweep"); err != nil {
			logger.FromGin(c).WarnContext(ctx, "audit event dropped", "err", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (h Handlers) Health(c *gin.Context) {
	if h.DB != nil {
		if err := utils.HealthCheck(c.Request.Context(), h.DB, 2*time.Second); err != nil {
			logger.FromGin(c).ErrorContext(c.Request.Context(), "health check failed", "err", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func writeAuthError(c *gin.Context, err error) {
	switch {
	case auth.IsUnauthorized(err):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, auth.ErrPersistence):
		logger.FromGin(c).ErrorContext(c.Request.Context(), "auth store unavailable", "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
	default:
		logger.FromGin(c).ErrorContext(c.Request.Context(), "auth request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

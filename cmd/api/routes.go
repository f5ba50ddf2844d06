package main

import (
	"github.com/gin-gonic/gin"

	"adminease/internal/auth"
	"adminease/internal/bootstrap"
	"adminease/internal/httpapi"
	"adminease/internal/rbac"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, app *bootstrap.App) {
	h := httpapi.Handlers{
		Auth:   app.Auth,
		Reaper: app.Reaper,
		DB:     app.DB,
		Audit:  app.Audit,
	}

	// public
	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(app.Metrics.Handler()))

	v1 := r.Group("/api/v1")

	// Token issuance and logout sit outside the session filter so an expired
	// or revoked token can still be presented to them.
	authGroup := v1.Group("/auth")
	{
		authGroup.POST("/authenticate", h.Authenticate)
		authGroup.POST("/refresh-token", h.RefreshToken)
		authGroup.POST("/logout", h.Logout)
		authGroup.GET("/logout", h.Logout)
	}

	protected := v1.Group("")
	protected.Use(auth.SessionFilter(app.Auth))
	{
		protected.GET("/me", auth.RequireIdentity(), h.Me)

		// ADMIN routes
		admin := protected.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.POST("/tokens/reap", h.ReapTokens)
		}
	}
}

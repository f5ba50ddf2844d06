package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"adminease/internal/auth"
)

func serveAs(id *auth.Identity, guard gin.HandlerFunc) int {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		if id != nil {
			c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), *id))
		}
		c.Next()
	}, guard, func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func identity(role string) *auth.Identity {
	return &auth.Identity{Subject: "u", Role: role, Permissions: PermissionsFor(role)}
}

func TestRequireAnyRole_AdminBypasses(t *testing.T) {
	if code := serveAs(identity(RoleAdmin), RequireAnyRole(RoleTeacher)); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_OtherRoleForbidden(t *testing.T) {
	if code := serveAs(identity(RoleLibrarian), RequireAnyRole(RoleTeacher, RoleManager)); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serveAs(identity(RoleManager), RequireAnyRole(RoleTeacher, RoleManager)); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_AnonymousUnauthorized(t *testing.T) {
	if code := serveAs(nil, RequireAnyRole(RoleUser)); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestRequirePermission(t *testing.T) {
	if code := serveAs(identity(RoleTeacher), RequirePermission(TeacherUpdate)); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := serveAs(identity(RoleTeacher), RequirePermission(ManagerRead)); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serveAs(nil, RequirePermission(UserRead)); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

package rbac

import (
	"net/http"

	"telecom-rtb/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireWorkspace rejects callers whose token carries no workspace. Per-resource
// tenancy is checked by the handler with CanAccessWorkspace.
func RequireWorkspace() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := auth.WorkspaceID(c.Request.Context()); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
			return
		}
		c.Next()
	}
}

// RequireAnyRole lets super_admin through and otherwise requires one of allowed.
// Hidden roles such as network_operator only pass when listed explicitly.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if IsSuperAdmin(role) {
			c.Next()
			return
		}
		if _, ok := allowedSet[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

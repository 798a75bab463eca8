// README: Auth middleware: Firebase ID tokens in production, trusted headers in development.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ridelink/internal/infra"
	"ridelink/internal/types"
)

const (
	ctxUID  = "auth.uid"
	ctxRole = "auth.role"

	// HeaderUserID and HeaderUserRole carry identity under HeaderAuth.
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// Auth verifies the bearer token and stores the caller uid and role.
// A "role" claim of driver or fulfiller makes the caller a fulfiller;
// anyone else is a requester.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), strings.TrimSpace(raw))
		if err != nil || token == nil || token.UID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		claim, _ := token.Claims["role"].(string)
		c.Set(ctxUID, token.UID)
		c.Set(ctxRole, roleFromClaim(claim))
		c.Next()
	}
}

// HeaderAuth trusts X-User-ID / X-User-Role. Only for local runs and the bench.
func HeaderAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if uid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + HeaderUserID})
			return
		}
		c.Set(ctxUID, uid)
		c.Set(ctxRole, roleFromClaim(c.GetHeader(HeaderUserRole)))
		c.Next()
	}
}

func roleFromClaim(claim string) types.Role {
	switch strings.ToLower(strings.TrimSpace(claim)) {
	case "driver", string(types.RoleFulfiller):
		return types.RoleFulfiller
	default:
		return types.RoleRequester
	}
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxUID)
}

func CallerID(c *gin.Context) types.ID {
	return types.ID(CallerUID(c))
}

func CallerRole(c *gin.Context) types.Role {
	if v, ok := c.Get(ctxRole); ok {
		if r, ok := v.(types.Role); ok {
			return r
		}
	}
	return ""
}

// RequireRole rejects callers without role.
func RequireRole(role types.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if CallerRole(c) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden: " + string(role) + " role required"})
			return
		}
		c.Next()
	}
}

// README: Auth middleware; verifies Firebase ID tokens and exposes the caller.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"trackline/internal/infra"
	"trackline/internal/modules/order"
	"trackline/internal/types"
)

const (
	ctxUID  = "auth.uid"
	ctxRole = "auth.role"
)

// Auth rejects requests without a valid bearer token. Browsers cannot set
// headers on a WebSocket handshake, so the token may also arrive as the
// access_token query parameter.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.Request)
		if raw == "" {
			abort(c, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), raw)
		if err != nil || token == nil || token.UID == "" {
			abort(c, http.StatusUnauthorized, "invalid token")
			return
		}
		c.Set(ctxUID, token.UID)
		c.Set(ctxRole, roleFromClaims(token.Claims))
		c.Next()
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(h, prefix) {
			return ""
		}
		return strings.TrimSpace(h[len(prefix):])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// roleFromClaims reads the custom "role" claim; callers without one are customers.
func roleFromClaims(claims map[string]interface{}) order.Role {
	v, _ := claims["role"].(string)
	switch r := order.Role(v); r {
	case order.RoleDriver, order.RoleAdmin:
		return r
	default:
		return order.RoleCustomer
	}
}

// RequireRole lets only the listed roles through.
func RequireRole(roles ...order.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := CallerRole(c)
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		abort(c, http.StatusForbidden, "forbidden: "+string(role)+" may not call this endpoint")
	}
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxUID)
}

func CallerRole(c *gin.Context) order.Role {
	v, _ := c.Get(ctxRole)
	r, _ := v.(order.Role)
	return r
}

// Actor is the authenticated caller as the order state machine sees it.
func Actor(c *gin.Context) order.Actor {
	return order.Actor{Role: CallerRole(c), ID: types.ID(CallerUID(c))}
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "retryable": false})
}

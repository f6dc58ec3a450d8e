package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/north-brook/replaysync/pkg/response"
)

// SharedSecret returns a middleware requiring `Authorization: Bearer
// <secret>` with a constant-time comparison. Used for scheduler-invoked
// routes; rejection happens before any side effect.
func SharedSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(secret)) != 1 {
			response.Unauthorized(c, "invalid secret")
			c.Abort()
			return
		}
		c.Next()
	}
}

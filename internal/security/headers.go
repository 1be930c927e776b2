// Package security provides response hardening middleware.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AllowedHeaders are the request headers browsers may send cross-origin.
var AllowedHeaders = []string{
	"Content-Type",
	"Idempotency-Key",
	"X-Request-ID",
	"X-Actor-ID",
	"X-Actor-Role",
	"X-Actor-Name",
}

// HeadersMiddleware adds security headers to all responses. The API only
// serves JSON and a websocket, so nothing may be framed or scripted.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// CORSMiddleware handles CORS for API endpoints
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	originsMap := make(map[string]bool)
	for _, o := range allowedOrigins {
		originsMap[o] = true
	}
	allowHeaders := strings.Join(AllowedHeaders, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if len(allowedOrigins) == 0 || originsMap[origin] || originsMap["*"] {
			if origin != "" {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", allowHeaders)
			c.Header("Access-Control-Expose-Headers", "X-Request-ID, Idempotent-Replayed, Retry-After")
			c.Header("Access-Control-Max-Age", "86400")
			// Wildcard origins never get credentials
			if !originsMap["*"] {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cropstack/settlement/internal/audit"
	"github.com/cropstack/settlement/internal/logging"
	"github.com/cropstack/settlement/internal/metrics"
	"github.com/cropstack/settlement/internal/ratelimit"
	"github.com/cropstack/settlement/internal/security"
	"github.com/cropstack/settlement/internal/validation"
)

// Caller identity headers. The gateway in front of this service has
// already authenticated the caller.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
	HeaderActorName = "X-Actor-Name"
)

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.actorMiddleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	s.router.Use(s.loggingMiddleware())

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	if s.cfg.RateLimitBurst > 0 {
		rlCfg.BurstSize = s.cfg.RateLimitBurst
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// actorMiddleware places the caller on the request context. Requests
// without an actor header run as the system actor.
func (s *Server) actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderActorID)
		if id == "" {
			c.Next()
			return
		}
		if !validation.IsValidPartyID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_actor",
				"message": HeaderActorID + " is not a valid party id",
			})
			return
		}

		role := c.GetHeader(HeaderActorRole)
		switch role {
		case audit.RoleBuyer, audit.RoleSeller, audit.RoleOperator, audit.RoleVerifier, audit.RoleSystem:
		case "":
			role = audit.RoleSystem
		default:
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_actor",
				"message": "Unknown " + HeaderActorRole + ": " + role,
			})
			return
		}

		actor := audit.Actor{
			ID:   id,
			Role: role,
			Name: validation.SanitizeString(c.GetHeader(HeaderActorName), 120),
		}
		ctx := audit.WithActor(c.Request.Context(), actor)
		ctx = logging.With(ctx, "actor_id", actor.ID, "actor_role", actor.Role)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

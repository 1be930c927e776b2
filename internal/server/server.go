// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/cropstack/settlement/internal/audit"
	"github.com/cropstack/settlement/internal/collateral"
	"github.com/cropstack/settlement/internal/config"
	"github.com/cropstack/settlement/internal/escrow"
	"github.com/cropstack/settlement/internal/health"
	"github.com/cropstack/settlement/internal/idempotency"
	"github.com/cropstack/settlement/internal/inventory"
	"github.com/cropstack/settlement/internal/logging"
	"github.com/cropstack/settlement/internal/metrics"
	"github.com/cropstack/settlement/internal/orders"
	"github.com/cropstack/settlement/internal/ratelimit"
	"github.com/cropstack/settlement/internal/realtime"
	"github.com/cropstack/settlement/internal/traces"
	"github.com/cropstack/settlement/internal/uow"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	db     *sql.DB       // nil if using in-memory
	redis  *redis.Client // nil if idempotency keys live in process
	runner uow.Runner

	auditLog    audit.Log
	inventory   *inventory.Ledger
	escrow      *escrow.Service
	orders      *orders.Service
	collateral  *collateral.Service
	sweeper     *orders.Sweeper
	realtimeHub *realtime.Hub
	idemStore   idempotency.Store
	rateLimiter *ratelimit.Limiter
	health      *health.Registry

	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the build version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		health:  health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	if err := s.setupStorage(); err != nil {
		return nil, err
	}
	if err := s.setupIdempotency(); err != nil {
		return nil, err
	}

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	s.inventory = inventory.NewLedger(s.inventoryStore(), s.runner).WithAudit(s.auditLog)
	s.escrow = escrow.NewService(s.escrowStore(), s.runner).
		WithAudit(s.auditLog).
		WithPublisher(s.realtimeHub)
	s.orders = orders.NewService(s.orderStore(), s.runner, s.inventory, s.escrow, orders.Config{
		ReservationWindow: cfg.ReservationWindow,
		FeeRate:           cfg.FeeRate,
	}).WithAudit(s.auditLog).WithPublisher(s.realtimeHub)
	s.collateral = collateral.NewService(s.pledgeStore(), s.runner, s.inventory).
		WithAudit(s.auditLog).
		WithPublisher(s.realtimeHub)
	s.sweeper = orders.NewSweeper(s.orders, cfg.OverdueSweepInterval, s.logger)

	s.registerHealthChecks()

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// setupStorage picks PostgreSQL when DATABASE_URL is set, otherwise
// in-memory stores serialized by a MemoryRunner.
func (s *Server) setupStorage() error {
	if s.cfg.DatabaseURL == "" {
		s.runner = uow.NewMemoryRunner()
		s.auditLog = audit.NewMemoryLog()
		s.logger.Info("using in-memory storage (data will not persist)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.runner = uow.NewSQLRunner(db)
	s.auditLog = audit.NewPostgresLog(db)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) setupIdempotency() error {
	if s.cfg.RedisURL == "" {
		s.idemStore = idempotency.NewMemoryStore()
		s.logger.Info("idempotency keys held in memory")
		return nil
	}

	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	s.redis = rdb
	s.idemStore = idempotency.NewRedisStore(rdb, "")
	s.logger.Info("idempotency keys held in redis", "addr", opts.Addr)
	return nil
}

func (s *Server) inventoryStore() inventory.Store {
	if s.db != nil {
		return inventory.NewPostgresStore(s.db)
	}
	return inventory.NewMemoryStore()
}

func (s *Server) escrowStore() escrow.Store {
	if s.db != nil {
		return escrow.NewPostgresStore(s.db)
	}
	return escrow.NewMemoryStore()
}

func (s *Server) orderStore() orders.Store {
	if s.db != nil {
		return orders.NewPostgresStore(s.db)
	}
	return orders.NewMemoryStore()
}

func (s *Server) pledgeStore() collateral.Store {
	if s.db != nil {
		return collateral.NewPostgresStore(s.db)
	}
	return collateral.NewMemoryStore()
}

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		s.health.Register("database", health.Ping("database", 0, s.db.PingContext))
	}
	if s.redis != nil {
		s.health.Register("redis", health.Ping("redis", 0, func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
	}
	// The sweeper only starts with Run; before that it is not a failure.
	s.health.Register("overdue_sweeper", health.Background("overdue_sweeper", func() bool {
		return !s.ready.Load() || s.sweeper.Running()
	}))
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.health.Handler(s.version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")
	v1.Use(idempotency.Middleware(s.idemStore, s.cfg.IdempotencyTTL))

	// WebSocket for lifecycle events
	v1.GET("/stream", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	inventory.NewHandler(s.inventory).RegisterRoutes(v1)
	orders.NewHandler(s.orders).RegisterRoutes(v1)
	escrow.NewHandler(s.escrow).RegisterRoutes(v1)
	collateral.NewHandler(s.collateral).RegisterRoutes(v1)
	audit.NewHandler(s.auditLog).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}
	c.JSON(http.StatusOK, gin.H{
		"name":        "Cropstack Settlement",
		"description": "Inventory, order, escrow and collateral settlement for produce marketplaces",
		"version":     s.version,
		"storage":     storage,
		"currency":    "NGN",
		"stream":      s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without", "error", err)
	} else {
		s.shutdownTracing = shutdownTracing
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.sweeper.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
	if mem, ok := s.idemStore.(*idempotency.MemoryStore); ok {
		go sweepIdempotency(runCtx, mem, s.logger)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, sweeper, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.sweeper.Stop()
	s.logger.Info("overdue sweeper stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func sweepIdempotency(ctx context.Context, store *idempotency.MemoryStore, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.Sweep(); n > 0 {
				logger.Debug("expired idempotency keys removed", "count", n)
			}
		}
	}
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

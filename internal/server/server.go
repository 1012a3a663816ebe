// Package server wires the ledger core together and exposes it over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openledger/tokencore/internal/audit"
	"github.com/openledger/tokencore/internal/config"
	"github.com/openledger/tokencore/internal/engine"
	"github.com/openledger/tokencore/internal/fees"
	"github.com/openledger/tokencore/internal/health"
	"github.com/openledger/tokencore/internal/idgen"
	"github.com/openledger/tokencore/internal/ledger"
	"github.com/openledger/tokencore/internal/logging"
	"github.com/openledger/tokencore/internal/payments"
	"github.com/openledger/tokencore/internal/purchase"
	"github.com/openledger/tokencore/internal/ratelimit"
	"github.com/openledger/tokencore/internal/reconcile"
	"github.com/openledger/tokencore/internal/traces"
	"github.com/openledger/tokencore/internal/withdrawal"
)

// Server is the assembled application.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	router *gin.Engine

	db          *sql.DB
	ledgerStore ledger.Store
	auditLog    audit.Logger

	engine      *engine.Service
	purchases   *purchase.Service
	withdrawals *withdrawal.Service
	payments    *payments.Service
	sweeper     *reconcile.Sweeper

	reconcileTimer *reconcile.Timer
	rateLimiter    *ratelimit.Limiter
	healthReg      *health.Registry

	httpSrv      *http.Server
	cancelRunCtx context.CancelFunc
	ready        atomic.Bool
	tracesDown   func(context.Context) error
}

// Option configures the server.
type Option func(*Server)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New builds the server. Without DATABASE_URL everything runs on the
// in-memory stores, which is the local development mode.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	slog.SetDefault(s.logger)

	var purchaseStore purchase.Store
	var withdrawalStore withdrawal.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		s.db = db
		s.ledgerStore = ledger.NewPostgresStore(db)
		s.auditLog = audit.NewPostgresLogger(db)
		purchaseStore = purchase.NewPostgresStore(db)
		withdrawalStore = withdrawal.NewPostgresStore(db)
		s.logger.Info("using postgres stores")
	} else {
		s.ledgerStore = ledger.NewMemoryStore()
		s.auditLog = audit.NewMemoryLogger()
		purchaseStore = purchase.NewMemoryStore()
		withdrawalStore = withdrawal.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory stores")
	}

	s.engine = engine.New(s.ledgerStore, fees.Default(), s.auditLog, s.logger)
	s.engine.SetRateLimit(cfg.TransferRateMax, cfg.TransferRateWindow)
	s.purchases = purchase.NewService(purchaseStore, s.ledgerStore, s.auditLog, s.logger)
	s.withdrawals = withdrawal.NewService(withdrawalStore, s.engine, s.ledgerStore, s.auditLog, s.logger)
	s.payments = payments.NewService(s.engine, s.purchases, s.withdrawals, s.logger)
	s.sweeper = reconcile.NewSweeper(s.purchases, s.engine, s.ledgerStore, s.auditLog, s.logger,
		reconcile.Config{
			StaleCreatedAge: cfg.StaleCreatedAge,
			StuckPaidAge:    cfg.StuckPaidAge,
			StuckSettledAge: cfg.StuckSettledAge,
		})
	if cfg.ReconcileAutomatic {
		s.reconcileTimer = reconcile.NewTimer(s.sweeper, cfg.ReconcileInterval, s.logger)
	}

	s.registerHealthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) registerHealthChecks() {
	s.healthReg.Register("ledger", func(ctx context.Context) health.Status {
		if _, err := s.ledgerStore.Balance(ctx, ledger.PlatformAccount); err != nil {
			return health.Fail("ledger", err.Error())
		}
		return health.OK("ledger")
	})
	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Fail("database", err.Error())
			}
			return health.OK("database")
		})
	}
	if s.reconcileTimer != nil {
		s.healthReg.Register("reconcile_timer", func(ctx context.Context) health.Status {
			if s.ready.Load() && !s.reconcileTimer.Running() {
				return health.Fail("reconcile_timer", "timer not running")
			}
			return health.OK("reconcile_timer")
		})
	}
}

func (s *Server) setupMiddleware() {
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

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS,
		BurstSize:         s.cfg.RateLimitRPS / 5,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

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

// adminAuthMiddleware gates the admin surface behind the shared admin
// secret and tags the context with the operator identity for auditing.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			// Development only; production config requires the secret.
			ctx := audit.WithActor(c.Request.Context(), "admin")
			c.Request = c.Request.WithContext(ctx)
			c.Next()
			return
		}

		secret := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin credentials",
			})
			return
		}

		actor := c.GetHeader("X-Admin-Actor")
		if actor == "" {
			actor = "admin"
		}
		ctx := audit.WithActor(c.Request.Context(), actor)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
	s.router.GET("/health/ready", func(c *gin.Context) {
		if !s.ready.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	engineHandler := engine.NewHandler(s.engine, s.logger)
	purchaseHandler := purchase.NewHandler(s.purchases, s.logger)
	withdrawalHandler := withdrawal.NewHandler(s.withdrawals, s.logger)
	paymentsHandler := payments.NewHandler(s.payments, s.cfg.StripeWebhookSecret, s.logger)
	reconcileHandler := reconcile.NewHandler(s.sweeper, s.logger)

	v1 := s.router.Group("/v1")
	engineHandler.RegisterRoutes(v1)
	purchaseHandler.RegisterRoutes(v1)
	withdrawalHandler.RegisterRoutes(v1)
	paymentsHandler.RegisterRoutes(v1)

	admin := v1.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	engineHandler.RegisterAdminRoutes(admin)
	purchaseHandler.RegisterAdminRoutes(admin)
	withdrawalHandler.RegisterAdminRoutes(admin)
	reconcileHandler.RegisterAdminRoutes(admin)
	admin.GET("/audit", s.auditQueryHandler)
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"healthy": healthy, "checks": statuses})
}

func (s *Server) auditQueryHandler(c *gin.Context) {
	records, err := s.auditLog.Query(c.Request.Context(), c.Query("account"), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "audit_error",
			"message": "Failed to query audit log",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	s.tracesDown = shutdownTraces

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.reconcileTimer != nil {
		go s.reconcileTimer.Start(runCtx)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
		s.logger.Info("reconcile timer stopped")
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}
	if s.tracesDown != nil {
		if err := s.tracesDown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}
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

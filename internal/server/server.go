// Package server wires the settlement pipeline into an HTTP server.
package server

import (
	"context"
	"database/sql"
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
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/avelou/heartline/internal/audit"
	"github.com/avelou/heartline/internal/chat"
	"github.com/avelou/heartline/internal/completion"
	"github.com/avelou/heartline/internal/config"
	"github.com/avelou/heartline/internal/health"
	"github.com/avelou/heartline/internal/ledger"
	"github.com/avelou/heartline/internal/logging"
	"github.com/avelou/heartline/internal/metrics"
	"github.com/avelou/heartline/internal/ratelimit"
	"github.com/avelou/heartline/internal/reconcile"
	"github.com/avelou/heartline/internal/security"
	"github.com/avelou/heartline/internal/token"
	"github.com/avelou/heartline/internal/traces"
	"github.com/avelou/heartline/internal/validation"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg         *config.Config
	ledger      *ledger.Ledger
	ledgerStore ledger.Store
	auditLog    *audit.Logger
	auditStore  audit.Store
	completer   chat.Completer
	sweeper     *reconcile.Sweeper
	sweepTimer  *reconcile.Timer
	rateLimiter *ratelimit.Limiter
	healthReg   *health.Registry
	verifier    *token.Verifier
	db          *sql.DB // nil when using in-memory stores
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	stopTracing  func(context.Context) error
	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithCompleter injects a completion backend (for testing).
func WithCompleter(c chat.Completer) Option {
	return func(s *Server) { s.completer = c }
}

// New creates a server instance with all stores and handlers wired.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, cfg.IsProduction()),
		healthReg: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var ledgerStore ledger.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		pgLedger := ledger.NewPostgresStore(db)
		if err := pgLedger.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate ledger store: %w", err)
		}
		ledgerStore = pgLedger

		pgAudit := audit.NewPostgresStore(db)
		if err := pgAudit.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate audit store: %w", err)
		}
		s.auditStore = pgAudit

		s.healthReg.Register("database", health.DatabaseProbe(db))
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		ledgerStore = ledger.NewMemoryStore()
		s.auditStore = audit.NewMemoryStore()
	}

	s.ledgerStore = ledgerStore
	s.ledger = ledger.New(ledgerStore, cfg.RateLimitWindow, cfg.ClockSkewGuard)
	s.auditLog = audit.NewLogger(s.auditStore, s.logger)
	s.verifier = token.NewVerifier(cfg.TokenSecret)
	s.sweeper = reconcile.NewSweeper(s.auditStore, s.logger)
	s.sweepTimer = reconcile.NewTimer(s.sweeper, cfg.ReconcileInterval, s.logger)

	if s.completer == nil {
		client, err := completion.NewClient(
			cfg.ProviderBaseURL,
			cfg.ProviderModel,
			cfg.ProviderAPIKeys,
			cfg.CompletionTimeout,
		)
		if err != nil {
			return nil, fmt.Errorf("create completion client: %w", err)
		}
		s.completer = client
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// maskDSN hides the password in a connection string for logging.
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

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.Headers())
	s.router.Use(security.CORS(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		Burst:             s.cfg.RateLimitBurst,
		SweepInterval:     time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
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

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	chatHandler := chat.NewHandler(
		s.ledger,
		s.completer,
		s.auditLog,
		s.cfg.Persona,
		s.cfg.HistoryLimit,
		s.logger,
	)

	v1 := s.router.Group("/v1")
	v1.Use(token.RequireAuth(s.verifier))
	chatHandler.RegisterRoutes(v1)

	admin := s.router.Group("/admin")
	admin.Use(s.requireAdmin())
	admin.GET("/reconcile", s.reconcileHandler)
	admin.GET("/events", s.eventsHandler)
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stopTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
	} else {
		s.stopTracing = stopTracing
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second, // completion calls can be slow
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.sweepTimer.Start(runCtx)

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

// Shutdown gracefully stops the server and background loops.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.sweepTimer.Stop()
	s.rateLimiter.Close()

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Warn("tracing shutdown error", "error", err)
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
	return shutdownErr
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Package server sets up the HTTP server with all routes
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
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/legitprove/middleman/internal/auth"
	"github.com/legitprove/middleman/internal/config"
	"github.com/legitprove/middleman/internal/escrow"
	"github.com/legitprove/middleman/internal/health"
	"github.com/legitprove/middleman/internal/idgen"
	"github.com/legitprove/middleman/internal/logging"
	"github.com/legitprove/middleman/internal/metrics"
	"github.com/legitprove/middleman/internal/notify"
	"github.com/legitprove/middleman/internal/payments"
	"github.com/legitprove/middleman/internal/ratelimit"
	"github.com/legitprove/middleman/internal/security"
	"github.com/legitprove/middleman/internal/settlement"
	"github.com/legitprove/middleman/internal/traces"
	"github.com/legitprove/middleman/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	escrowService  *escrow.Service
	escrowTimer    *escrow.Timer
	settlementSvc  *settlement.Service
	paymentsSvc    *payments.Service
	authMgr        *auth.Manager
	mailer         *notify.Client
	rateLimiter    *ratelimit.Limiter
	healthChecks   *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithMailer sets a custom email client (for testing)
func WithMailer(m *notify.Client) Option {
	return func(s *Server) {
		s.mailer = m
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set mailer/logger)
	for _, opt := range opts {
		opt(s)
	}

	if s.mailer == nil {
		s.mailer = notify.NewClient(cfg.BrevoAPIKey, cfg.SenderName, cfg.SenderEmail, s.logger)
	}

	s.healthChecks = health.NewRegistry()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		requestStore escrow.Store
		codeStore    escrow.CodeStore
		withdrawals  settlement.Store
		users        auth.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		requestStore = escrow.NewPostgresStore(db)
		codeStore = escrow.NewPostgresCodeStore(db)
		withdrawals = settlement.NewPostgresStore(db)
		users = auth.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.healthChecks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		requestStore = escrow.NewMemoryStore()
		codeStore = escrow.NewMemoryCodeStore()
		withdrawals = settlement.NewMemoryStore()
		users = auth.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Middleman request engine. The notifier sends confirmation codes
	// and status updates; without an API key the client logs instead.
	s.escrowService = escrow.NewService(requestStore, codeStore).
		WithNotifier(&emailNotifier{client: s.mailer, baseURL: cfg.BaseURL})
	s.escrowTimer = escrow.NewTimer(s.escrowService, s.logger)

	// Settlement claims completed requests straight from the request
	// store; both sides of the claim live in one storage layer.
	s.settlementSvc = settlement.NewService(requestStore, withdrawals)

	// Stripe payment intents. Unconfigured without a secret key; the
	// manual paid signal on the request routes still works.
	s.paymentsSvc = payments.NewService(cfg.StripeSecretKey, &requestSourceAdapter{s.escrowService})
	if cfg.StripeSecretKey != "" {
		s.logger.Info("stripe payments enabled")
	}

	// Account auth with email verification
	s.authMgr = auth.NewManager(users, cfg.JWTSecret).
		WithSender(s.mailer).
		WithResetLinkBase(cfg.BaseURL)

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
// Middleware
// -----------------------------------------------------------------------------

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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// PUBLIC ROUTES (no session required)
	authHandler := auth.NewHandler(s.authMgr)
	authHandler.RegisterRoutes(v1)

	escrowHandler := escrow.NewHandler(s.escrowService)
	escrowHandler.RegisterRoutes(v1)

	// PROTECTED ROUTES (require a session token)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	{
		authHandler.RegisterProtectedRoutes(protected)
		escrowHandler.RegisterProtectedRoutes(protected)
		settlement.NewHandler(s.settlementSvc).RegisterProtectedRoutes(protected)
		payments.NewHandler(s.paymentsSvc).RegisterProtectedRoutes(protected)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	allHealthy, statuses := s.healthChecks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

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
	c.JSON(http.StatusOK, gin.H{
		"name":        "Legit Prove",
		"description": "Escrow middleman for transactions between untrusted parties",
		"version":     "0.1.0",
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

	// Tracing (no-op without an OTLP endpoint)
	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
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

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start the stale-request sweep timer
	if s.escrowTimer != nil {
		go s.escrowTimer.Start(runCtx)
	}

	// Export connection pool stats
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for background goroutines (sweep timer)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop the sweep timer
	if s.escrowTimer != nil {
		s.escrowTimer.Stop()
		s.logger.Info("sweep timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush pending trace spans
	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
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

func generateRequestID() string {
	return idgen.Hex(16)
}

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// emailNotifier adapts notify.Client to escrow.Notifier
type emailNotifier struct {
	client  *notify.Client
	baseURL string
}

func (n *emailNotifier) CodeIssued(ctx context.Context, recipient string, role escrow.Role, req *escrow.Request, code string) error {
	link := n.baseURL + "/requests/" + req.ID
	return n.client.SendMiddlemanCode(ctx, recipient, string(role), req.Category, req.Price, req.Currency, link, code)
}

func (n *emailNotifier) StatusChanged(ctx context.Context, recipient string, req *escrow.Request) error {
	link := n.baseURL + "/requests/" + req.ID
	return n.client.SendStatusUpdate(ctx, recipient, req.ID, string(req.Status), link)
}

// requestSourceAdapter adapts escrow.Service to payments.RequestSource
type requestSourceAdapter struct {
	svc *escrow.Service
}

func (a *requestSourceAdapter) Get(ctx context.Context, id string) (payments.RequestInfo, error) {
	req, err := a.svc.Get(ctx, id)
	if err != nil {
		if errors.Is(err, escrow.ErrRequestNotFound) {
			return payments.RequestInfo{}, payments.ErrRequestNotFound
		}
		return payments.RequestInfo{}, err
	}
	return payments.RequestInfo{
		ID:       req.ID,
		Price:    req.Price,
		Currency: req.Currency,
		IsPaid:   req.IsPaid,
	}, nil
}

func (a *requestSourceAdapter) MarkPaid(ctx context.Context, id string) error {
	_, err := a.svc.MarkPaid(ctx, id)
	return err
}

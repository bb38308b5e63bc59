// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
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

	"github.com/cobaltops/opscenter/internal/attribution"
	"github.com/cobaltops/opscenter/internal/cache"
	"github.com/cobaltops/opscenter/internal/config"
	"github.com/cobaltops/opscenter/internal/credits"
	"github.com/cobaltops/opscenter/internal/health"
	"github.com/cobaltops/opscenter/internal/identity"
	"github.com/cobaltops/opscenter/internal/ledger"
	"github.com/cobaltops/opscenter/internal/logging"
	"github.com/cobaltops/opscenter/internal/metering"
	"github.com/cobaltops/opscenter/internal/metrics"
	"github.com/cobaltops/opscenter/internal/orgpool"
	"github.com/cobaltops/opscenter/internal/payments"
	"github.com/cobaltops/opscenter/internal/pricing"
	"github.com/cobaltops/opscenter/internal/ratelimit"
	"github.com/cobaltops/opscenter/internal/realtime"
	"github.com/cobaltops/opscenter/internal/security"
	"github.com/cobaltops/opscenter/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	ledger       *ledger.Service
	pools        *orgpool.Service
	poolTimer    *orgpool.Timer
	attribution  *attribution.Service
	payments     *payments.Service
	calculator   *pricing.Calculator
	balanceCache *cache.BalanceCache
	meterSink    *metering.Sink
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Balance cache (optional)
	if cfg.RedisURL != "" {
		bc, err := cache.NewFromURL(cfg.RedisURL, s.logger, cache.WithTTL(cfg.CacheTTL))
		if err != nil {
			return nil, fmt.Errorf("failed to configure balance cache: %w", err)
		}
		s.balanceCache = bc
		s.checks.Register("redis", func(ctx context.Context) health.Status {
			if err := bc.Ping(ctx); err != nil {
				return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
		s.logger.Info("balance cache enabled", "ttl", cfg.CacheTTL)
	} else {
		s.logger.Info("balance cache disabled (REDIS_URL not set)")
	}

	// External metering sink (optional)
	if cfg.MeteringURL != "" {
		sink, err := metering.NewSink(cfg.MeteringURL, s.logger, metering.WithAPIKey(cfg.MeteringAPIKey))
		if err != nil {
			return nil, fmt.Errorf("failed to configure metering sink: %w", err)
		}
		s.meterSink = sink
		s.logger.Info("usage metering enabled")
	} else {
		s.logger.Info("usage metering disabled (METERING_URL not set)")
	}

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		ledgerStore  ledger.Store
		poolStore    orgpool.Store
		attribStore  attribution.Store
		paymentStore payments.Store
		markupStore  pricing.MarkupStore
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		ledgerStore = ledger.NewPostgresStore(db)
		poolStore = orgpool.NewPostgresStore(db)
		attribStore = attribution.NewPostgresStore(db)
		paymentStore = payments.NewPostgresStore(db)
		markupStore = pricing.NewPostgresMarkupStore(db)
		s.checks.Register("postgres", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "postgres", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "postgres", Healthy: true}
		})
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		ledgerStore = ledger.NewMemoryStore()
		poolStore = orgpool.NewMemoryStore()
		attribStore = attribution.NewMemoryStore()
		paymentStore = payments.NewMemoryStore()
		markupStore = pricing.NewMemoryMarkupStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Pricing
	s.calculator = pricing.NewCalculator(markupStore, s.logger)

	// Usage attribution
	s.attribution = attribution.New(attribStore, s.logger)

	// Org credit pools
	poolOpts := []orgpool.Option{orgpool.WithEvents(s.realtimeHub)}
	if s.balanceCache != nil {
		poolOpts = append(poolOpts, orgpool.WithCache(s.balanceCache))
	}
	s.pools = orgpool.New(poolStore, s.logger, poolOpts...)
	s.poolTimer = orgpool.NewTimer(poolStore, s.logger)

	// Account ledger, with attribution and metering fanned out behind
	// the meter hook.
	meters := []ledger.UsageMeter{&attributionMeter{s.attribution}}
	if s.meterSink != nil {
		meters = append(meters, s.meterSink)
	}
	ledgerOpts := []ledger.Option{
		ledger.WithEvents(s.realtimeHub),
		ledger.WithMeter(&usageFanout{meters}),
	}
	if s.balanceCache != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithCache(s.balanceCache))
	}
	s.ledger = ledger.New(ledgerStore, s.logger, ledgerOpts...)

	// Stripe purchases (optional)
	if cfg.StripeAPIKey != "" {
		s.payments = payments.New(paymentStore, &poolCrediterAdapter{s.pools}, cfg.StripeAPIKey, s.logger)
		s.logger.Info("credit purchases enabled")
	} else {
		s.logger.Info("credit purchases disabled (STRIPE_API_KEY not set)")
	}

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

	// CORS
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS
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

// adminMiddleware guards mutating admin routes with a shared secret.
// With no secret configured (development), admin routes are open.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			c.Next()
			return
		}
		got := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing or invalid admin secret",
			})
			return
		}
		c.Next()
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

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	orgCharger := &orgChargerAdapter{
		pools:  s.pools,
		attrib: s.attribution,
	}
	if s.meterSink != nil {
		orgCharger.meter = s.meterSink
	}

	ledgerHandler := ledger.NewHandler(s.ledger, s.calculator, s.logger).WithOrgCharger(orgCharger)
	ledgerHandler.RegisterRoutes(v1)

	poolHandler := orgpool.NewHandler(s.pools, s.logger)
	poolHandler.RegisterRoutes(v1)

	attribHandler := attribution.NewHandler(s.attribution, s.logger)
	attribHandler.RegisterRoutes(v1)

	var paymentHandler *payments.Handler
	if s.payments != nil {
		paymentHandler = payments.NewHandler(s.payments, s.cfg.StripeWebhookSecret, s.logger)
		paymentHandler.RegisterRoutes(v1)
	}

	// ADMIN ROUTES (require X-Admin-Secret)
	admin := v1.Group("")
	admin.Use(s.adminMiddleware())
	{
		ledgerHandler.RegisterAdminRoutes(admin)
		poolHandler.RegisterAdminRoutes(admin)
		if paymentHandler != nil {
			paymentHandler.RegisterAdminRoutes(admin)
		}
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status string          `json:"status"`
	Checks []health.Status `json:"checks,omitempty"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())
	resp := HealthResponse{Status: "healthy", Checks: statuses}
	code := http.StatusOK
	if !healthy || !s.healthy.Load() {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	healthy, statuses := s.checks.CheckAll(c.Request.Context())
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "not_ready", Checks: statuses})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "ready", Checks: statuses})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "Ops-Center Credit API",
		"version": "v1",
		"docs":    "/api",
		"endpoints": []string{
			"GET  /v1/credits/:identity/balance",
			"GET  /v1/credits/:identity/history",
			"POST /v1/cost/estimate",
			"POST /v1/usage/charge",
			"GET  /v1/org-billing/credits/:org_id",
			"GET  /v1/org-billing/credits/:org_id/allocations",
			"GET  /v1/org-billing/credits/:org_id/members",
			"GET  /v1/org-billing/credits/:org_id/usage",
			"GET  /v1/org-billing/credits/:org_id/usage/events",
		},
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

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start allocation reset / pool refresh timer
	go s.poolTimer.Start(runCtx)

	// Sample DB connection pool stats into Prometheus (Postgres only)
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

	// Cancel the context for all background goroutines (hub, timer)
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

	if s.poolTimer != nil {
		s.poolTimer.Stop()
		s.logger.Info("pool timer stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.balanceCache != nil {
		if err := s.balanceCache.Close(); err != nil {
			s.logger.Error("cache close error", "error", err)
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// usageFanout multiplexes the ledger's meter hook to several sinks.
type usageFanout struct {
	meters []ledger.UsageMeter
}

func (f *usageFanout) Record(ident string, txnID string, u ledger.Usage, cost string) {
	for _, m := range f.meters {
		m.Record(ident, txnID, u, cost)
	}
}

// attributionMeter records every ledger debit in the attribution log.
type attributionMeter struct {
	svc *attribution.Service
}

func (a *attributionMeter) Record(ident string, txnID string, u ledger.Usage, cost string) {
	evt := &attribution.Event{
		UserID:        ident,
		Service:       usageService(u),
		Model:         u.Model,
		TokensUsed:    u.TokensUsed,
		CreditsUsed:   cost,
		TransactionID: txnID,
	}
	if id, err := identity.Parse(ident); err == nil && id.IsOrganization() {
		evt.OrgID = id.OrgID()
	}
	a.svc.Record(context.Background(), evt)
}

// usageService picks the attribution service label for a usage record.
func usageService(u ledger.Usage) string {
	if u.Endpoint != "" {
		return u.Endpoint
	}
	if u.Provider != "" {
		return u.Provider
	}
	return "api"
}

// orgChargerAdapter routes org-identity charges to the shared pool and
// keeps attribution and metering in step with the ledger path.
type orgChargerAdapter struct {
	pools  *orgpool.Service
	attrib *attribution.Service
	meter  ledger.UsageMeter // nil when metering is disabled
}

func (a *orgChargerAdapter) ChargeOrg(ctx context.Context, orgID, userID, cost string, u ledger.Usage) (string, error) {
	// Pools store whole millicredits. A positive cost below that
	// granularity rounds up to one millicredit rather than failing
	// the charge; an exactly-zero cost debits nothing.
	costMC, ok := credits.CeilMillicredits(cost)
	if !ok {
		return "", ledger.ErrInvalidAmount
	}
	if costMC == 0 {
		return a.OrgBalance(ctx, orgID)
	}
	billed := credits.FromMillicredits(costMC)

	var remaining string
	if userID != "" {
		alloc, err := a.pools.DebitMember(ctx, orgID, userID, billed)
		if err != nil {
			return "", translatePoolError(err)
		}
		remaining = credits.FromMillicredits(alloc.RemainingMC())
	} else {
		pool, err := a.pools.DebitPool(ctx, orgID, billed)
		if err != nil {
			return "", translatePoolError(err)
		}
		remaining = credits.FromMillicredits(pool.SpendableMC())
	}

	evt := &attribution.Event{
		OrgID:       orgID,
		UserID:      userID,
		Service:     usageService(u),
		Model:       u.Model,
		TokensUsed:  u.TokensUsed,
		CreditsUsed: billed,
	}
	a.attrib.Record(ctx, evt)
	if a.meter != nil {
		a.meter.Record(identity.Organization(orgID).String(), evt.ID, u, billed)
	}
	return remaining, nil
}

func (a *orgChargerAdapter) OrgBalance(ctx context.Context, orgID string) (string, error) {
	bal, err := a.pools.GetBalance(ctx, orgID)
	if err != nil {
		return "", translatePoolError(err)
	}
	return bal, nil
}

// translatePoolError maps pool failures onto the ledger's error values,
// which own the HTTP response mapping.
func translatePoolError(err error) error {
	switch {
	case errors.Is(err, orgpool.ErrInsufficientPool):
		return ledger.ErrInsufficientFunds
	case errors.Is(err, orgpool.ErrPoolNotFound),
		errors.Is(err, orgpool.ErrAllocationNotFound),
		errors.Is(err, orgpool.ErrNotMember):
		return ledger.ErrAccountNotFound
	case errors.Is(err, orgpool.ErrInvalidAmount):
		return ledger.ErrInvalidAmount
	default:
		return err
	}
}

// poolCrediterAdapter lands confirmed Stripe purchases in the pool.
type poolCrediterAdapter struct {
	pools *orgpool.Service
}

func (a *poolCrediterAdapter) AddCredits(ctx context.Context, orgID, amount, purchaseAmount string) error {
	_, err := a.pools.AddCredits(ctx, orgID, amount, purchaseAmount)
	return err
}

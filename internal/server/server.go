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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/txguard/internal/config"
	"github.com/mbd888/txguard/internal/events"
	"github.com/mbd888/txguard/internal/geo"
	"github.com/mbd888/txguard/internal/health"
	"github.com/mbd888/txguard/internal/idgen"
	"github.com/mbd888/txguard/internal/locks"
	"github.com/mbd888/txguard/internal/logging"
	"github.com/mbd888/txguard/internal/metrics"
	"github.com/mbd888/txguard/internal/model"
	"github.com/mbd888/txguard/internal/ratelimit"
	"github.com/mbd888/txguard/internal/realtime"
	"github.com/mbd888/txguard/internal/retry"
	"github.com/mbd888/txguard/internal/risk"
	"github.com/mbd888/txguard/internal/security"
	"github.com/mbd888/txguard/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	version      string
	store        risk.Store
	bundle       *model.Bundle // nil when the artifacts failed to load
	scorer       risk.Scorer
	evaluator    *risk.Evaluator
	transactions *risk.Handler
	realtimeHub  *realtime.Hub
	publisher    *events.Fanout
	geo          *geo.Resolver
	redis        *redis.Client
	locker       locks.Locker
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
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

// WithStore sets the transaction store instead of opening one from config.
func WithStore(store risk.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithScorer sets the scorer instead of loading the model artifacts.
func WithScorer(scorer risk.Scorer) Option {
	return func(s *Server) {
		s.scorer = scorer
	}
}

// WithVersion sets the build version reported by /health.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.initStorage(ctx); err != nil {
		return nil, err
	}
	s.initModel()
	if err := s.initLocking(ctx); err != nil {
		s.closeResources()
		return nil, err
	}
	s.initEvents()

	s.evaluator = risk.NewEvaluator(s.store, risk.Options{
		Limits: risk.Limits{
			MaxTxnsPerDay: cfg.MaxTxnsPerDay,
			MaxTxnAmount:  cfg.MaxTxnAmount,
		},
		BaseCurrency: cfg.BaseCurrency,
		Scorer:       s.scorer,
		Serialize:    cfg.Serialization == config.SerializeAdvisory,
		Locker:       s.locker,
		Publisher:    s.publisher,
		Geo:          s.countryResolver(),
		Timeout:      cfg.EvaluationTimeout,
	})
	s.transactions = risk.NewHandler(s.evaluator, s.store)

	s.logger.Info("risk pipeline configured",
		"max_txns_per_day", cfg.MaxTxnsPerDay,
		"max_txn_amount", cfg.MaxTxnAmount.String(),
		"base_currency", cfg.BaseCurrency,
		"serialization", string(cfg.Serialization),
		"scored", s.evaluator.Scored(),
		"event_sinks", s.publisher.Len(),
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// initStorage opens PostgreSQL when DATABASE_URL is set, otherwise an
// empty in-memory store.
func (s *Server) initStorage(ctx context.Context) error {
	if s.store != nil {
		s.health.Register("storage", health.PingChecker("storage", 2*time.Second, s.store.Ping))
		return nil
	}

	if s.cfg.DatabaseURL == "" {
		s.logger.Warn("DATABASE_URL not set, using in-memory store; data is lost on restart")
		s.store = risk.NewMemoryStore()
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	err = retry.Do(ctx, retry.StartupPolicy(), "postgres", s.logger, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.store = risk.NewPostgresStore(db)
	s.health.Register("postgres", health.PingChecker("postgres", 2*time.Second, db.PingContext))
	s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// initModel loads the scoring artifacts. A failure leaves the service
// running unscored rather than refusing to start.
func (s *Server) initModel() {
	if s.scorer != nil {
		metrics.ModelLoaded.Set(1)
		return
	}

	bundle, err := model.Load(model.Paths{
		Model:    s.cfg.ModelPath,
		Encoders: s.cfg.EncodersPath,
		Scaler:   s.cfg.ScalerPath,
	})
	if err != nil {
		metrics.ModelLoaded.Set(0)
		s.logger.Error("scoring artifacts unavailable, transactions will be recorded unscored", "error", err)
		s.health.RegisterOptional("model", func(context.Context) health.Status {
			return health.Status{Name: "model", Healthy: false, Detail: "not loaded"}
		})
		return
	}

	s.bundle = bundle
	s.scorer = bundle
	metrics.ModelLoaded.Set(1)
	s.health.RegisterOptional("model", func(context.Context) health.Status {
		return health.Status{Name: "model", Healthy: true}
	})
	s.logger.Info("scoring model loaded", "versions", bundle.Versions())
}

func (s *Server) initLocking(ctx context.Context) error {
	switch s.cfg.Serialization {
	case config.SerializeRedis:
		var client *redis.Client
		err := retry.Do(ctx, retry.StartupPolicy(), "redis", s.logger, func(ctx context.Context) error {
			c, err := locks.Dial(ctx, s.cfg.RedisURL)
			if errors.Is(err, locks.ErrInvalidURL) {
				return retry.Permanent(err)
			}
			client = c
			return err
		})
		if err != nil {
			return err
		}
		s.redis = client
		s.locker = locks.NewRedisLocker(client, locks.DefaultRedisOptions())
		s.health.Register("redis", health.PingChecker("redis", 2*time.Second, func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
		s.logger.Info("per-sender serialization via Redis locks")
	case config.SerializeAdvisory:
		s.logger.Info("per-sender serialization via store locks")
	default:
		s.logger.Warn("per-sender serialization disabled; concurrent requests may exceed the daily limit")
	}
	return nil
}

func (s *Server) initEvents() {
	s.realtimeHub = realtime.NewHub(s.logger)
	sinks := []events.Publisher{events.NewHubPublisher(s.realtimeHub)}

	if s.cfg.KafkaBrokers != "" {
		kp, err := events.NewKafkaPublisher(strings.Split(s.cfg.KafkaBrokers, ","), s.cfg.KafkaTopic, s.logger)
		if err != nil {
			s.logger.Error("kafka publisher unavailable, decision events stay local", "error", err)
		} else {
			sinks = append(sinks, kp)
			s.logger.Info("publishing decision events to kafka", "topic", s.cfg.KafkaTopic)
		}
	}
	s.publisher = events.NewFanout(s.logger, sinks...)

	if s.cfg.GeoIPPath != "" {
		resolver, err := geo.Open(s.cfg.GeoIPPath)
		if err != nil {
			s.logger.Warn("geoip database unavailable", "path", s.cfg.GeoIPPath, "error", err)
			return
		}
		s.geo = resolver
	}
}

func (s *Server) countryResolver() risk.CountryResolver {
	if s.geo == nil {
		return nil
	}
	return s.geo
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.ForRPM(s.cfg.RateLimitRPM))
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an ID assigned upstream (load balancer, gateway).
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.Hex(16)
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	api := s.router.Group("/api")
	s.transactions.RegisterRoutes(api)

	if s.cfg.AdminSecret == "" {
		s.logger.Info("ADMIN_SECRET not set, admin routes disabled")
		return
	}
	admin := api.Group("/admin", security.AdminAuthMiddleware(s.cfg.AdminSecret))
	s.transactions.RegisterAdminRoutes(admin)
	admin.GET("/model", s.modelHandler)
	admin.GET("/stream", s.streamHandler)
	admin.GET("/stream/stats", s.streamStatsHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Scored    bool            `json:"scored"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	switch {
	case !healthy:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	case !s.evaluator.Scored():
		status = "degraded"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Scored:    s.evaluator.Scored(),
		Checks:    checks,
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

// modelHandler reports which scoring artifacts are in use.
func (s *Server) modelHandler(c *gin.Context) {
	if s.bundle == nil {
		c.JSON(http.StatusOK, gin.H{"loaded": s.scorer != nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"loaded": true, "versions": s.bundle.Versions()})
}

func (s *Server) streamHandler(c *gin.Context) {
	s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
}

func (s *Server) streamStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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
		s.logger.Info("starting server", "port", s.cfg.Port, "version", s.version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.closeResources()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// In-flight evaluations have finished; stop the hub and collectors.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.closeResources()
	s.logger.Info("server stopped")
	return shutdownErr
}

// closeResources releases everything New opened. Safe on a partially
// initialised server.
func (s *Server) closeResources() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("event publisher close error", "error", err)
		}
	}

	if s.geo != nil {
		_ = s.geo.Close()
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Package server builds the scoring service from config and serves its
// HTTP API, websocket stream and background workers.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/trustscore/internal/antifraud"
	"github.com/mbd888/trustscore/internal/auth"
	"github.com/mbd888/trustscore/internal/circuitbreaker"
	"github.com/mbd888/trustscore/internal/config"
	"github.com/mbd888/trustscore/internal/export"
	"github.com/mbd888/trustscore/internal/health"
	"github.com/mbd888/trustscore/internal/idgen"
	"github.com/mbd888/trustscore/internal/ingest"
	"github.com/mbd888/trustscore/internal/kvstore"
	"github.com/mbd888/trustscore/internal/logging"
	"github.com/mbd888/trustscore/internal/metrics"
	"github.com/mbd888/trustscore/internal/providers"
	"github.com/mbd888/trustscore/internal/ratelimit"
	"github.com/mbd888/trustscore/internal/realtime"
	"github.com/mbd888/trustscore/internal/retry"
	"github.com/mbd888/trustscore/internal/risk"
	"github.com/mbd888/trustscore/internal/rules"
	"github.com/mbd888/trustscore/internal/security"
	"github.com/mbd888/trustscore/internal/session"
	"github.com/mbd888/trustscore/internal/telemetry"
	"github.com/mbd888/trustscore/internal/traces"
	"github.com/mbd888/trustscore/internal/validation"
	"github.com/mbd888/trustscore/migrations"
)

// Version is reported by /health.
const Version = "0.1.0"

// exportOnTerminateTimeout bounds the export run when a session ends.
const exportOnTerminateTimeout = 30 * time.Second

// shutdownExportLimit caps concurrent final exports during shutdown.
const shutdownExportLimit = 8

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db  *sql.DB       // nil without DATABASE_URL
	rdb *redis.Client // nil without REDIS_URL
	kv  kvstore.Store

	breaker    *circuitbreaker.Breaker
	geo        providers.GeoLocator
	biometrics providers.BiometricProvider

	sessions    *session.Registry
	analyzer    *antifraud.Analyzer
	assessments risk.Store
	orch        *risk.Orchestrator
	loop        *risk.Loop
	ingestor    *telemetry.Ingestor
	exporter    *export.Exporter
	hub         *realtime.Hub

	kafka    *kgo.Client // nil without KAFKA_BROKERS
	consumer *ingest.Consumer

	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	workers      errgroup.Group     // those goroutines
	finishing    sync.WaitGroup     // exports of terminated sessions
	shutdownWait time.Duration

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

// WithGeoLocator replaces the configured geolocation provider (for testing
// and demos). It is still wrapped in the provider guard.
func WithGeoLocator(g providers.GeoLocator) Option {
	return func(s *Server) {
		s.geo = g
	}
}

// WithBiometricProvider sets a biometric provider. Without one the scores
// reported on the session are used.
func WithBiometricProvider(b providers.BiometricProvider) Option {
	return func(s *Server) {
		s.biometrics = b
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		logger:       logging.New(cfg.LogLevel, cfg.LogFormat),
		shutdownWait: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.initProviders(); err != nil {
		return nil, err
	}

	s.sessions = session.NewRegistry(session.WithScreen(telemetry.Screen{
		Width:  cfg.ScreenWidth,
		Height: cfg.ScreenHeight,
	}))

	var history antifraud.IPHistory = antifraud.NewMemoryIPHistory()
	if s.rdb != nil {
		history = antifraud.NewRedisIPHistory(s.rdb)
	}
	s.analyzer = antifraud.NewAnalyzer(antifraud.NewBlacklist(),
		antifraud.WithIPHistory(history),
		antifraud.WithLogger(s.logger),
	)

	s.hub = realtime.NewHub(s.logger, realtime.WithAllowedOrigins(cfg.CORSOrigins))

	engine := rules.NewEngine().WithScorers(
		&rules.WeightedScorer{
			Weights:         rules.DefaultWeights(),
			MediumThreshold: cfg.WeightedMedium,
			HighThreshold:   cfg.WeightedHigh,
		},
		rules.NewPointScorer(cfg.HomeCountry),
	)
	orchOpts := []risk.Option{
		risk.WithEngine(engine),
		risk.WithGeoLocator(s.geo),
		risk.WithDeviceInspector(s.sessions),
		risk.WithPublisher(s.hub),
		risk.WithHomeCountry(cfg.HomeCountry),
		risk.WithLogger(s.logger),
	}
	if s.biometrics != nil {
		orchOpts = append(orchOpts, risk.WithBiometricProvider(s.biometrics))
	}
	s.orch = risk.NewOrchestrator(s.sessions, s.analyzer, s.assessments, orchOpts...)
	s.loop = risk.NewLoop(s.orch, s.sessions, cfg.ScoreInterval, s.logger)
	s.ingestor = telemetry.NewIngestor(s.sessions, s.logger, telemetry.WithBuffer(cfg.IngestBuffer))

	if err := s.initExporter(); err != nil {
		return nil, err
	}
	if err := s.initKafka(); err != nil {
		return nil, err
	}
	s.initHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) initStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		migrations.SetLogger(s.logger)
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		store := risk.NewPostgresStore(db)
		if err := metrics.RegisterDB(db); err != nil {
			s.logger.Warn("db pool metrics unavailable", "error", err)
		}
		s.db = db
		s.assessments = store
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	} else {
		s.assessments = risk.NewMemoryStore()
		s.logger.Info("using in-memory assessment storage")
	}

	if s.cfg.RedisURL != "" {
		rdb, err := kvstore.NewRedisClient(s.cfg.RedisURL)
		if err != nil {
			return err
		}
		store := kvstore.NewRedisStore(rdb, "trustscore")
		if err := store.Health(ctx); err != nil {
			_ = rdb.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.rdb = rdb
		s.kv = store
		s.logger.Info("using Redis key-value store", "url", maskDSN(s.cfg.RedisURL))
	} else {
		s.kv = kvstore.NewMemoryStore()
	}
	return nil
}

func (s *Server) initProviders() error {
	s.breaker = circuitbreaker.New(s.cfg.BreakerThreshold, s.cfg.BreakerOpen,
		circuitbreaker.WithNeutralErrors(providers.IsNoData),
	)
	s.breaker.OnTransition(func(provider string, from, to circuitbreaker.State) {
		metrics.BreakerTransitionsTotal.WithLabelValues(provider, to.String()).Inc()
		s.logger.Warn("provider circuit changed", "provider", provider, "from", from.String(), "to", to.String())
	})

	guard := providers.NewGuard(s.breaker, retry.DefaultPolicy, 0)
	guard.OnFailure(func(provider string, err error) {
		s.logger.Debug("provider call failed", "provider", provider, "error", err)
	})
	guard.OnRetry(func(provider string, attempt int, err error) {
		metrics.ProviderRetriesTotal.WithLabelValues(provider).Inc()
		s.logger.Debug("retrying provider call", "provider", provider, "attempt", attempt, "error", err)
	})

	switch {
	case s.geo != nil:
	case s.cfg.GeoAPIURL != "":
		if err := security.ValidateProviderURL(s.cfg.GeoAPIURL, !s.cfg.IsProduction()); err != nil {
			return fmt.Errorf("invalid GEO_API_URL: %w", err)
		}
		s.geo = providers.NewHTTPGeoLocator(s.cfg.GeoAPIURL)
		s.logger.Info("geolocation provider configured", "url", s.cfg.GeoAPIURL)
	default:
		s.geo = providers.NewStaticGeoLocator(s.cfg.HomeCountry)
		s.logger.Info("geolocation disabled, public addresses resolve to home country", "country", s.cfg.HomeCountry)
	}
	s.geo = providers.NewGuardedGeoLocator(s.geo, guard)

	if s.biometrics != nil {
		s.biometrics = providers.NewGuardedBiometricProvider(s.biometrics, guard)
	}
	return nil
}

func (s *Server) initExporter() error {
	var sinks []export.Sink
	if s.cfg.ExportDir != "" {
		fs, err := export.NewFileSink(s.cfg.ExportDir)
		if err != nil {
			return err
		}
		sinks = append(sinks, fs)
	}
	sinks = append(sinks, export.NewKVSink(s.kv, s.cfg.ExportTTL))
	if s.db != nil {
		sinks = append(sinks, export.NewPostgresSink(s.db))
	}
	if s.cfg.ExportWebhookURL != "" {
		if err := security.ValidateProviderURL(s.cfg.ExportWebhookURL, !s.cfg.IsProduction()); err != nil {
			return fmt.Errorf("invalid EXPORT_WEBHOOK_URL: %w", err)
		}
		sinks = append(sinks, export.NewWebhookSink(s.cfg.ExportWebhookURL, s.cfg.ExportWebhookSecret))
	}

	s.exporter = export.NewExporter(s.sessions, s.analyzer,
		export.WithAssessments(s.assessments),
		export.WithAssessor(s.orch),
		export.WithGeoLocator(s.geo),
		export.WithDeviceInspector(s.sessions),
		export.WithSinks(sinks...),
		export.WithLogger(s.logger),
	)
	s.logger.Info("session export configured", "sinks", s.exporter.Sinks())
	return nil
}

func (s *Server) initKafka() error {
	if len(s.cfg.KafkaBrokers) == 0 {
		return nil
	}
	cl, err := ingest.NewKafkaClient(s.cfg.KafkaBrokers, s.cfg.KafkaTopic, s.cfg.KafkaGroup)
	if err != nil {
		return err
	}
	s.kafka = cl
	s.consumer = ingest.NewConsumer(cl, s.ingestor, s.logger)
	s.logger.Info("kafka ingestion configured",
		"brokers", s.cfg.KafkaBrokers,
		"topic", s.cfg.KafkaTopic,
		"group", s.cfg.KafkaGroup,
	)
	return nil
}

func (s *Server) initHealth() {
	s.health = health.NewRegistry(2 * time.Second)
	if s.db != nil {
		s.health.Register("database", health.Ping(s.db.PingContext))
	}
	s.health.Register("kvstore", health.Ping(s.kv.Health))
	s.health.RegisterOptional("providers", health.Breaker(s.breaker))
	s.health.RegisterOptional("scoring_loop", health.Flag(s.loop.Running, "scoring loop not running"))
	s.health.RegisterOptional("ingestor", health.Flag(s.ingestor.Running, "ingestor not running"))
	if s.consumer != nil {
		s.health.RegisterOptional("kafka", health.Flag(s.consumer.Running, "kafka consumer not running"))
	}
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

	s.router.Use(traces.Middleware())
	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		if id := c.Param("id"); id != "" {
			ctx = logging.WithSessionID(ctx, id)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// loggingMiddleware writes one line per request: errors for 5xx, warnings
// for 4xx, info otherwise. Successful probes and scrapes log at debug.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		case c.FullPath() == "/metrics" || strings.HasPrefix(c.FullPath(), "/health"):
			level = slog.LevelDebug
		}

		ctx := c.Request.Context()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"bytes", c.Writer.Size(),
		}
		if status >= 400 {
			attrs = append(attrs, "client_ip", c.ClientIP())
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}
		logging.L(ctx).Log(ctx, level, "request completed", attrs...)
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

	// Live assessments and session lifecycle
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")

	riskHandler := risk.NewHandler(s.sessions, s.ingestor, s.orch, s.analyzer).
		OnLifecycle(s.onLifecycle)
	riskHandler.RegisterRoutes(v1)
	export.NewHandler(s.exporter).RegisterRoutes(v1)

	admin := v1.Group("/admin", auth.RequireAdmin(auth.ParseSecrets(s.cfg.AdminSecret)))
	riskHandler.RegisterAdminRoutes(admin)
	admin.GET("/providers", s.providersHandler)
	admin.GET("/realtime", s.realtimeStatsHandler)
}

// onLifecycle fans session lifecycle out to websocket subscribers and
// finishes a session once it is terminated.
func (s *Server) onLifecycle(event, sessionID string) {
	s.hub.BroadcastSession(realtime.EventType(event), sessionID)

	if realtime.EventType(event) != realtime.EventSessionTerminated {
		return
	}
	s.finishing.Go(func() { s.finishSession(sessionID) })
}

// finishSession exports a terminated session and then releases its scoring
// state and registry entry. A session no sink accepted stays registered so
// POST /export can retry it.
func (s *Server) finishSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), exportOnTerminateTimeout)
	defer cancel()
	ctx = logging.WithSessionID(logging.WithLogger(ctx, s.logger), sessionID)
	log := logging.L(ctx)

	res, err := s.exporter.Export(ctx, sessionID)
	if err != nil {
		log.Error("export on terminate failed, session retained", "error", err)
		return
	}
	log.Info("session exported", "sinks", len(res.Sinks), "events", len(res.Export.Events))

	s.orch.Forget(ctx, sessionID)
	s.sessions.Remove(sessionID)
}

// finishActiveSessions terminates and exports every session still open.
// It runs after intake and scoring have stopped.
func (s *Server) finishActiveSessions() {
	active := s.sessions.Active()
	if len(active) == 0 {
		return
	}
	s.logger.Info("exporting active sessions", "count", len(active))

	var g errgroup.Group
	g.SetLimit(shutdownExportLimit)
	for _, sess := range active {
		id := sess.ID()
		if _, err := s.sessions.Terminate(id); err != nil {
			continue
		}
		g.Go(func() error {
			s.finishSession(id)
			return nil
		})
	}
	_ = g.Wait()
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run binds the listener, starts the background workers and serves until
// SIGINT, SIGTERM, ctx cancellation or a serve error, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen on :%s: %w", s.cfg.Port, err)
	}
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	workerCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel
	s.startWorkers(workerCtx)

	served := make(chan error, 1)
	go func() { served <- s.httpSrv.Serve(ln) }()

	// The socket is bound, so probes can be answered from here on.
	s.ready.Store(true)
	s.logger.Info("server ready",
		"addr", ln.Addr().String(),
		"score_interval", s.cfg.ScoreInterval.String(),
		"home_country", s.cfg.HomeCountry,
	)

	select {
	case err := <-served:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = s.Shutdown()
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		s.logger.Info("shutdown requested", "cause", context.Cause(ctx))
	}
	return s.Shutdown()
}

// startWorkers launches the hub, ingestor, scoring loop and the Kafka
// consumer. Shutdown waits for all of them before closing storage.
func (s *Server) startWorkers(ctx context.Context) {
	run := func(fn func(context.Context)) {
		s.workers.Go(func() error {
			fn(ctx)
			return nil
		})
	}
	run(s.hub.Run)
	run(s.ingestor.Start)
	run(s.loop.Start)
	if s.consumer != nil {
		run(s.consumer.Run)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.shutdownWait)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stop intake before scoring so queued events land in their sessions.
	if s.kafka != nil {
		s.kafka.Close()
		s.logger.Info("kafka client closed")
	}
	s.ingestor.Stop()
	s.loop.Stop()

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	_ = s.workers.Wait()

	// Sinks write to Redis and Postgres, so every export lands before
	// those clients close.
	s.finishActiveSessions()
	s.finishing.Wait()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
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

	s.healthy.Store(false)
	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

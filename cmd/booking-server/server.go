package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/booking/booking/internal/config"
	"github.com/booking/booking/internal/domain/availability"
	"github.com/booking/booking/internal/domain/booking"
	"github.com/booking/booking/internal/domain/catalog"
	"github.com/booking/booking/internal/domain/projection"
	"github.com/booking/booking/internal/domain/reservation"
	"github.com/booking/booking/internal/domain/rules"
	"github.com/booking/booking/internal/domain/search"
	"github.com/booking/booking/internal/platform/auth"
	"github.com/booking/booking/internal/platform/bus"
	"github.com/booking/booking/internal/platform/cache"
	"github.com/booking/booking/internal/platform/db"
	"github.com/booking/booking/internal/platform/lock"
	"github.com/booking/booking/internal/platform/metrics"
	"github.com/booking/booking/internal/platform/middleware"
	"github.com/booking/booking/internal/platform/outbox"
	"github.com/booking/booking/internal/platform/retry"
	"github.com/booking/booking/internal/platform/websocket"
)

const (
	holdPrefix       = "booking:hold:"
	projectionPrefix = "booking:projection:"
	parkedKey        = "booking:projection:parked"
)

// backends are the stores the core runs on. serve fills them from Postgres
// and Redis; tests use the in-memory versions.
type backends struct {
	catalog catalog.Reader
	store   reservation.Store
	locker  lock.Locker
	entries projection.Store
	parker  projection.Parker
	scope   projection.TenantScope
}

func memoryBackends() backends {
	return backends{
		catalog: catalog.NewMemory(),
		store:   reservation.NewMemory(),
		locker:  lock.NewMemory(),
		entries: projection.NewMemoryStore(),
		parker:  projection.NewMemoryParker(),
		scope:   projection.ContextScope,
	}
}

type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	cache    *projection.Cache
	parker   projection.Parker
	avail    *availability.Service
	engine   *search.Engine
	coord    *booking.Coordinator
	consumer *projection.Consumer
	hub      *websocket.Hub
}

func newApp(cfg *config.Config, b backends, logger zerolog.Logger) *app {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	projCache := projection.NewCache(b.entries, b.store, cfg.ProjectionTTL, m, logger)
	avail := availability.NewService(b.catalog, b.store, projCache)
	registry := rules.NewRegistry()
	engine := search.NewEngine(b.catalog, avail, registry, search.Config{
		Granularity: cfg.SearchGranularity,
		Parallelism: cfg.SearchParallelism,
		MaxRange:    cfg.SearchMaxRange,
	}, m)

	policy := retry.DefaultPolicy()
	policy.Attempts = cfg.CommitAttempts
	coord := booking.NewCoordinator(b.catalog, b.store, avail, engine, registry, b.locker, booking.Config{
		MaxStaleness:  cfg.MaxStaleness,
		CommitTimeout: cfg.CommitTimeout,
		Retry:         policy,
		HoldTTL:       cfg.HoldTTL,
		HoldBucket:    cfg.HoldBucket,
		HoldWait:      cfg.HoldWait,
	}, m, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  m,
		cache:    projCache,
		parker:   b.parker,
		avail:    avail,
		engine:   engine,
		coord:    coord,
		consumer: projection.NewConsumer(projCache, b.parker, b.scope, m, logger),
		hub:      websocket.NewHub(),
	}
}

// events is the bus handler: projection first, then live clients.
func (a *app) events() bus.Handler {
	return bus.Fanout(a.consumer.Handle, a.hub.Handle)
}

// router builds the HTTP surface. tenant binds each API request to its
// tenant; dbHealth is mounted at /health/db when set.
func (a *app) router(tenant echo.MiddlewareFunc, dbHealth echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.Metrics(a.metrics))
	e.Use(middleware.ResponseHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))
	e.Use(middleware.BodyLimit("1M"))

	if a.cfg.ResolvedAuthMode() == "development" {
		a.logger.Warn().Msg("development auth: every request runs as admin")
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     a.cfg.AuthIssuer,
			Audience:   a.cfg.AuthAudience,
			JWKSURL:    a.cfg.AuthJWKSURL,
			SigningKey: []byte(a.cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: a.cfg.RateLimitRPS,
		BurstSize:         a.cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1", tenant, middleware.RequestTimeout(a.cfg.RequestTimeout), middleware.RateLimit(rateLimitCfg))
	availability.NewHandler(a.avail).RegisterRoutes(apiV1)
	search.NewHandler(a.engine).RegisterRoutes(apiV1)
	booking.NewHandler(a.coord).RegisterRoutes(apiV1)
	projection.NewHandler(a.cache, a.parker).RegisterRoutes(apiV1)
	websocket.NewHandler(a.hub, a.cfg.CORSOrigins, a.logger).RegisterRoutes(apiV1)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if dbHealth != nil {
		e.GET("/health/db", dbHealth)
	}
	e.GET("/metrics", echo.WrapHandler(metrics.Handler(a.registry)))
	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signalContext()
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	b := backends{
		catalog: catalog.NewReaderPG(pool),
		store:   reservation.NewStorePG(pool),
		locker:  lock.NewMemory(),
		entries: projection.NewMemoryStore(),
		parker:  projection.NewMemoryParker(),
		scope:   pgScope(pool),
	}
	var checks []db.Check
	if cfg.RedisURL != "" {
		rdb, err := cache.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		useRedis(&b, rdb, cfg.ProjectionTTL)
		checks = append(checks, db.Check{Name: "redis", Ping: cache.Ping(rdb)})
		logger.Info().Msg("connected to redis")
	} else {
		logger.Warn().Msg("REDIS_URL not set: holds and projection are process-local")
	}

	var (
		pub bus.Publisher
		sub bus.Subscriber
	)
	if cfg.AMQPURL != "" {
		broker := bus.NewAMQP(bus.AMQPConfig{
			URL:      cfg.AMQPURL,
			Exchange: cfg.AMQPExchange,
			Queue:    cfg.AMQPQueue,
		}, logger)
		if err := broker.Connect(); err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to broker")
		}
		defer broker.Close()
		pub, sub = broker, broker
		logger.Info().Str("exchange", cfg.AMQPExchange).Msg("connected to broker")
	} else {
		mem := bus.NewMemory(logger)
		pub, sub = mem, mem
		logger.Warn().Msg("AMQP_URL not set: lifecycle events stay in process")
	}

	a := newApp(cfg, b, logger)
	e := a.router(db.TenantMiddleware(pool, cfg.DefaultTenant), db.HealthHandler(pool, checks...))
	relay := outbox.NewRelay(outbox.NewPGSource(pool, logger), pub, outbox.Config{
		BatchSize: cfg.OutboxBatchSize,
		Interval:  cfg.OutboxPollInterval,
		Retry:     retry.DefaultPolicy(),
	}, a.metrics, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return ignoreCanceled(sub.Subscribe(gctx, a.events())) })
	g.Go(func() error { return ignoreCanceled(relay.Run(gctx)) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func useRedis(b *backends, rdb redis.UniversalClient, ttl time.Duration) {
	b.locker = lock.NewRedisLocker(rdb, holdPrefix)
	b.entries = projection.NewRedisStore(rdb, projectionPrefix, 2*ttl)
	b.parker = projection.NewRedisParker(rdb, parkedKey)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/notification-distributor/internal/config"
	"github.com/bissquit/notification-distributor/internal/distribution"
	distpostgres "github.com/bissquit/notification-distributor/internal/distribution/postgres"
	"github.com/bissquit/notification-distributor/internal/distribution/rediscache"
	"github.com/bissquit/notification-distributor/internal/ingest"
	"github.com/bissquit/notification-distributor/internal/jobqueue"
	"github.com/bissquit/notification-distributor/internal/pkg/ctxlog"
	"github.com/bissquit/notification-distributor/internal/pkg/httputil"
	"github.com/bissquit/notification-distributor/internal/pkg/metrics"
	"github.com/bissquit/notification-distributor/internal/pkg/postgres"
	"github.com/bissquit/notification-distributor/internal/pkg/pubsub"
	natspubsub "github.com/bissquit/notification-distributor/internal/pkg/pubsub/nats"
	redisutil "github.com/bissquit/notification-distributor/internal/pkg/redis"
	"github.com/bissquit/notification-distributor/internal/subscribers"
	"github.com/bissquit/notification-distributor/internal/version"
	"github.com/bissquit/notification-distributor/migrations"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// readinessCheck is a named dependency probe for /readyz.
type readinessCheck struct {
	name  string
	check func(context.Context) error
}

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	redis         *redis.Client
	nc            *nats.Conn
	consumer      *distribution.Consumer
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
	checks        []readinessCheck
}

// New creates a new application instance and connects to its dependencies.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	app := &App{config: cfg, logger: logger}
	if err := app.connect(); err != nil {
		_ = app.closeConnections()
		return nil, err
	}

	if err := app.setup(); err != nil {
		_ = app.closeConnections()
		return nil, err
	}
	return app, nil
}

// setup wires the processing pipeline and HTTP servers over open connections.
func (a *App) setup() error {
	cfg := a.config

	metricsCtx, metricsCancel := context.WithCancel(context.Background())
	a.metricsCancel = metricsCancel
	go metrics.CollectDBPoolMetrics(metricsCtx, a.db, 15*time.Second)

	js, err := natspubsub.JetStreamNew(a.nc)
	if err != nil {
		return fmt.Errorf("create jetstream context: %w", err)
	}

	setupCtx, setupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer setupCancel()

	storage := pubsub.FileStorage
	if cfg.NATS.MemoryStorage {
		storage = pubsub.MemoryStorage
	}

	jobsPublisher, err := natspubsub.NewPublisher(setupCtx, js, pubsub.PublisherOptions{
		StreamName: cfg.NATS.JobsStream,
		Storage:    storage,
	})
	if err != nil {
		return fmt.Errorf("create jobs publisher: %w", err)
	}

	consumer, err := a.setupConsumer(js, jobsPublisher, storage)
	if err != nil {
		return fmt.Errorf("setup consumer: %w", err)
	}
	a.consumer = consumer

	router, err := a.setupRouter(setupCtx, js, storage)
	if err != nil {
		return fmt.Errorf("setup router: %w", err)
	}

	a.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	a.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return nil
}

// connect opens the database, the optional Redis cache and NATS.
func (a *App) connect() error {
	cfg := a.config

	if cfg.Database.Migrate {
		if err := postgres.Migrate(migrations.FS, cfg.Database.URL); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	a.db = db
	a.checks = append(a.checks, readinessCheck{name: "database", check: postgres.Healthcheck(db)})

	if cfg.Redis.URL != "" {
		client, err := redisutil.Connect(context.Background(), redisutil.Config{
			URL:             cfg.Redis.URL,
			ConnectTimeout:  cfg.Redis.ConnectTimeout,
			ConnectAttempts: cfg.Redis.ConnectAttempts,
			RetryInterval:   cfg.Redis.RetryInterval,
		})
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		a.redis = client
		a.checks = append(a.checks, readinessCheck{name: "redis", check: redisutil.Healthcheck(client)})
	} else {
		slog.Warn("redis url is empty: rule set cache is disabled")
	}

	nc, err := natspubsub.Connect(natspubsub.Config{
		URL:           cfg.NATS.URL,
		Name:          cfg.NATS.Name,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
	})
	if err != nil {
		return err
	}
	a.nc = nc
	a.checks = append(a.checks, readinessCheck{name: "nats", check: func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	}})

	return nil
}

func (a *App) setupConsumer(js natspubsub.JetStream, jobsPublisher pubsub.Publisher, storage pubsub.StorageType) (*distribution.Consumer, error) {
	cfg := a.config

	repo := distpostgres.NewRepository(a.db)
	var rules distribution.RuleRepository = repo
	if a.redis != nil {
		rules = rediscache.New(repo, a.redis, rediscache.Config{
			KeyPrefix:   cfg.Redis.KeyPrefix,
			TTL:         cfg.Redis.TTL,
			NotFoundTTL: cfg.Redis.NotFoundTTL,
		})
	}

	resolver, err := subscribers.NewResolver(subscribers.Config{
		BaseURL:     cfg.Subscribers.BaseURL,
		Token:       cfg.Subscribers.Token,
		Timeout:     cfg.Subscribers.Timeout,
		BatchSize:   cfg.Subscribers.BatchSize,
		Concurrency: cfg.Subscribers.Concurrency,
		RateLimit:   cfg.Subscribers.RateLimit,
		Burst:       cfg.Subscribers.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("create subscriber resolver: %w", err)
	}

	pipeline := distribution.NewPipeline(rules, resolver, jobqueue.New(jobsPublisher), distribution.PipelineConfig{
		PatternCacheSize: cfg.Worker.PatternCacheSize,
	})

	handler := distribution.Chain(pipeline.Handle,
		distribution.WithLogging(a.logger),
		distribution.WithAttemptTracking(repo, time.Now),
	)

	opts := pubsub.DefaultConsumerOptions()
	opts.StreamName = cfg.NATS.Stream
	opts.ConsumerName = cfg.NATS.Consumer
	opts.AckWait = cfg.NATS.AckWait
	opts.MaxAckPending = cfg.NATS.MaxAckPending
	opts.Storage = storage

	source, err := natspubsub.NewConsumer(js, opts, a.logger)
	if err != nil {
		return nil, fmt.Errorf("create message source: %w", err)
	}

	return distribution.NewConsumer(distribution.ConsumerConfig{
		NumWorkers:      cfg.Worker.NumWorkers,
		SubjectPrefix:   cfg.NATS.Stream,
		MessageTimeout:  cfg.Worker.MessageTimeout,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
	}, source, handler, distribution.RetryPolicy{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		InitialBackoff:    cfg.Retry.InitialBackoff,
		MaxBackoff:        cfg.Retry.MaxBackoff,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
	}, a.logger), nil
}

// Run starts the consumer and the HTTP servers.
func (a *App) Run(ctx context.Context) error {
	if err := a.consumer.Start(ctx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}

	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"version", version.Version,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown stops consuming, drains in-flight messages and shuts down the servers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	var errs []error
	var mu sync.Mutex
	addErr := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	// Stop consumer first so no message is left half processed
	if a.consumer != nil {
		if err := a.consumer.Stop(); err != nil {
			addErr(fmt.Errorf("stop consumer: %w", err))
		}
	}

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			addErr(fmt.Errorf("shutdown server: %w", err))
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			addErr(fmt.Errorf("shutdown metrics server: %w", err))
		}
	}()

	wg.Wait()

	if err := a.closeConnections(); err != nil {
		addErr(err)
	}

	return errors.Join(errs...)
}

func (a *App) closeConnections() error {
	var errs []error

	if a.metricsCancel != nil {
		a.metricsCancel()
	}
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("drain nats: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}

	return errors.Join(errs...)
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

func (a *App) setupRouter(ctx context.Context, js natspubsub.JetStream, storage pubsub.StorageType) (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger, "/healthz", "/readyz"))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	if a.config.Auth.JWTSecret == "" {
		slog.Warn("auth jwt secret is empty: ingest api is disabled")
		return r, nil
	}

	ingestPublisher, err := natspubsub.NewPublisher(ctx, js, pubsub.PublisherOptions{
		StreamName: a.config.NATS.Stream,
		Storage:    storage,
	})
	if err != nil {
		return nil, fmt.Errorf("create ingest publisher: %w", err)
	}
	ingestHandler := ingest.NewHandler(ingestPublisher)
	validator := httputil.NewJWTValidator(a.config.Auth.JWTSecret, a.config.Auth.Issuer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.AuthMiddleware(validator))
		ingestHandler.RegisterRoutes(r)
	})

	return r, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, c := range a.checks {
		if err := c.check(ctx); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "dependency", c.name, "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, c.name+" unavailable")
			return
		}
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

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

	"github.com/bissquit/postqueue/api/openapi"
	"github.com/bissquit/postqueue/internal/config"
	"github.com/bissquit/postqueue/internal/pkg/ctxlog"
	"github.com/bissquit/postqueue/internal/pkg/httputil"
	"github.com/bissquit/postqueue/internal/pkg/lock"
	"github.com/bissquit/postqueue/internal/pkg/metrics"
	"github.com/bissquit/postqueue/internal/pkg/postgres"
	"github.com/bissquit/postqueue/internal/queue"
	queuepostgres "github.com/bissquit/postqueue/internal/queue/postgres"
	"github.com/bissquit/postqueue/internal/queue/rest"
	"github.com/bissquit/postqueue/internal/queue/telegram"
	"github.com/bissquit/postqueue/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const dbMetricsInterval = 15 * time.Second

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	redis         *redis.Client
	controller    *queue.Controller
	worker        *queue.Worker
	bot           *telegram.Bot
	server        *http.Server
	metricsServer *http.Server
	bgCancel      context.CancelFunc
	done          chan struct{}
	closeOnce     sync.Once
}

// backend is the post store together with the services sharing its storage.
// authors is nil for stores that keep no user records.
type backend struct {
	store    queue.Store
	payments queue.PaymentService
	authors  queue.Authors
}

// New creates a new application instance. Nothing runs until Run is called.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	app := &App{
		config: cfg,
		logger: logger,
		done:   make(chan struct{}),
	}

	if err := app.build(); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) build() error {
	cfg := a.config
	loc := cfg.Location()

	if cfg.Store.Driver == "postgres" || cfg.Lock.Driver == "postgres" {
		connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
		defer connectCancel()

		db, err := postgres.Connect(connectCtx, postgres.Config{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnectTimeout:  cfg.Database.ConnectTimeout,
			ConnectAttempts: cfg.Database.ConnectAttempts,
		})
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		a.db = db
	}

	be, err := a.buildBackend()
	if err != nil {
		return err
	}

	locker, err := a.buildLocker()
	if err != nil {
		return err
	}

	var (
		channel  queue.ChannelPublisher = dryRun{}
		notifier queue.Notifier         = dryRun{}
		tgClient *telegram.Client
	)
	if cfg.Telegram.Enabled {
		tgClient, err = telegram.NewClient(telegram.Config{
			BotToken:     cfg.Telegram.BotToken,
			APIEndpoint:  cfg.Telegram.APIEndpoint,
			ChannelID:    cfg.Telegram.ChannelID,
			OffersChatID: cfg.Telegram.OffersChatID,
			RateLimit:    cfg.Telegram.RateLimit,
			Timeout:      cfg.Telegram.Timeout,
		})
		if err != nil {
			return fmt.Errorf("create telegram client: %w", err)
		}
		channel, notifier = tgClient, tgClient
	} else {
		slog.Warn("telegram is disabled: posts are not copied to the channel and authors are not notified")
	}

	renderer, err := queue.NewRenderer(queue.RendererConfig{
		Location:  loc,
		ChannelID: cfg.Telegram.ChannelID,
	}, nil)
	if err != nil {
		return fmt.Errorf("create renderer: %w", err)
	}

	slots := queue.SlotConfig{
		Interval: cfg.Schedule.Interval,
		Blackout: queue.Window{
			StartHour: cfg.Schedule.BlackoutStartHour,
			EndHour:   cfg.Schedule.BlackoutEndHour,
		},
		Location: loc,
	}

	rebuilder := queue.NewRebuilder(be.store, locker, slots, cfg.Worker.MaxPublishAttempts)
	publisher := queue.NewPublisher(queue.PublisherConfig{
		MaxAttempts:   cfg.Worker.MaxPublishAttempts,
		NotifyTimeout: cfg.Worker.NotifyTimeout,
	}, be.store, channel, be.payments, notifier, renderer, rebuilder, nil)

	a.controller = queue.NewController(be.store, locker, be.payments, publisher, rebuilder, nil)
	a.worker = queue.NewWorker(queue.WorkerConfig{
		Tick:               cfg.Worker.Tick,
		StaleAfter:         cfg.Worker.StaleAfter,
		DueCeiling:         cfg.Worker.DueCeiling,
		MaxPublishAttempts: cfg.Worker.MaxPublishAttempts,
		MaxPublishPerTick:  cfg.Worker.MaxPublishPerTick,
	}, be.store, rebuilder, publisher, nil)

	if tgClient != nil {
		a.bot = telegram.NewBot(telegram.BotConfig{
			PollTimeout: cfg.Telegram.PollTimeout,
		}, tgClient, a.controller, be.authors, renderer)
	}

	slog.Info("queue configured",
		"store", cfg.Store.Driver,
		"lock", cfg.Lock.Driver,
		"interval", cfg.Schedule.Interval,
		"blackout_start_hour", cfg.Schedule.BlackoutStartHour,
		"blackout_end_hour", cfg.Schedule.BlackoutEndHour,
		"timezone", loc.String(),
		"telegram_enabled", cfg.Telegram.Enabled,
	)

	a.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           a.setupRouter(),
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

func (a *App) buildBackend() (backend, error) {
	cfg := a.config
	switch cfg.Store.Driver {
	case "postgres":
		repo := queuepostgres.NewRepository(a.db, cfg.Payment.RewardTokens)
		return backend{store: repo, payments: repo, authors: repo}, nil
	case "rest":
		client := rest.NewClient(rest.Config{
			BaseURL:  cfg.Store.REST.BaseURL,
			Token:    cfg.Store.REST.Token,
			Timeout:  cfg.Store.REST.Timeout,
			Location: cfg.Location(),
		}, nil)
		return backend{store: client, payments: client}, nil
	case "memory":
		slog.Warn("using in-memory store: posts are lost on restart")
		mem := queue.NewMemoryStore(nil, cfg.Payment.RewardTokens)
		return backend{store: mem, payments: mem, authors: mem}, nil
	default:
		return backend{}, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func (a *App) buildLocker() (queue.Locker, error) {
	cfg := a.config
	switch cfg.Lock.Driver {
	case "local":
		return lock.NewLocal(), nil
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Lock.Redis.Addr,
			Password: cfg.Lock.Redis.Password,
			DB:       cfg.Lock.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		return lock.NewRedis(a.redis, lock.RedisConfig{
			TTL:           cfg.Lock.TTL,
			RetryInterval: cfg.Lock.RetryInterval,
		}), nil
	case "postgres":
		return lock.NewPostgres(a.db), nil
	default:
		return nil, fmt.Errorf("unknown lock driver %q", cfg.Lock.Driver)
	}
}

// Run starts the worker, the bot and the HTTP servers. It blocks until
// Shutdown is called.
func (a *App) Run() error {
	metrics.RecordBuildInfo(version.Version, version.GitCommit)

	ctx, cancel := context.WithCancel(context.Background())
	a.bgCancel = cancel

	if a.db != nil {
		go metrics.CollectDBPool(ctx, a.db, dbMetricsInterval)
	}
	if a.config.Worker.Enabled {
		a.worker.Start(ctx)
	} else {
		slog.Warn("publication worker is disabled")
	}
	if a.bot != nil {
		a.bot.Start(ctx)
	}

	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	if !a.config.Server.Enabled {
		a.logger.Info("http api disabled")
		<-a.done
		return nil
	}

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown stops background loops first, then the servers, then closes
// connections.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	if a.bgCancel != nil {
		a.bgCancel()
		if a.bot != nil {
			a.bot.Stop()
		}
		a.worker.Stop()
	}

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	a.Close()

	return errors.Join(errs...)
}

// Close releases connections. Safe to call more than once.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		close(a.done)
		if a.redis != nil {
			if err := a.redis.Close(); err != nil {
				a.logger.Error("failed to close redis client", "error", err)
			}
		}
		if a.db != nil {
			a.db.Close()
		}
	})
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Controller returns the queue controller for one-shot commands.
func (a *App) Controller() *queue.Controller {
	return a.controller
}

// Worker returns the publication worker. Used in tests.
func (a *App) Worker() *queue.Worker {
	return a.worker
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		_, _ = w.Write(openapi.Spec)
	})

	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>postqueue API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
        SwaggerUIBundle({
            url: "/api/openapi.yaml",
            dom_id: '#swagger-ui',
            presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
            layout: "BaseLayout"
        });
    </script>
</body>
</html>`))
	})

	queueHandler := queue.NewHandler(a.controller)
	r.Route("/api/v1", queueHandler.RegisterRoutes)

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if a.db != nil {
		if err := a.db.Ping(ctx); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
			return
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Redis unavailable")
			return
		}
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
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

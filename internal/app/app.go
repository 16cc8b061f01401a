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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bissquit/booking-dispatch/internal/auth"
	bookingpostgres "github.com/bissquit/booking-dispatch/internal/booking/postgres"
	"github.com/bissquit/booking-dispatch/internal/config"
	"github.com/bissquit/booking-dispatch/internal/domain"
	"github.com/bissquit/booking-dispatch/internal/integrations"
	"github.com/bissquit/booking-dispatch/internal/pkg/ctxlog"
	"github.com/bissquit/booking-dispatch/internal/pkg/httputil"
	"github.com/bissquit/booking-dispatch/internal/pkg/metrics"
	"github.com/bissquit/booking-dispatch/internal/pkg/postgres"
	"github.com/bissquit/booking-dispatch/internal/queue"
	"github.com/bissquit/booking-dispatch/internal/queue/email"
	queuepostgres "github.com/bissquit/booking-dispatch/internal/queue/postgres"
	"github.com/bissquit/booking-dispatch/internal/queue/refund"
	"github.com/bissquit/booking-dispatch/internal/queue/tasks"
	"github.com/bissquit/booking-dispatch/internal/queue/twilio"
	"github.com/bissquit/booking-dispatch/internal/version"
	"github.com/bissquit/booking-dispatch/migrations"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
	dispatcher    *queue.Dispatcher
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(migrations.FS, cfg.Database.URL); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		logger.Info("database migrations applied")
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		metricsCancel: metricsCancel,
	}

	go app.collectDBMetrics(metricsCtx)

	router, err := app.setupRouter(metricsCtx)
	if err != nil {
		db.Close()
		metricsCancel()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
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

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	var stopErr error
	if a.dispatcher != nil {
		stopErr = a.dispatcher.Stop(ctx)
	}

	a.metricsCancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	shutdown := func(name string, srv *http.Server) {
		defer wg.Done()
		if err := srv.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown %s: %w", name, err))
			mu.Unlock()
		}
	}

	wg.Add(2)
	go shutdown("server", a.server)
	go shutdown("metrics server", a.metricsServer)
	wg.Wait()

	a.db.Close()

	return errors.Join(append(errs, stopErr)...)
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Dispatcher returns the queue dispatcher, nil when the queue is disabled.
// Used in tests to drive dispatch cycles.
func (a *App) Dispatcher() *queue.Dispatcher {
	return a.dispatcher
}

func (a *App) collectDBMetrics(ctx context.Context) {
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context, repo queue.Repository) {
	ticker := time.NewTicker(a.config.Queue.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := repo.Stats(ctx)
			if err != nil {
				a.logger.Error("failed to get queue stats", "error", err)
				continue
			}
			queue.RecordQueueStats(stats)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) setupRouter(ctx context.Context) (*chi.Mux, error) {
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

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	validator, err := auth.NewJWTValidator(a.config.Auth.JWTSecret, a.config.Auth.Issuer)
	if err != nil {
		return nil, fmt.Errorf("create token validator: %w", err)
	}

	queueRepo := queuepostgres.NewRepository(a.db)
	bookingStore := bookingpostgres.NewStore(a.db)

	policy := retryPolicy(a.config.Queue.Retry)
	producer := queue.NewProducer(queueRepo, policy, a.config.Queue.RescheduleDelay)
	intake := queue.NewIntake(bookingStore, producer)

	registry, err := a.buildRegistry(bookingStore)
	if err != nil {
		return nil, err
	}

	slog.Info("queue configured",
		"enabled", a.config.Queue.Enabled,
		"email_enabled", a.config.Email.Enabled,
		"twilio_enabled", a.config.Twilio.Enabled,
		"executors", len(registry.Types()),
	)

	if a.config.Queue.Enabled {
		a.dispatcher = queue.NewDispatcher(queue.DispatcherConfig{
			BatchSize:    a.config.Queue.BatchSize,
			PollInterval: a.config.Queue.PollInterval,
			StallTimeout: a.config.Queue.StallTimeout,
			NumWorkers:   a.config.Queue.NumWorkers,
		}, queueRepo, registry, policy)
		// stopped through Stop only; cancelling the metrics context must not
		// reach in-flight records
		dispatchCtx := context.WithoutCancel(ctx)
		a.dispatcher.Start(ctxlog.WithLogger(dispatchCtx, a.logger.With("component", "dispatcher")))

		go a.collectQueueMetrics(ctx, queueRepo)
	} else {
		slog.Warn("queue dispatcher is disabled: records are accepted but not delivered")
	}

	queueHandler := queue.NewHandler(queueRepo, producer, intake)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.AuthMiddleware(validator))
		r.Use(httputil.RequireRole(domain.RoleOperator))
		queueHandler.RegisterRoutes(r)
	})

	return r, nil
}

// buildRegistry wires one executor per notification type.
func (a *App) buildRegistry(bookings *bookingpostgres.Store) (*queue.Registry, error) {
	cfg := a.config

	renderer, err := queue.NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("create renderer: %w", err)
	}

	emailSender, err := email.NewSender(email.Config{
		Enabled:      cfg.Email.Enabled,
		SMTPHost:     cfg.Email.SMTPHost,
		SMTPPort:     cfg.Email.SMTPPort,
		SMTPUser:     cfg.Email.SMTPUser,
		SMTPPassword: cfg.Email.SMTPPassword,
		FromAddress:  cfg.Email.FromAddress,
		ImplicitTLS:  cfg.Email.ImplicitTLS,
		Timeout:      cfg.Email.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create email sender: %w", err)
	}
	if !cfg.Email.Enabled {
		slog.Warn("email sender is disabled: email records will fail")
	}

	twilioClient, err := twilio.NewClient(twilio.Config{
		Enabled:      cfg.Twilio.Enabled,
		AccountSID:   cfg.Twilio.AccountSID,
		AuthToken:    cfg.Twilio.AuthToken,
		SMSFrom:      cfg.Twilio.SMSFrom,
		WhatsAppFrom: cfg.Twilio.WhatsAppFrom,
		RateLimit:    cfg.Twilio.RateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("create twilio client: %w", err)
	}
	if !cfg.Twilio.Enabled {
		slog.Warn("twilio is disabled: sms and whatsapp records will fail")
	}

	baseURL := cfg.Links.BaseURL
	registry := queue.NewRegistry()
	registry.Register(queue.TypeEmail,
		queue.NewChannelExecutor(emailSender, queue.FormatFor(queue.TypeEmail), bookings, renderer, baseURL))
	registry.Register(queue.TypeSMS,
		queue.NewChannelExecutor(twilioClient.SMS(), queue.FormatFor(queue.TypeSMS), bookings, renderer, baseURL))
	registry.Register(queue.TypeWhatsApp,
		queue.NewChannelExecutor(twilioClient.WhatsApp(), queue.FormatFor(queue.TypeWhatsApp), bookings, renderer, baseURL))
	registry.Register(queue.TypeSlotInvitationEmail,
		queue.NewInvitationExecutor(emailSender, bookings, bookings, renderer, baseURL))

	payments := integrations.NewPaymentsClient(providerConfig(cfg.Integrations.Payments))
	registry.Register(queue.TypeRefund, refund.NewExecutor(bookings, payments))

	tasks.Register(registry, bookings,
		integrations.NewCalendarClient(providerConfig(cfg.Integrations.Calendar)),
		integrations.NewVideoClient(providerConfig(cfg.Integrations.Video)),
	)

	return registry, nil
}

func retryPolicy(cfg config.RetryConfig) queue.RetryPolicy {
	policy := queue.DefaultRetryPolicy()
	policy.InitialBackoff = cfg.InitialBackoff
	policy.MaxBackoff = cfg.MaxBackoff
	policy.BackoffMultiplier = cfg.Multiplier
	policy.DefaultMaxRetries = cfg.DefaultMaxRetries
	policy.MaxRetries[queue.TypeRefund] = cfg.RefundMaxRetries
	return policy
}

func providerConfig(cfg config.ProviderConfig) integrations.Config {
	return integrations.Config{
		BaseURL:   cfg.BaseURL,
		APIKey:    cfg.APIKey,
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RateLimit,
	}
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "database unavailable"})
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
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
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

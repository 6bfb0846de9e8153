// Package app is the composition root: every component is built here with its
// collaborators passed in explicitly, then supervised until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aeromesh/skygate/internal/audit"
	"github.com/aeromesh/skygate/internal/auth"
	"github.com/aeromesh/skygate/internal/config"
	"github.com/aeromesh/skygate/internal/health"
	"github.com/aeromesh/skygate/internal/httpserver"
	"github.com/aeromesh/skygate/internal/hub"
	"github.com/aeromesh/skygate/internal/lifecycle"
	"github.com/aeromesh/skygate/internal/notify"
	"github.com/aeromesh/skygate/internal/platform"
	"github.com/aeromesh/skygate/internal/proxy"
	"github.com/aeromesh/skygate/internal/registry"
	"github.com/aeromesh/skygate/internal/route"
	"github.com/aeromesh/skygate/internal/telemetry"
	"github.com/aeromesh/skygate/internal/version"
)

// Run is the main application entry point. Given the loaded config, it
// connects to infrastructure, wires the gateway, and serves until the context
// is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting skygate",
		"listen", cfg.ListenAddr(),
		"registry", cfg.RegistryEndpoint,
		"version", version.Version,
	)

	if cfg.CredentialSecret == "" {
		return fmt.Errorf("SKYGATE_CREDENTIAL_SECRET must be set")
	}

	// Redis: revocation set, snapshot cache, rate limiting.
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	// Audit trail (optional — enabled when a database is configured).
	var auditWriter *audit.Writer
	var gatewayAudit proxy.AuditLogger
	var auditHandler *audit.Handler
	if cfg.DatabaseURL != "" {
		db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer db.Close()

		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")

		auditWriter = audit.NewWriter(db, logger)
		auditWriter.Start(ctx)
		defer auditWriter.Close()
		gatewayAudit = auditWriter
		auditHandler = audit.NewHandler(db, logger)
	} else {
		logger.Info("audit trail disabled (DATABASE_URL not set)")
	}

	// Metrics
	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	// Route table: built-in defaults, optionally overridden from a file.
	routes := route.DefaultRoutes(cfg.DefaultHTTPTimeout, cfg.DefaultRetryBudget)
	if cfg.RouteTableFile != "" {
		routes, err = route.LoadFile(cfg.RouteTableFile, cfg.DefaultHTTPTimeout, cfg.DefaultRetryBudget)
		if err != nil {
			return fmt.Errorf("loading route table: %w", err)
		}
		logger.Info("route table loaded from file", "file", cfg.RouteTableFile, "routes", len(routes))
	}
	table := route.NewTable(routes)

	// Registry client and cache.
	regClient := registry.NewClient(cfg.RegistryEndpoint, logger)
	cache := registry.NewCache(regClient, table.Backends(), cfg.RegistryRefreshInterval, cfg.RegistryStalenessBound, logger)

	// Credential verification.
	revocations := auth.NewRevocationSet(rdb, logger)
	verifier := auth.NewVerifier(cfg.CredentialSecret, cfg.CredentialIssuer, cfg.CredentialAudience, revocations)
	limiter := auth.NewRateLimiter(rdb, 20, 15*time.Minute)
	admitter := proxy.NewAdmitter(verifier, limiter, logger)

	// Real-time hub.
	snapshots := hub.NewSnapshotCache(rdb, cfg.SnapshotTTL, logger)
	rtHub := hub.NewHub(cfg.SlowConsumerQueueDepth, cfg.SocketIdleTimeout, snapshots, logger)
	publisher := hub.NewPublisherHandler(rtHub, snapshots, logger)

	// Proxy core.
	obsLog := health.NewLog(4096)
	engine := proxy.NewEngine(cache, obsLog, logger)
	upgrades := proxy.NewUpgradeRouter(cache, obsLog, rtHub, logger)
	gateway := proxy.NewGateway(table, admitter, engine, upgrades, gatewayAudit, logger)

	// Backend probing with optional operator notification.
	slackNotifier := notify.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackOpsChannel, logger)
	var notifier health.Notifier
	if slackNotifier.IsEnabled() {
		notifier = slackNotifier
		logger.Info("slack notifications enabled", "channel", cfg.SlackOpsChannel)
	} else {
		logger.Info("slack notifications disabled (SLACK_BOT_TOKEN or SLACK_OPS_CHANNEL not set)")
	}
	prober := health.NewProber(cache, obsLog, notifier, cfg.ProbeInterval, logger)

	// Lifecycle supervisor: self-registration and heartbeat.
	supervisor := lifecycle.NewSupervisor(
		regClient,
		fmt.Sprintf("skygate-%s", uuid.New().String()[:8]),
		"skygate",
		cfg.Host,
		cfg.Port,
		30*time.Second,
		logger,
	)

	// HTTP surface.
	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, metricsReg)

	healthHandler := health.NewHandler(cache, obsLog, logger)
	srv.Router.Mount("/health", healthHandler.Routes())

	srv.Router.Get("/routes", handleRoutes(table))
	srv.Router.With(admitter.Middleware(auth.Roles("operator"))).
		Post("/routes/reload", handleRoutesReload(table, cfg, logger))
	srv.Router.With(admitter.Middleware(auth.Roles("operator"))).
		Post("/refresh", handleRefresh(cache, logger))
	srv.Router.Get("/status", handleStatus(srv, rtHub, revocations))
	srv.Router.Get("/whoami", handleWhoami(verifier))

	srv.Router.Route("/publish", func(r chi.Router) {
		r.Use(admitter.Middleware(auth.Permissions("realtime.publish")))
		r.Mount("/", publisher.Routes())
	})

	if auditHandler != nil {
		srv.Router.Route("/audit-log", func(r chi.Router) {
			r.Use(admitter.Middleware(auth.Roles("operator")))
			r.Mount("/", auditHandler.Routes())
		})
	}

	// Everything else is proxied by route table match.
	srv.Router.Handle("/*", gateway)

	httpSrv := &http.Server{
		Addr:        cfg.ListenAddr(),
		Handler:     srv,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return cache.Run(gctx) })
	g.Go(func() error { return prober.Run(gctx) })
	g.Go(func() error { return supervisor.Run(gctx) })

	g.Go(func() error {
		logger.Info("gateway listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "grace", cfg.GracefulShutdownDeadline.String())

		// New work is refused immediately; in-flight HTTP drains under the
		// grace period while hub sockets are notified and drained.
		gateway.StartDraining()

		drainDone := make(chan struct{})
		go func() {
			rtHub.Shutdown(context.Background(), cfg.GracefulShutdownDeadline)
			close(drainDone)
		}()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownDeadline)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		<-drainDone
		return err
	})

	return g.Wait()
}

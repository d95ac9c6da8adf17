package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/botpros-admin/qb-bitrix-connector/internal/api"
	"github.com/botpros-admin/qb-bitrix-connector/internal/bitrix"
	"github.com/botpros-admin/qb-bitrix-connector/internal/config"
	"github.com/botpros-admin/qb-bitrix-connector/internal/database"
	"github.com/botpros-admin/qb-bitrix-connector/internal/domain"
	"github.com/botpros-admin/qb-bitrix-connector/internal/events"
	"github.com/botpros-admin/qb-bitrix-connector/internal/google"
	"github.com/botpros-admin/qb-bitrix-connector/internal/logging"
	"github.com/botpros-admin/qb-bitrix-connector/internal/metrics"
	"github.com/botpros-admin/qb-bitrix-connector/internal/notify"
	"github.com/botpros-admin/qb-bitrix-connector/internal/qbxml"
	"github.com/botpros-admin/qb-bitrix-connector/internal/repository"
	"github.com/botpros-admin/qb-bitrix-connector/internal/service"
	"github.com/botpros-admin/qb-bitrix-connector/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Web Connector SOAP endpoint, the Bitrix24 webhook and the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(parent context.Context, configPath string) error {
	cfg, logger, closer, err := loadConfigAndLogger(configPath)
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDB(cfg.Database.Path, logging.Component(logger, "database"))
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	redisClient := initRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer (func() { _ = repository.Close(redisClient) })()
	}
	sessions, evicter := initSessions(cfg, redisClient, logger)

	bus := events.NewEventBus()
	bus.OnError(func(ev *events.Event, err error) {
		logger.Warn().Err(err).Str("event", ev.Type).Msg("event handler failed")
	})
	service.NewSyncLogRecorder(db, logging.Component(logger, "sync-log")).Subscribe(bus)

	crm := initBitrix(ctx, cfg, redisClient, logger)
	initNotifier(cfg, bus, logger)
	initAudit(ctx, cfg, bus, logger)

	builder := service.NewRequestQueueBuilder(
		db, db, db,
		qbxml.NewBuilder(cfg.WebConnector.QBXMLVersion),
		cfg.WebConnector.Entities,
		logging.Component(logger, "queue-builder"),
	)
	reconciler := service.NewReconciler(db, db, db, crm, bus, cfg.Bitrix.Currency, logging.Component(logger, "reconciler"))
	connector := service.NewWebConnectorService(
		cfg.WebConnector,
		cfg.App.Version,
		sessions,
		builder,
		reconciler,
		db,
		logging.Component(logger, "web-connector"),
	)
	intake := service.NewChangeIntake(db, crm, bus, logging.Component(logger, "change-intake"))

	janitor := worker.NewSessionJanitor(evicter, cfg.WebConnector.SessionTTL, logging.Component(logger, "janitor"))
	go janitor.Start(ctx)

	if cfg.Backup.Enabled {
		backupService := database.NewBackupService(db, cfg.Backup, logging.Component(logger, "backup"))
		go func() {
			if err := backupService.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("backup service stopped")
			}
		}()
	}

	startMetrics(ctx, cfg, logger)

	httpServer := api.NewHTTPServer(cfg, connector, intake, db, logging.Component(logger, "http"))
	return startServer(ctx, httpServer, logger)
}

func loadConfigAndLogger(configPath string) (*config.Config, *zerolog.Logger, io.Closer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logging.Component(baseLogger, "main"), closer, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := repository.Ping(pingCtx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

// initSessions prefers Redis with an in-memory fallback; without Redis sessions live in memory.
func initSessions(cfg *config.Config, redisClient *redis.Client, logger *zerolog.Logger) (domain.SessionRepository, worker.IdleEvicter) {
	memory := repository.NewMemorySessionRepository(cfg.WebConnector.SessionTTL)
	if redisClient == nil {
		return memory, memory
	}
	primary := repository.NewRedisSessionRepository(redisClient, cfg.WebConnector.SessionTTL)
	failover := repository.NewFailoverSessionRepository(primary, memory, logging.Component(logger, "sessions"))
	return failover, failover
}

func initBitrix(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger *zerolog.Logger) *bitrix.Client {
	client := bitrix.NewClient(cfg.Bitrix, logging.Component(logger, "bitrix"))
	if !client.Configured() {
		logger.Warn().Msg("bitrix.webhook_url is not set; QuickBooks records will not be pushed to Bitrix24")
		return client
	}
	if redisClient != nil {
		client.UseRedisCache(redisClient, cfg.Bitrix.CacheTTL)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Bitrix.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		logger.Warn().Err(err).Msg("bitrix24 webhook check failed")
	} else {
		logger.Info().Msg("bitrix24 connected")
	}
	return client
}

func initNotifier(cfg *config.Config, bus *events.EventBus, logger *zerolog.Logger) {
	if !cfg.Telegram.Enabled() {
		return
	}
	notifier, err := notify.NewTelegramNotifier(cfg.Telegram, logging.Component(logger, "telegram"))
	if err != nil {
		logger.Warn().Err(err).Msg("telegram init failed, continuing without alerts")
		return
	}
	notifier.Subscribe(bus)
	logger.Info().Int("chats", len(cfg.Telegram.ChatIDs)).Msg("telegram alerts enabled")
}

func initAudit(ctx context.Context, cfg *config.Config, bus *events.EventBus, logger *zerolog.Logger) {
	if !cfg.Google.Enabled() {
		return
	}
	audit, err := google.NewAuditSheet(ctx, cfg.Google, logging.Component(logger, "audit-sheet"))
	if err != nil {
		logger.Warn().Err(err).Msg("google sheets init failed, continuing without audit mirror")
		return
	}
	if err := audit.TestConnection(ctx); err != nil {
		logger.Warn().Err(err).Msg("google sheets not reachable, continuing without audit mirror")
		return
	}
	audit.Subscribe(bus)
	go audit.Start(ctx)
	logger.Info().Str("sheet", cfg.Google.AuditSheet).Msg("google sheets audit mirror enabled")
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}

func startServer(ctx context.Context, httpServer *api.HTTPServer, logger *zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start()
	}()

	logger.Info().Str("addr", httpServer.Addr()).Msg("qbbridge started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("http server stopped")
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}

	logger.Info().Msg("qbbridge stopped")
	return nil
}

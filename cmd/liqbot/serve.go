package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"liqbot/internal/api"
	"liqbot/internal/bot"
	"liqbot/internal/config"
	"liqbot/internal/exchange"
	"liqbot/internal/feed"
	"liqbot/internal/models"
	"liqbot/internal/repository"
	"liqbot/internal/service"
	"liqbot/internal/websocket"
	"liqbot/pkg/crypto"
	"liqbot/pkg/ratelimit"
	"liqbot/pkg/utils"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the trading engine and the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				if err := os.Setenv("CONFIG_FILE", configFile); err != nil {
					return err
				}
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML config file (default $CONFIG_FILE)")
	return cmd
}

func serve(cfg *config.Config) error {
	log := utils.InitGlobalLogger(utils.LogConfig{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		Development: cfg.Logging.Development,
	})
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Инициализация базы данных
	db, err := initDatabase(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	log.Info("connected to database", utils.String("dsn", cfg.Database.DSNWithoutPassword()))

	if err := repository.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	key, err := crypto.ParseKey(cfg.Security.EncryptionKey)
	if err != nil {
		return err
	}
	cipher, err := crypto.NewCipher(key)
	if err != nil {
		return err
	}

	// Репозитории
	strategyRepo := repository.NewStrategyRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	positionRepo := repository.NewPositionRepository(db)
	fillRepo := repository.NewFillRepository(db)
	orderRepo := repository.NewOrderRepository(db)
	liquidationRepo := repository.NewLiquidationRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	statsRepo := repository.NewStatsRepository(db)

	ledger := bot.Ledger{
		Sessions:     sessionRepo,
		Positions:    positionRepo,
		Fills:        fillRepo,
		Orders:       orderRepo,
		Liquidations: liquidationRepo,
	}

	// Общий лимитер REST запросов всех адаптеров
	ratelimit.ConfigureDefault(exchange.NewHTTPClient(exchange.DefaultHTTPClientConfig()), ratelimit.FetcherConfig{
		MinSpacing:      cfg.RateLimit.MinSpacing,
		CacheTTL:        cfg.RateLimit.CacheTTL,
		QueueSize:       cfg.RateLimit.QueueSize,
		CooldownBase:    cfg.RateLimit.CooldownBase,
		CooldownMax:     cfg.RateLimit.CooldownMax,
		BanDefault:      cfg.RateLimit.BanDefault,
		RequestTimeout:  cfg.RateLimit.RequestTimeout,
		OnCooldown:      func(status int, d time.Duration) { bot.RecordLimiterCooldown(status) },
		OnRequestFinish: bot.RecordLimiterRequest,
	})
	defer ratelimit.Default().Close()

	streamCfg := streamConfig(cfg.Stream)
	registry := exchange.NewRegistry(exchange.Options{
		Testnet:      cfg.Bot.Testnet,
		OneWayMode:   cfg.Bot.OneWayMode,
		PrecisionTTL: cfg.Bot.PrecisionTTL,
		Stream:       streamCfg,
		Logger:       log,
	})
	defer registry.CloseAll()

	// WebSocket hub для UI
	hub := websocket.NewHub(cfg.Server.AllowedOrigins, log)
	go hub.Run()
	defer hub.Stop()

	notifications := make(chan *models.Notification, cfg.Bot.NotificationBuffer)
	notifyNonBlocking := func(n *models.Notification) {
		select {
		case notifications <- n:
		default:
			bot.RecordBufferOverflow("notifications")
		}
	}

	var (
		liqFeed   *feed.Feed
		liqStream <-chan *models.Liquidation // nil - движок не получает событий
		onSymbols func([]string)
	)
	if cfg.Feed.Enabled {
		liqFeed = feed.New(feed.Config{
			URL:             cfg.Feed.URL,
			Buffer:          cfg.Feed.Buffer,
			Retention:       cfg.Feed.Retention,
			CleanupInterval: cfg.Feed.CleanupInterval,
			Stream:          streamCfg,
		}, liquidationRepo, log)
		liqFeed.SetNotifier(notifyNonBlocking)
		liqStream = liqFeed.Out()
		onSymbols = liqFeed.SetSymbols
	} else {
		log.Warn("liquidation feed disabled, engine will not receive events")
	}

	// фабрике нужен только EnsureActive, Runner ему не нужен
	sessionOpener := service.NewSessionService(sessionRepo, strategyRepo, nil, log)

	factory := service.NewEngineFactory(service.EngineFactoryDeps{
		Registry:      registry,
		Cipher:        cipher,
		Sessions:      sessionOpener,
		Ledger:        ledger,
		Notifications: notifications,
		Hub:           hub,
		Config:        engineConfig(cfg),
		UserStream:    cfg.Bot.UserStream,
		Logger:        log,
	})
	runner := service.NewRunner(strategyRepo, factory, service.RunnerConfig{
		StopTimeout: cfg.Bot.StopTimeout,
		OnSymbols:   onSymbols,
		OnRelease:   registry.Release,
	}, log)

	// Сервисы
	sessionService := service.NewSessionService(sessionRepo, strategyRepo, runner, log)
	strategyService := service.NewStrategyService(strategyRepo, runner, cipher, log)
	statsService := service.NewStatsService(statsRepo, sessionRepo, runner, log)
	statsService.SetWebSocketHub(hub)
	positionService := service.NewPositionService(positionRepo, fillRepo, orderRepo, sessionRepo, runner, log)

	notificationService := service.NewNotificationService(notificationRepo, log)
	notificationService.SetWebSocketHub(hub)
	notificationService.SetStatsService(statsService)
	go notificationService.Run(ctx, notifications)
	go cleanupLoop(ctx, notificationService, cfg.Bot.CleanupInterval, cfg.Bot.NotificationRetention, log)

	if liqFeed != nil {
		go func() {
			if err := liqFeed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("liquidation feed stopped", utils.Err(err))
			}
		}()
	}

	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		_ = runner.Run(ctx, liqStream)
	}()

	router := api.SetupRoutes(&api.Dependencies{
		Strategies:     strategyService,
		Sessions:       sessionService,
		Stats:          statsService,
		Positions:      positionService,
		Notifications:  notificationService,
		WebSocket:      http.HandlerFunc(hub.ServeWS),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		APIToken:       cfg.Security.APIToken,
		Logger:         log,
	})
	if cfg.Security.APIToken == "" {
		log.Warn("API_TOKEN is empty, control API is not authenticated")
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting server", utils.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case sig := <-quit:
		log.Info("shutting down", utils.String("signal", sig.String()))
	case err := <-serverErr:
		runErr = fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", utils.Err(err))
	}

	// Движок останавливается раньше адаптеров; позиции и TP/SL остаются на бирже
	cancel()
	select {
	case <-runnerDone:
	case <-shutdownCtx.Done():
		log.Warn("runner did not stop before shutdown timeout")
	}

	log.Info("server exited")
	return runErr
}

// initDatabase создает подключение к базе данных
func initDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func cleanupLoop(ctx context.Context, notifications *service.NotificationService, interval, retention time.Duration, log *utils.Logger) {
	if interval <= 0 || retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := notifications.Cleanup(ctx, retention)
			if err != nil {
				log.Warn("notification cleanup failed", utils.Err(err))
				continue
			}
			if n > 0 {
				log.Debug("old notifications removed", utils.Int64("count", n))
			}
		}
	}
}

func streamConfig(c config.StreamConfig) exchange.WSReconnectConfig {
	return exchange.WSReconnectConfig{
		BaseDelay:         c.BaseDelay,
		MaxDelay:          c.MaxDelay,
		MaxAttempts:       c.MaxAttempts,
		BanMargin:         c.BanMargin,
		ConnectTimeout:    c.ConnectTimeout,
		PingInterval:      c.PingInterval,
		PongTimeout:       c.PongTimeout,
		KeepAliveInterval: c.KeepAliveInterval,
		EventBuffer:       c.EventBuffer,
	}
}

// engineConfig переносит настройки в bot.EngineConfig; нулевые значения не трогают умолчания
func engineConfig(cfg *config.Config) bot.EngineConfig {
	ec := bot.DefaultEngineConfig()
	b := cfg.Bot

	ec.ReceiveWindow = b.ReceiveWindow
	if b.Shards > 0 {
		ec.Shards = b.Shards
	}
	setInt(&ec.ShardBuffer, b.ShardBuffer)
	setDur(&ec.MarkInterval, b.MarkInterval)
	setDur(&ec.OIInterval, b.OIInterval)
	setDur(&ec.TradeSyncInterval, b.TradeSyncInterval)
	setDur(&ec.ProcessedTTL, b.ProcessedTTL)
	setDur(&ec.PendingTimeout, b.PendingTimeout)

	ec.Protection.ReceiveWindow = b.ReceiveWindow
	setDur(&ec.Protection.ReconcileInterval, b.ReconcileInterval)
	setDur(&ec.Protection.OrphanInterval, b.OrphanInterval)
	if b.PriceTolerance > 0 {
		ec.Protection.PriceTolerance = b.PriceTolerance
	}

	c := cfg.Cascade
	cc := &ec.Cascade
	setDur(&cc.Window, c.Window)
	setDur(&cc.HistoryWindow, c.HistoryWindow)
	setInt(&cc.HistorySize, c.HistorySize)
	setInt(&cc.CountMid, c.CountMid)
	setInt(&cc.CountHigh, c.CountHigh)
	setFloat(&cc.VelocityMid, c.VelocityMid)
	setFloat(&cc.VelocityHigh, c.VelocityHigh)
	setFloat(&cc.NotionalMid, c.NotionalMid)
	setFloat(&cc.NotionalHigh, c.NotionalHigh)
	setFloat(&cc.OIDrop1m, c.OIDrop1m)
	setFloat(&cc.OIDrop3m, c.OIDrop3m)
	setFloat(&cc.LQGood, c.LQGood)
	setFloat(&cc.LQExcellent, c.LQExcellent)
	setFloat(&cc.RETHigh, c.RETHigh)
	return ec
}

func setDur(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v > 0 {
		*dst = v
	}
}

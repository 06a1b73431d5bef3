package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"sync"
	"syscall"
	"time"

	"trapwatch/internal/alert"
	"trapwatch/internal/backtest"
	"trapwatch/internal/bot"
	"trapwatch/internal/cache"
	"trapwatch/internal/config"
	"trapwatch/internal/db"
	"trapwatch/internal/domain"
	"trapwatch/internal/handler"
	"trapwatch/internal/history"
	"trapwatch/internal/job"
	"trapwatch/internal/notify"
	"trapwatch/internal/provider"
	"trapwatch/internal/repository"
	"trapwatch/internal/telemetry"
	"trapwatch/internal/walkforward"
	"trapwatch/pkg/logging"
	"trapwatch/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	_ "trapwatch/docs"
)


var (
	loadEnvFunc           = godotenv.Load
	loadConfigFunc        = config.Load
	newLoggerFunc         = logging.New
	initPostgresFunc      = db.InitPostgres
	initRedisFunc         = cache.InitRedis
	openClickHouseFunc    = history.Open
	initTracerFunc        = tracing.InitTracer
	newMarketProviderFunc = func(source string, tracer trace.Tracer) (job.TickFetcher, error) {
		switch source {
		case "bybit":
			return provider.NewBybitProvider(tracer), nil
		case "variational":
			return provider.NewVariationalProvider(tracer), nil
		}
		return nil, fmt.Errorf("unsupported source %q", source)
	}
	startTelegramBotFunc   = bot.StartTelegramBot
	runSupervisorFunc      = func(ctx context.Context, s *job.Supervisor) error { return s.Run(ctx) }
	newRouterFunc          = gin.Default
	setupSignalNotify      = ossignal.Notify
	waitForSignalFunc      = func(quit <-chan os.Signal) { <-quit }
	startHTTPServerFunc    = func(srv *http.Server) error { return srv.ListenAndServe() }
	shutdownHTTPServerFunc = func(srv *http.Server, ctx context.Context) error { return srv.Shutdown(ctx) }
)

// @title           Trapwatch API
// @version         1.0
// @description     False-breakout signal engine: features, signals, alerts and backtests.

// @host      localhost:8080
// @BasePath  /

// @securityDefinitions.apikey  ApiKeyAuth
// @in                          header
// @name                        X-API-Key
func main() {
	_ = loadEnvFunc()
	cfg := loadConfigFunc()

	logger, err := newLoggerFunc(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, tracer, err := initTracerFunc(ctx)
	if err != nil {
		logger.Fatal("failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn("error shutting down tracer provider", zap.Error(err))
		}
	}()

	// Storage. Postgres is optional; without it lanes keep signals in memory.
	var (
		laneStores job.LaneStores
		snapshots  job.SnapshotStore
		ticks      backtest.TickSource
		runStore   backtest.RunStore
		deps       handler.Deps
	)
	if cfg.DatabaseURL != "" {
		pool, err := initPostgresFunc(ctx, cfg.DatabaseURL, db.PoolConfigFromEnv(), logger)
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
		defer pool.Close()

		repos := repository.New(pool, tracer)
		laneStores = job.LaneStores{
			Warmup:   repos.Snapshots,
			Features: repos.Features,
			Signals:  repos.Signals,
			Alerts:   repos.Alerts,
		}
		snapshots = repos.Snapshots
		ticks = repos.Snapshots
		runStore = repos.Backtests
		deps.Features = repos.Features
		deps.Signals = repos.Signals
		deps.Alerts = repos.Alerts
		deps.Runs = repos.Backtests
	}
	if cfg.ClickHouseAddr != "" {
		conn, err := openClickHouseFunc(ctx, history.Options{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDatabase,
			Username: cfg.ClickHouseUser,
			Password: cfg.ClickHousePassword,
		}, logger)
		if err != nil {
			logger.Warn("clickhouse unavailable, backtests replay from postgres", zap.Error(err))
		} else {
			defer conn.Close()
			ticks = history.NewClickHouseSource(conn, tracer)
		}
	}

	recorder := telemetry.NewRecorder()
	hub := notify.NewHub(logger.Named("ws"))
	sinks := []notify.Sink{hub, recorder}

	rdb, err := initRedisFunc(ctx, cfg.RedisURL, logger)
	if err != nil {
		logger.Warn("redis unavailable, feature cache and event pub/sub disabled", zap.Error(err))
	} else {
		defer rdb.Close()
		featureCache := cache.NewFeatureCache(rdb, tracer)
		deps.FeatureCache = featureCache
		sinks = append(sinks, cache.NewEventPublisher(rdb, featureCache, logger.Named("redis")))
	}

	// Lanes: one poller per source, one lane per (source, ticker).
	sup := job.NewSupervisor(logger.Named("supervisor"))
	thresholds := alert.Thresholds{
		PriceSpikeBps: cfg.PriceSpikeBps,
		SpreadMaxBps:  cfg.Strategy.SpreadMaxBps,
		QuoteAgeMaxMs: cfg.Strategy.QuoteAgeMaxMs,
	}
	interval := time.Duration(cfg.PollIntervalMs) * time.Millisecond
	for _, source := range cfg.Sources {
		market, err := newMarketProviderFunc(source, tracer)
		if err != nil {
			logger.Warn("skipping source", zap.String("source", source), zap.Error(err))
			continue
		}
		// Klines come from the first source that serves them.
		if kf, ok := market.(handler.KlineFetcher); ok && deps.Klines == nil {
			deps.Klines = kf
		}
		sup.AddPoller(job.NewTickPoller(tracer, market, snapshots, interval, logger.Named("poller")))
		for _, ticker := range cfg.Tickers {
			lane := domain.Lane{Source: source, Ticker: ticker}
			sup.AddLane(job.NewLane(lane, cfg.Strategy, thresholds, laneStores, recorder, tracer, logger.Named("lane")))
		}
	}

	engines := sup.Engines()
	botLanes := make([]bot.LaneView, 0, len(engines))
	for _, e := range engines {
		deps.Lanes = append(deps.Lanes, e)
		botLanes = append(botLanes, e)
	}

	tg, err := startTelegramBotFunc(cfg.TelegramBotToken, cfg.TelegramChatID, botLanes, logger.Named("telegram"))
	if err != nil {
		logger.Warn("telegram bot disabled", zap.Error(err))
	}
	defer tg.Stop()
	if n := tg.Notifier(); n != nil {
		sinks = append(sinks, n)
	}

	dispatcher := notify.NewDispatcher(logger.Named("notify"), sinks...)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := runSupervisorFunc(ctx, sup); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("supervisor stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx, sup.Events())
	}()

	if ticks != nil {
		bt := backtest.New(ticks, runStore, cfg.Strategy, tracer, logger.Named("backtest"))
		deps.Backtester = bt
		deps.WalkForward = walkforward.New(bt, runStore, tracer, logger.Named("walkforward"))
	}
	deps.Events = hub
	deps.Metrics = recorder.Handler()
	deps.Defaults = handler.Defaults{
		BacktestDays: cfg.BacktestDefaultDays,
		TrainDays:    cfg.WalkForwardTrainDays,
		TestDays:     cfg.WalkForwardTestDays,
	}

	h := handler.New(tracer, logger.Named("http"), deps)
	r := newRouterFunc()
	r.Use(otelgin.Middleware("trapwatch"))
	h.RegisterRoutes(r, cfg.APIKey)
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: r,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr), zap.Int("lanes", len(engines)))
		if err := startHTTPServerFunc(srv); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	setupSignalNotify(quit, syscall.SIGINT, syscall.SIGTERM)
	waitForSignalFunc(quit)
	logger.Info("shutting down server")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := shutdownHTTPServerFunc(srv, shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	hub.Close()
	wg.Wait()

	logger.Info("server exiting")
}

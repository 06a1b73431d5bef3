package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"trapwatch/internal/backtest"
	"trapwatch/internal/domain"
	"trapwatch/internal/repository"
	"trapwatch/internal/walkforward"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type FeatureCache interface {
	Latest(ctx context.Context, source, ticker string) (*domain.Feature, error)
}

type FeatureStore interface {
	Latest(ctx context.Context, source, ticker string) (*domain.Feature, error)
	List(ctx context.Context, ticker string, limit int) ([]domain.Feature, error)
}

type SignalStore interface {
	ListSignals(ctx context.Context, filter domain.SignalFilter) ([]domain.Signal, error)
}

type AlertStore interface {
	ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, error)
	AckAlert(ctx context.Context, id int64) error
}

type RunStore interface {
	GetRun(ctx context.Context, id string) (*domain.BacktestRun, error)
	ListRuns(ctx context.Context, limit int) ([]domain.BacktestRun, error)
}

type BacktestRunner interface {
	Run(ctx context.Context, req backtest.Request) (*domain.BacktestResult, error)
}

type WalkForwardRunner interface {
	Run(ctx context.Context, req walkforward.Request) (*domain.WalkForwardResult, error)
}

type KlineFetcher interface {
	FetchKlines(ctx context.Context, ticker, interval string, limit int) ([]domain.Kline, error)
}

// LaneView is the read side of one lane's signal engine.
type LaneView interface {
	Lane() domain.Lane
	Active() []domain.Signal
	Stats(ctx context.Context) (domain.SignalStats, error)
}

// Defaults fill backtest request fields the caller leaves out.
type Defaults struct {
	BacktestDays int
	TrainDays    int
	TestDays     int
}

// Deps groups the handler's collaborators. Nil stores make their endpoints
// answer 503.
type Deps struct {
	FeatureCache FeatureCache
	Features     FeatureStore
	Signals      SignalStore
	Alerts       AlertStore
	Runs         RunStore
	Backtester   BacktestRunner
	WalkForward  WalkForwardRunner
	Klines       KlineFetcher
	Lanes        []LaneView
	Events       http.Handler
	Metrics      http.Handler
	Defaults     Defaults
}

type Handler struct {
	tracer trace.Tracer
	logger *zap.Logger
	deps   Deps
	now    func() time.Time
}

func New(tracer trace.Tracer, logger *zap.Logger, deps Deps) *Handler {
	if deps.Defaults.BacktestDays <= 0 {
		deps.Defaults.BacktestDays = 7
	}
	if deps.Defaults.TrainDays <= 0 {
		deps.Defaults.TrainDays = 7
	}
	if deps.Defaults.TestDays <= 0 {
		deps.Defaults.TestDays = 1
	}
	return &Handler{
		tracer: tracer,
		logger: logger,
		deps:   deps,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes mounts the API. Mutating endpoints require apiKey when it is
// set.
func (h *Handler) RegisterRoutes(r *gin.Engine, apiKey string) {
	r.GET("/health", h.Health)

	api := r.Group("/api")
	api.GET("/features/:ticker/latest", h.GetLatestFeature)
	api.GET("/features/:ticker", h.ListFeatures)
	api.GET("/signals", h.ListSignals)
	api.GET("/signals/active", h.ActiveSignals)
	api.GET("/signals/stats", h.SignalStats)
	api.GET("/backtest", h.ListBacktestRuns)
	api.GET("/backtest/:id", h.GetBacktestRun)
	api.GET("/alerts", h.ListAlerts)
	api.GET("/klines/:ticker", h.GetKlines)

	protected := api.Group("", APIKeyAuth(apiKey))
	protected.POST("/backtest", h.RunBacktest)
	protected.POST("/walk-forward", h.RunWalkForward)
	protected.POST("/alerts/:id/ack", h.AckAlert)

	if h.deps.Events != nil {
		r.GET("/ws/events", gin.WrapH(h.deps.Events))
	}
	if h.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.deps.Metrics))
	}
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " unavailable"})
}

func (h *Handler) internalError(c *gin.Context, op string, err error) {
	h.logger.Error(op+" failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func notFoundOr500(h *Handler, c *gin.Context, op string, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h.internalError(c, op, err)
}

// queryLimit parses ?limit, falling back to def for missing or invalid values
// and capping at ceiling.
func queryLimit(c *gin.Context, def, ceiling int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, ceiling)
}

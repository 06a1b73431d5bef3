package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"trapwatch/internal/backtest"
	"trapwatch/internal/config"
	"trapwatch/internal/walkforward"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const day = 24 * time.Hour

// rangeBody is the time range shared by backtest and walk-forward requests.
// With no explicit bounds the range is the last Days days.
type rangeBody struct {
	Ticker string             `json:"ticker" binding:"required"`
	Start  *time.Time         `json:"start"`
	End    *time.Time         `json:"end"`
	Days   int                `json:"days"`
	Params map[string]float64 `json:"params"`
}

type walkForwardBody struct {
	rangeBody
	TrainDays int `json:"train_days"`
	TestDays  int `json:"test_days"`
	StepDays  int `json:"step_days"`
}

func (b rangeBody) resolve(now time.Time, defaultDays int) (start, end time.Time, err error) {
	end = now
	if b.End != nil {
		end = b.End.UTC()
	}
	days := b.Days
	if days <= 0 {
		days = defaultDays
	}
	start = end.Add(-time.Duration(days) * day)
	if b.Start != nil {
		start = b.Start.UTC()
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, errors.New("start must be before end")
	}
	return start, end, nil
}

// RunBacktest godoc
// @Summary      Run a backtest
// @Description  Replays stored ticks through the detector and filters and stores the result
// @Tags         backtest
// @Accept       json
// @Produce      json
// @Param        request  body  rangeBody  true  "Ticker, range and parameter overrides"
// @Security     ApiKeyAuth
// @Success      200  {object}  domain.BacktestResult
// @Failure      400  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Router       /api/backtest [post]
func (h *Handler) RunBacktest(c *gin.Context) {
	if h.deps.Backtester == nil {
		unavailable(c, "backtester")
		return
	}
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.run-backtest")
	defer span.End()

	var body rangeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	start, end, err := body.resolve(h.now(), h.deps.Defaults.BacktestDays)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ticker := strings.ToUpper(body.Ticker)
	span.SetAttributes(attribute.String("ticker", ticker))

	res, err := h.deps.Backtester.Run(ctx, backtest.Request{
		Ticker: ticker,
		Start:  start,
		End:    end,
		Params: body.Params,
	})
	if err != nil {
		h.runError(c, "backtest", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// RunWalkForward godoc
// @Summary      Run a walk-forward validation
// @Description  Backtests rolling train/test windows and aggregates the test windows
// @Tags         backtest
// @Accept       json
// @Produce      json
// @Param        request  body  walkForwardBody  true  "Ticker, range, window sizes and parameter overrides"
// @Security     ApiKeyAuth
// @Success      200  {object}  domain.WalkForwardResult
// @Failure      400  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Router       /api/walk-forward [post]
func (h *Handler) RunWalkForward(c *gin.Context) {
	if h.deps.WalkForward == nil {
		unavailable(c, "walk-forward validator")
		return
	}
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.run-walk-forward")
	defer span.End()

	var body walkForwardBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d := h.deps.Defaults
	if body.TrainDays <= 0 {
		body.TrainDays = d.TrainDays
	}
	if body.TestDays <= 0 {
		body.TestDays = d.TestDays
	}
	start, end, err := body.resolve(h.now(), body.TrainDays+d.BacktestDays*body.TestDays)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ticker := strings.ToUpper(body.Ticker)
	span.SetAttributes(attribute.String("ticker", ticker))

	res, err := h.deps.WalkForward.Run(ctx, walkforward.Request{
		Ticker:    ticker,
		Start:     start,
		End:       end,
		TrainDays: body.TrainDays,
		TestDays:  body.TestDays,
		StepDays:  body.StepDays,
		Params:    body.Params,
	})
	if err != nil {
		h.runError(c, "walk-forward", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) runError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, config.ErrUnknownParam), errors.Is(err, walkforward.ErrInvalidWindow):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": op + " cancelled"})
	default:
		h.internalError(c, op, err)
	}
}

// ListBacktestRuns godoc
// @Summary      Stored backtest and walk-forward runs
// @Tags         backtest
// @Produce      json
// @Param        limit  query  int  false  "Number of runs (default 20, max 100)"
// @Success      200  {object}  map[string]interface{}
// @Router       /api/backtest [get]
func (h *Handler) ListBacktestRuns(c *gin.Context) {
	if h.deps.Runs == nil {
		unavailable(c, "run store")
		return
	}
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.list-backtest-runs")
	defer span.End()

	runs, err := h.deps.Runs.ListRuns(ctx, queryLimit(c, 20, 100))
	if err != nil {
		h.internalError(c, "list runs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// GetBacktestRun godoc
// @Summary      One stored run with its full result
// @Tags         backtest
// @Produce      json
// @Param        id  path  string  true  "Run id (UUID)"
// @Success      200  {object}  domain.BacktestRun
// @Failure      400  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /api/backtest/{id} [get]
func (h *Handler) GetBacktestRun(c *gin.Context) {
	if h.deps.Runs == nil {
		unavailable(c, "run store")
		return
	}
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-backtest-run")
	defer span.End()

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}
	span.SetAttributes(attribute.String("run_id", id.String()))

	run, err := h.deps.Runs.GetRun(ctx, id.String())
	if err != nil {
		notFoundOr500(h, c, "get run", err)
		return
	}
	c.JSON(http.StatusOK, run)
}

var (
	_ BacktestRunner    = (*backtest.Backtester)(nil)
	_ WalkForwardRunner = (*walkforward.Validator)(nil)
)

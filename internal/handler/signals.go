package handler

import (
	"net/http"
	"strings"

	"trapwatch/internal/domain"

	"github.com/gin-gonic/gin"
)

// ListSignals godoc
// @Summary      Signal history
// @Tags         signals
// @Produce      json
// @Param        ticker  query  string  false  "Ticker filter"
// @Param        status  query  string  false  "PENDING, TP_HIT, SL_HIT or EXPIRED"
// @Param        limit   query  int     false  "Number of rows (default 100, max 1000)"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Router       /api/signals [get]
func (h *Handler) ListSignals(c *gin.Context) {
	if h.deps.Signals == nil {
		unavailable(c, "signal store")
		return
	}
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.list-signals")
	defer span.End()

	filter := domain.SignalFilter{
		Ticker: strings.ToUpper(c.Query("ticker")),
		Status: domain.SignalStatus(strings.ToUpper(c.Query("status"))),
		Limit:  queryLimit(c, 100, 1000),
	}
	if filter.Status != "" && filter.Status != domain.StatusPending && !filter.Status.Terminal() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status: " + string(filter.Status)})
		return
	}

	signals, err := h.deps.Signals.ListSignals(ctx, filter)
	if err != nil {
		h.internalError(c, "list signals", err)
		return
	}
	if signals == nil {
		signals = []domain.Signal{}
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals})
}

// ActiveSignals godoc
// @Summary      Open signals across lanes
// @Tags         signals
// @Produce      json
// @Param        ticker  query  string  false  "Ticker filter"
// @Success      200  {object}  map[string]interface{}
// @Router       /api/signals/active [get]
func (h *Handler) ActiveSignals(c *gin.Context) {
	ticker := strings.ToUpper(c.Query("ticker"))
	active := []domain.Signal{}
	for _, l := range h.deps.Lanes {
		if ticker != "" && l.Lane().Ticker != ticker {
			continue
		}
		active = append(active, l.Active()...)
	}
	c.JSON(http.StatusOK, gin.H{"count": len(active), "signals": active})
}

type laneStats struct {
	Source string `json:"source"`
	Ticker string `json:"ticker"`
	domain.SignalStats
}

// SignalStats godoc
// @Summary      Per-lane signal statistics
// @Tags         signals
// @Produce      json
// @Param        ticker  query  string  false  "Ticker filter"
// @Success      200  {object}  map[string]interface{}
// @Failure      500  {object}  map[string]string
// @Router       /api/signals/stats [get]
func (h *Handler) SignalStats(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.signal-stats")
	defer span.End()

	ticker := strings.ToUpper(c.Query("ticker"))
	out := []laneStats{}
	for _, l := range h.deps.Lanes {
		lane := l.Lane()
		if ticker != "" && lane.Ticker != ticker {
			continue
		}
		st, err := l.Stats(ctx)
		if err != nil {
			h.internalError(c, "signal stats "+lane.String(), err)
			return
		}
		out = append(out, laneStats{Source: lane.Source, Ticker: lane.Ticker, SignalStats: st})
	}
	c.JSON(http.StatusOK, gin.H{"lanes": out})
}

package handler

import (
	"errors"
	"net/http"
	"strings"

	"trapwatch/internal/provider"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// GetKlines godoc
// @Summary      OHLCV bars from the exchange
// @Tags         market
// @Produce      json
// @Param        ticker    path   string  true   "Ticker (e.g., ETH)"
// @Param        interval  query  string  false  "Bar interval (1m, 5m, 15m, 1h, 4h, 1d)"  default(1m)
// @Param        limit     query  int     false  "Number of bars (default 200, max 1000)"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      502  {object}  map[string]string
// @Router       /api/klines/{ticker} [get]
func (h *Handler) GetKlines(c *gin.Context) {
	if h.deps.Klines == nil {
		unavailable(c, "market data provider")
		return
	}
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-klines")
	defer span.End()

	ticker := strings.ToUpper(c.Param("ticker"))
	interval := c.DefaultQuery("interval", "1m")
	span.SetAttributes(attribute.String("ticker", ticker), attribute.String("interval", interval))

	klines, err := h.deps.Klines.FetchKlines(ctx, ticker, interval, queryLimit(c, 200, 1000))
	if err != nil {
		if errors.Is(err, provider.ErrUnsupportedInterval) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticker": ticker, "interval": interval, "klines": klines})
}

package handler

import (
	"errors"
	"net/http"
	"strings"

	"trapwatch/internal/cache"
	"trapwatch/internal/domain"
	"trapwatch/internal/repository"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// GetLatestFeature godoc
// @Summary      Latest feature for a ticker
// @Description  Reads the Redis cache first and falls back to Postgres
// @Tags         features
// @Produce      json
// @Param        ticker  path   string  true   "Ticker (e.g., ETH)"
// @Param        source  query  string  false  "Data source (e.g., bybit)"
// @Success      200  {object}  domain.Feature
// @Failure      404  {object}  map[string]string
// @Router       /api/features/{ticker}/latest [get]
func (h *Handler) GetLatestFeature(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-latest-feature")
	defer span.End()

	ticker := strings.ToUpper(c.Param("ticker"))
	source := h.sourceFor(ticker, strings.ToLower(c.Query("source")))
	span.SetAttributes(attribute.String("ticker", ticker), attribute.String("source", source))

	if h.deps.FeatureCache != nil && source != "" {
		f, err := h.deps.FeatureCache.Latest(ctx, source, ticker)
		if err == nil {
			c.JSON(http.StatusOK, f)
			return
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			h.logger.Warn("feature cache read failed", zap.String("ticker", ticker), zap.Error(err))
		}
	}

	if h.deps.Features == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no feature for " + ticker})
		return
	}
	f, err := h.deps.Features.Latest(ctx, source, ticker)
	if err != nil {
		notFoundOr500(h, c, "latest feature", err)
		return
	}
	c.JSON(http.StatusOK, f)
}

// ListFeatures godoc
// @Summary      Recent features for a ticker
// @Tags         features
// @Produce      json
// @Param        ticker  path   string  true   "Ticker (e.g., ETH)"
// @Param        limit   query  int     false  "Number of rows (default 100, max 1000)"
// @Success      200  {object}  map[string]interface{}
// @Failure      503  {object}  map[string]string
// @Router       /api/features/{ticker} [get]
func (h *Handler) ListFeatures(c *gin.Context) {
	if h.deps.Features == nil {
		unavailable(c, "feature store")
		return
	}
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.list-features")
	defer span.End()

	ticker := strings.ToUpper(c.Param("ticker"))
	features, err := h.deps.Features.List(ctx, ticker, queryLimit(c, 100, 1000))
	if err != nil {
		h.internalError(c, "list features", err)
		return
	}
	if features == nil {
		features = []domain.Feature{}
	}
	c.JSON(http.StatusOK, gin.H{"ticker": ticker, "features": features})
}

// sourceFor returns source, or the source of the first lane running ticker.
func (h *Handler) sourceFor(ticker, source string) string {
	if source != "" {
		return source
	}
	for _, l := range h.deps.Lanes {
		if l.Lane().Ticker == ticker {
			return l.Lane().Source
		}
	}
	return ""
}

var (
	_ FeatureStore = (*repository.FeatureRepository)(nil)
	_ FeatureCache = (*cache.FeatureCache)(nil)
)

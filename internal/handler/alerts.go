package handler

import (
	"net/http"
	"strconv"
	"strings"

	"trapwatch/internal/domain"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// ListAlerts godoc
// @Summary      Alert history
// @Tags         alerts
// @Produce      json
// @Param        ticker   query  string  false  "Ticker filter"
// @Param        type     query  string  false  "Alert type (e.g., PRICE_SPIKE)"
// @Param        unacked  query  bool    false  "Only unacknowledged alerts"
// @Param        limit    query  int     false  "Number of rows (default 100, max 1000)"
// @Success      200  {object}  map[string]interface{}
// @Router       /api/alerts [get]
func (h *Handler) ListAlerts(c *gin.Context) {
	if h.deps.Alerts == nil {
		unavailable(c, "alert store")
		return
	}
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.list-alerts")
	defer span.End()

	unacked, _ := strconv.ParseBool(c.Query("unacked"))
	alerts, err := h.deps.Alerts.ListAlerts(ctx, domain.AlertFilter{
		Ticker:      strings.ToUpper(c.Query("ticker")),
		Type:        domain.AlertType(strings.ToUpper(c.Query("type"))),
		UnackedOnly: unacked,
		Limit:       queryLimit(c, 100, 1000),
	})
	if err != nil {
		h.internalError(c, "list alerts", err)
		return
	}
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// AckAlert godoc
// @Summary      Acknowledge an alert
// @Tags         alerts
// @Produce      json
// @Param        id  path  int  true  "Alert id"
// @Security     ApiKeyAuth
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /api/alerts/{id}/ack [post]
func (h *Handler) AckAlert(c *gin.Context) {
	if h.deps.Alerts == nil {
		unavailable(c, "alert store")
		return
	}
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.ack-alert")
	defer span.End()

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
		return
	}
	span.SetAttributes(attribute.Int64("alert_id", id))

	if err := h.deps.Alerts.AckAlert(ctx, id); err != nil {
		notFoundOr500(h, c, "ack alert", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "id": id})
}

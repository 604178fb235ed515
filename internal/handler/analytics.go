package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/aman-churiwal/quota-authorizer/internal/middleware"
	"github.com/aman-churiwal/quota-authorizer/internal/reporting"
	"github.com/gin-gonic/gin"
)

type UsageHandler struct {
	gateway *reporting.Gateway
	logger  *slog.Logger
}

func NewUsageHandler(gateway *reporting.Gateway, logger *slog.Logger) *UsageHandler {
	return &UsageHandler{gateway: gateway, logger: logger}
}

// Handles GET /v1/usage
func (h *UsageHandler) GetUsage(c *gin.Context) {
	email := c.GetString(middleware.AccountEmailKey)
	if email == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	includeRecent := false
	if raw := c.Query("include_recent"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "include_recent must be a boolean"})
			return
		}
		includeRecent = v
	}

	report, err := h.gateway.Report(c.Request.Context(), email, reporting.Options{IncludeRecent: includeRecent})
	if err != nil {
		h.logger.Error("usage report failed",
			"request_id", c.GetString(middleware.RequestIDKey),
			"account", email,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build usage report"})
		return
	}

	c.JSON(http.StatusOK, report)
}

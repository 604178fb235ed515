package handler

import (
	"net/http"
	"time"

	"github.com/aman-churiwal/quota-authorizer/internal/circuitbreaker"
	"github.com/aman-churiwal/quota-authorizer/internal/healthcheck"
	"github.com/gin-gonic/gin"
)

// Handles system-related endpoints
type SystemHandler struct {
	checker  *healthcheck.Checker
	breakers map[string]*circuitbreaker.Breaker
	version  string
}

func NewSystemHandler(checker *healthcheck.Checker, breakers map[string]*circuitbreaker.Breaker, version string) *SystemHandler {
	if breakers == nil {
		breakers = map[string]*circuitbreaker.Breaker{}
	}
	return &SystemHandler{
		checker:  checker,
		breakers: breakers,
		version:  version,
	}
}

// Handles GET /health
func (h *SystemHandler) Health(c *gin.Context) {
	overall := h.checker.OverallHealth()

	c.JSON(overall.HTTPStatus(), gin.H{
		"status":    overall,
		"service":   "quota-authorizer",
		"version":   h.version,
		"timestamp": time.Now().Unix(),
		"checks":    h.checker.GetAllStatus(),
	})
}

// Returns the status of all circuit breakers
func (h *SystemHandler) CircuitBreakerStatus(c *gin.Context) {
	statuses := make(map[string]circuitbreaker.Snapshot, len(h.breakers))
	for name, b := range h.breakers {
		statuses[name] = b.Snapshot()
	}

	c.JSON(http.StatusOK, statuses)
}

// Manually resets a circuit breaker
func (h *SystemHandler) ResetCircuitBreaker(c *gin.Context) {
	name := c.Param("name")

	b, exists := h.breakers[name]
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "Circuit breaker not found"})
		return
	}

	b.Reset()

	c.JSON(http.StatusOK, gin.H{
		"message": "Circuit breaker reset successfully",
		"name":    name,
	})
}

// Package health exposes the Kubernetes-style liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openworld-labs/gridsync/internal/v1/bus"
	"github.com/openworld-labs/gridsync/internal/v1/logging"
	"go.uber.org/zap"
)

// RelayChecker reports how many discovery relay sessions are live.
type RelayChecker interface {
	ConnectedCount() int
}

// Handler manages the health check endpoints.
type Handler struct {
	redisService *bus.Service
	relays       RelayChecker
	relayCount   int
}

// NewHandler creates a health handler. Both dependencies are optional:
// nil redis means single-instance mode, nil relays means announcing is off.
func NewHandler(redisService *bus.Service, relays RelayChecker, relayCount int) *Handler {
	return &Handler{
		redisService: redisService,
		relays:       relays,
		relayCount:   relayCount,
	}
}

// LivenessResponse is the liveness probe body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe body.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live: 200 whenever the process is up.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready: 200 only when the configured
// dependencies answer, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	if h.relays != nil && h.relayCount > 0 {
		relayStatus := h.checkRelays()
		checks["relays"] = relayStatus
		if relayStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redisService == nil {
		return "healthy" // single-instance mode
	}
	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// checkRelays is healthy while at least one relay session is connected;
// discovery is best-effort and survives partial relay outages.
func (h *Handler) checkRelays() string {
	if h.relays.ConnectedCount() > 0 {
		return "healthy"
	}
	return "unhealthy"
}

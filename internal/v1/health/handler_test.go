package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedRelayChecker struct{ connected int }

func (f fixedRelayChecker) ConnectedCount() int { return f.connected }

func serve(h *Handler, path string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health/live", h.Liveness)
	router.GET("/health/ready", h.Readiness)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestLiveness(t *testing.T) {
	h := NewHandler(nil, nil, 0)

	w := serve(h, "/health/live")

	assert.Equal(t, http.StatusOK, w.Code)
	var resp LivenessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alive", resp.Status)
	assert.NotEmpty(t, resp.Timestamp)
}

func TestReadiness_NoDependencies(t *testing.T) {
	h := NewHandler(nil, nil, 0)

	w := serve(h, "/health/ready")

	assert.Equal(t, http.StatusOK, w.Code)
	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "healthy", resp.Checks["redis"])
	_, hasRelays := resp.Checks["relays"]
	assert.False(t, hasRelays, "relay check only runs when relays are configured")
}

func TestReadiness_RelaysConnected(t *testing.T) {
	h := NewHandler(nil, fixedRelayChecker{connected: 1}, 3)

	w := serve(h, "/health/ready")

	assert.Equal(t, http.StatusOK, w.Code)
	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Checks["relays"])
}

func TestReadiness_AllRelaysDown(t *testing.T) {
	h := NewHandler(nil, fixedRelayChecker{connected: 0}, 3)

	w := serve(h, "/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unavailable", resp.Status)
	assert.Equal(t, "unhealthy", resp.Checks["relays"])
}

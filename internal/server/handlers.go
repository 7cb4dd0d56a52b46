package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustscore/internal/health"
)

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status         string          `json:"status"`
	Version        string          `json:"version"`
	Checks         []health.Status `json:"checks,omitempty"`
	ActiveSessions int             `json:"activeSessions"`
	Timestamp      string          `json:"timestamp"`
}

// healthHandler reports healthy, degraded (an optional check failed, still
// 200) or unhealthy (a required check failed, 503).
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	rep := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	switch {
	case !rep.Healthy:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	case rep.Degraded:
		status = "degraded"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:         status,
		Version:        Version,
		Checks:         rep.Checks,
		ActiveSessions: len(s.sessions.Active()),
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// providersHandler handles GET /v1/admin/providers
func (s *Server) providersHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"circuits": s.breaker.Snapshot()})
}

// realtimeStatsHandler handles GET /v1/admin/realtime
func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

package server

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/avelou/heartline/internal/audit"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    []healthIndicator `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

type healthIndicator struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.Check(c.Request.Context())

	checks := make([]healthIndicator, 0, len(statuses))
	for _, st := range statuses {
		checks = append(checks, healthIndicator{
			Name:    st.Name,
			Healthy: st.Healthy,
			Detail:  st.Detail,
		})
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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

// requireAdmin gates admin routes on the X-Admin-Secret header. With no
// secret configured, the admin surface is disabled entirely.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := s.cfg.AdminSecret
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Not found.",
			})
			return
		}
		got := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin credentials.",
			})
			return
		}
		c.Next()
	}
}

// reconcileHandler runs the settlement sweep on demand.
// GET /admin/reconcile
func (s *Server) reconcileHandler(c *gin.Context) {
	report, err := s.sweeper.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconcile_failed",
			"message": "Sweep failed: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// eventsHandler queries the audit log.
// GET /admin/events?userId=&action=&limit=
func (s *Server) eventsHandler(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	events, err := s.auditLog.Find(c.Request.Context(), audit.Query{
		UserID: c.Query("userId"),
		Action: c.Query("action"),
		Limit:  limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "query_failed",
			"message": "Failed to query events.",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

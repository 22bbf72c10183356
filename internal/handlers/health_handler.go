package handlers

import (
	"net/http"
	"time"

	"fosterline/internal/metrics"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var startTime = time.Now()

// HealthHandler reports process liveness and database reachability.
type HealthHandler struct {
	db *gorm.DB
}

func NewHealthHandler(db *gorm.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// HealthResponse is the health endpoint body.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Services  map[string]string `json:"services"`
}

// Health checks the database connection and reports overall status.
func (h *HealthHandler) Health(c *gin.Context) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Services:  map[string]string{"database": "healthy"},
	}

	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		resp.Status = "degraded"
		resp.Services["database"] = "unreachable: " + err.Error()
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// MetricsHandler exposes the in-process dispatch and rate limit counters.
type MetricsHandler struct{}

func NewMetricsHandler() *MetricsHandler {
	return &MetricsHandler{}
}

// Metrics returns counter snapshots as JSON.
func (h *MetricsHandler) Metrics(c *gin.Context) {
	dispatchTotal, dispatchBy := metrics.DispatchSnapshot()
	rlTotal, rlBy := metrics.RateLimitSnapshot()
	c.JSON(http.StatusOK, gin.H{
		"dispatches": gin.H{
			"total":      dispatchTotal,
			"by_outcome": dispatchBy,
		},
		"rate_limit_drops": gin.H{
			"total":     rlTotal,
			"by_prefix": rlBy,
		},
	})
}

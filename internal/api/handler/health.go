package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// IndexDrift is implemented by components that track stale vector index entries.
type IndexDrift interface {
	PendingIndexSync() int
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	db Pinger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{db: db}
}

// Health returns the health status of the service
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "degraded",
			"database": err.Error(),
		})
		return
	}
	body := gin.H{"status": "ok"}
	if d, ok := h.db.(IndexDrift); ok {
		body["vector_pending"] = d.PendingIndexSync()
	}
	c.JSON(http.StatusOK, body)
}

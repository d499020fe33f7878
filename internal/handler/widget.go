package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type WidgetHandler struct {
	PollInterval time.Duration
}

// Config bootstraps the embedded widget: how often to poll and whether chat
// is live at all.
func (h *WidgetHandler) Config(c *gin.Context) {
	interval := h.PollInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled":          true,
		"poll_interval_ms": interval.Milliseconds(),
	})
}

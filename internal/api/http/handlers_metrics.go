package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// MetricsJSON returns a JSON summary of the collected metrics, for
// clients that do not scrape the Prometheus endpoint
func (h *Handlers) MetricsJSON(c *gin.Context) {
	if h.deps.Metrics == nil {
		fail(c, http.StatusNotFound, "metrics disabled")
		return
	}
	respond(c, http.StatusOK, gin.H{
		"metrics": h.deps.Metrics.Snapshot(),
		"busy":    h.deps.Engine.Busy(),
	})
}

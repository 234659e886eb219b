package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/arlens/ar-backend/internal/ar_compilation/domain"
	"github.com/arlens/ar-backend/internal/ar_compilation/queue"
	"github.com/gin-gonic/gin"
)

// StreamProjectEvents streams status changes of a project using Server-Sent
// Events. The stream ends once the project reaches ready or error, or is
// deleted. Polling GET /status stays the primary contract.
func (h *Handler) StreamProjectEvents(c *gin.Context) {
	p := h.ownedProject(c)
	if p == nil {
		return
	}
	if h.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream unavailable"})
		return
	}

	ctx := c.Request.Context()

	// Subscribe before reading the initial state so no change in between
	// is lost.
	sub, err := h.events.Subscribe(ctx, p.ID)
	if err != nil {
		writeError(c, err, "failed to subscribe to project events")
		return
	}
	defer sub.Close()

	view, err := h.svc.Status(ctx, p.ID)
	if err != nil {
		writeError(c, err, "failed to get status")
		return
	}

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // nginx: disable buffering

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	writeEvent(c, flusher, "initial", view)
	if terminal(view.Status) {
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client disconnected
			return

		case <-ticker.C:
			fmt.Fprint(c.Writer, ": keep-alive\n\n")
			flusher.Flush()

		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if ev.Type == queue.EventDeleted {
				writeEvent(c, flusher, "deleted", gin.H{"event": "deleted", "projectId": p.ID})
				return
			}
			writeEvent(c, flusher, "status", ev)
			if terminal(domain.Status(ev.Status)) {
				return
			}
		}
	}
}

func terminal(s domain.Status) bool {
	return s == domain.StatusReady || s == domain.StatusError
}

func writeEvent(c *gin.Context, flusher http.Flusher, name string, payload any) {
	data, _ := json.Marshal(payload)
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", name, data)
	flusher.Flush()
}

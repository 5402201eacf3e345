package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type pageChangeEventPayload struct {
	PageIDs   []string  `json:"page_ids"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

type heartbeatEventPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// handleEvents streams the user's page-change events as server-sent events.
func (h *httpHandler) handleEvents(c *gin.Context) {
	user := currentUser(c)
	requestCtx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(requestCtx, user.ID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-requestCtx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, pageChangeEventPayload{
				PageIDs:   message.PageIDs,
				Source:    message.Source,
				Timestamp: message.Timestamp,
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatEventPayload{Timestamp: tick.UTC()})
			return true
		}
	})
}

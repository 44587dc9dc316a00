package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// sseMessage is the envelope written to the SSE stream.
type sseMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// handleStream serves the Server-Sent-Events progress feed: a "connected"
// message on open, a "progress" message per probe, and a "heartbeat" every
// 30 seconds. Subscribing and unsubscribing are safe at any time; a slow
// client drops events rather than stalling the workers.
func (s *Server) handleStream(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ch, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	writeSSE(c, flusher, sseMessage{Type: "connected"})

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-ch:
			writeSSE(c, flusher, sseMessage{Type: "progress", Data: event})
		case <-heartbeat.C:
			writeSSE(c, flusher, sseMessage{Type: "heartbeat"})
		}
	}
}

// writeSSE writes one SSE data frame and flushes it.
func writeSSE(c *gin.Context, flusher http.Flusher, msg sseMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("Failed to marshal SSE message", "error", err)
		return
	}
	if _, err := c.Writer.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
		return
	}
	flusher.Flush()
}

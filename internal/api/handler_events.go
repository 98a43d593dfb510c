package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"terminal/internal/eventbus"

	"github.com/gin-gonic/gin"
)

// closeGrace 会话关闭后继续等待 session.closed 事件的时间
const closeGrace = 2 * time.Second

// SessionEvents GET /sessions/events/:id
// 通过 SSE 推送某个活跃终端会话的生命周期事件
func (h *TerminalHandler) SessionEvents(c *gin.Context) {
	sessionID := c.Param("id")
	sess, ok := h.registry.Get(sessionID)
	if !ok {
		respondError(c, http.StatusNotFound, ErrSessionNotFound)
		return
	}

	eventCh, err := h.events.Subscribe(c.Request.Context(), sessionID)
	if err != nil {
		h.errors.Record(err)
		respondError(c, http.StatusServiceUnavailable, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(c.Writer)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		slog.Warn("Failed to disable write deadline for SSE", "error", err)
	}
	// 订阅已确认，先把响应头发出去
	c.Status(http.StatusOK)
	c.Writer.Flush()

	closed := sess.Closed()
	var grace <-chan time.Time

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return false
			}
			data, err := json.Marshal(SSEEvent{
				Type:      string(event.Type),
				SessionID: event.SessionID,
				Payload:   event.Payload,
				Timestamp: formatTime(event.Timestamp),
			})
			if err != nil {
				return false
			}
			c.SSEvent("message", string(data))
			return event.Type != eventbus.EventSessionClosed

		case <-closed:
			closed = nil
			grace = time.After(closeGrace)
			return true

		case <-grace:
			return false

		case <-c.Request.Context().Done():
			return false

		case <-time.After(30 * time.Second):
			c.SSEvent("ping", "")
			return true
		}
	})
}

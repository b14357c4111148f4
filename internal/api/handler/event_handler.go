package handler

import (
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/cuongbtq/stemsplit/internal/api/dto"
	"github.com/cuongbtq/stemsplit/internal/domain"
	"github.com/cuongbtq/stemsplit/internal/notify"
	"github.com/cuongbtq/stemsplit/internal/registry"
)

const (
	defaultKeepAlive = 25 * time.Second
	writeWait        = 10 * time.Second
)

// EventHandler streams job events over WebSocket and Server-Sent Events
type EventHandler struct {
	logger    *slog.Logger
	registry  *registry.Registry
	hub       *notify.Hub
	keepAlive time.Duration
	upgrader  websocket.Upgrader
}

// NewEventHandler creates a new EventHandler instance
func NewEventHandler(deps *Dependencies) *EventHandler {
	keepAlive := deps.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	origins := deps.AllowedOrigins

	return &EventHandler{
		logger:    deps.Logger,
		registry:  deps.Registry,
		hub:       deps.Hub,
		keepAlive: keepAlive,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || slices.Contains(origins, "*") || slices.Contains(origins, origin)
			},
		},
	}
}

// WebSocket handles GET /ws
// Pushes events of one job (?job_id=) or of every job when the filter is empty
func (h *EventHandler) WebSocket(c *gin.Context) {
	jobID := c.Query("job_id")
	if jobID != "" {
		if _, err := h.registry.Get(jobID); err != nil {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: msgJobNotFound})
			return
		}
	}

	// Subscribed before the handshake completes so the client never misses
	// an event published right after it connects.
	sub := h.hub.Subscribe(jobID)
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	h.logger.Info("WebSocket client connected",
		slog.String("job_id", jobID),
		slog.String("ip", c.ClientIP()),
	)
	defer h.logger.Info("WebSocket client disconnected", slog.String("job_id", jobID))

	// Reader: answers control frames and notices when the client leaves.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(2 * h.keepAlive))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * h.keepAlive))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return

		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(dto.EventMessage{Event: string(ev.Type), Data: ev}); err != nil {
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// StreamEvents handles GET /api/events/:job_id
// Sends the current status first, then every transition until the job ends
func (h *EventHandler) StreamEvents(c *gin.Context) {
	jobID := c.Param("job_id")

	// Subscribe before reading the snapshot so no transition falls in between.
	sub := h.hub.Subscribe(jobID)
	defer sub.Close()

	job, err := h.registry.Get(jobID)
	if err != nil {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: msgJobNotFound})
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("job_status", dto.NewStatusResponse(job))
	c.Writer.Flush()
	if job.IsDone() {
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return !isTerminalEvent(ev)
		case <-ticker.C:
			_, err := io.WriteString(w, ": keepalive\n\n")
			return err == nil
		}
	})
}

func isTerminalEvent(ev domain.Event) bool {
	return ev.Type == domain.EventComplete || ev.Type == domain.EventFailed
}

package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/memohai/wagateway/internal/gateway"
	"github.com/memohai/wagateway/internal/session"
)

const (
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = 54 * time.Second
	wsWriteWait    = 10 * time.Second
	wsSendBuffer   = 64
	wsMaxReadBytes = 4096
)

// StatusSubscriber delivers a tenant's status events until cancelled.
type StatusSubscriber interface {
	Subscribe(tenantID string, fn func(gateway.StatusEvent)) func()
}

// WSCommand is a client-to-server frame on /ws/:tenantId.
type WSCommand struct {
	Action string `json:"action"`
}

// WSReply answers a command that produced no status event of its own.
type WSReply struct {
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// WSHandler streams a tenant's status over a websocket and accepts connect
// actions from the client.
type WSHandler struct {
	manager  SessionManager
	hub      StatusSubscriber
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSHandler creates a WSHandler with the given logger, session manager
// and status hub.
func NewWSHandler(log *slog.Logger, manager SessionManager, hub StatusSubscriber) *WSHandler {
	return &WSHandler{
		manager: manager,
		hub:     hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log.With(slog.String("handler", "ws")),
	}
}

func (h *WSHandler) Register(e *echo.Echo) {
	e.GET("/ws/:tenantId", h.Stream)
}

// Stream upgrades the request and streams the tenant's status events until
// either side closes.
func (h *WSHandler) Stream(c echo.Context) error {
	tenantID := c.Param("tenantId")
	if err := session.ValidateTenantID(tenantID); err != nil {
		return failure(c, http.StatusBadRequest, err)
	}
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
		return nil
	}
	client := &wsClient{
		id:       uuid.NewString(),
		tenantID: tenantID,
		conn:     conn,
		send:     make(chan []byte, wsSendBuffer),
		done:     make(chan struct{}),
		handler:  h,
	}
	client.logger = h.logger.With(slog.String("tenant_id", tenantID), slog.String("client_id", client.id))
	client.logger.Debug("websocket attached")

	cancel := h.hub.Subscribe(tenantID, client.enqueueEvent)
	client.enqueueEvent(gateway.StatusEvent{Snapshot: h.manager.Status(tenantID), Timestamp: time.Now().UTC()})

	go client.writePump()
	client.readPump(c.Request().Context())

	cancel()
	close(client.done)
	client.logger.Debug("websocket detached")
	return nil
}

type wsClient struct {
	id       string
	tenantID string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	handler  *WSHandler
	logger   *slog.Logger
}

// enqueueEvent never blocks the publisher; a slow client loses events.
func (c *wsClient) enqueueEvent(ev gateway.StatusEvent) {
	c.enqueue(ev)
}

func (c *wsClient) enqueue(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("marshal websocket frame failed", slog.Any("error", err))
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- payload:
	default:
		c.logger.Warn("websocket send buffer full, dropping frame")
	}
}

func (c *wsClient) readPump(ctx context.Context) {
	defer c.conn.Close()

	c.conn.SetReadLimit(wsMaxReadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", slog.Any("error", err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var cmd WSCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.logger.Debug("ignoring malformed websocket frame", slog.Any("error", err))
			continue
		}
		c.handleCommand(ctx, cmd)
	}
}

func (c *wsClient) handleCommand(ctx context.Context, cmd WSCommand) {
	manager := c.handler.manager
	switch cmd.Action {
	case "connect":
		if err := manager.Connect(ctx, c.tenantID); err != nil {
			c.logger.Error("websocket connect failed", slog.Any("error", err))
			c.enqueue(WSReply{Action: cmd.Action, Error: err.Error()})
		}
	case "disconnect":
		if err := manager.Disconnect(ctx, c.tenantID); err != nil {
			c.logger.Error("websocket disconnect failed", slog.Any("error", err))
			c.enqueue(WSReply{Action: cmd.Action, Error: err.Error()})
			return
		}
		c.enqueue(WSReply{Action: cmd.Action, Success: true})
	case "status":
		c.enqueueEvent(gateway.StatusEvent{Snapshot: manager.Status(c.tenantID), Timestamp: time.Now().UTC()})
	default:
		c.logger.Debug("ignoring unknown websocket action", slog.String("action", cmd.Action))
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

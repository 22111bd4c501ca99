package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/memohai/wagateway/internal/gateway"
	"github.com/memohai/wagateway/internal/session"
)

// SessionManager is the part of the connection manager the API drives.
type SessionManager interface {
	Connect(ctx context.Context, tenantID string) error
	Disconnect(ctx context.Context, tenantID string) error
	Status(tenantID string) gateway.Snapshot
	SendMessage(ctx context.Context, tenantID, recipient, text string) error
	List() []gateway.SessionInfo
}

type ActionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type SendRequest struct {
	To      string `json:"to" validate:"required"`
	Message string `json:"message" validate:"required"`
}

type SessionsResponse struct {
	Sessions []gateway.SessionInfo `json:"sessions"`
}

// SessionsHandler serves the tenant connect, disconnect, status, send and
// list endpoints.
type SessionsHandler struct {
	manager  SessionManager
	validate *validator.Validate
	logger   *slog.Logger
}

// NewSessionsHandler creates a SessionsHandler with the given logger and
// session manager.
func NewSessionsHandler(log *slog.Logger, manager SessionManager) *SessionsHandler {
	return &SessionsHandler{
		manager:  manager,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   log.With(slog.String("handler", "sessions")),
	}
}

func (h *SessionsHandler) Register(e *echo.Echo) {
	e.POST("/connect/:tenantId", h.Connect)
	e.POST("/disconnect/:tenantId", h.Disconnect)
	e.GET("/status/:tenantId", h.Status)
	e.POST("/send/:tenantId", h.Send)
	e.GET("/sessions", h.List)
}

// Connect godoc
// @Summary Start or resume a tenant connection
// @Param tenantId path string true "Tenant ID"
// @Success 200 {object} ActionResponse
// @Failure 400 {object} ActionResponse
// @Failure 500 {object} ActionResponse
// @Router /connect/{tenantId} [post]
func (h *SessionsHandler) Connect(c echo.Context) error {
	tenantID := c.Param("tenantId")
	if err := h.manager.Connect(c.Request().Context(), tenantID); err != nil {
		h.logger.Error("connect failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
		return failure(c, statusFor(err), err)
	}
	return c.JSON(http.StatusOK, ActionResponse{Success: true, Message: fmt.Sprintf("Connecting tenant %s", tenantID)})
}

// Disconnect godoc
// @Summary Tear down a tenant connection and forget its credentials
// @Param tenantId path string true "Tenant ID"
// @Success 200 {object} ActionResponse
// @Failure 400 {object} ActionResponse
// @Failure 500 {object} ActionResponse
// @Router /disconnect/{tenantId} [post]
func (h *SessionsHandler) Disconnect(c echo.Context) error {
	tenantID := c.Param("tenantId")
	if err := h.manager.Disconnect(c.Request().Context(), tenantID); err != nil {
		h.logger.Error("disconnect failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
		return failure(c, statusFor(err), err)
	}
	return c.JSON(http.StatusOK, ActionResponse{Success: true, Message: fmt.Sprintf("Disconnected tenant %s", tenantID)})
}

func (h *SessionsHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Status(c.Param("tenantId")))
}

// Send godoc
// @Summary Send a text message from a tenant's account
// @Param tenantId path string true "Tenant ID"
// @Param payload body SendRequest true "Recipient and text"
// @Success 200 {object} ActionResponse
// @Failure 400 {object} ActionResponse
// @Failure 500 {object} ActionResponse
// @Router /send/{tenantId} [post]
func (h *SessionsHandler) Send(c echo.Context) error {
	tenantID := c.Param("tenantId")
	var req SendRequest
	if err := c.Bind(&req); err != nil {
		return failure(c, http.StatusBadRequest, errors.New("invalid request body"))
	}
	req.To = strings.TrimSpace(req.To)
	if err := h.validate.Struct(req); err != nil {
		return failure(c, http.StatusBadRequest, gateway.ErrInvalidMessage)
	}
	if err := h.manager.SendMessage(c.Request().Context(), tenantID, req.To, req.Message); err != nil {
		if !errors.Is(err, gateway.ErrNotConnected) {
			h.logger.Error("send failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
		}
		return failure(c, statusFor(err), err)
	}
	return c.JSON(http.StatusOK, ActionResponse{Success: true})
}

func (h *SessionsHandler) List(c echo.Context) error {
	sessions := h.manager.List()
	if sessions == nil {
		sessions = []gateway.SessionInfo{}
	}
	return c.JSON(http.StatusOK, SessionsResponse{Sessions: sessions})
}

func failure(c echo.Context, status int, err error) error {
	return c.JSON(status, ActionResponse{Success: false, Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidTenantID), errors.Is(err, gateway.ErrInvalidMessage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// README: Device token registration for push notifications.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ridelink/internal/http/middleware"
	"ridelink/internal/logging"
	"ridelink/internal/types"
)

type TokenStore interface {
	Register(ctx context.Context, userID types.ID, token string) error
	Unregister(ctx context.Context, userID types.ID) error
}

type DeviceHandler struct {
	tokens TokenStore
	logger *zap.Logger
}

func NewDeviceHandler(tokens TokenStore, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{tokens: tokens, logger: logging.OrNop(logger)}
}

type deviceReq struct {
	Token string `json:"token"`
}

func (h *DeviceHandler) Register(c *gin.Context) {
	var req deviceReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		writeError(c, http.StatusBadRequest, "token is required")
		return
	}
	if err := h.tokens.Register(c.Request.Context(), middleware.CallerID(c), req.Token); err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DeviceHandler) Unregister(c *gin.Context) {
	if err := h.tokens.Unregister(c.Request.Context(), middleware.CallerID(c)); err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// README: Chat handlers: send, page through and stream a ride's messages.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ridelink/internal/http/middleware"
	"ridelink/internal/logging"
	"ridelink/internal/modules/chat"
	"ridelink/internal/modules/ride"
)

type ChatHandler struct {
	rides  *ride.Service
	chat   *chat.Service
	logger *zap.Logger
}

func NewChatHandler(rides *ride.Service, svc *chat.Service, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{rides: rides, chat: svc, logger: logging.OrNop(logger)}
}

type sendReq struct {
	Body string `json:"body"`
}

func (h *ChatHandler) Send(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req sendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	m, err := h.chat.Send(c.Request.Context(), chat.SendCommand{
		RideID:   id,
		SenderID: middleware.CallerID(c),
		Body:     req.Body,
	})
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	writeJSON(c, http.StatusCreated, m)
}

// List pages with ?after=<seq>&limit=<n>.
func (h *ChatHandler) List(c *gin.Context) {
	r, ok := loadPartyRide(c, h.rides, h.logger)
	if !ok {
		return
	}
	msgs, err := h.chat.List(c.Request.Context(), r.ID, int64(queryInt(c, "after", 0)), queryInt(c, "limit", 0))
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	if msgs == nil {
		msgs = []*chat.Message{}
	}
	writeJSON(c, http.StatusOK, gin.H{"messages": msgs})
}

// Stream replays messages after ?after=<seq> and then follows live ones.
func (h *ChatHandler) Stream(c *gin.Context) {
	r, ok := loadPartyRide(c, h.rides, h.logger)
	if !ok {
		return
	}
	after := int64(queryInt(c, "after", 0))
	serveStream(c, h.logger, func(ctx context.Context) (<-chan chat.Message, error) {
		return h.chat.Subscribe(ctx, r.ID, after)
	})
}

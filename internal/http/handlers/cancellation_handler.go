// README: Cancellation handlers: request, respond and list negotiations of a ride.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ridelink/internal/http/middleware"
	"ridelink/internal/logging"
	"ridelink/internal/modules/cancellation"
	"ridelink/internal/modules/ride"
	"ridelink/internal/pubsub"
)

type CancellationHandler struct {
	rides  *ride.Service
	cancel *cancellation.Service
	bus    pubsub.Bus
	logger *zap.Logger
}

func NewCancellationHandler(rides *ride.Service, svc *cancellation.Service, bus pubsub.Bus, logger *zap.Logger) *CancellationHandler {
	return &CancellationHandler{rides: rides, cancel: svc, bus: bus, logger: logging.OrNop(logger)}
}

type reasonReq struct {
	Reason string `json:"reason"`
}

func (h *CancellationHandler) Request(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reasonReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	out, err := h.cancel.Request(c.Request.Context(), cancellation.RequestCommand{
		RideID:  id,
		ActorID: middleware.CallerID(c),
		Reason:  req.Reason,
	})
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	status := http.StatusOK
	if out.Kind == cancellation.AwaitingApproval {
		status = http.StatusAccepted
	}
	writeJSON(c, status, out)
}

type respondReq struct {
	Approve *bool  `json:"approve"`
	Reason  string `json:"reason"`
}

func (h *CancellationHandler) Respond(c *gin.Context) {
	nid, ok := pathID(c, "nid")
	if !ok {
		return
	}
	var req respondReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Approve == nil {
		writeError(c, http.StatusBadRequest, "approve is required")
		return
	}
	out, err := h.cancel.Respond(c.Request.Context(), cancellation.RespondCommand{
		NegotiationID: nid,
		ActorID:       middleware.CallerID(c),
		Approve:       *req.Approve,
		Reason:        req.Reason,
	})
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	writeJSON(c, http.StatusOK, out)
}

func (h *CancellationHandler) List(c *gin.Context) {
	r, ok := loadPartyRide(c, h.rides, h.logger)
	if !ok {
		return
	}
	list, err := h.cancel.ListByRide(c.Request.Context(), r.ID)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	if list == nil {
		list = []*cancellation.Negotiation{}
	}
	writeJSON(c, http.StatusOK, gin.H{"negotiations": list})
}

// Stream relays negotiation changes and ride status changes of the ride.
func (h *CancellationHandler) Stream(c *gin.Context) {
	r, ok := loadPartyRide(c, h.rides, h.logger)
	if !ok {
		return
	}
	serveStream(c, h.logger, func(ctx context.Context) (<-chan json.RawMessage, error) {
		return rawTopic(ctx, h.bus, cancellation.Topic(r.ID), ride.Topic(r.ID))
	})
}

// README: Presence handlers: report a fix, read the latest pair or history, arrival check and live stream.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ridelink/internal/http/middleware"
	"ridelink/internal/logging"
	"ridelink/internal/modules/location"
	"ridelink/internal/modules/proximity"
	"ridelink/internal/modules/ride"
	"ridelink/internal/pubsub"
	"ridelink/internal/types"
)

type LocationHandler struct {
	rides     *ride.Service
	location  *location.Service
	proximity *proximity.Monitor
	bus       pubsub.Bus
	logger    *zap.Logger
}

func NewLocationHandler(rides *ride.Service, svc *location.Service, monitor *proximity.Monitor, bus pubsub.Bus, logger *zap.Logger) *LocationHandler {
	return &LocationHandler{rides: rides, location: svc, proximity: monitor, bus: bus, logger: logging.OrNop(logger)}
}

type recordReq struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	CapturedAt time.Time `json:"captured_at"`
}

// Record stores the caller's fix for an active ride. Out-of-order fixes are
// accepted but reported with accepted=false.
func (h *LocationHandler) Record(c *gin.Context) {
	r, ok := loadPartyRide(c, h.rides, h.logger)
	if !ok {
		return
	}
	if !r.Status.Active() {
		writeServiceError(c, h.logger, errRideInactive)
		return
	}
	var req recordReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	caller := middleware.CallerID(c)
	role, _ := r.RoleOf(caller)
	res, err := h.location.Record(c.Request.Context(), location.Sample{
		RideID:     r.ID,
		ActorID:    caller,
		Role:       role,
		Position:   types.Point{Lat: req.Lat, Lng: req.Lng},
		CapturedAt: req.CapturedAt,
	})
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (h *LocationHandler) Pair(c *gin.Context) {
	r, ok := loadPartyRide(c, h.rides, h.logger)
	if !ok {
		return
	}
	var fulfiller types.ID
	if r.FulfillerID != nil {
		fulfiller = *r.FulfillerID
	}
	pair, err := h.location.Pair(c.Request.Context(), r.ID, r.RequesterID, fulfiller)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	writeJSON(c, http.StatusOK, pair)
}

// History lists a party's recorded samples, newest first. ?actor= picks the
// other party; the caller is the default.
func (h *LocationHandler) History(c *gin.Context) {
	r, ok := loadPartyRide(c, h.rides, h.logger)
	if !ok {
		return
	}
	actor := middleware.CallerID(c)
	if v := c.Query("actor"); v != "" {
		actor = types.ID(v)
	}
	if _, ok := r.RoleOf(actor); !ok {
		writeError(c, http.StatusBadRequest, "actor is not part of this ride")
		return
	}
	samples, err := h.location.History(c.Request.Context(), r.ID, actor, queryInt(c, "limit", 0))
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	if samples == nil {
		samples = []location.Sample{}
	}
	writeJSON(c, http.StatusOK, gin.H{"samples": samples})
}

// Arrival reports the fulfiller's proximity to the pickup or destination.
// ?target=destination checks the drop-off; pickup is the default.
func (h *LocationHandler) Arrival(c *gin.Context) {
	r, ok := loadPartyRide(c, h.rides, h.logger)
	if !ok {
		return
	}
	if r.FulfillerID == nil {
		writeServiceError(c, h.logger, errRideInactive)
		return
	}
	place := r.Pickup
	if c.Query("target") == "destination" {
		place = r.Destination
	}
	if place.Point == nil {
		writeJSON(c, http.StatusOK, gin.H{"verdict": proximity.Unknown, "radius_km": h.proximity.RadiusKm()})
		return
	}
	v, err := h.proximity.Check(c.Request.Context(), r.ID, *r.FulfillerID, *place.Point)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"verdict": v, "radius_km": h.proximity.RadiusKm()})
}

// Stream forwards accepted presence samples of the ride over a websocket.
func (h *LocationHandler) Stream(c *gin.Context) {
	r, ok := loadPartyRide(c, h.rides, h.logger)
	if !ok {
		return
	}
	serveStream(c, h.logger, func(ctx context.Context) (<-chan json.RawMessage, error) {
		return rawTopic(ctx, h.bus, location.Topic(r.ID))
	})
}

// rawTopic relays bus payloads of the topics as JSON frames until ctx ends.
func rawTopic(ctx context.Context, bus pubsub.Bus, topics ...string) (<-chan json.RawMessage, error) {
	subs := make([]pubsub.Subscription, 0, len(topics))
	for _, topic := range topics {
		sub, err := bus.Subscribe(ctx, topic)
		if err != nil {
			for _, s := range subs {
				_ = s.Close()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	out := make(chan json.RawMessage)
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub pubsub.Subscription) {
			defer wg.Done()
			defer sub.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case m, ok := <-sub.C():
					if !ok {
						return
					}
					select {
					case out <- json.RawMessage(m.Payload):
					case <-ctx.Done():
						return
					}
				}
			}
		}(sub)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

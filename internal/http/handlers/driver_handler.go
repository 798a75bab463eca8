// README: Fulfiller handlers: availability, open rides, claim, start and complete.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ridelink/internal/http/middleware"
	"ridelink/internal/logging"
	"ridelink/internal/modules/matching"
	"ridelink/internal/modules/ride"
	"ridelink/internal/types"
)

type DriverHandler struct {
	rides    *ride.Service
	matching *matching.Service
	logger   *zap.Logger
}

func NewDriverHandler(rideSvc *ride.Service, matchingSvc *matching.Service, logger *zap.Logger) *DriverHandler {
	return &DriverHandler{rides: rideSvc, matching: matchingSvc, logger: logging.OrNop(logger)}
}

type availabilityReq struct {
	VehicleClass string  `json:"vehicle_class"`
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
}

// Online registers or refreshes the caller as an online fulfiller. Clients
// call it again as a heartbeat with their current position.
func (h *DriverHandler) Online(c *gin.Context) {
	var req availabilityReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	err := h.matching.GoOnline(c.Request.Context(), matching.Fulfiller{
		ID:       middleware.CallerID(c),
		Class:    types.VehicleClass(req.VehicleClass),
		Position: types.Point{Lat: req.Lat, Lng: req.Lng},
	})
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"online": true})
}

func (h *DriverHandler) Offline(c *gin.Context) {
	if err := h.matching.GoOffline(c.Request.Context(), middleware.CallerID(c)); err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"online": false})
}

func (h *DriverHandler) Status(c *gin.Context) {
	f, err := h.matching.Status(c.Request.Context(), middleware.CallerID(c))
	if errors.Is(err, matching.ErrOffline) {
		writeJSON(c, http.StatusOK, gin.H{"online": false})
		return
	}
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"online": true, "fulfiller": f})
}

func (h *DriverHandler) ListOpen(c *gin.Context) {
	rides, err := h.matching.ListUnclaimed(c.Request.Context(), middleware.CallerID(c))
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	if rides == nil {
		rides = []*ride.Ride{}
	}
	writeJSON(c, http.StatusOK, gin.H{"rides": rides})
}

// WatchOpen streams open-ride snapshots over a websocket.
func (h *DriverHandler) WatchOpen(c *gin.Context) {
	uid := middleware.CallerID(c)
	serveStream(c, h.logger, func(ctx context.Context) (<-chan snapshotFrame, error) {
		snaps, err := h.matching.Watch(ctx, uid)
		if err != nil {
			return nil, err
		}
		out := make(chan snapshotFrame)
		go func() {
			defer close(out)
			for s := range snaps {
				f := snapshotFrame{Rides: s.Rides, New: s.New, At: s.At.Unix()}
				if s.Err != nil {
					f.Error, _ = userMessage(s.Err)
				}
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	})
}

type snapshotFrame struct {
	Rides []*ride.Ride `json:"rides"`
	New   []*ride.Ride `json:"new"`
	At    int64        `json:"at"`
	Error string       `json:"error,omitempty"`
}

func userMessage(err error) (string, int) {
	status, msg, _ := statusFor(err)
	return msg, status
}

func (h *DriverHandler) Claim(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	r, err := h.matching.Claim(c.Request.Context(), matching.ClaimCommand{
		RideID:      id,
		FulfillerID: middleware.CallerID(c),
	})
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *DriverHandler) Start(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	r, err := h.rides.Start(c.Request.Context(), ride.StartCommand{
		RideID:      id,
		FulfillerID: middleware.CallerID(c),
	})
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

type completeReq struct {
	MeteredFare *int64 `json:"metered_fare"`
}

func (h *DriverHandler) Complete(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req completeReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	if req.MeteredFare != nil && *req.MeteredFare < 0 {
		writeError(c, http.StatusBadRequest, "metered_fare must not be negative")
		return
	}
	r, err := h.rides.Complete(c.Request.Context(), ride.CompleteCommand{
		RideID:      id,
		FulfillerID: middleware.CallerID(c),
		MeteredFare: req.MeteredFare,
	})
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

// README: Ride handlers for requesters: create, get, history and event log.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ridelink/internal/http/middleware"
	"ridelink/internal/logging"
	"ridelink/internal/modules/ride"
	"ridelink/internal/types"
)

type RideHandler struct {
	rides  *ride.Service
	logger *zap.Logger
}

func NewRideHandler(svc *ride.Service, logger *zap.Logger) *RideHandler {
	return &RideHandler{rides: svc, logger: logging.OrNop(logger)}
}

type placeReq struct {
	Address string   `json:"address"`
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
}

func (p placeReq) place() ride.Place {
	out := ride.Place{Address: p.Address}
	if p.Lat != nil && p.Lng != nil {
		out.Point = &types.Point{Lat: *p.Lat, Lng: *p.Lng}
	}
	return out
}

type createRideReq struct {
	Pickup       placeReq   `json:"pickup"`
	Destination  placeReq   `json:"destination"`
	RequestedFor *time.Time `json:"requested_for"`
	VehicleClass string     `json:"vehicle_class"`
}

func (h *RideHandler) Create(c *gin.Context) {
	var req createRideReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	r, err := h.rides.Create(c.Request.Context(), ride.CreateCommand{
		RequesterID:  middleware.CallerID(c),
		Pickup:       req.Pickup.place(),
		Destination:  req.Destination.place(),
		RequestedFor: req.RequestedFor,
		VehicleClass: req.VehicleClass,
	})
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	writeJSON(c, http.StatusCreated, r)
}

// Get returns a ride to its parties, and to fulfillers while it is open.
func (h *RideHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	r, err := h.rides.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	if _, party := r.RoleOf(middleware.CallerID(c)); !party {
		if middleware.CallerRole(c) != types.RoleFulfiller || !r.Status.Open() {
			writeServiceError(c, h.logger, ride.ErrForbidden)
			return
		}
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *RideHandler) Events(c *gin.Context) {
	r, ok := h.partyRide(c)
	if !ok {
		return
	}
	events, err := h.rides.Events(c.Request.Context(), r.ID)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"events": events})
}

// Mine lists the caller's rides in the role they are signed in with.
func (h *RideHandler) Mine(c *gin.Context) {
	limit := queryInt(c, "limit", 20)
	var (
		rides []*ride.Ride
		err   error
	)
	if middleware.CallerRole(c) == types.RoleFulfiller {
		rides, err = h.rides.ListByFulfiller(c.Request.Context(), middleware.CallerID(c), limit)
	} else {
		rides, err = h.rides.ListByRequester(c.Request.Context(), middleware.CallerID(c), limit)
	}
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"rides": rides})
}

// partyRide loads the :id ride and checks that the caller is a party to it.
func (h *RideHandler) partyRide(c *gin.Context) (*ride.Ride, bool) {
	return loadPartyRide(c, h.rides, h.logger)
}

func loadPartyRide(c *gin.Context, rides *ride.Service, logger *zap.Logger) (*ride.Ride, bool) {
	id, ok := pathID(c, "id")
	if !ok {
		return nil, false
	}
	r, err := rides.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, logger, err)
		return nil, false
	}
	if _, party := r.RoleOf(middleware.CallerID(c)); !party {
		writeServiceError(c, logger, ride.ErrForbidden)
		return nil, false
	}
	return r, true
}

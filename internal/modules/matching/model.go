// README: Matching model: online fulfillers, watch snapshots and dispatch tuning.
package matching

import (
	"errors"
	"time"

	"ridelink/internal/modules/ride"
	"ridelink/internal/types"
)

var (
	ErrOffline    = errors.New("fulfiller is not online")
	ErrIneligible = errors.New("fulfiller cannot serve this ride")
)

// Fulfiller is an online fulfiller as seen by the registry.
type Fulfiller struct {
	ID        types.ID           `json:"id"`
	Class     types.VehicleClass `json:"vehicle_class"`
	Position  types.Point        `json:"position"`
	Cell      string             `json:"cell,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

type ClaimCommand struct {
	RideID      types.ID
	FulfillerID types.ID
}

// Snapshot is one listing of the unclaimed pool. New holds rides that were
// not in the previous snapshot of the same watch.
type Snapshot struct {
	Rides []*ride.Ride `json:"rides"`
	New   []*ride.Ride `json:"new"`
	At    time.Time    `json:"at"`
	Err   error        `json:"-"`
}

const (
	// notifyInitialCount is the number of fulfillers to notify on the first dispatch.
	notifyInitialCount = 5
	// selectPoolSize is how many nearby fulfillers to sample before picking notifyInitialCount.
	selectPoolSize = 10
	// broadcastDelay is how long to wait after initial dispatch before notifying
	// every nearby fulfiller.
	broadcastDelay = 30 * time.Second
	// onlineTTL expires fulfillers that stop sending heartbeats.
	onlineTTL = 10 * time.Minute
	// keyTTL bounds dispatch and broadcast markers.
	keyTTL = 7 * 24 * time.Hour
)

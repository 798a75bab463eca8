// README: Change notifications published for every ride mutation.
package ride

import (
	"time"

	"ridelink/internal/types"
)

// TopicOpen carries changes that affect the unclaimed pool.
const TopicOpen = "rides.open"

const (
	KindCreated   = "created"
	KindClaimed   = "claimed"
	KindStarted   = "started"
	KindCompleted = "completed"
	KindCancelled = "cancelled"
)

// Topic carries every change of one ride.
func Topic(id types.ID) string { return "ride." + string(id) }

// FulfillerTopic carries changes of rides assigned to a fulfiller.
func FulfillerTopic(id types.ID) string { return "fulfiller." + string(id) }

type ChangeEvent struct {
	Kind        string    `json:"kind"`
	RideID      types.ID  `json:"ride_id"`
	Status      Status    `json:"status"`
	FromStatus  Status    `json:"from_status"`
	RequesterID types.ID  `json:"requester_id"`
	FulfillerID *types.ID `json:"fulfiller_id,omitempty"`
	Version     int       `json:"version"`
	At          time.Time `json:"at"`
}

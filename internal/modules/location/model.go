// README: Presence samples and the latest pair per ride.
package location

import (
	"errors"
	"time"

	"ridelink/internal/types"
)

var (
	ErrInvalid  = errors.New("invalid presence sample")
	ErrStale    = errors.New("presence sample too old")
	ErrNotFound = errors.New("no presence sample")
)

// Sample is one timestamped position report by a ride party.
type Sample struct {
	RideID     types.ID    `json:"ride_id"`
	ActorID    types.ID    `json:"actor_id"`
	Role       types.Role  `json:"role"`
	Position   types.Point `json:"position"`
	CapturedAt time.Time   `json:"captured_at"`
	Cell       string      `json:"cell,omitempty"`
}

// NewerThan reports whether s supersedes other as the latest sample.
func (s Sample) NewerThan(other *Sample) bool {
	return other == nil || !s.CapturedAt.Before(other.CapturedAt)
}

// Age is measured against now; future samples have zero age.
func (s Sample) Age(now time.Time) time.Duration {
	if d := now.Sub(s.CapturedAt); d > 0 {
		return d
	}
	return 0
}

type Result struct {
	// Accepted is false when a newer sample already holds the latest slot.
	Accepted bool   `json:"accepted"`
	Sample   Sample `json:"sample"`
}

// Pair is the most recent sample of each party of a ride.
type Pair struct {
	Requester *Sample `json:"requester,omitempty"`
	Fulfiller *Sample `json:"fulfiller,omitempty"`
}

func (p Pair) For(role types.Role) *Sample {
	if role == types.RoleFulfiller {
		return p.Fulfiller
	}
	return p.Requester
}

func (p *Pair) set(s *Sample) {
	if s.Role == types.RoleFulfiller {
		p.Fulfiller = s
		return
	}
	p.Requester = s
}

// Topic carries accepted samples of one ride.
func Topic(rideID types.ID) string { return "presence." + string(rideID) }

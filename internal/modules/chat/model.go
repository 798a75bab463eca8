// README: Per-ride chat message log.
package chat

import (
	"errors"
	"time"

	"ridelink/internal/types"
)

var (
	ErrBadRequest = errors.New("bad request")
	ErrEmptyBody  = errors.New("message body is empty")
	ErrTooLong    = errors.New("message body is too long")
	ErrNotParty   = errors.New("sender is not a party to this ride")
)

// MaxBodyRunes caps a single message.
const MaxBodyRunes = 2000

// Message is immutable once stored. Seq starts at 1 and increases by one
// per ride.
type Message struct {
	ID         types.ID   `json:"id"`
	RideID     types.ID   `json:"ride_id"`
	Seq        int64      `json:"seq"`
	SenderID   types.ID   `json:"sender_id"`
	SenderRole types.Role `json:"sender_role"`
	Body       string     `json:"body"`
	SentAt     time.Time  `json:"sent_at"`
}

// Topic carries new messages of one ride.
func Topic(rideID types.ID) string { return "chat." + string(rideID) }

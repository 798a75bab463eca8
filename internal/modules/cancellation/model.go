// README: Cancellation negotiation record and request outcomes.
package cancellation

import (
	"errors"
	"time"

	"ridelink/internal/modules/ride"
	"ridelink/internal/types"
)

var (
	ErrNotFound        = errors.New("negotiation not found")
	ErrBadRequest      = errors.New("bad request")
	ErrNotParty        = errors.New("actor is not a party to this ride")
	ErrRideNotActive   = errors.New("ride is already finished")
	ErrAlreadyPending  = errors.New("a cancellation request is already pending")
	ErrAlreadyResolved = errors.New("cancellation request already resolved")
	ErrNotCounterParty = errors.New("only the other party can respond")
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

type Negotiation struct {
	ID             types.ID   `json:"id"`
	RideID         types.ID   `json:"ride_id"`
	RequestedBy    types.ID   `json:"requested_by"`
	InitiatorRole  types.Role `json:"initiator_role"`
	Reason         string     `json:"reason"`
	Status         Status     `json:"status"`
	RespondedBy    *types.ID  `json:"responded_by,omitempty"`
	ResponseReason *string    `json:"response_reason,omitempty"`
	RequestedAt    time.Time  `json:"requested_at"`
	RespondedAt    *time.Time `json:"responded_at,omitempty"`
}

type OutcomeKind string

const (
	// CancelledDirectly: the ride had no fulfiller and was cancelled at once.
	CancelledDirectly OutcomeKind = "cancelled_directly"
	// AwaitingApproval: a negotiation is open; the ride is unchanged.
	AwaitingApproval OutcomeKind = "awaiting_approval"
	Approved         OutcomeKind = "approved"
	Rejected         OutcomeKind = "rejected"
)

type Outcome struct {
	Kind        OutcomeKind  `json:"kind"`
	Ride        *ride.Ride   `json:"ride"`
	Negotiation *Negotiation `json:"negotiation,omitempty"`
	// ChatOpen tells the client to surface the ride chat for discussion.
	ChatOpen bool `json:"chat_open"`
}

// Topic carries negotiation changes of one ride.
func Topic(rideID types.ID) string { return "negotiation." + string(rideID) }

type Event struct {
	Kind        OutcomeKind  `json:"kind"`
	RideID      types.ID     `json:"ride_id"`
	RideStatus  ride.Status  `json:"ride_status"`
	Negotiation *Negotiation `json:"negotiation,omitempty"`
	At          time.Time    `json:"at"`
}

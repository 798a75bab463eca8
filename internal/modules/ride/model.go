// README: Ride aggregate, status definitions and the transition table.
package ride

import (
	"fmt"
	"time"

	"ridelink/internal/types"
)

type Status string

const (
	StatusNone       Status = "none"
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Open statuses are claimable.
func (s Status) Open() bool { return s == StatusPending || s == StatusScheduled }

// Active statuses have a fulfiller working the ride.
func (s Status) Active() bool { return s == StatusAssigned || s == StatusInProgress }

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// HasFulfiller reports whether a ride in status s must carry a fulfiller.
func (s Status) HasFulfiller() bool { return s.Active() || s == StatusCompleted }

type Place struct {
	Address string       `json:"address"`
	Point   *types.Point `json:"point,omitempty"`
}

type Ride struct {
	ID            types.ID           `json:"id"`
	RequesterID   types.ID           `json:"requester_id"`
	FulfillerID   *types.ID          `json:"fulfiller_id,omitempty"`
	Status        Status             `json:"status"`
	StatusVersion int                `json:"status_version"`
	Pickup        Place              `json:"pickup"`
	Destination   Place              `json:"destination"`
	RequestedFor  *time.Time         `json:"requested_for,omitempty"`
	VehicleClass  types.VehicleClass `json:"vehicle_class"`
	PriceEstimate *types.Money       `json:"price_estimate,omitempty"`
	FinalPrice    *types.Money       `json:"final_price,omitempty"`
	Route         *types.Route       `json:"route,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	AssignedAt    *time.Time         `json:"assigned_at,omitempty"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
	CancelledAt   *time.Time         `json:"cancelled_at,omitempty"`
	CancelReason  *string            `json:"cancel_reason,omitempty"`
}

// RoleOf returns the role id plays on this ride, if any.
func (r *Ride) RoleOf(id types.ID) (types.Role, bool) {
	if id == "" {
		return "", false
	}
	if id == r.RequesterID {
		return types.RoleRequester, true
	}
	if r.FulfillerID != nil && *r.FulfillerID == id {
		return types.RoleFulfiller, true
	}
	return "", false
}

// PartyFor returns the id playing role on this ride ("" when unassigned).
func (r *Ride) PartyFor(role types.Role) types.ID {
	if role == types.RoleRequester {
		return r.RequesterID
	}
	if r.FulfillerID == nil {
		return ""
	}
	return *r.FulfillerID
}

// StartsBy reports whether the ride is due by t (immediate rides always are).
func (r *Ride) StartsBy(t time.Time) bool {
	return r.RequestedFor == nil || !r.RequestedFor.After(t)
}

func (r *Ride) clone() *Ride {
	cp := *r
	if r.FulfillerID != nil {
		v := *r.FulfillerID
		cp.FulfillerID = &v
	}
	return &cp
}

type Event struct {
	ID          int64     `json:"id"`
	RideID      types.ID  `json:"ride_id"`
	FromStatus  Status    `json:"from_status"`
	ToStatus    Status    `json:"to_status"`
	ActorType   string    `json:"actor_type"`
	ActorID     *types.ID `json:"actor_id,omitempty"`
	FulfillerID *types.ID `json:"fulfiller_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

const actorSystem = "system"

// AllowedTransitions represents the ride state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending:    {StatusAssigned, StatusCancelled},
	StatusScheduled:  {StatusAssigned, StatusCancelled},
	StatusAssigned:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is the single legality check for status changes.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

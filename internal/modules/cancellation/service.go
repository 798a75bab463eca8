// README: Cancellation service: direct cancel before assignment, two-party approval after.
package cancellation

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"ridelink/internal/logging"
	"ridelink/internal/modules/ride"
	"ridelink/internal/notify"
	"ridelink/internal/observability"
	"ridelink/internal/pubsub"
	"ridelink/internal/types"
)

type Rides interface {
	Get(ctx context.Context, id types.ID) (*ride.Ride, error)
	Cancel(ctx context.Context, cmd ride.CancelCommand) (*ride.Ride, error)
}

type Deps struct {
	Bus      pubsub.Bus
	Notifier notify.Dispatcher
	Logger   *zap.Logger
	Now      func() time.Time
}

type Service struct {
	store    Store
	rides    Rides
	bus      pubsub.Bus
	notifier notify.Dispatcher
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(store Store, rides Rides, deps Deps) *Service {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:    store,
		rides:    rides,
		bus:      deps.Bus,
		notifier: deps.Notifier,
		logger:   logging.OrNop(deps.Logger),
		now:      now,
	}
}

type RequestCommand struct {
	RideID  types.ID
	ActorID types.ID
	Reason  string
}

type RespondCommand struct {
	NegotiationID types.ID
	ActorID       types.ID
	Approve       bool
	Reason        string
}

// maxCancelAttempts bounds retries of a cancel that lost a CAS race.
const maxCancelAttempts = 3

func (s *Service) Request(ctx context.Context, cmd RequestCommand) (Outcome, error) {
	if cmd.RideID == "" || cmd.ActorID == "" {
		return Outcome{}, ErrBadRequest
	}
	reason := strings.TrimSpace(cmd.Reason)

	for attempt := 0; ; attempt++ {
		r, err := s.rides.Get(ctx, cmd.RideID)
		if err != nil {
			return Outcome{}, err
		}
		role, ok := r.RoleOf(cmd.ActorID)
		if !ok {
			return Outcome{}, ErrNotParty
		}
		if r.Status.Terminal() {
			return Outcome{}, ErrRideNotActive
		}
		if r.FulfillerID != nil {
			return s.openNegotiation(ctx, r, cmd.ActorID, role, reason)
		}

		version := r.StatusVersion
		cancelled, err := s.rides.Cancel(ctx, ride.CancelCommand{
			RideID:    r.ID,
			ActorID:   cmd.ActorID,
			ActorType: string(role),
			Reason:    reason,
			IfVersion: &version,
		})
		if err == nil {
			observability.NegotiationsTotal.WithLabelValues(string(CancelledDirectly)).Inc()
			s.publish(ctx, Event{Kind: CancelledDirectly, RideID: r.ID, RideStatus: cancelled.Status, At: s.now()})
			return Outcome{Kind: CancelledDirectly, Ride: cancelled}, nil
		}
		// a claim landed between read and write; take the negotiated path
		if errors.Is(err, ride.ErrConflict) && attempt+1 < maxCancelAttempts {
			s.logger.Debug("direct cancel lost race", zap.String("ride_id", r.ID.String()))
			continue
		}
		return Outcome{}, err
	}
}

func (s *Service) openNegotiation(ctx context.Context, r *ride.Ride, actor types.ID, role types.Role, reason string) (Outcome, error) {
	n := &Negotiation{
		ID:            types.NewID(),
		RideID:        r.ID,
		RequestedBy:   actor,
		InitiatorRole: role,
		Reason:        reason,
		Status:        StatusPending,
		RequestedAt:   s.now(),
	}
	if err := s.store.Create(ctx, n); err != nil {
		if errors.Is(err, ErrAlreadyPending) {
			observability.NegotiationsTotal.WithLabelValues("duplicate").Inc()
		}
		return Outcome{}, err
	}
	observability.NegotiationsTotal.WithLabelValues(string(AwaitingApproval)).Inc()

	notify.Send(ctx, s.notifier, s.logger, notify.Intent{
		RecipientID: r.PartyFor(role.Counterpart()),
		Title:       "Cancellation requested",
		Body:        cancelBody(role, reason),
		Data: map[string]string{
			"type":           "cancellation_requested",
			"ride_id":        r.ID.String(),
			"negotiation_id": n.ID.String(),
		},
	})
	s.publish(ctx, Event{Kind: AwaitingApproval, RideID: r.ID, RideStatus: r.Status, Negotiation: n, At: n.RequestedAt})
	return Outcome{Kind: AwaitingApproval, Ride: r, Negotiation: n, ChatOpen: true}, nil
}

func (s *Service) Respond(ctx context.Context, cmd RespondCommand) (Outcome, error) {
	if cmd.NegotiationID == "" || cmd.ActorID == "" {
		return Outcome{}, ErrBadRequest
	}
	n, err := s.store.Get(ctx, cmd.NegotiationID)
	if err != nil {
		return Outcome{}, err
	}
	if n.Status != StatusPending {
		return Outcome{}, ErrAlreadyResolved
	}
	if cmd.ActorID == n.RequestedBy {
		return Outcome{}, ErrNotCounterParty
	}
	r, err := s.rides.Get(ctx, n.RideID)
	if err != nil {
		return Outcome{}, err
	}
	if role, ok := r.RoleOf(cmd.ActorID); !ok || role == n.InitiatorRole {
		return Outcome{}, ErrNotCounterParty
	}

	now := s.now()
	var reason *string
	if rs := strings.TrimSpace(cmd.Reason); rs != "" {
		reason = &rs
	}
	if r.Status.Terminal() {
		// the ride ended on its own; close the request so a new one is possible
		ok, err := s.store.Resolve(ctx, n.ID, StatusRejected, cmd.ActorID, reason, now)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			return Outcome{}, ErrAlreadyResolved
		}
		return Outcome{}, ErrRideNotActive
	}

	status, kind := StatusRejected, Rejected
	if cmd.Approve {
		status, kind = StatusApproved, Approved
	}
	ok, err := s.store.Resolve(ctx, n.ID, status, cmd.ActorID, reason, now)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, ErrAlreadyResolved
	}
	n.Status = status
	n.RespondedBy = cmd.ActorID.Ptr()
	n.ResponseReason = reason
	n.RespondedAt = &now

	if cmd.Approve {
		if r, err = s.cancelApproved(ctx, n); err != nil {
			return Outcome{}, s.undoApproval(ctx, n, err)
		}
	}
	observability.NegotiationsTotal.WithLabelValues(string(kind)).Inc()

	title := "Cancellation declined"
	if cmd.Approve {
		title = "Cancellation approved"
	}
	notify.Send(ctx, s.notifier, s.logger, notify.Intent{
		RecipientID: n.RequestedBy,
		Title:       title,
		Body:        title,
		Data: map[string]string{
			"type":           "cancellation_" + string(status),
			"ride_id":        n.RideID.String(),
			"negotiation_id": n.ID.String(),
		},
	})
	s.publish(ctx, Event{Kind: kind, RideID: r.ID, RideStatus: r.Status, Negotiation: n, At: now})
	return Outcome{Kind: kind, Ride: r, Negotiation: n}, nil
}

// cancelApproved retries the ride cancel when it loses a race to another
// transition such as start. A ride that finished meanwhile is ErrRideNotActive.
func (s *Service) cancelApproved(ctx context.Context, n *Negotiation) (*ride.Ride, error) {
	var lastErr error
	for attempt := 0; attempt < maxCancelAttempts; attempt++ {
		r, err := s.rides.Get(ctx, n.RideID)
		if err != nil {
			return nil, err
		}
		if r.Status.Terminal() {
			return nil, ErrRideNotActive
		}
		v := r.StatusVersion
		cancelled, err := s.rides.Cancel(ctx, ride.CancelCommand{
			RideID:    n.RideID,
			ActorID:   n.RequestedBy,
			ActorType: string(n.InitiatorRole),
			Reason:    n.Reason,
			IfVersion: &v,
		})
		if err == nil {
			return cancelled, nil
		}
		if !errors.Is(err, ride.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// undoApproval takes back an approval whose ride cancel did not happen, so
// the negotiation never reads approved on a ride that is not cancelled. The
// request goes back to pending for a retry, or to rejected when the ride has
// already finished or a newer request is open. It returns cause.
func (s *Service) undoApproval(ctx context.Context, n *Negotiation, cause error) error {
	ctx = context.WithoutCancel(ctx)
	to := StatusPending
	if errors.Is(cause, ErrRideNotActive) {
		to = StatusRejected
	}
	ok, err := s.store.Revert(ctx, n.ID, to)
	if errors.Is(err, ErrAlreadyPending) {
		to = StatusRejected
		ok, err = s.store.Revert(ctx, n.ID, to)
	}
	if err != nil || !ok {
		s.logger.Error("approved negotiation left without a cancelled ride",
			zap.String("negotiation_id", n.ID.String()),
			zap.String("ride_id", n.RideID.String()),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return cause
	}
	s.logger.Info("approval reverted",
		zap.String("negotiation_id", n.ID.String()),
		zap.String("to", string(to)),
		zap.NamedError("cause", cause),
	)
	return cause
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Negotiation, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Pending(ctx context.Context, rideID types.ID) (*Negotiation, error) {
	return s.store.Pending(ctx, rideID)
}

func (s *Service) ListByRide(ctx context.Context, rideID types.ID) ([]*Negotiation, error) {
	return s.store.ListByRide(ctx, rideID)
}

func (s *Service) publish(ctx context.Context, ev Event) {
	if s.bus == nil {
		return
	}
	if err := pubsub.PublishJSON(ctx, s.bus, Topic(ev.RideID), ev); err != nil {
		s.logger.Warn("publish negotiation event failed", zap.String("ride_id", ev.RideID.String()), zap.Error(err))
	}
}

func cancelBody(role types.Role, reason string) string {
	who := "The passenger"
	if role == types.RoleFulfiller {
		who = "The driver"
	}
	if reason == "" {
		return who + " asked to cancel this ride."
	}
	return who + " asked to cancel this ride: " + reason
}

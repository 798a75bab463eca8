// README: Ride service implements the lifecycle state machine over a CAS store.
package ride

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"ridelink/internal/logging"
	"ridelink/internal/observability"
	"ridelink/internal/pubsub"
	"ridelink/internal/types"
)

var (
	ErrNotFound          = errors.New("ride not found")
	ErrBadRequest        = errors.New("bad request")
	ErrActiveRide        = errors.New("requester has active ride")
	ErrInvalidTransition = errors.New("invalid ride transition")
	ErrConflict          = errors.New("ride state conflict")
	ErrAlreadyClaimed    = errors.New("ride already claimed")
	ErrNotOpen           = errors.New("ride is not open for claims")
	ErrForbidden         = errors.New("actor is not a party to this ride")
	ErrNotArrived        = errors.New("fulfiller has not arrived")
	ErrArrivalUnknown    = errors.New("fulfiller position unknown")
)

type Geocoder interface {
	Resolve(ctx context.Context, address string) (types.Point, error)
}

type Quoter interface {
	Quote(ctx context.Context, pickup, dest types.Point, class types.VehicleClass, at time.Time) (types.Money, types.Route, error)
}

// ArrivalChecker gates start and completion on the fulfiller's position.
// It returns nil, ErrNotArrived or ErrArrivalUnknown.
type ArrivalChecker interface {
	CheckArrival(ctx context.Context, rideID, actorID types.ID, target types.Point) error
}

// Stream receives an audit record per transition (Kafka in production).
type Stream interface {
	Publish(ctx context.Context, key string, v any) error
}

type Deps struct {
	Geocoder     Geocoder
	Quoter       Quoter
	Arrival      ArrivalChecker
	Bus          pubsub.Bus
	Stream       Stream
	Logger       *zap.Logger
	ScheduleLead time.Duration
	Now          func() time.Time
}

type Service struct {
	store    Store
	geocoder Geocoder
	quoter   Quoter
	arrival  ArrivalChecker
	bus      pubsub.Bus
	stream   Stream
	logger   *zap.Logger
	lead     time.Duration
	now      func() time.Time
}

func NewService(store Store, deps Deps) *Service {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:    store,
		geocoder: deps.Geocoder,
		quoter:   deps.Quoter,
		arrival:  deps.Arrival,
		bus:      deps.Bus,
		stream:   deps.Stream,
		logger:   logging.OrNop(deps.Logger),
		lead:     deps.ScheduleLead,
		now:      now,
	}
}

type CreateCommand struct {
	RequesterID  types.ID
	Pickup       Place
	Destination  Place
	RequestedFor *time.Time
	VehicleClass string
}

type ClaimCommand struct {
	RideID      types.ID
	FulfillerID types.ID
}

type StartCommand struct {
	RideID      types.ID
	FulfillerID types.ID
}

type CompleteCommand struct {
	RideID      types.ID
	FulfillerID types.ID
	// MeteredFare overrides the estimate as the final price.
	MeteredFare *int64
}

type CancelCommand struct {
	RideID    types.ID
	ActorID   types.ID
	ActorType string
	Reason    string
	// IfVersion restricts the cancel to a specific observed status_version.
	IfVersion *int
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Ride, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Events(ctx context.Context, id types.ID) ([]Event, error) {
	return s.store.Events(ctx, id)
}

func (s *Service) ListOpen(ctx context.Context, horizon time.Time) ([]*Ride, error) {
	return s.store.ListOpen(ctx, horizon)
}

func (s *Service) ListByRequester(ctx context.Context, id types.ID, limit int) ([]*Ride, error) {
	return s.store.ListByRequester(ctx, id, limit)
}

func (s *Service) ListByFulfiller(ctx context.Context, id types.ID, limit int) ([]*Ride, error) {
	return s.store.ListByFulfiller(ctx, id, limit)
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Ride, error) {
	class, ok := types.ParseVehicleClass(cmd.VehicleClass)
	if cmd.RequesterID == "" || !ok {
		return nil, ErrBadRequest
	}
	if err := validatePlace(cmd.Pickup); err != nil {
		return nil, fmt.Errorf("%w: pickup: %v", ErrBadRequest, err)
	}
	if err := validatePlace(cmd.Destination); err != nil {
		return nil, fmt.Errorf("%w: destination: %v", ErrBadRequest, err)
	}
	active, err := s.store.HasActiveByRequester(ctx, cmd.RequesterID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrActiveRide
	}

	now := s.now()
	r := &Ride{
		ID:            types.NewID(),
		RequesterID:   cmd.RequesterID,
		Status:        StatusPending,
		StatusVersion: 0,
		Pickup:        s.resolve(ctx, cmd.Pickup),
		Destination:   s.resolve(ctx, cmd.Destination),
		VehicleClass:  class,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if cmd.RequestedFor != nil && cmd.RequestedFor.After(now) {
		at := *cmd.RequestedFor
		r.RequestedFor = &at
		if at.After(now.Add(s.lead)) {
			r.Status = StatusScheduled
		}
	}
	s.quote(ctx, r)

	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	s.record(ctx, r, Event{
		RideID:     r.ID,
		FromStatus: StatusNone,
		ToStatus:   r.Status,
		ActorType:  string(types.RoleRequester),
		ActorID:    cmd.RequesterID.Ptr(),
		CreatedAt:  now,
	}, KindCreated)
	return r, nil
}

// Claim assigns the ride to the first fulfiller that reaches the store.
func (s *Service) Claim(ctx context.Context, cmd ClaimCommand) (*Ride, error) {
	if cmd.RideID == "" || cmd.FulfillerID == "" {
		return nil, ErrBadRequest
	}
	before, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if before.FulfillerID != nil {
		return nil, ErrAlreadyClaimed
	}
	if !before.Status.Open() {
		return nil, ErrNotOpen
	}

	now := s.now()
	ok, err := s.store.Claim(ctx, cmd.RideID, cmd.FulfillerID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		cur, err := s.store.Get(ctx, cmd.RideID)
		if err != nil {
			return nil, err
		}
		if cur.FulfillerID != nil {
			return nil, ErrAlreadyClaimed
		}
		return nil, ErrNotOpen
	}

	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	s.record(ctx, r, Event{
		RideID:      r.ID,
		FromStatus:  before.Status,
		ToStatus:    StatusAssigned,
		ActorType:   string(types.RoleFulfiller),
		ActorID:     cmd.FulfillerID.Ptr(),
		FulfillerID: cmd.FulfillerID.Ptr(),
		CreatedAt:   now,
	}, KindClaimed)
	return r, nil
}

func (s *Service) Start(ctx context.Context, cmd StartCommand) (*Ride, error) {
	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if err := s.checkTransition(r, StatusInProgress); err != nil {
		return nil, err
	}
	if r.PartyFor(types.RoleFulfiller) != cmd.FulfillerID {
		return nil, ErrForbidden
	}
	if err := s.checkArrival(ctx, r, cmd.FulfillerID, r.Pickup); err != nil {
		return nil, err
	}
	return s.apply(ctx, r, StatusUpdate{To: StatusInProgress}, actorOf(types.RoleFulfiller, cmd.FulfillerID), "", KindStarted)
}

func (s *Service) Complete(ctx context.Context, cmd CompleteCommand) (*Ride, error) {
	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if err := s.checkTransition(r, StatusCompleted); err != nil {
		return nil, err
	}
	if r.PartyFor(types.RoleFulfiller) != cmd.FulfillerID {
		return nil, ErrForbidden
	}
	if err := s.checkArrival(ctx, r, cmd.FulfillerID, r.Destination); err != nil {
		return nil, err
	}

	u := StatusUpdate{To: StatusCompleted}
	switch {
	case cmd.MeteredFare != nil:
		if *cmd.MeteredFare < 0 {
			return nil, ErrBadRequest
		}
		fare := *cmd.MeteredFare
		u.FinalPrice = &fare
	case r.PriceEstimate != nil:
		fare := r.PriceEstimate.Amount
		u.FinalPrice = &fare
	}
	return s.apply(ctx, r, u, actorOf(types.RoleFulfiller, cmd.FulfillerID), "", KindCompleted)
}

// Cancel moves any non-terminal ride to cancelled and releases its fulfiller.
// Party and negotiation rules are enforced by the caller.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Ride, error) {
	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if cmd.IfVersion != nil && *cmd.IfVersion != r.StatusVersion {
		return nil, ErrConflict
	}
	if err := s.checkTransition(r, StatusCancelled); err != nil {
		return nil, err
	}
	u := StatusUpdate{To: StatusCancelled}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		u.CancelReason = &reason
	}
	actorType := cmd.ActorType
	if actorType == "" {
		actorType = actorSystem
	}
	return s.apply(ctx, r, u, actor{kind: actorType, id: cmd.ActorID.Ptr()}, cmd.Reason, KindCancelled)
}

type actor struct {
	kind string
	id   *types.ID
}

func actorOf(role types.Role, id types.ID) actor {
	return actor{kind: string(role), id: id.Ptr()}
}

// apply writes u against r's observed status and version.
func (s *Service) apply(ctx context.Context, r *Ride, u StatusUpdate, who actor, reason, kind string) (*Ride, error) {
	u.RideID = r.ID
	u.From = r.Status
	u.Version = r.StatusVersion
	u.At = s.now()
	ok, err := s.store.UpdateStatus(ctx, u)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}

	next, err := s.store.Get(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	s.record(ctx, next, Event{
		RideID:      r.ID,
		FromStatus:  u.From,
		ToStatus:    u.To,
		ActorType:   who.kind,
		ActorID:     who.id,
		FulfillerID: r.FulfillerID,
		Reason:      reason,
		CreatedAt:   u.At,
	}, kind)
	return next, nil
}

func (s *Service) checkTransition(r *Ride, to Status) error {
	if err := Transition(r.Status, to); err != nil {
		observability.InvariantViolationsTotal.Inc()
		s.logger.Error("ride transition from unexpected state",
			zap.String("ride_id", r.ID.String()),
			zap.String("observed", string(r.Status)),
			zap.String("to", string(to)),
		)
		return err
	}
	return nil
}

func (s *Service) checkArrival(ctx context.Context, r *Ride, fulfillerID types.ID, target Place) error {
	if s.arrival == nil {
		return nil
	}
	if target.Point == nil {
		s.logger.Warn("arrival target unresolved; skipping proximity gate",
			zap.String("ride_id", r.ID.String()),
			zap.String("address", target.Address),
		)
		return nil
	}
	return s.arrival.CheckArrival(ctx, r.ID, fulfillerID, *target.Point)
}

// record appends the audit event and fans the change out. Failures here
// never undo a committed transition.
func (s *Service) record(ctx context.Context, r *Ride, e Event, kind string) {
	observability.RideTransitionsTotal.WithLabelValues(string(e.FromStatus), string(e.ToStatus)).Inc()
	if err := s.store.AppendEvent(ctx, &e); err != nil {
		s.logger.Warn("append ride event failed", zap.String("ride_id", r.ID.String()), zap.Error(err))
	}
	if s.stream != nil {
		if err := s.stream.Publish(ctx, r.ID.String(), e); err != nil {
			s.logger.Warn("stream ride event failed", zap.String("ride_id", r.ID.String()), zap.Error(err))
		}
	}
	if s.bus == nil {
		return
	}

	change := ChangeEvent{
		Kind:        kind,
		RideID:      r.ID,
		Status:      r.Status,
		FromStatus:  e.FromStatus,
		RequesterID: r.RequesterID,
		FulfillerID: r.FulfillerID,
		Version:     r.StatusVersion,
		At:          e.CreatedAt,
	}
	topics := []string{Topic(r.ID)}
	if e.FromStatus.Open() || e.ToStatus.Open() {
		topics = append(topics, TopicOpen)
	}
	if e.FulfillerID != nil {
		topics = append(topics, FulfillerTopic(*e.FulfillerID))
	}
	for _, topic := range topics {
		if err := pubsub.PublishJSON(ctx, s.bus, topic, change); err != nil {
			s.logger.Warn("publish ride change failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func (s *Service) resolve(ctx context.Context, p Place) Place {
	if p.Point != nil || s.geocoder == nil {
		return p
	}
	pt, err := s.geocoder.Resolve(ctx, p.Address)
	if err != nil {
		s.logger.Warn("geocode failed", zap.String("address", p.Address), zap.Error(err))
		return p
	}
	p.Point = &pt
	return p
}

func (s *Service) quote(ctx context.Context, r *Ride) {
	if s.quoter == nil || r.Pickup.Point == nil || r.Destination.Point == nil {
		return
	}
	at := r.CreatedAt
	if r.RequestedFor != nil {
		at = *r.RequestedFor
	}
	price, route, err := s.quoter.Quote(ctx, *r.Pickup.Point, *r.Destination.Point, r.VehicleClass, at)
	if err != nil {
		s.logger.Warn("quote failed", zap.String("ride_id", r.ID.String()), zap.Error(err))
		return
	}
	r.PriceEstimate = &price
	r.Route = &route
}

func validatePlace(p Place) error {
	if p.Point != nil {
		if !p.Point.Valid() {
			return errors.New("coordinates out of range")
		}
		return nil
	}
	if strings.TrimSpace(p.Address) == "" {
		return errors.New("address or coordinates required")
	}
	return nil
}

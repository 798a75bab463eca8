// README: Matching service lists and watches the unclaimed pool, arbitrates claims and dispatches new rides.
package matching

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strconv"
	"time"

	"go.uber.org/zap"

	"ridelink/internal/config"
	"ridelink/internal/geo"
	"ridelink/internal/logging"
	"ridelink/internal/modules/ride"
	"ridelink/internal/notify"
	"ridelink/internal/observability"
	"ridelink/internal/pubsub"
	"ridelink/internal/types"
)

type Rides interface {
	Get(ctx context.Context, id types.ID) (*ride.Ride, error)
	ListOpen(ctx context.Context, horizon time.Time) ([]*ride.Ride, error)
	Claim(ctx context.Context, cmd ride.ClaimCommand) (*ride.Ride, error)
}

type Deps struct {
	Bus      pubsub.Bus
	Notifier notify.Dispatcher
	Logger   *zap.Logger
	Now      func() time.Time
}

type Service struct {
	registry Registry
	rides    Rides
	cfg      config.MatchingConfig
	bus      pubsub.Bus
	notifier notify.Dispatcher
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(registry Registry, rides Rides, cfg config.MatchingConfig, deps Deps) *Service {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		registry: registry,
		rides:    rides,
		cfg:      cfg,
		bus:      deps.Bus,
		notifier: deps.Notifier,
		logger:   logging.OrNop(deps.Logger),
		now:      now,
	}
}

func (s *Service) GoOnline(ctx context.Context, f Fulfiller) error {
	class, ok := types.ParseVehicleClass(string(f.Class))
	if f.ID == "" || !ok || !f.Position.Valid() {
		return ride.ErrBadRequest
	}
	f.Class = class
	f.UpdatedAt = s.now()
	_, err := s.registry.Get(ctx, f.ID)
	wasOnline := err == nil
	if err := s.registry.SetOnline(ctx, f); err != nil {
		return err
	}
	if !wasOnline {
		observability.FulfillersOnline.Inc()
	}
	return nil
}

func (s *Service) GoOffline(ctx context.Context, id types.ID) error {
	_, err := s.registry.Get(ctx, id)
	wasOnline := err == nil
	if err := s.registry.SetOffline(ctx, id); err != nil {
		return err
	}
	if wasOnline {
		observability.FulfillersOnline.Dec()
	}
	return nil
}

func (s *Service) Status(ctx context.Context, id types.ID) (*Fulfiller, error) {
	return s.registry.Get(ctx, id)
}

// Eligible reports whether f may see and claim r at now.
func Eligible(r *ride.Ride, f *Fulfiller, now time.Time, grace time.Duration, strict bool) bool {
	if r.FulfillerID != nil {
		return false
	}
	switch r.Status {
	case ride.StatusPending:
	case ride.StatusScheduled:
		if !r.StartsBy(now.Add(grace)) {
			return false
		}
	default:
		return false
	}
	return f.Class.Serves(r.VehicleClass, strict)
}

// ListUnclaimed returns the rides fulfillerID may claim, nearest pickup first.
// Rides without resolved pickup coordinates sort last.
func (s *Service) ListUnclaimed(ctx context.Context, fulfillerID types.ID) ([]*ride.Ride, error) {
	f, err := s.registry.Get(ctx, fulfillerID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	open, err := s.rides.ListOpen(ctx, now.Add(s.cfg.Grace()))
	if err != nil {
		return nil, err
	}
	out := make([]*ride.Ride, 0, len(open))
	for _, r := range open {
		if Eligible(r, f, now, s.cfg.Grace(), s.cfg.StrictCapability) {
			out = append(out, r)
		}
	}
	geo.SortByDistance(out, func(r *ride.Ride) float64 {
		if r.Pickup.Point == nil {
			return math.Inf(1)
		}
		return geo.DistanceKm(f.Position, *r.Pickup.Point)
	})
	return out, nil
}

// Watch emits a fresh snapshot on every pool change and on the sweep tick.
// The channel keeps only the newest snapshot and closes when ctx ends or the
// fulfiller goes offline. Call Watch again to restart.
func (s *Service) Watch(ctx context.Context, fulfillerID types.ID) (<-chan Snapshot, error) {
	if _, err := s.registry.Get(ctx, fulfillerID); err != nil {
		return nil, err
	}
	var changes <-chan pubsub.Message
	var sub pubsub.Subscription
	if s.bus != nil {
		var err error
		if sub, err = s.bus.Subscribe(ctx, ride.TopicOpen); err != nil {
			return nil, err
		}
		changes = sub.C()
	}

	sweep := s.cfg.Sweep()
	if sweep <= 0 {
		sweep = 3 * time.Second
	}
	out := make(chan Snapshot, 1)
	go func() {
		defer close(out)
		if sub != nil {
			defer sub.Close()
		}
		ticker := time.NewTicker(sweep)
		defer ticker.Stop()

		seen := map[types.ID]bool{}
		relist := func() bool {
			rides, err := s.ListUnclaimed(ctx, fulfillerID)
			if ctx.Err() != nil {
				return false
			}
			snap := Snapshot{At: s.now(), Err: err}
			if err == nil {
				next := make(map[types.ID]bool, len(rides))
				for _, r := range rides {
					next[r.ID] = true
					if !seen[r.ID] {
						snap.New = append(snap.New, r)
					}
				}
				snap.Rides = rides
				seen = next
			}
			select {
			case out <- snap:
			default:
				select {
				case <-out:
				default:
				}
				out <- snap
			}
			return !errors.Is(err, ErrOffline)
		}

		if !relist() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					changes = nil
					continue
				}
			case <-ticker.C:
			}
			if !relist() {
				return
			}
		}
	}()
	return out, nil
}

// Claim is first-come-first-claim; losers get ride.ErrAlreadyClaimed.
func (s *Service) Claim(ctx context.Context, cmd ClaimCommand) (*ride.Ride, error) {
	f, err := s.registry.Get(ctx, cmd.FulfillerID)
	if err != nil {
		return nil, err
	}
	r, err := s.rides.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if r.FulfillerID != nil {
		observability.ClaimsTotal.WithLabelValues("lost").Inc()
		return nil, ride.ErrAlreadyClaimed
	}
	if !r.Status.Open() {
		return nil, ride.ErrNotOpen
	}
	if !Eligible(r, f, s.now(), s.cfg.Grace(), s.cfg.StrictCapability) {
		observability.ClaimsTotal.WithLabelValues("ineligible").Inc()
		return nil, ErrIneligible
	}

	claimed, err := s.rides.Claim(ctx, ride.ClaimCommand{RideID: cmd.RideID, FulfillerID: cmd.FulfillerID})
	if errors.Is(err, ride.ErrAlreadyClaimed) {
		observability.ClaimsTotal.WithLabelValues("lost").Inc()
		s.logger.Debug("claim lost", zap.String("ride_id", cmd.RideID.String()), zap.String("fulfiller_id", cmd.FulfillerID.String()))
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	observability.ClaimsTotal.WithLabelValues("won").Inc()
	notify.Send(ctx, s.notifier, s.logger, notify.Intent{
		RecipientID: claimed.RequesterID,
		Title:       "Your ride was accepted",
		Body:        "A driver is on the way to your pickup point.",
		Data: map[string]string{
			"type":         "ride_claimed",
			"ride_id":      claimed.ID.String(),
			"fulfiller_id": cmd.FulfillerID.String(),
		},
	})
	return claimed, nil
}

// RunScheduler dispatches open rides to nearby fulfillers until ctx ends.
func (s *Service) RunScheduler(ctx context.Context) {
	tick := s.cfg.Sweep()
	if tick <= 0 {
		tick = 3 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickDispatch(ctx)
		}
	}
}

// tickDispatch notifies a random few of the nearest fulfillers when a ride
// first becomes eligible, then every nearby fulfiller once broadcastDelay
// passes without a claim. Scheduled rides enter when their grace window opens.
func (s *Service) tickDispatch(ctx context.Context) {
	now := s.now()
	open, err := s.rides.ListOpen(ctx, now.Add(s.cfg.Grace()))
	if err != nil {
		s.logger.Warn("dispatch: list open rides failed", zap.Error(err))
		return
	}
	for _, r := range open {
		if ctx.Err() != nil {
			return
		}
		if err := s.dispatch(ctx, r, now); err != nil {
			s.logger.Warn("dispatch failed", zap.String("ride_id", r.ID.String()), zap.Error(err))
		}
	}
}

func (s *Service) dispatch(ctx context.Context, r *ride.Ride, now time.Time) error {
	dispatchedAt, ok, err := s.registry.GetDispatchedAt(ctx, r.ID)
	if err != nil {
		return err
	}
	if !ok {
		pool, err := s.eligibleNearby(ctx, r, now, selectPoolSize)
		if err != nil {
			return err
		}
		picked := PickRandomDrivers(pool, notifyInitialCount)
		s.notifyFulfillers(ctx, r, picked)
		return s.registry.RecordDispatch(ctx, r.ID, picked, now)
	}
	if now.Sub(dispatchedAt) < broadcastDelay {
		return nil
	}
	first, err := s.registry.MarkBroadcast(ctx, r.ID)
	if err != nil || !first {
		return err
	}
	all, err := s.eligibleNearby(ctx, r, now, 0)
	if err != nil {
		return err
	}
	s.logger.Info("broadcasting unclaimed ride", zap.String("ride_id", r.ID.String()), zap.Int("fulfillers", len(all)))
	s.notifyFulfillers(ctx, r, all)
	return nil
}

// eligibleNearby returns up to limit (0 = all) eligible online fulfillers
// around the pickup, closest first.
func (s *Service) eligibleNearby(ctx context.Context, r *ride.Ride, now time.Time, limit int) ([]types.ID, error) {
	if r.Pickup.Point == nil {
		return nil, nil
	}
	ids, err := s.registry.Nearby(ctx, *r.Pickup.Point, s.cfg.RadiusKm)
	if err != nil {
		return nil, err
	}
	var out []types.ID
	for _, id := range ids {
		f, err := s.registry.Get(ctx, id)
		if errors.Is(err, ErrOffline) {
			// heartbeat expired; drop the geo member too
			_ = s.registry.SetOffline(ctx, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !Eligible(r, f, now, s.cfg.Grace(), s.cfg.StrictCapability) {
			continue
		}
		out = append(out, id)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Service) notifyFulfillers(ctx context.Context, r *ride.Ride, ids []types.ID) {
	data := map[string]string{
		"type":          "new_ride",
		"ride_id":       r.ID.String(),
		"vehicle_class": string(r.VehicleClass),
	}
	if p := r.Pickup.Point; p != nil {
		data["pickup_lat"] = strconv.FormatFloat(p.Lat, 'f', 6, 64)
		data["pickup_lng"] = strconv.FormatFloat(p.Lng, 'f', 6, 64)
	}
	body := "Pickup nearby: " + r.Pickup.Address
	if r.PriceEstimate != nil {
		data["estimated_fare"] = strconv.FormatInt(r.PriceEstimate.Amount, 10)
	}
	for _, id := range ids {
		notify.Send(ctx, s.notifier, s.logger, notify.Intent{
			RecipientID: id,
			Title:       "New ride request",
			Body:        body,
			Data:        data,
		})
	}
}

// PickRandomDrivers returns up to n distinct ids chosen uniformly from pool
// without modifying it.
func PickRandomDrivers(pool []types.ID, n int) []types.ID {
	if n <= 0 || len(pool) == 0 {
		return nil
	}
	cp := make([]types.ID, len(pool))
	copy(cp, pool)
	rand.Shuffle(len(cp), func(i, j int) { cp[i], cp[j] = cp[j], cp[i] })
	if n < len(cp) {
		cp = cp[:n]
	}
	return cp
}

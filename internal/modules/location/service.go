// README: Location service ingests presence samples and serves the latest pair.
package location

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"ridelink/internal/geo"
	"ridelink/internal/logging"
	"ridelink/internal/observability"
	"ridelink/internal/pubsub"
	"ridelink/internal/types"
)

// Mirror receives accepted samples for clients that read positions directly
// from Firebase.
type Mirror interface {
	Mirror(ctx context.Context, s Sample) error
}

type Options struct {
	MaxStaleness time.Duration
	Now          func() time.Time
}

type Service struct {
	latest   LatestStore
	history  HistoryStore
	bus      pubsub.Bus
	mirror   Mirror
	logger   *zap.Logger
	maxStale time.Duration
	now      func() time.Time
}

func NewService(latest LatestStore, history HistoryStore, bus pubsub.Bus, logger *zap.Logger, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		latest:   latest,
		history:  history,
		bus:      bus,
		logger:   logging.OrNop(logger),
		maxStale: opts.MaxStaleness,
		now:      now,
	}
}

func (s *Service) WithMirror(m Mirror) *Service {
	s.mirror = m
	return s
}

// MaxStaleness is the age beyond which a sample is no longer usable.
func (s *Service) MaxStaleness() time.Duration { return s.maxStale }

func (s *Service) Record(ctx context.Context, in Sample) (Result, error) {
	if in.RideID == "" || in.ActorID == "" || !in.Role.Valid() || !in.Position.Valid() || in.CapturedAt.IsZero() {
		observability.PresenceSamplesTotal.WithLabelValues("invalid").Inc()
		return Result{}, ErrInvalid
	}
	if s.maxStale > 0 && in.Age(s.now()) > s.maxStale {
		observability.PresenceSamplesTotal.WithLabelValues("stale").Inc()
		return Result{}, ErrStale
	}
	in.Cell = geo.Cell(in.Position, geo.CellPrecision)

	if s.history != nil {
		if err := s.history.Append(ctx, in); err != nil {
			return Result{}, err
		}
	}
	accepted, err := s.latest.Put(ctx, in)
	if err != nil {
		return Result{}, err
	}
	if !accepted {
		observability.PresenceSamplesTotal.WithLabelValues("out_of_order").Inc()
		s.logger.Debug("presence sample superseded",
			zap.String("ride_id", in.RideID.String()),
			zap.String("actor_id", in.ActorID.String()),
		)
		return Result{Accepted: false, Sample: in}, nil
	}
	observability.PresenceSamplesTotal.WithLabelValues("accepted").Inc()

	if s.bus != nil {
		if err := pubsub.PublishJSON(ctx, s.bus, Topic(in.RideID), in); err != nil {
			s.logger.Warn("publish presence failed", zap.String("ride_id", in.RideID.String()), zap.Error(err))
		}
	}
	if s.mirror != nil {
		if err := s.mirror.Mirror(ctx, in); err != nil {
			s.logger.Warn("mirror presence failed", zap.String("ride_id", in.RideID.String()), zap.Error(err))
		}
	}
	return Result{Accepted: true, Sample: in}, nil
}

func (s *Service) Latest(ctx context.Context, rideID, actorID types.ID) (*Sample, error) {
	return s.latest.Get(ctx, rideID, actorID)
}

// Pair returns whichever party samples exist; a missing side is nil.
func (s *Service) Pair(ctx context.Context, rideID, requesterID, fulfillerID types.ID) (Pair, error) {
	var p Pair
	for _, id := range []types.ID{requesterID, fulfillerID} {
		if id == "" {
			continue
		}
		smp, err := s.latest.Get(ctx, rideID, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Pair{}, err
		}
		p.set(smp)
	}
	return p, nil
}

// History page sizes. A non-positive limit means the default.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// History returns the actor's recorded samples for the ride, newest first.
func (s *Service) History(ctx context.Context, rideID, actorID types.ID, limit int) ([]Sample, error) {
	if s.history == nil {
		return nil, nil
	}
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	return s.history.Recent(ctx, rideID, actorID, limit)
}

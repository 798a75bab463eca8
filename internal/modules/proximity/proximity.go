// README: Proximity checks of a party's latest fix against a target point.
package proximity

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"ridelink/internal/geo"
	"ridelink/internal/logging"
	"ridelink/internal/modules/location"
	"ridelink/internal/modules/ride"
	"ridelink/internal/types"
)

const DefaultRadiusKm = 0.5

type Verdict string

const (
	Unknown Verdict = "unknown"
	Away    Verdict = "away"
	Arrived Verdict = "arrived"
)

// Evaluate reports whether fix lies within radiusKm of target.
func Evaluate(fix, target types.Point, radiusKm float64) bool {
	return geo.DistanceKm(fix, target) <= radiusKm
}

// Assess turns an optional sample into a verdict. A nil or stale sample is Unknown.
func Assess(s *location.Sample, target types.Point, radiusKm float64, maxStale time.Duration, now time.Time) Verdict {
	if s == nil {
		return Unknown
	}
	if maxStale > 0 && s.Age(now) > maxStale {
		return Unknown
	}
	if Evaluate(s.Position, target, radiusKm) {
		return Arrived
	}
	return Away
}

// FromTracker evaluates the tracker's own position; a degraded tracker is Unknown.
func FromTracker(t *location.Tracker, target types.Point, radiusKm float64) Verdict {
	return Assess(t.Local(), target, radiusKm, 0, time.Time{})
}

type latestReader interface {
	Latest(ctx context.Context, rideID, actorID types.ID) (*location.Sample, error)
}

type Monitor struct {
	presence latestReader
	radiusKm float64
	maxStale time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewMonitor(presence latestReader, radiusKm float64, maxStale time.Duration, logger *zap.Logger) *Monitor {
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	return &Monitor{
		presence: presence,
		radiusKm: radiusKm,
		maxStale: maxStale,
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
}

func (m *Monitor) RadiusKm() float64 { return m.radiusKm }

func (m *Monitor) Check(ctx context.Context, rideID, actorID types.ID, target types.Point) (Verdict, error) {
	s, err := m.presence.Latest(ctx, rideID, actorID)
	if errors.Is(err, location.ErrNotFound) {
		return Unknown, nil
	}
	if err != nil {
		return Unknown, err
	}
	return Assess(s, target, m.radiusKm, m.maxStale, m.now()), nil
}

// CheckArrival adapts Check to the ride service gate.
func (m *Monitor) CheckArrival(ctx context.Context, rideID, actorID types.ID, target types.Point) error {
	v, err := m.Check(ctx, rideID, actorID, target)
	if err != nil {
		m.logger.Warn("presence lookup failed", zap.String("ride_id", rideID.String()), zap.Error(err))
		return ride.ErrArrivalUnknown
	}
	switch v {
	case Arrived:
		return nil
	case Away:
		return ride.ErrNotArrived
	default:
		return ride.ErrArrivalUnknown
	}
}

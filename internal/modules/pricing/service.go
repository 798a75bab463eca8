// README: Pricing service computes fare estimates and route-backed quotes.
package pricing

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"ridelink/internal/geo"
	"ridelink/internal/logging"
	"ridelink/internal/types"
)

type RateStore interface {
	GetRate(ctx context.Context, class types.VehicleClass) (Rate, error)
}

type Router interface {
	Route(ctx context.Context, a, b types.Point) (types.Route, error)
}

type Service struct {
	store  RateStore
	router Router
	logger *zap.Logger
}

// NewService accepts a nil store; the default fare table is used then.
func NewService(store RateStore) *Service {
	return &Service{store: store, logger: zap.NewNop()}
}

// WithRouter enables route-backed quotes. Without a router, quotes use the
// straight-line distance and no duration.
func (s *Service) WithRouter(r Router, logger *zap.Logger) *Service {
	s.router = r
	s.logger = logging.OrNop(logger)
	return s
}

func (s *Service) Estimate(ctx context.Context, req PricingRequest) (PricingResult, error) {
	if req.DistanceKm < 0 || req.DurationMin < 0 {
		return PricingResult{}, errors.New("distance and duration must be non-negative")
	}
	rate := s.rateFor(ctx, req.Class)

	breakdown := map[string]int64{"base": rate.BaseFare}
	subtotal := float64(rate.BaseFare)

	if excess := req.DistanceKm - baseDistanceKm; excess > 0 {
		steps := ceilGuard(excess / stepKm)
		amount := int64(steps) * rate.StepFare
		breakdown["distance"] = amount
		subtotal += float64(amount)
	}

	if req.DurationMin > 0 {
		perMin := offPeakPerMin
		if isPeak(req.RequestTime) {
			perMin = peakPerMin
		}
		switch {
		case req.DistanceKm >= 5 && req.DistanceKm <= 6:
			perMin += midTripAdjust
		case req.DistanceKm > 7:
			perMin += longTripAdjust
		}
		amount := int64(ceilGuard(req.DurationMin * float64(perMin)))
		breakdown["time"] = amount
		subtotal += float64(amount)
	}

	if isNight(req.RequestTime) {
		breakdown["night"] = nightSurcharge
		subtotal += nightSurcharge
	}
	if isFestival(req.RequestTime) {
		breakdown["festival"] = festivalSurcharge
		subtotal += festivalSurcharge
	}

	total := subtotal * weatherMultiplier(req.Weather) * rate.Multiplier
	return PricingResult{
		TotalAmount: int64(ceilGuard(total)),
		Currency:    rate.Currency,
		Breakdown:   breakdown,
	}, nil
}

// Quote routes pickup to destination and prices the trip at time at.
func (s *Service) Quote(ctx context.Context, pickup, dest types.Point, class types.VehicleClass, at time.Time) (types.Money, types.Route, error) {
	route := types.Route{DistanceKm: geo.DistanceKm(pickup, dest)}
	if s.router != nil {
		r, err := s.router.Route(ctx, pickup, dest)
		if err != nil {
			return types.Money{}, types.Route{}, err
		}
		route = r
	}
	res, err := s.Estimate(ctx, PricingRequest{
		DistanceKm:  route.DistanceKm,
		DurationMin: route.DurationMin,
		RequestTime: at,
		Weather:     WeatherNormal,
		Class:       class,
	})
	if err != nil {
		return types.Money{}, types.Route{}, err
	}
	return res.Money(), route, nil
}

func (s *Service) rateFor(ctx context.Context, class types.VehicleClass) Rate {
	def := Rate{Class: class, BaseFare: baseFare, StepFare: stepFare, Multiplier: 1, Currency: types.DefaultCurrency}
	if class == types.ClassPremium {
		def.Multiplier = premiumMultiplier
	}
	if s.store == nil {
		return def
	}
	r, err := s.store.GetRate(ctx, class)
	if err != nil {
		if !errors.Is(err, ErrRateNotFound) {
			s.logger.Warn("rate lookup failed, using defaults", zap.String("class", string(class)), zap.Error(err))
		}
		return def
	}
	if r.Currency == "" {
		r.Currency = types.DefaultCurrency
	}
	if r.Multiplier <= 0 {
		r.Multiplier = def.Multiplier
	}
	return r
}

// ceilGuard rounds up, ignoring float noise below 1e-6 (0.4/0.2 must be 2, not 3).
func ceilGuard(x float64) float64 {
	return math.Ceil(math.Round(x*1e6) / 1e6)
}

func isPeak(t time.Time) bool {
	h := t.Hour()
	return (h >= 7 && h < 9) || (h >= 17 && h < 19)
}

func isNight(t time.Time) bool {
	h := t.Hour()
	return h >= 23 || h < 6
}

func isFestival(t time.Time) bool {
	return festivalDays[t.Format("2006-01-02")]
}

func weatherMultiplier(w Weather) float64 {
	switch w {
	case WeatherRain:
		return rainMultiplier
	case WeatherHeavyRain:
		return heavyRainMultiplier
	default:
		return 1
	}
}

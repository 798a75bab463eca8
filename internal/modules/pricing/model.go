// README: Pricing rate definition and fare request/result types.
package pricing

import (
	"time"

	"ridelink/internal/types"
)

// Rate overrides the default fare table for one vehicle class.
type Rate struct {
	Class      types.VehicleClass
	BaseFare   int64
	StepFare   int64
	Multiplier float64
	Currency   string
}

type Weather string

const (
	WeatherNormal    Weather = "normal"
	WeatherRain      Weather = "rain"
	WeatherHeavyRain Weather = "heavy_rain"
)

type PricingRequest struct {
	DistanceKm  float64
	DurationMin float64
	RequestTime time.Time
	Weather     Weather
	Class       types.VehicleClass
}

type PricingResult struct {
	TotalAmount int64
	Currency    string
	Breakdown   map[string]int64
}

func (r PricingResult) Money() types.Money {
	return types.Money{Amount: r.TotalAmount, Currency: r.Currency}
}

const (
	baseFare       = 85
	baseDistanceKm = 1.25
	stepKm         = 0.2
	stepFare       = 5

	offPeakPerMin = 3
	peakPerMin    = 5
	// Per-minute adjustment by trip length.
	midTripAdjust  = -2 // 5-6 km
	longTripAdjust = 2  // > 7 km

	nightSurcharge    = 25
	festivalSurcharge = 40

	rainMultiplier      = 1.15
	heavyRainMultiplier = 1.3
	premiumMultiplier   = 1.5
)

// festivalDays lists Lunar New Year holiday dates (YYYY-MM-DD).
var festivalDays = map[string]bool{
	"2026-02-14": true, "2026-02-15": true, "2026-02-16": true,
	"2026-02-17": true, "2026-02-18": true, "2026-02-19": true,
	"2026-02-20": true, "2026-02-21": true, "2026-02-22": true,
	"2027-02-05": true, "2027-02-06": true, "2027-02-07": true,
	"2027-02-08": true, "2027-02-09": true, "2027-02-10": true,
}

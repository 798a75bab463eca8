// README: Geocoding and routing boundary over the Google Maps API.
package maps

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"googlemaps.github.io/maps"

	"ridelink/internal/types"
)

var (
	ErrNotFound = errors.New("address not found")
	ErrNoRoute  = errors.New("no route found")
)

// client is the subset of *maps.Client used by RouteService.
type client interface {
	Geocode(ctx context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error)
	Directions(ctx context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error)
}

// RouteService handles interactions with Google Maps API.
type RouteService struct {
	client   client
	language string
	region   string
}

// NewRouteService creates a new RouteService with the given API Key.
func NewRouteService(apiKey string) (*RouteService, error) {
	c, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return newRouteService(c), nil
}

func newRouteService(c client) *RouteService {
	return &RouteService{client: c, language: "zh-TW", region: "TW"}
}

// Resolve geocodes free-form address text to a coordinate.
func (s *RouteService) Resolve(ctx context.Context, address string) (types.Point, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return types.Point{}, ErrNotFound
	}
	results, err := s.client.Geocode(ctx, &maps.GeocodingRequest{
		Address:  address,
		Language: s.language,
		Region:   s.region,
	})
	if err != nil {
		return types.Point{}, fmt.Errorf("maps geocode: %w", err)
	}
	if len(results) == 0 {
		return types.Point{}, ErrNotFound
	}
	loc := results[0].Geometry.Location
	return types.Point{Lat: loc.Lat, Lng: loc.Lng}, nil
}

// Route returns the driving distance, duration and overview polyline from a to b.
func (s *RouteService) Route(ctx context.Context, a, b types.Point) (types.Route, error) {
	r := &maps.DirectionsRequest{
		Origin:      a.LatLng(),
		Destination: b.LatLng(),
		Mode:        maps.TravelModeDriving,
		Language:    s.language,
		Region:      s.region,
	}

	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return types.Route{}, fmt.Errorf("maps api error: %w", err)
	}

	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return types.Route{}, ErrNoRoute
	}

	var out types.Route
	for _, leg := range routes[0].Legs {
		out.DistanceKm += float64(leg.Distance.Meters) / 1000.0
		out.DurationMin += leg.Duration.Minutes()
	}
	out.Polyline = routes[0].OverviewPolyline.Points
	return out, nil
}

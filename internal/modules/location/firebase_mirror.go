// README: Firebase RTDB mirror of accepted presence samples.
package location

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/db"
)

// Setter writes a value at an RTDB path.
type Setter interface {
	Set(ctx context.Context, path string, v any) error
}

type dbSetter struct {
	client *db.Client
}

func (d dbSetter) Set(ctx context.Context, path string, v any) error {
	return d.client.NewRef(path).Set(ctx, v)
}

// rtdbEntry mirrors a single party entry stored under /ride_presence/<ride>/<actor>.
type rtdbEntry struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Role      string  `json:"role"`
	Cell      string  `json:"cell"`
	Timestamp int64   `json:"timestamp"`
}

// FirebaseMirror lets mobile clients listen on /ride_presence/{rideID}
// instead of polling the API.
type FirebaseMirror struct {
	setter Setter
}

func NewFirebaseMirror(client *db.Client) *FirebaseMirror {
	return &FirebaseMirror{setter: dbSetter{client: client}}
}

func NewFirebaseMirrorWithSetter(s Setter) *FirebaseMirror {
	return &FirebaseMirror{setter: s}
}

func (f *FirebaseMirror) Mirror(ctx context.Context, s Sample) error {
	path := fmt.Sprintf("ride_presence/%s/%s", s.RideID, s.ActorID)
	err := f.setter.Set(ctx, path, rtdbEntry{
		Lat:       s.Position.Lat,
		Lng:       s.Position.Lng,
		Role:      string(s.Role),
		Cell:      s.Cell,
		Timestamp: s.CapturedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

package proximity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"ridelink/internal/modules/location"
	"ridelink/internal/modules/ride"
	"ridelink/internal/types"
)

// 0.4 km due north of target.
var (
	target = types.Point{Lat: 25.0330, Lng: 121.5654}
	near   = types.Point{Lat: 25.0330 + 0.4/111.195, Lng: 121.5654}
	far    = types.Point{Lat: 25.0530, Lng: 121.5654}
)

func TestEvaluate(t *testing.T) {
	cases := []struct {
		name   string
		fix    types.Point
		radius float64
		want   bool
	}{
		{"same point", target, 0.5, true},
		{"0.4km within 0.5", near, 0.5, true},
		{"0.4km outside 0.3", near, 0.3, false},
		{"2km away", far, 0.5, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Evaluate(tc.fix, target, tc.radius))
		})
	}
}

func TestAssess(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	fresh := &location.Sample{Position: near, CapturedAt: now.Add(-time.Second)}
	old := &location.Sample{Position: near, CapturedAt: now.Add(-time.Minute)}
	away := &location.Sample{Position: far, CapturedAt: now}

	assert.Equal(t, Unknown, Assess(nil, target, 0.5, 30*time.Second, now))
	assert.Equal(t, Unknown, Assess(old, target, 0.5, 30*time.Second, now))
	assert.Equal(t, Arrived, Assess(fresh, target, 0.5, 30*time.Second, now))
	assert.Equal(t, Away, Assess(away, target, 0.5, 30*time.Second, now))
}

type fakePresence struct {
	s   *location.Sample
	err error
}

func (f fakePresence) Latest(context.Context, types.ID, types.ID) (*location.Sample, error) {
	return f.s, f.err
}

func TestMonitor_CheckArrival(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name     string
		presence fakePresence
		want     error
	}{
		{"arrived", fakePresence{s: &location.Sample{Position: near, CapturedAt: now}}, nil},
		{"away", fakePresence{s: &location.Sample{Position: far, CapturedAt: now}}, ride.ErrNotArrived},
		{"no sample", fakePresence{err: location.ErrNotFound}, ride.ErrArrivalUnknown},
		{"stale", fakePresence{s: &location.Sample{Position: near, CapturedAt: now.Add(-time.Hour)}}, ride.ErrArrivalUnknown},
		{"store down", fakePresence{err: errors.New("redis down")}, ride.ErrArrivalUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMonitor(tc.presence, 0, 30*time.Second, nil)
			err := m.CheckArrival(context.Background(), "ride1", "f1", target)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestMonitor_DefaultRadius(t *testing.T) {
	assert.Equal(t, DefaultRadiusKm, NewMonitor(fakePresence{}, 0, 0, nil).RadiusKm())
}

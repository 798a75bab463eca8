// README: Ride service tests (state machine, flow, gates, invalid requests).
package ride

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridelink/internal/events"
	"ridelink/internal/pubsub"
	"ridelink/internal/types"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusAssigned, true},
		{StatusScheduled, StatusAssigned, true},
		{StatusAssigned, StatusInProgress, true},
		{StatusInProgress, StatusCompleted, true},
		// cancels from every non-terminal state
		{StatusPending, StatusCancelled, true},
		{StatusScheduled, StatusCancelled, true},
		{StatusAssigned, StatusCancelled, true},
		{StatusInProgress, StatusCancelled, true},
		// terminal states have no outgoing transitions
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusPending, false},
		{StatusCompleted, StatusInProgress, false},
		// skipping states
		{StatusPending, StatusInProgress, false},
		{StatusPending, StatusCompleted, false},
		{StatusAssigned, StatusCompleted, false},
		{StatusAssigned, StatusPending, false},
		{StatusNone, StatusAssigned, false},
	}
	for _, tc := range cases {
		got := CanTransition(tc.from, tc.to)
		if got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
		err := Transition(tc.from, tc.to)
		if tc.want {
			assert.NoError(t, err)
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
	}
}

var (
	pickupPt = types.Point{Lat: 25.0330, Lng: 121.5654}
	destPt   = types.Point{Lat: 25.0478, Lng: 121.5170}
)

type fakeArrival struct {
	err   error
	calls []types.Point
}

func (f *fakeArrival) CheckArrival(_ context.Context, _, _ types.ID, target types.Point) error {
	f.calls = append(f.calls, target)
	return f.err
}

type fakeQuoter struct{}

func (fakeQuoter) Quote(_ context.Context, _, _ types.Point, _ types.VehicleClass, _ time.Time) (types.Money, types.Route, error) {
	return types.NewMoney(250), types.Route{DistanceKm: 5, DurationMin: 12}, nil
}

type fakeGeocoder map[string]types.Point

func (f fakeGeocoder) Resolve(_ context.Context, address string) (types.Point, error) {
	p, ok := f[address]
	if !ok {
		return types.Point{}, errors.New("not found")
	}
	return p, nil
}

type fixture struct {
	svc     *Service
	store   *MemoryStore
	bus     *pubsub.MemoryBus
	stream  *events.Recorder
	arrival *fakeArrival
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   NewMemoryStore(),
		bus:     pubsub.NewMemoryBus(),
		stream:  &events.Recorder{},
		arrival: &fakeArrival{},
		now:     time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	t.Cleanup(func() { _ = f.bus.Close() })
	f.svc = NewService(f.store, Deps{
		Geocoder:     fakeGeocoder{"Taipei 101": pickupPt},
		Quoter:       fakeQuoter{},
		Arrival:      f.arrival,
		Bus:          f.bus,
		Stream:       f.stream,
		ScheduleLead: 15 * time.Minute,
		Now:          func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) create(t *testing.T, requester types.ID) *Ride {
	t.Helper()
	r, err := f.svc.Create(context.Background(), CreateCommand{
		RequesterID: requester,
		Pickup:      Place{Address: "Taipei 101", Point: &pickupPt},
		Destination: Place{Address: "Taipei Main Station", Point: &destPt},
	})
	require.NoError(t, err)
	return r
}

func TestRideFlowHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.create(t, "r1")
	assert.Equal(t, StatusPending, r.Status)
	require.NotNil(t, r.PriceEstimate)
	assert.Equal(t, int64(250), r.PriceEstimate.Amount)

	r, err := f.svc.Claim(ctx, ClaimCommand{RideID: r.ID, FulfillerID: "f1"})
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, r.Status)
	require.NotNil(t, r.FulfillerID)
	assert.Equal(t, types.ID("f1"), *r.FulfillerID)

	r, err = f.svc.Start(ctx, StartCommand{RideID: r.ID, FulfillerID: "f1"})
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, r.Status)
	assert.NotNil(t, r.StartedAt)

	r, err = f.svc.Complete(ctx, CompleteCommand{RideID: r.ID, FulfillerID: "f1"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, r.Status)
	require.NotNil(t, r.FinalPrice)
	assert.Equal(t, int64(250), r.FinalPrice.Amount)
	assert.Equal(t, 3, r.StatusVersion)

	// gate checked pickup then destination
	assert.Equal(t, []types.Point{pickupPt, destPt}, f.arrival.calls)

	evs, err := f.svc.Events(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, evs, 4)
	assert.Equal(t, StatusNone, evs[0].FromStatus)
	assert.Equal(t, StatusCompleted, evs[3].ToStatus)
	assert.Len(t, f.stream.Records(), 4)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bad := types.Point{Lat: 91, Lng: 0}

	cases := []struct {
		name string
		cmd  CreateCommand
	}{
		{"missing requester", CreateCommand{Pickup: Place{Address: "a"}, Destination: Place{Address: "b"}}},
		{"missing pickup", CreateCommand{RequesterID: "r", Destination: Place{Address: "b"}}},
		{"missing destination", CreateCommand{RequesterID: "r", Pickup: Place{Address: "a"}}},
		{"bad coordinates", CreateCommand{RequesterID: "r", Pickup: Place{Point: &bad}, Destination: Place{Address: "b"}}},
		{"unknown class", CreateCommand{RequesterID: "r", Pickup: Place{Address: "a"}, Destination: Place{Address: "b"}, VehicleClass: "rocket"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tc.cmd)
			assert.ErrorIs(t, err, ErrBadRequest)
		})
	}
}

func TestCreate_GeocodesAddressAndSkipsQuoteWhenUnresolved(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.Create(context.Background(), CreateCommand{
		RequesterID: "r1",
		Pickup:      Place{Address: "Taipei 101"},
		Destination: Place{Address: "somewhere unknown"},
	})
	require.NoError(t, err)
	require.NotNil(t, r.Pickup.Point)
	assert.Equal(t, pickupPt, *r.Pickup.Point)
	assert.Nil(t, r.Destination.Point)
	assert.Nil(t, r.PriceEstimate)
}

func TestCreate_OneActiveRidePerRequester(t *testing.T) {
	f := newFixture(t)
	r := f.create(t, "r1")

	_, err := f.svc.Create(context.Background(), CreateCommand{
		RequesterID: "r1",
		Pickup:      Place{Address: "a"},
		Destination: Place{Address: "b"},
	})
	assert.ErrorIs(t, err, ErrActiveRide)

	_, err = f.svc.Cancel(context.Background(), CancelCommand{RideID: r.ID, ActorID: "r1", ActorType: "requester"})
	require.NoError(t, err)
	f.create(t, "r1")
}

func TestCreate_Scheduled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	later := f.now.Add(2 * time.Hour)
	r, err := f.svc.Create(ctx, CreateCommand{
		RequesterID:  "r1",
		Pickup:       Place{Point: &pickupPt},
		Destination:  Place{Point: &destPt},
		RequestedFor: &later,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, r.Status)

	soon := f.now.Add(5 * time.Minute)
	r2, err := f.svc.Create(ctx, CreateCommand{
		RequesterID:  "r2",
		Pickup:       Place{Point: &pickupPt},
		Destination:  Place{Point: &destPt},
		RequestedFor: &soon,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r2.Status)

	open, err := f.svc.ListOpen(ctx, f.now.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, r2.ID, open[0].ID)

	open, err = f.svc.ListOpen(ctx, later)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	// scheduled rides are claimable
	claimed, err := f.svc.Claim(ctx, ClaimCommand{RideID: r.ID, FulfillerID: "f1"})
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, claimed.Status)
}

func TestClaim_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "r1")

	_, err := f.svc.Claim(ctx, ClaimCommand{RideID: "missing", FulfillerID: "f1"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Claim(ctx, ClaimCommand{RideID: r.ID})
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = f.svc.Claim(ctx, ClaimCommand{RideID: r.ID, FulfillerID: "f1"})
	require.NoError(t, err)
	_, err = f.svc.Claim(ctx, ClaimCommand{RideID: r.ID, FulfillerID: "f2"})
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	r2 := f.create(t, "r2")
	_, err = f.svc.Cancel(ctx, CancelCommand{RideID: r2.ID, ActorID: "r2", ActorType: "requester"})
	require.NoError(t, err)
	_, err = f.svc.Claim(ctx, ClaimCommand{RideID: r2.ID, FulfillerID: "f2"})
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestStart_Gates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "r1")

	// not yet assigned
	_, err := f.svc.Start(ctx, StartCommand{RideID: r.ID, FulfillerID: "f1"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.Claim(ctx, ClaimCommand{RideID: r.ID, FulfillerID: "f1"})
	require.NoError(t, err)

	_, err = f.svc.Start(ctx, StartCommand{RideID: r.ID, FulfillerID: "f2"})
	assert.ErrorIs(t, err, ErrForbidden)

	f.arrival.err = ErrNotArrived
	_, err = f.svc.Start(ctx, StartCommand{RideID: r.ID, FulfillerID: "f1"})
	assert.ErrorIs(t, err, ErrNotArrived)

	f.arrival.err = ErrArrivalUnknown
	_, err = f.svc.Start(ctx, StartCommand{RideID: r.ID, FulfillerID: "f1"})
	assert.ErrorIs(t, err, ErrArrivalUnknown)

	got, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, got.Status)
}

func TestComplete_UsesMeteredFare(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "r1")
	_, err := f.svc.Claim(ctx, ClaimCommand{RideID: r.ID, FulfillerID: "f1"})
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, StartCommand{RideID: r.ID, FulfillerID: "f1"})
	require.NoError(t, err)

	fare := int64(310)
	done, err := f.svc.Complete(ctx, CompleteCommand{RideID: r.ID, FulfillerID: "f1", MeteredFare: &fare})
	require.NoError(t, err)
	assert.Equal(t, int64(310), done.FinalPrice.Amount)

	_, err = f.svc.Complete(ctx, CompleteCommand{RideID: r.ID, FulfillerID: "f1"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUnresolvedTargetSkipsGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, err := f.svc.Create(ctx, CreateCommand{
		RequesterID: "r1",
		Pickup:      Place{Address: "unmapped alley"},
		Destination: Place{Point: &destPt},
	})
	require.NoError(t, err)
	_, err = f.svc.Claim(ctx, ClaimCommand{RideID: r.ID, FulfillerID: "f1"})
	require.NoError(t, err)

	f.arrival.err = ErrNotArrived
	started, err := f.svc.Start(ctx, StartCommand{RideID: r.ID, FulfillerID: "f1"})
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, started.Status)
	assert.Empty(t, f.arrival.calls)
}

func TestCancel_ClearsFulfillerAndKeepsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "r1")
	_, err := f.svc.Claim(ctx, ClaimCommand{RideID: r.ID, FulfillerID: "f1"})
	require.NoError(t, err)

	done, err := f.svc.Cancel(ctx, CancelCommand{RideID: r.ID, ActorID: "f1", ActorType: "fulfiller", Reason: "flat tyre"})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, done.Status)
	assert.Nil(t, done.FulfillerID)
	require.NotNil(t, done.CancelReason)
	assert.Equal(t, "flat tyre", *done.CancelReason)

	evs, err := f.svc.Events(ctx, r.ID)
	require.NoError(t, err)
	last := evs[len(evs)-1]
	require.NotNil(t, last.FulfillerID)
	assert.Equal(t, types.ID("f1"), *last.FulfillerID)

	_, err = f.svc.Cancel(ctx, CancelCommand{RideID: r.ID})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancel_IfVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "r1")
	_, err := f.svc.Claim(ctx, ClaimCommand{RideID: r.ID, FulfillerID: "f1"})
	require.NoError(t, err)

	v := r.StatusVersion
	_, err = f.svc.Cancel(ctx, CancelCommand{RideID: r.ID, ActorID: "r1", IfVersion: &v})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestChangesArePublished(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	open, err := f.bus.Subscribe(ctx, TopicOpen)
	require.NoError(t, err)
	r := f.create(t, "r1")
	rideSub, err := f.bus.Subscribe(ctx, Topic(r.ID))
	require.NoError(t, err)
	mine, err := f.bus.Subscribe(ctx, FulfillerTopic("f1"))
	require.NoError(t, err)

	_, err = f.svc.Claim(ctx, ClaimCommand{RideID: r.ID, FulfillerID: "f1"})
	require.NoError(t, err)

	kinds := func(sub pubsub.Subscription, n int) []string {
		var out []string
		for i := 0; i < n; i++ {
			select {
			case msg := <-sub.C():
				var ev ChangeEvent
				require.NoError(t, json.Unmarshal(msg.Payload, &ev))
				out = append(out, ev.Kind)
			case <-time.After(time.Second):
				t.Fatalf("timed out waiting for change %d", i)
			}
		}
		return out
	}
	assert.Equal(t, []string{KindCreated, KindClaimed}, kinds(open, 2))
	assert.Equal(t, []string{KindClaimed}, kinds(rideSub, 1))
	assert.Equal(t, []string{KindClaimed}, kinds(mine, 1))
}

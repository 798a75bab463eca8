// README: Matching service tests covering PickRandomDrivers, eligibility, watch, claims and dispatch.
package matching

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridelink/internal/config"
	"ridelink/internal/modules/ride"
	"ridelink/internal/notify"
	"ridelink/internal/pubsub"
	"ridelink/internal/types"
)

// ---------------------------------------------------------------------------
// Unit tests: PickRandomDrivers (pure function, no external dependencies)
// ---------------------------------------------------------------------------

func TestPickRandomDrivers_NormalCase(t *testing.T) {
	pool := makeDriverPool(10)
	selected := PickRandomDrivers(pool, 5)
	if len(selected) != 5 {
		t.Fatalf("expected 5, got %d", len(selected))
	}
	assertSubset(t, pool, selected)
	assertUnique(t, selected)
}

func TestPickRandomDrivers_Bounds(t *testing.T) {
	cases := []struct {
		name string
		pool []types.ID
		n    int
		want int
	}{
		{"fewer than n", makeDriverPool(3), 10, 3},
		{"exact n", makeDriverPool(5), 5, 5},
		{"nil pool", nil, 5, 0},
		{"empty pool", []types.ID{}, 5, 0},
		{"zero n", makeDriverPool(5), 0, 0},
		{"negative n", makeDriverPool(5), -1, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			selected := PickRandomDrivers(tc.pool, tc.n)
			if len(selected) != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, len(selected))
			}
			assertUnique(t, selected)
		})
	}
}

func TestPickRandomDrivers_DoesNotMutatePool(t *testing.T) {
	pool := makeDriverPool(5)
	orig := make([]types.ID, len(pool))
	copy(orig, pool)
	PickRandomDrivers(pool, 3)
	for i, d := range pool {
		if d != orig[i] {
			t.Fatalf("pool mutated at index %d: got %s, want %s", i, d, orig[i])
		}
	}
}

// TestPickRandomDrivers_Distribution verifies that over many runs each driver is selected
// with roughly uniform probability.
func TestPickRandomDrivers_Distribution(t *testing.T) {
	pool := makeDriverPool(10)
	counts := make(map[types.ID]int, len(pool))
	const runs = 1000
	const pick = 5
	for i := 0; i < runs; i++ {
		for _, d := range PickRandomDrivers(pool, pick) {
			counts[d]++
		}
	}
	// Allow generous bounds (±60%) to avoid flakiness.
	expected := runs * pick / len(pool)
	lo, hi := expected*40/100, expected*160/100
	for _, d := range pool {
		c := counts[d]
		if c < lo || c > hi {
			t.Errorf("driver %s appeared %d times, want roughly %d (+/-60%%)", d, c, expected)
		}
	}
}

func TestMatchingConcurrentPickRandom(t *testing.T) {
	pool := makeDriverPool(20)
	const goroutines = 8
	var wg sync.WaitGroup
	results := make(chan []types.ID, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- PickRandomDrivers(pool, 5)
		}()
	}
	wg.Wait()
	close(results)

	for sel := range results {
		if len(sel) != 5 {
			t.Fatalf("expected 5, got %d", len(sel))
		}
		assertUnique(t, sel)
		assertSubset(t, pool, sel)
	}
}

// ---------------------------------------------------------------------------
// Eligibility
// ---------------------------------------------------------------------------

func TestEligible(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	in10 := now.Add(10 * time.Minute)
	in2h := now.Add(2 * time.Hour)
	taken := types.ID("f9")
	std := &Fulfiller{ID: "f1", Class: types.ClassStandard}
	acc := &Fulfiller{ID: "f2", Class: types.ClassAccessible}

	cases := []struct {
		name   string
		r      ride.Ride
		f      *Fulfiller
		strict bool
		want   bool
	}{
		{"pending standard", ride.Ride{Status: ride.StatusPending, VehicleClass: types.ClassStandard}, std, false, true},
		{"claimed", ride.Ride{Status: ride.StatusAssigned, FulfillerID: &taken}, std, false, false},
		{"scheduled inside grace", ride.Ride{Status: ride.StatusScheduled, RequestedFor: &in10, VehicleClass: types.ClassStandard}, std, false, true},
		{"scheduled outside grace", ride.Ride{Status: ride.StatusScheduled, RequestedFor: &in2h, VehicleClass: types.ClassStandard}, std, false, false},
		{"needs accessible", ride.Ride{Status: ride.StatusPending, VehicleClass: types.ClassAccessible}, std, false, false},
		{"accessible serves standard", ride.Ride{Status: ride.StatusPending, VehicleClass: types.ClassStandard}, acc, false, true},
		{"strict equality", ride.Ride{Status: ride.StatusPending, VehicleClass: types.ClassStandard}, acc, true, false},
		{"cancelled", ride.Ride{Status: ride.StatusCancelled}, std, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Eligible(&tc.r, tc.f, now, 30*time.Minute, tc.strict))
		})
	}
}

// ---------------------------------------------------------------------------
// Service tests with the in-memory registry and ride store
// ---------------------------------------------------------------------------

var (
	pickup = types.Point{Lat: 25.0330, Lng: 121.5654}
	dest   = types.Point{Lat: 25.0478, Lng: 121.5170}
)

type recordingNotifier struct {
	mu  sync.Mutex
	got []notify.Intent
}

func (r *recordingNotifier) Dispatch(_ context.Context, in notify.Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, in)
	return nil
}

func (r *recordingNotifier) recipients(kind string) map[types.ID]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[types.ID]int{}
	for _, in := range r.got {
		if in.Data["type"] == kind {
			out[in.RecipientID]++
		}
	}
	return out
}

type env struct {
	svc      *Service
	rides    *ride.Service
	registry *MemoryRegistry
	notifier *recordingNotifier
	bus      *pubsub.MemoryBus
	mu       sync.Mutex
	now      time.Time
}

func (e *env) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *env) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

func newTestCfg() config.MatchingConfig {
	return config.MatchingConfig{SweepSeconds: 3, GraceMinutes: 30, RadiusKm: 3.0, ScheduleLeadMinutes: 15}
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		registry: NewMemoryRegistry(),
		notifier: &recordingNotifier{},
		bus:      pubsub.NewMemoryBus(),
		now:      time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	t.Cleanup(func() { _ = e.bus.Close() })
	cfg := newTestCfg()
	e.rides = ride.NewService(ride.NewMemoryStore(), ride.Deps{Bus: e.bus, ScheduleLead: cfg.ScheduleLead(), Now: e.clock})
	e.svc = NewService(e.registry, e.rides, cfg, Deps{Bus: e.bus, Notifier: e.notifier, Now: e.clock})
	return e
}

func (e *env) createRide(t *testing.T, requester types.ID, at *time.Time, class types.VehicleClass) *ride.Ride {
	t.Helper()
	r, err := e.rides.Create(context.Background(), ride.CreateCommand{
		RequesterID:  requester,
		Pickup:       ride.Place{Address: "Taipei 101", Point: &pickup},
		Destination:  ride.Place{Address: "Main Station", Point: &dest},
		RequestedFor: at,
		VehicleClass: string(class),
	})
	require.NoError(t, err)
	return r
}

func (e *env) online(t *testing.T, id types.ID, class types.VehicleClass, p types.Point) {
	t.Helper()
	require.NoError(t, e.svc.GoOnline(context.Background(), Fulfiller{ID: id, Class: class, Position: p}))
}

func TestListUnclaimed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.ListUnclaimed(ctx, "f1")
	assert.ErrorIs(t, err, ErrOffline)

	e.online(t, "f1", types.ClassStandard, pickup)
	near := e.createRide(t, "r1", nil, types.ClassStandard)
	later := e.clock().Add(3 * time.Hour)
	e.createRide(t, "r2", &later, types.ClassStandard)
	e.createRide(t, "r3", nil, types.ClassAccessible)

	got, err := e.svc.ListUnclaimed(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, near.ID, got[0].ID)

	// the scheduled ride enters the pool once its grace window opens
	e.advance(2*time.Hour + 45*time.Minute)
	got, err = e.svc.ListUnclaimed(ctx, "f1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestClaim_ExactlyOneWinner(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	r := e.createRide(t, "r1", nil, types.ClassStandard)

	const n = 10
	for i := 0; i < n; i++ {
		e.online(t, types.ID(fmt.Sprintf("f%d", i)), types.ClassStandard, pickup)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id types.ID) {
			defer wg.Done()
			_, err := e.svc.Claim(ctx, ClaimCommand{RideID: r.ID, FulfillerID: id})
			errs <- err
		}(types.ID(fmt.Sprintf("f%d", i)))
	}
	wg.Wait()
	close(errs)

	won := 0
	for err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, ride.ErrAlreadyClaimed)
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, e.notifier.recipients("ride_claimed")["r1"])
}

func TestClaim_Preconditions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	r := e.createRide(t, "r1", nil, types.ClassAccessible)

	_, err := e.svc.Claim(ctx, ClaimCommand{RideID: r.ID, FulfillerID: "f1"})
	assert.ErrorIs(t, err, ErrOffline)

	e.online(t, "f1", types.ClassStandard, pickup)
	_, err = e.svc.Claim(ctx, ClaimCommand{RideID: r.ID, FulfillerID: "f1"})
	assert.ErrorIs(t, err, ErrIneligible)

	e.online(t, "f2", types.ClassAccessible, pickup)
	_, err = e.svc.Claim(ctx, ClaimCommand{RideID: r.ID, FulfillerID: "f2"})
	require.NoError(t, err)

	require.NoError(t, e.svc.GoOffline(ctx, "f2"))
	_, err = e.svc.Status(ctx, "f2")
	assert.ErrorIs(t, err, ErrOffline)
}

func TestWatch_EmitsOnChange(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := e.svc.Watch(ctx, "f1")
	assert.ErrorIs(t, err, ErrOffline)

	e.online(t, "f1", types.ClassStandard, pickup)
	snaps, err := e.svc.Watch(ctx, "f1")
	require.NoError(t, err)

	first := <-snaps
	require.NoError(t, first.Err)
	assert.Empty(t, first.Rides)

	r := e.createRide(t, "r1", nil, types.ClassStandard)
	next := waitSnapshot(t, snaps, func(s Snapshot) bool { return len(s.Rides) == 1 })
	require.Len(t, next.New, 1)
	assert.Equal(t, r.ID, next.New[0].ID)

	e.online(t, "f2", types.ClassStandard, pickup)
	_, err = e.svc.Claim(ctx, ClaimCommand{RideID: r.ID, FulfillerID: "f2"})
	require.NoError(t, err)
	waitSnapshot(t, snaps, func(s Snapshot) bool { return len(s.Rides) == 0 })

	cancel()
	for range snaps {
	}
}

func waitSnapshot(t *testing.T, snaps <-chan Snapshot, ok func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s, open := <-snaps:
			require.True(t, open, "watch closed early")
			require.NoError(t, s.Err)
			if ok(s) {
				return s
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
		}
	}
}

// ---------------------------------------------------------------------------
// Dispatch: initial notify, broadcast after delay, grace window for scheduled rides
// ---------------------------------------------------------------------------

func TestMatchingNormalFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, id := range makeDriverPool(10) {
		e.online(t, id, types.ClassStandard, pickup)
	}
	r := e.createRide(t, "r1", nil, types.ClassStandard)

	// First tick: ride is new and dispatched to notifyInitialCount fulfillers.
	e.svc.tickDispatch(ctx)
	_, dispatched, _ := e.registry.GetDispatchedAt(ctx, r.ID)
	require.True(t, dispatched)
	assert.Len(t, e.notifier.recipients("new_ride"), notifyInitialCount)

	_, err := e.svc.Claim(ctx, ClaimCommand{RideID: r.ID, FulfillerID: "driver_0"})
	require.NoError(t, err)

	// Claimed rides leave the pool and are never broadcast.
	e.advance(broadcastDelay + time.Second)
	e.svc.tickDispatch(ctx)
	b, _ := e.registry.IsBroadcast(ctx, r.ID)
	assert.False(t, b)
}

func TestMatchingBroadcastAfterDelay(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, id := range makeDriverPool(10) {
		e.online(t, id, types.ClassStandard, pickup)
	}
	// outside the radius
	e.online(t, "far", types.ClassStandard, types.Point{Lat: 25.2, Lng: 121.5654})
	r := e.createRide(t, "r1", nil, types.ClassStandard)

	e.svc.tickDispatch(ctx)
	e.advance(broadcastDelay + time.Second)
	e.svc.tickDispatch(ctx)
	e.svc.tickDispatch(ctx)

	b, _ := e.registry.IsBroadcast(ctx, r.ID)
	require.True(t, b)
	got := e.notifier.recipients("new_ride")
	assert.Len(t, got, 10)
	assert.Zero(t, got["far"])
	total := 0
	for _, n := range got {
		total += n
	}
	// initial dispatch plus exactly one broadcast
	assert.Equal(t, notifyInitialCount+10, total)
}

func TestMatchingScheduledEntersAtGraceWindow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.online(t, "f1", types.ClassStandard, pickup)
	at := e.clock().Add(2 * time.Hour)
	r := e.createRide(t, "r1", &at, types.ClassStandard)
	require.Equal(t, ride.StatusScheduled, r.Status)

	e.svc.tickDispatch(ctx)
	_, dispatched, _ := e.registry.GetDispatchedAt(ctx, r.ID)
	assert.False(t, dispatched)

	e.advance(90*time.Minute + time.Second)
	e.svc.tickDispatch(ctx)
	_, dispatched, _ = e.registry.GetDispatchedAt(ctx, r.ID)
	assert.True(t, dispatched)
	assert.Equal(t, 1, e.notifier.recipients("new_ride")["f1"])
}

func TestRunSchedulerStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.svc.RunScheduler(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestMemoryRegistry_NearbyAcrossCellBorders(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	// the equator and prime meridian split cells at every precision
	origin := types.Point{Lat: 0.0005, Lng: 0.0005}
	require.NoError(t, reg.SetOnline(ctx, Fulfiller{ID: "same", Position: types.Point{Lat: 0.0006, Lng: 0.0006}}))
	require.NoError(t, reg.SetOnline(ctx, Fulfiller{ID: "west", Position: types.Point{Lat: 0.0005, Lng: -0.001}}))
	require.NoError(t, reg.SetOnline(ctx, Fulfiller{ID: "south", Position: types.Point{Lat: -0.002, Lng: 0.0005}}))
	require.NoError(t, reg.SetOnline(ctx, Fulfiller{ID: "far", Position: types.Point{Lat: 0.05, Lng: 0.05}}))

	ids, err := reg.Nearby(ctx, origin, 0.4)
	require.NoError(t, err)
	assert.Equal(t, []types.ID{"same", "west", "south"}, ids)

	// wider than any cell falls back to a full scan
	ids, err = reg.Nearby(ctx, origin, 6000)
	require.NoError(t, err)
	assert.Len(t, ids, 4)
}

// ---------------------------------------------------------------------------
// Redis registry
// ---------------------------------------------------------------------------

func TestRedisRegistry(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	reg := NewRedisRegistry(rdb)
	ctx := context.Background()

	_, err := reg.Get(ctx, "f1")
	assert.ErrorIs(t, err, ErrOffline)

	require.NoError(t, reg.SetOnline(ctx, Fulfiller{ID: "f1", Class: types.ClassPremium, Position: pickup}))
	f, err := reg.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, types.ClassPremium, f.Class)
	assert.Len(t, f.Cell, 7)

	// heartbeat expiry
	mr.FastForward(onlineTTL + time.Second)
	_, err = reg.Get(ctx, "f1")
	assert.ErrorIs(t, err, ErrOffline)

	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, reg.RecordDispatch(ctx, "ride1", []types.ID{"f1", "f2"}, at))
	got, ok, err := reg.GetDispatchedAt(ctx, "ride1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(at))
	members, err := rdb.SMembers(ctx, fmt.Sprintf(notifiedKeyPrefix, "ride1")).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"f1", "f2"}, members)

	first, err := reg.MarkBroadcast(ctx, "ride1")
	require.NoError(t, err)
	assert.True(t, first)
	first, err = reg.MarkBroadcast(ctx, "ride1")
	require.NoError(t, err)
	assert.False(t, first)
	b, err := reg.IsBroadcast(ctx, "ride1")
	require.NoError(t, err)
	assert.True(t, b)

	require.NoError(t, reg.SetOnline(ctx, Fulfiller{ID: "f1", Class: types.ClassStandard, Position: pickup}))
	require.NoError(t, reg.SetOffline(ctx, "f1"))
	_, err = reg.Get(ctx, "f1")
	assert.ErrorIs(t, err, ErrOffline)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func makeDriverPool(n int) []types.ID {
	pool := make([]types.ID, n)
	for i := range pool {
		pool[i] = types.ID(fmt.Sprintf("driver_%d", i))
	}
	return pool
}

func assertSubset(t *testing.T, pool, subset []types.ID) {
	t.Helper()
	set := make(map[types.ID]bool, len(pool))
	for _, d := range pool {
		set[d] = true
	}
	for _, d := range subset {
		if !set[d] {
			t.Errorf("selected driver %s not in pool", d)
		}
	}
}

func assertUnique(t *testing.T, ids []types.ID) {
	t.Helper()
	seen := make(map[types.ID]bool, len(ids))
	for _, d := range ids {
		if seen[d] {
			t.Errorf("duplicate driver ID %s", d)
		}
		seen[d] = true
	}
}

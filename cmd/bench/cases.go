// README: Benchmark cases: environment checks, ride lifecycle flows, claim races, a tracked drive and throughput.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"ridelink/internal/modules/location"
	"ridelink/internal/modules/proximity"
	"ridelink/internal/types"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
	// run keeps actor ids unique across runs against the same server.
	run string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

var (
	taipei101   = place{Address: "Taipei 101", Lat: 25.0330, Lng: 121.5654}
	mainStation = place{Address: "Taipei Main Station", Lat: 25.0478, Lng: 121.5170}
)

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
		run:   strconv.FormatInt(time.Now().UnixNano(), 36),
	}
}

func (r *Runner) actor(name string, driver bool) actor {
	return actor{id: name + "_" + r.run, driver: driver}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		start := time.Now()
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		if res.Latency == 0 {
			res.Latency = time.Since(start)
		}
		results = append(results, res)
		fmt.Printf("%-5s %s (%s)", res.Status, tc.Name, res.Latency.Round(time.Millisecond))
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func pass(note string, args ...any) Result { return Result{Status: "PASS", Note: fmt.Sprintf(note, args...)} }
func fail(err error) Result                { return Result{Status: "FAIL", Note: err.Error()} }
func failf(note string, args ...any) Result {
	return Result{Status: "FAIL", Note: fmt.Sprintf(note, args...)}
}
func skip(note string) Result { return Result{Status: "SKIP", Note: note} }

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: checkPostgres},
		{Name: "Env: Redis connect", Run: checkRedis},
		{Name: "Migration: tables exist", Run: checkTables},
		{Name: "API: health", Run: checkHealth},
		{Name: "Ride: create", Run: caseCreate},
		{Name: "Ride: second active ride -> 409", Run: caseDuplicateActive},
		{Name: "Ride: missing places -> 400", Run: caseMissingPlaces},
		{Name: "Matching: open ride listed to online driver", Run: caseListOpen},
		{Name: "Concurrency: claim race has one winner", Run: caseClaimRace},
		{Name: "Cancel: unassigned ride cancels directly", Run: caseDirectCancel},
		{Name: "Cancel: assigned ride needs approval", Run: caseNegotiatedCancel},
		{Name: "Tracking: drive to pickup then start", Run: caseTrackedDrive},
		{Name: "Chat: send and list", Run: caseChat},
		{Name: "Perf: presence throughput", Run: casePresenceLoad},
	}
}

func checkPostgres(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return skip("dsn not set")
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return fail(err)
	}
	return pass("")
}

func checkRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return skip("redis not set")
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return fail(err)
	}
	return pass("")
}

func checkTables(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return skip("dsn not set")
	}
	tables, err := extractTables(r.cfg.MigrationsDir)
	if err != nil {
		return fail(err)
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)", t,
		).Scan(&exists)
		if err != nil {
			return fail(err)
		}
		if !exists {
			return failf("missing table: %s", t)
		}
	}
	return pass("tables=%d", len(tables))
}

func checkHealth(ctx context.Context, r *Runner) Result {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+"/health", nil)
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return fail(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return failf("status=%d", resp.StatusCode)
	}
	return Result{Status: "PASS", Latency: time.Since(start)}
}

func caseCreate(ctx context.Context, r *Runner) Result {
	ride, err := r.createRide(ctx, r.actor("create", false), taipei101, mainStation)
	if err != nil {
		return fail(err)
	}
	if ride.Status != "pending" {
		return failf("status=%s", ride.Status)
	}
	return pass("id=%s", ride.ID)
}

func caseDuplicateActive(ctx context.Context, r *Runner) Result {
	p := r.actor("dup", false)
	if _, err := r.createRide(ctx, p, taipei101, mainStation); err != nil {
		return fail(err)
	}
	_, err := r.createRide(ctx, p, taipei101, mainStation)
	return expectStatus(err, http.StatusConflict)
}

func caseMissingPlaces(ctx context.Context, r *Runner) Result {
	_, err := r.call(ctx, r.actor("missing", false), http.MethodPost, "/api/rides", map[string]any{}, nil)
	return expectStatus(err, http.StatusBadRequest)
}

func caseListOpen(ctx context.Context, r *Runner) Result {
	ride, err := r.createRide(ctx, r.actor("list", false), taipei101, mainStation)
	if err != nil {
		return fail(err)
	}
	d := r.actor("list_driver", true)
	if err := r.goOnline(ctx, d, taipei101); err != nil {
		return fail(err)
	}
	var out struct {
		Rides []rideView `json:"rides"`
	}
	if _, err := r.call(ctx, d, http.MethodGet, "/api/driver/open-rides", nil, &out); err != nil {
		return fail(err)
	}
	for _, v := range out.Rides {
		if v.ID == ride.ID {
			return pass("open=%d", len(out.Rides))
		}
	}
	return failf("ride %s not listed among %d", ride.ID, len(out.Rides))
}

func caseClaimRace(ctx context.Context, r *Runner) Result {
	ride, err := r.createRide(ctx, r.actor("race", false), taipei101, mainStation)
	if err != nil {
		return fail(err)
	}
	drivers := make([]actor, r.cfg.Concurrency)
	for i := range drivers {
		drivers[i] = r.actor(fmt.Sprintf("race_d%d", i), true)
		if err := r.goOnline(ctx, drivers[i], taipei101); err != nil {
			return fail(err)
		}
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		won      int
		lost     int
		unexpect []int
	)
	start := time.Now()
	for _, d := range drivers {
		wg.Add(1)
		go func(d actor) {
			defer wg.Done()
			status, _ := r.claim(ctx, d, ride.ID)
			mu.Lock()
			defer mu.Unlock()
			switch status {
			case http.StatusOK:
				won++
			case http.StatusConflict:
				lost++
			default:
				unexpect = append(unexpect, status)
			}
		}(d)
	}
	wg.Wait()
	latency := time.Since(start)

	if won != 1 || len(unexpect) > 0 {
		return Result{Status: "FAIL", Latency: latency, Note: fmt.Sprintf("won=%d lost=%d other=%v", won, lost, unexpect)}
	}
	return Result{Status: "PASS", Latency: latency, Note: fmt.Sprintf("won=1 lost=%d", lost)}
}

func caseDirectCancel(ctx context.Context, r *Runner) Result {
	p := r.actor("direct", false)
	ride, err := r.createRide(ctx, p, taipei101, mainStation)
	if err != nil {
		return fail(err)
	}
	var out outcomeView
	if _, err := r.call(ctx, p, http.MethodPost, "/api/rides/"+ride.ID+"/cancellation", map[string]any{"reason": "bench"}, &out); err != nil {
		return fail(err)
	}
	if out.Kind != "cancelled_directly" || out.Ride.Status != "cancelled" {
		return failf("kind=%s status=%s", out.Kind, out.Ride.Status)
	}
	return pass("")
}

func caseNegotiatedCancel(ctx context.Context, r *Runner) Result {
	p, d := r.actor("nego", false), r.actor("nego_d", true)
	ride, err := r.createRide(ctx, p, taipei101, mainStation)
	if err != nil {
		return fail(err)
	}
	if err := r.goOnline(ctx, d, taipei101); err != nil {
		return fail(err)
	}
	if _, err := r.claim(ctx, d, ride.ID); err != nil {
		return fail(err)
	}

	var req outcomeView
	status, err := r.call(ctx, d, http.MethodPost, "/api/rides/"+ride.ID+"/cancellation", map[string]any{"reason": "vehicle issue"}, &req)
	if err != nil {
		return fail(err)
	}
	if status != http.StatusAccepted || req.Negotiation == nil || !req.ChatOpen {
		return failf("status=%d kind=%s", status, req.Kind)
	}
	if req.Ride.Status != "assigned" {
		return failf("ride moved to %s before approval", req.Ride.Status)
	}

	// the initiator cannot answer their own request
	_, err = r.call(ctx, d, http.MethodPost, "/api/cancellations/"+req.Negotiation.ID+"/respond", map[string]any{"approve": true}, nil)
	if res := expectStatus(err, http.StatusForbidden); res.Status != "PASS" {
		return res
	}

	var resp outcomeView
	if _, err := r.call(ctx, p, http.MethodPost, "/api/cancellations/"+req.Negotiation.ID+"/respond", map[string]any{"approve": true}, &resp); err != nil {
		return fail(err)
	}
	if resp.Ride.Status != "cancelled" {
		return failf("after approval status=%s", resp.Ride.Status)
	}
	return pass("negotiation=%s", req.Negotiation.ID)
}

// approach moves linearly from a start point to the target in fixed steps.
type approach struct {
	mu     sync.Mutex
	from   types.Point
	to     types.Point
	step   int
	nSteps int
}

func (a *approach) Position(ctx context.Context) (types.Point, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return types.Point{}, time.Time{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.step < a.nSteps {
		a.step++
	}
	f := float64(a.step) / float64(a.nSteps)
	p := types.Point{
		Lat: a.from.Lat + (a.to.Lat-a.from.Lat)*f,
		Lng: a.from.Lng + (a.to.Lng-a.from.Lng)*f,
	}
	return p, time.Now(), nil
}

// httpSink reports fixes through the presence endpoint.
type httpSink struct {
	r      *Runner
	who    actor
	rideID string
}

func (s *httpSink) Record(ctx context.Context, in location.Sample) (location.Result, error) {
	var out location.Result
	_, err := s.r.call(ctx, s.who, http.MethodPost, "/api/rides/"+s.rideID+"/presence", map[string]any{
		"lat":         in.Position.Lat,
		"lng":         in.Position.Lng,
		"captured_at": in.CapturedAt,
	}, &out)
	return out, err
}

func caseTrackedDrive(ctx context.Context, r *Runner) Result {
	p, d := r.actor("track", false), r.actor("track_d", true)
	ride, err := r.createRide(ctx, p, taipei101, mainStation)
	if err != nil {
		return fail(err)
	}
	startAt := place{Lat: taipei101.Lat + 0.02, Lng: taipei101.Lng + 0.02}
	if err := r.goOnline(ctx, d, startAt); err != nil {
		return fail(err)
	}
	if _, err := r.claim(ctx, d, ride.ID); err != nil {
		return fail(err)
	}

	// starting away from the pickup is refused
	_, err = r.call(ctx, d, http.MethodPost, "/api/driver/rides/"+ride.ID+"/start", nil, nil)
	if res := expectStatus(err, http.StatusPreconditionFailed); res.Status != "PASS" {
		return res
	}

	target := types.Point{Lat: taipei101.Lat, Lng: taipei101.Lng}
	src := &approach{from: types.Point{Lat: startAt.Lat, Lng: startAt.Lng}, to: target, nSteps: 10}
	tracker := location.NewTracker(src, &httpSink{r: r, who: d, rideID: ride.ID}, location.TrackerConfig{
		MinInterval: 100 * time.Millisecond,
	})
	fixes, err := tracker.Start(ctx, location.Session{RideID: types.ID(ride.ID), ActorID: types.ID(d.id), Role: types.RoleFulfiller})
	if err != nil {
		return fail(err)
	}
	defer tracker.Stop()

	deadline := time.After(15 * time.Second)
	fixCount := 0
arrive:
	for {
		select {
		case _, ok := <-fixes:
			if !ok {
				return failf("tracker stopped after %d fixes", fixCount)
			}
			fixCount++
			if proximity.FromTracker(tracker, target, r.cfg.RadiusKm) == proximity.Arrived {
				break arrive
			}
		case <-deadline:
			return failf("never arrived after %d fixes", fixCount)
		}
	}
	tracker.Stop()

	var started rideView
	if _, err := r.call(ctx, d, http.MethodPost, "/api/driver/rides/"+ride.ID+"/start", nil, &started); err != nil {
		return fail(err)
	}
	if started.Status != "in_progress" {
		return failf("status=%s", started.Status)
	}
	// still at the pickup, so completing is refused
	_, err = r.call(ctx, d, http.MethodPost, "/api/driver/rides/"+ride.ID+"/complete", nil, nil)
	if res := expectStatus(err, http.StatusPreconditionFailed); res.Status != "PASS" {
		return res
	}
	return pass("fixes=%d", fixCount)
}

func caseChat(ctx context.Context, r *Runner) Result {
	p, d := r.actor("chat", false), r.actor("chat_d", true)
	ride, err := r.createRide(ctx, p, taipei101, mainStation)
	if err != nil {
		return fail(err)
	}
	if err := r.goOnline(ctx, d, taipei101); err != nil {
		return fail(err)
	}
	if _, err := r.claim(ctx, d, ride.ID); err != nil {
		return fail(err)
	}
	for i, who := range []actor{p, d, p} {
		if _, err := r.call(ctx, who, http.MethodPost, "/api/rides/"+ride.ID+"/messages", map[string]any{"body": fmt.Sprintf("msg %d", i)}, nil); err != nil {
			return fail(err)
		}
	}
	var out struct {
		Messages []struct {
			Seq int64 `json:"seq"`
		} `json:"messages"`
	}
	if _, err := r.call(ctx, d, http.MethodGet, "/api/rides/"+ride.ID+"/messages", nil, &out); err != nil {
		return fail(err)
	}
	if len(out.Messages) != 3 {
		return failf("messages=%d", len(out.Messages))
	}
	for i, m := range out.Messages {
		if m.Seq != int64(i+1) {
			return failf("seq %d at position %d", m.Seq, i)
		}
	}
	return pass("")
}

func casePresenceLoad(ctx context.Context, r *Runner) Result {
	p, d := r.actor("load", false), r.actor("load_d", true)
	ride, err := r.createRide(ctx, p, taipei101, mainStation)
	if err != nil {
		return fail(err)
	}
	if err := r.goOnline(ctx, d, taipei101); err != nil {
		return fail(err)
	}
	if _, err := r.claim(ctx, d, ride.ID); err != nil {
		return fail(err)
	}

	end := time.Now().Add(r.cfg.Duration)
	var (
		mu       sync.Mutex
		count    int
		errCount int
		wg       sync.WaitGroup
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				_, err := r.call(ctx, d, http.MethodPost, "/api/rides/"+ride.ID+"/presence", map[string]any{
					"lat": taipei101.Lat, "lng": taipei101.Lng, "captured_at": time.Now().UTC(),
				}, nil)
				mu.Lock()
				if err != nil {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return failf("no requests completed, errors=%d", errCount)
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return pass("rps=%.1f errors=%d", rps, errCount)
}

func expectStatus(err error, want int) Result {
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == want {
		return pass("status=%d", want)
	}
	if err == nil {
		return failf("expected status %d, got success", want)
	}
	return fail(err)
}

func extractTables(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	var tables []string
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		for _, m := range re.FindAllStringSubmatch(string(b), -1) {
			tables = append(tables, m[1])
		}
	}
	return tables, nil
}

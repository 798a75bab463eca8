// README: Tracker runs the per-ride position loop for one party.
package location

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"ridelink/internal/logging"
	"ridelink/internal/modules/ride"
	"ridelink/internal/pubsub"
	"ridelink/internal/types"
)

var ErrTrackerUsed = errors.New("tracker already started or stopped")

// PositionSource acquires the device position. Implementations must honour
// ctx cancellation.
type PositionSource interface {
	Position(ctx context.Context) (types.Point, time.Time, error)
}

// SampleSink persists local fixes; *Service satisfies it.
type SampleSink interface {
	Record(ctx context.Context, s Sample) (Result, error)
}

type Session struct {
	RideID  types.ID
	ActorID types.ID
	Role    types.Role
}

type Fix struct {
	Position   types.Point `json:"position"`
	CapturedAt time.Time   `json:"captured_at"`
}

type TrackerConfig struct {
	MinInterval      time.Duration
	MaxStaleness     time.Duration
	FailureThreshold int
	Bus              pubsub.Bus
	Logger           *zap.Logger
	Now              func() time.Time
}

type Tracker struct {
	src  PositionSource
	sink SampleSink
	cfg  TrackerConfig
	log  *zap.Logger

	mu       sync.Mutex
	started  bool
	stopped  bool
	session  Session
	cancel   context.CancelFunc
	done     chan struct{}
	local    *Sample
	remote   *Sample
	failures int
}

func NewTracker(src PositionSource, sink SampleSink, cfg TrackerConfig) *Tracker {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 2 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		src:  src,
		sink: sink,
		cfg:  cfg,
		log:  logging.OrNop(cfg.Logger),
		done: make(chan struct{}),
	}
}

// Start begins sampling. A tracker runs at most one session and cannot be
// started once stopped; create a new tracker for the next ride. The returned
// channel holds only the newest fix and is closed when tracking stops.
func (t *Tracker) Start(ctx context.Context, s Session) (<-chan Fix, error) {
	if s.RideID == "" || s.ActorID == "" || !s.Role.Valid() {
		return nil, ErrInvalid
	}
	t.mu.Lock()
	if t.started || t.stopped {
		t.mu.Unlock()
		return nil, ErrTrackerUsed
	}
	t.started = true
	t.session = s
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	var presence, changes pubsub.Subscription
	if t.cfg.Bus != nil {
		var err error
		if presence, err = t.cfg.Bus.Subscribe(ctx, Topic(s.RideID)); err != nil {
			cancel()
			return nil, err
		}
		if changes, err = t.cfg.Bus.Subscribe(ctx, ride.Topic(s.RideID)); err != nil {
			_ = presence.Close()
			cancel()
			return nil, err
		}
	}

	out := make(chan Fix, 1)
	go t.loop(ctx, out, presence, changes)
	return out, nil
}

// Stop cancels the loop without waiting for an in-flight acquisition. It is
// safe to call at any time and more than once.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed once the loop has exited.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Latest returns the newest local and remote samples.
func (t *Tracker) Latest() Pair {
	t.mu.Lock()
	defer t.mu.Unlock()
	var p Pair
	if t.remote != nil {
		r := *t.remote
		p.set(&r)
	}
	if t.local != nil {
		l := *t.local
		p.set(&l)
	}
	return p
}

// Local returns the newest usable local sample, or nil when the position
// is unknown (no fix yet, too many failures, or too old).
func (t *Tracker) Local() *Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.local == nil || t.failures >= t.cfg.FailureThreshold {
		return nil
	}
	if t.cfg.MaxStaleness > 0 && t.local.Age(t.cfg.Now()) > t.cfg.MaxStaleness {
		return nil
	}
	s := *t.local
	return &s
}

func (t *Tracker) Healthy() bool { return t.Local() != nil }

func (t *Tracker) loop(ctx context.Context, out chan Fix, presence, changes pubsub.Subscription) {
	var sampling sync.WaitGroup
	defer close(t.done)
	defer close(out)
	defer sampling.Wait()
	defer t.Stop()
	var presenceC, changesC <-chan pubsub.Message
	if presence != nil {
		defer presence.Close()
		presenceC = presence.C()
	}
	if changes != nil {
		defer changes.Close()
		changesC = changes.C()
	}

	// a slow position source must not hold up remote samples or the ride end
	sampling.Add(1)
	go func() {
		defer sampling.Done()
		t.sample(ctx, out)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-presenceC:
			if !ok {
				presenceC = nil
				continue
			}
			t.onRemote(msg)
		case msg, ok := <-changesC:
			if !ok {
				changesC = nil
				continue
			}
			if t.rideEnded(msg) {
				return
			}
		}
	}
}

func (t *Tracker) sample(ctx context.Context, out chan Fix) {
	ticker := time.NewTicker(t.cfg.MinInterval)
	defer ticker.Stop()
	for {
		t.acquire(ctx, out)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// acquire is only called from the sampling goroutine, the single writer of out.
func (t *Tracker) acquire(ctx context.Context, out chan Fix) {
	pos, at, err := t.src.Position(ctx)
	if ctx.Err() != nil {
		return
	}
	if err == nil && t.cfg.MaxStaleness > 0 && t.cfg.Now().Sub(at) > t.cfg.MaxStaleness {
		err = ErrStale
	}
	if err == nil && !pos.Valid() {
		err = ErrInvalid
	}
	if err != nil {
		t.mu.Lock()
		t.failures++
		failures := t.failures
		t.mu.Unlock()
		t.log.Warn("position acquisition failed",
			zap.String("ride_id", t.session.RideID.String()),
			zap.Int("consecutive", failures),
			zap.Error(err),
		)
		return
	}

	smp := Sample{
		RideID:     t.session.RideID,
		ActorID:    t.session.ActorID,
		Role:       t.session.Role,
		Position:   pos,
		CapturedAt: at,
	}
	t.mu.Lock()
	t.failures = 0
	if smp.NewerThan(t.local) {
		t.local = &smp
	}
	t.mu.Unlock()

	fix := Fix{Position: pos, CapturedAt: at}
	select {
	case out <- fix:
	default:
		select {
		case <-out:
		default:
		}
		out <- fix
	}

	if t.sink != nil {
		if _, err := t.sink.Record(ctx, smp); err != nil && ctx.Err() == nil {
			t.log.Warn("record presence failed", zap.String("ride_id", smp.RideID.String()), zap.Error(err))
		}
	}
}

func (t *Tracker) onRemote(msg pubsub.Message) {
	var s Sample
	if err := json.Unmarshal(msg.Payload, &s); err != nil {
		t.log.Debug("bad presence payload", zap.Error(err))
		return
	}
	if s.ActorID == t.session.ActorID || s.RideID != t.session.RideID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote != nil && s.CapturedAt.Before(t.remote.CapturedAt) {
		return
	}
	t.remote = &s
}

func (t *Tracker) rideEnded(msg pubsub.Message) bool {
	var ev ride.ChangeEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return false
	}
	if ev.Status.Terminal() {
		t.log.Info("ride ended; tracking stopped",
			zap.String("ride_id", t.session.RideID.String()),
			zap.String("status", string(ev.Status)),
		)
		return true
	}
	return false
}

// README: Chat service: party-checked send and a resumable ordered message stream.
package chat

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"ridelink/internal/logging"
	"ridelink/internal/modules/ride"
	"ridelink/internal/notify"
	"ridelink/internal/observability"
	"ridelink/internal/pubsub"
	"ridelink/internal/types"
)

type Rides interface {
	Get(ctx context.Context, id types.ID) (*ride.Ride, error)
}

type Deps struct {
	Bus      pubsub.Bus
	Notifier notify.Dispatcher
	Logger   *zap.Logger
	Now      func() time.Time
	// ResyncInterval bounds how long a subscriber can miss a dropped bus
	// message before the store is re-read.
	ResyncInterval time.Duration
}

type Service struct {
	store    Store
	rides    Rides
	bus      pubsub.Bus
	notifier notify.Dispatcher
	logger   *zap.Logger
	now      func() time.Time
	resync   time.Duration
}

const (
	defaultResync = 5 * time.Second
	pageSize      = 200
	streamBuffer  = 32
)

func NewService(store Store, rides Rides, deps Deps) *Service {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	resync := deps.ResyncInterval
	if resync <= 0 {
		resync = defaultResync
	}
	return &Service{
		store:    store,
		rides:    rides,
		bus:      deps.Bus,
		notifier: deps.Notifier,
		logger:   logging.OrNop(deps.Logger),
		now:      now,
		resync:   resync,
	}
}

type SendCommand struct {
	RideID   types.ID
	SenderID types.ID
	Body     string
}

func (s *Service) Send(ctx context.Context, cmd SendCommand) (*Message, error) {
	if cmd.RideID == "" || cmd.SenderID == "" {
		return nil, ErrBadRequest
	}
	body := strings.TrimSpace(cmd.Body)
	if body == "" {
		return nil, ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > MaxBodyRunes {
		return nil, ErrTooLong
	}
	r, err := s.rides.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	role, ok := r.RoleOf(cmd.SenderID)
	if !ok {
		return nil, ErrNotParty
	}

	m := &Message{
		ID:         types.NewID(),
		RideID:     r.ID,
		SenderID:   cmd.SenderID,
		SenderRole: role,
		Body:       body,
		SentAt:     s.now(),
	}
	if err := s.store.Append(ctx, m); err != nil {
		return nil, err
	}
	observability.ChatMessagesTotal.Inc()

	if s.bus != nil {
		if err := pubsub.PublishJSON(ctx, s.bus, Topic(r.ID), m); err != nil {
			s.logger.Warn("publish chat message failed", zap.String("ride_id", r.ID.String()), zap.Error(err))
		}
	}
	if to := r.PartyFor(role.Counterpart()); to != "" {
		notify.Send(ctx, s.notifier, s.logger, notify.Intent{
			RecipientID: to,
			Title:       "New message",
			Body:        preview(body),
			Data: map[string]string{
				"type":    "chat_message",
				"ride_id": r.ID.String(),
				"seq":     strconv.FormatInt(m.Seq, 10),
			},
		})
	}
	return m, nil
}

func (s *Service) List(ctx context.Context, rideID types.ID, afterSeq int64, limit int) ([]*Message, error) {
	if limit <= 0 || limit > pageSize {
		limit = pageSize
	}
	return s.store.List(ctx, rideID, afterSeq, limit)
}

// Subscribe streams messages with Seq > afterSeq in order, first from the
// store and then live, until ctx ends. A client resumes after a reconnect by
// passing the last Seq it saw.
func (s *Service) Subscribe(ctx context.Context, rideID types.ID, afterSeq int64) (<-chan Message, error) {
	if rideID == "" {
		return nil, ErrBadRequest
	}
	if _, err := s.rides.Get(ctx, rideID); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	var live <-chan pubsub.Message
	var sub pubsub.Subscription
	if s.bus != nil {
		// subscribe before the replay so nothing sent in between is lost
		var err error
		if sub, err = s.bus.Subscribe(ctx, Topic(rideID)); err != nil {
			cancel()
			return nil, err
		}
		live = sub.C()
	}

	out := make(chan Message, streamBuffer)
	go func() {
		defer close(out)
		defer cancel()
		if sub != nil {
			defer sub.Close()
		}
		st := &stream{svc: s, rideID: rideID, last: afterSeq, out: out}
		if !st.catchUp(ctx) {
			return
		}
		ticker := time.NewTicker(s.resync)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-live:
				if !ok {
					return
				}
				var m Message
				if err := json.Unmarshal(msg.Payload, &m); err != nil {
					s.logger.Warn("bad chat payload", zap.String("ride_id", rideID.String()), zap.Error(err))
					continue
				}
				if !st.accept(ctx, &m) {
					return
				}
			case <-ticker.C:
				if !st.catchUp(ctx) {
					return
				}
			}
		}
	}()
	return out, nil
}

type stream struct {
	svc    *Service
	rideID types.ID
	last   int64
	out    chan<- Message
}

// accept emits m if it is the next message, refetching from the store
// when a gap shows that something was missed.
func (st *stream) accept(ctx context.Context, m *Message) bool {
	switch {
	case m.Seq <= st.last:
		return true
	case m.Seq == st.last+1:
		return st.emit(ctx, m)
	default:
		return st.catchUp(ctx)
	}
}

func (st *stream) catchUp(ctx context.Context) bool {
	for {
		page, err := st.svc.store.List(ctx, st.rideID, st.last, pageSize)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			st.svc.logger.Warn("chat replay failed", zap.String("ride_id", st.rideID.String()), zap.Error(err))
			return true
		}
		for _, m := range page {
			if !st.emit(ctx, m) {
				return false
			}
		}
		if len(page) < pageSize {
			return true
		}
	}
}

func (st *stream) emit(ctx context.Context, m *Message) bool {
	select {
	case st.out <- *m:
		st.last = m.Seq
		return true
	case <-ctx.Done():
		return false
	}
}

func preview(body string) string {
	const max = 80
	if utf8.RuneCountInString(body) <= max {
		return body
	}
	return string([]rune(body)[:max]) + "…"
}

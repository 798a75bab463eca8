// README: In-memory Store with the same compare-and-set semantics as PostgresStore.
package ride

import (
	"context"
	"sort"
	"sync"
	"time"

	"ridelink/internal/types"
)

type MemoryStore struct {
	mu     sync.Mutex
	rides  map[types.ID]*Ride
	events []Event
	nextID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[types.ID]*Ride)}
}

func (m *MemoryStore) Create(_ context.Context, r *Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrConflict
	}
	for _, other := range m.rides {
		if other.RequesterID == r.RequesterID && !other.Status.Terminal() {
			return ErrActiveRide
		}
	}
	cp := r.clone()
	cp.UpdatedAt = cp.CreatedAt
	m.rides[r.ID] = cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (m *MemoryStore) Claim(_ context.Context, id, fulfillerID types.ID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok || r.FulfillerID != nil || !r.Status.Open() {
		return false, nil
	}
	f := fulfillerID
	r.FulfillerID = &f
	r.Status = StatusAssigned
	r.StatusVersion++
	r.AssignedAt = &at
	r.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, u StatusUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[u.RideID]
	if !ok || r.Status != u.From || r.StatusVersion != u.Version {
		return false, nil
	}
	at := u.At
	r.Status = u.To
	r.StatusVersion++
	r.UpdatedAt = at
	switch u.To {
	case StatusInProgress:
		r.StartedAt = &at
	case StatusCompleted:
		r.CompletedAt = &at
	case StatusCancelled:
		r.CancelledAt = &at
		r.FulfillerID = nil
	}
	if u.FinalPrice != nil {
		cur := types.DefaultCurrency
		if r.PriceEstimate != nil {
			cur = r.PriceEstimate.Currency
		}
		p := types.Money{Amount: *u.FinalPrice, Currency: cur}
		r.FinalPrice = &p
	}
	if u.CancelReason != nil {
		reason := *u.CancelReason
		r.CancelReason = &reason
	}
	return true, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	m.events = append(m.events, *e)
	return nil
}

func (m *MemoryStore) Events(_ context.Context, id types.ID) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.RideID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) HasActiveByRequester(_ context.Context, requesterID types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rides {
		if r.RequesterID == requesterID && !r.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ListOpen(_ context.Context, horizon time.Time) ([]*Ride, error) {
	return m.filter(func(r *Ride) bool {
		if r.FulfillerID != nil {
			return false
		}
		return r.Status == StatusPending || (r.Status == StatusScheduled && r.StartsBy(horizon))
	}, 0, false), nil
}

func (m *MemoryStore) ListByRequester(_ context.Context, requesterID types.ID, limit int) ([]*Ride, error) {
	return m.filter(func(r *Ride) bool { return r.RequesterID == requesterID }, limit, true), nil
}

func (m *MemoryStore) ListByFulfiller(_ context.Context, fulfillerID types.ID, limit int) ([]*Ride, error) {
	return m.filter(func(r *Ride) bool {
		return r.FulfillerID != nil && *r.FulfillerID == fulfillerID
	}, limit, true), nil
}

func (m *MemoryStore) filter(keep func(*Ride) bool, limit int, newestFirst bool) []*Ride {
	m.mu.Lock()
	var out []*Ride
	for _, r := range m.rides {
		if keep(r) {
			out = append(out, r.clone())
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

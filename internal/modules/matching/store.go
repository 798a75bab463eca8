// README: Online fulfiller registry backed by Redis GEO, plus dispatch markers.
package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"ridelink/internal/geo"
	"ridelink/internal/types"
)

type Registry interface {
	SetOnline(ctx context.Context, f Fulfiller) error
	SetOffline(ctx context.Context, id types.ID) error
	// Get returns ErrOffline when the fulfiller is not registered.
	Get(ctx context.Context, id types.ID) (*Fulfiller, error)
	// Nearby returns online fulfiller ids within radiusKm, closest first.
	Nearby(ctx context.Context, p types.Point, radiusKm float64) ([]types.ID, error)
	RecordDispatch(ctx context.Context, rideID types.ID, ids []types.ID, at time.Time) error
	GetDispatchedAt(ctx context.Context, rideID types.ID) (time.Time, bool, error)
	// MarkBroadcast returns true only for the first caller.
	MarkBroadcast(ctx context.Context, rideID types.ID) (bool, error)
	IsBroadcast(ctx context.Context, rideID types.ID) (bool, error)
}

const (
	fulfillerGeoKey    = "matching:fulfillers"
	fulfillerKeyPrefix = "matching:fulfiller:%s"
	dispatchKeyPrefix  = "matching:ride:%s:dispatched_at"
	notifiedKeyPrefix  = "matching:ride:%s:notified"
	broadcastKeyPrefix = "matching:ride:%s:broadcast"
)

type RedisRegistry struct {
	redis *redis.Client
}

func NewRedisRegistry(redis *redis.Client) *RedisRegistry {
	return &RedisRegistry{redis: redis}
}

func (s *RedisRegistry) SetOnline(ctx context.Context, f Fulfiller) error {
	f.Cell = geo.Cell(f.Position, geo.CellPrecision)
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	pipe := s.redis.TxPipeline()
	pipe.GeoAdd(ctx, fulfillerGeoKey, &redis.GeoLocation{
		Name:      string(f.ID),
		Longitude: f.Position.Lng,
		Latitude:  f.Position.Lat,
	})
	pipe.Set(ctx, fulfillerKey(f.ID), data, onlineTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisRegistry) SetOffline(ctx context.Context, id types.ID) error {
	pipe := s.redis.TxPipeline()
	pipe.ZRem(ctx, fulfillerGeoKey, string(id))
	pipe.Del(ctx, fulfillerKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisRegistry) Get(ctx context.Context, id types.ID) (*Fulfiller, error) {
	data, err := s.redis.Get(ctx, fulfillerKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrOffline
	}
	if err != nil {
		return nil, err
	}
	var f Fulfiller
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *RedisRegistry) Nearby(ctx context.Context, p types.Point, radiusKm float64) ([]types.ID, error) {
	results, err := s.redis.GeoSearch(ctx, fulfillerGeoKey, &redis.GeoSearchQuery{
		Longitude:  p.Lng,
		Latitude:   p.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, len(results))
	for i, r := range results {
		ids[i] = types.ID(r)
	}
	return ids, nil
}

// RecordDispatch records the dispatch timestamp and the set of notified fulfillers for a ride.
func (s *RedisRegistry) RecordDispatch(ctx context.Context, rideID types.ID, ids []types.ID, at time.Time) error {
	pipe := s.redis.Pipeline()
	pipe.Set(ctx, fmt.Sprintf(dispatchKeyPrefix, rideID), at.UTC().Format(time.RFC3339Nano), keyTTL)
	if len(ids) > 0 {
		members := make([]interface{}, len(ids))
		for i, d := range ids {
			members[i] = string(d)
		}
		notifiedKey := fmt.Sprintf(notifiedKeyPrefix, rideID)
		pipe.SAdd(ctx, notifiedKey, members...)
		pipe.Expire(ctx, notifiedKey, keyTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetDispatchedAt returns when the ride was first dispatched, and whether it has been dispatched.
func (s *RedisRegistry) GetDispatchedAt(ctx context.Context, rideID types.ID) (time.Time, bool, error) {
	val, err := s.redis.Get(ctx, fmt.Sprintf(dispatchKeyPrefix, rideID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (s *RedisRegistry) MarkBroadcast(ctx context.Context, rideID types.ID) (bool, error) {
	return s.redis.SetNX(ctx, fmt.Sprintf(broadcastKeyPrefix, rideID), "1", keyTTL).Result()
}

func (s *RedisRegistry) IsBroadcast(ctx context.Context, rideID types.ID) (bool, error) {
	n, err := s.redis.Exists(ctx, fmt.Sprintf(broadcastKeyPrefix, rideID)).Result()
	return n == 1, err
}

func fulfillerKey(id types.ID) string {
	return fmt.Sprintf(fulfillerKeyPrefix, id)
}

// MemoryRegistry is the single-process Registry.
type MemoryRegistry struct {
	mu         sync.Mutex
	online     map[types.ID]Fulfiller
	dispatched map[types.ID]time.Time
	broadcast  map[types.ID]bool
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		online:     make(map[types.ID]Fulfiller),
		dispatched: make(map[types.ID]time.Time),
		broadcast:  make(map[types.ID]bool),
	}
}

func (m *MemoryRegistry) SetOnline(_ context.Context, f Fulfiller) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.Cell = geo.Cell(f.Position, geo.CellPrecision)
	m.online[f.ID] = f
	return nil
}

func (m *MemoryRegistry) SetOffline(_ context.Context, id types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.online, id)
	return nil
}

func (m *MemoryRegistry) Get(_ context.Context, id types.ID) (*Fulfiller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.online[id]
	if !ok {
		return nil, ErrOffline
	}
	return &f, nil
}

func (m *MemoryRegistry) Nearby(_ context.Context, p types.Point, radiusKm float64) ([]types.ID, error) {
	type hit struct {
		id   types.ID
		dist float64
	}
	cells := geo.CoveringCells(p, radiusKm)
	m.mu.Lock()
	var hits []hit
	for id, f := range m.online {
		if cells != nil && !inCells(f.Cell, cells) {
			continue
		}
		if d := geo.DistanceKm(p, f.Position); d <= radiusKm {
			hits = append(hits, hit{id: id, dist: d})
		}
	}
	m.mu.Unlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })
	ids := make([]types.ID, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids, nil
}

// inCells reports whether cell refines any of cells. Online fulfillers carry
// a CellPrecision cell, never coarser than a covering cell.
func inCells(cell string, cells []string) bool {
	for _, c := range cells {
		if strings.HasPrefix(cell, c) {
			return true
		}
	}
	return false
}

func (m *MemoryRegistry) RecordDispatch(_ context.Context, rideID types.ID, _ []types.ID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatched[rideID] = at
	return nil
}

func (m *MemoryRegistry) GetDispatchedAt(_ context.Context, rideID types.ID) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.dispatched[rideID]
	return t, ok, nil
}

func (m *MemoryRegistry) MarkBroadcast(_ context.Context, rideID types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broadcast[rideID] {
		return false, nil
	}
	m.broadcast[rideID] = true
	return true, nil
}

func (m *MemoryRegistry) IsBroadcast(_ context.Context, rideID types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broadcast[rideID], nil
}

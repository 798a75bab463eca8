// README: Location stores: redis latest slot with a timestamp guard, postgres history.
package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"ridelink/internal/types"
)

// LatestStore keeps one sample per (ride, actor). Put only replaces the
// slot when the sample is not older than the current one.
type LatestStore interface {
	Put(ctx context.Context, s Sample) (bool, error)
	Get(ctx context.Context, rideID, actorID types.ID) (*Sample, error)
}

type HistoryStore interface {
	Append(ctx context.Context, s Sample) error
	Recent(ctx context.Context, rideID, actorID types.ID, limit int) ([]Sample, error)
}

const latestTTL = 24 * time.Hour

// putLatest rejects strictly older samples atomically.
var putLatest = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

type RedisLatest struct {
	redis *redis.Client
}

func NewRedisLatest(redis *redis.Client) *RedisLatest {
	return &RedisLatest{redis: redis}
}

func latestKey(rideID, actorID types.ID) string {
	return fmt.Sprintf("presence:%s:%s", rideID, actorID)
}

func (r *RedisLatest) Put(ctx context.Context, s Sample) (bool, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return false, err
	}
	n, err := putLatest.Run(ctx, r.redis,
		[]string{latestKey(s.RideID, s.ActorID)},
		s.CapturedAt.UnixMicro(), string(data), latestTTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisLatest) Get(ctx context.Context, rideID, actorID types.ID) (*Sample, error) {
	data, err := r.redis.HGet(ctx, latestKey(rideID, actorID), "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var s Sample
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

type PostgresHistory struct {
	db *pgxpool.Pool
}

func NewPostgresHistory(db *pgxpool.Pool) *PostgresHistory {
	return &PostgresHistory{db: db}
}

func (h *PostgresHistory) Append(ctx context.Context, s Sample) error {
	_, err := h.db.Exec(ctx, `
		INSERT INTO presence_samples (ride_id, actor_id, role, lat, lng, cell, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(s.RideID), string(s.ActorID), string(s.Role),
		s.Position.Lat, s.Position.Lng, s.Cell, s.CapturedAt,
	)
	return err
}

func (h *PostgresHistory) Recent(ctx context.Context, rideID, actorID types.ID, limit int) ([]Sample, error) {
	rows, err := h.db.Query(ctx, `
		SELECT ride_id, actor_id, role, lat, lng, cell, captured_at
		FROM presence_samples
		WHERE ride_id = $1 AND actor_id = $2
		ORDER BY captured_at DESC
		LIMIT $3`, string(rideID), string(actorID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var s Sample
		if err := rows.Scan(&s.RideID, &s.ActorID, &s.Role, &s.Position.Lat, &s.Position.Lng, &s.Cell, &s.CapturedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MemoryStore implements both LatestStore and HistoryStore.
type MemoryStore struct {
	mu      sync.Mutex
	latest  map[string]Sample
	history []Sample
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{latest: make(map[string]Sample)}
}

func (m *MemoryStore) Put(_ context.Context, s Sample) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := latestKey(s.RideID, s.ActorID)
	if cur, ok := m.latest[key]; ok && !s.NewerThan(&cur) {
		return false, nil
	}
	m.latest[key] = s
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, rideID, actorID types.ID) (*Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.latest[latestKey(rideID, actorID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) Append(_ context.Context, s Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, s)
	return nil
}

func (m *MemoryStore) Recent(_ context.Context, rideID, actorID types.ID, limit int) ([]Sample, error) {
	m.mu.Lock()
	var out []Sample
	for _, s := range m.history {
		if s.RideID == rideID && s.ActorID == actorID {
			out = append(out, s)
		}
	}
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CapturedAt.After(out[j].CapturedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

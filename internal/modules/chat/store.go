// README: Chat persistence: PostgreSQL with per-ride sequence numbers, and in-memory.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridelink/internal/types"
)

type Store interface {
	// Append assigns m.Seq as the next number for the ride.
	Append(ctx context.Context, m *Message) error
	// List returns messages with Seq > afterSeq in order, at most limit.
	List(ctx context.Context, rideID types.ID, afterSeq int64, limit int) ([]*Message, error)
}

const (
	seqConstraint  = "chat_messages_ride_seq"
	appendAttempts = 8
)

var errSeqTaken = errors.New("chat sequence taken")

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, m *Message) error {
	for attempt := 0; attempt < appendAttempts; attempt++ {
		err := s.db.QueryRow(ctx, `
			INSERT INTO chat_messages (id, ride_id, seq, sender_id, sender_role, body, sent_at)
			SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5, $6
			FROM chat_messages WHERE ride_id = $2
			RETURNING seq`,
			string(m.ID), string(m.RideID), string(m.SenderID), string(m.SenderRole), m.Body, m.SentAt,
		).Scan(&m.Seq)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == seqConstraint {
			continue
		}
		return err
	}
	return fmt.Errorf("append to ride %s: %w", m.RideID, errSeqTaken)
}

func (s *PostgresStore) List(ctx context.Context, rideID types.ID, afterSeq int64, limit int) ([]*Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, ride_id, seq, sender_id, sender_role, body, sent_at
		FROM chat_messages
		WHERE ride_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3`, string(rideID), afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RideID, &m.Seq, &m.SenderID, &m.SenderRole, &m.Body, &m.SentAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

type MemoryStore struct {
	mu   sync.Mutex
	logs map[types.ID][]*Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[types.ID][]*Message)}
}

func (m *MemoryStore) Append(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.logs[msg.RideID]
	msg.Seq = int64(len(log)) + 1
	cp := *msg
	m.logs[msg.RideID] = append(log, &cp)
	return nil
}

func (m *MemoryStore) List(_ context.Context, rideID types.ID, afterSeq int64, limit int) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.logs[rideID]
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(log)) {
		return nil, nil
	}
	rest := log[afterSeq:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	out := make([]*Message, len(rest))
	for i, msg := range rest {
		cp := *msg
		out[i] = &cp
	}
	return out, nil
}

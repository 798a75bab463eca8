// README: Negotiation persistence: PostgreSQL with a one-pending-per-ride index, and in-memory.
package cancellation

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridelink/internal/types"
)

type Store interface {
	// Create fails with ErrAlreadyPending while another request for the ride is pending.
	Create(ctx context.Context, n *Negotiation) error
	Get(ctx context.Context, id types.ID) (*Negotiation, error)
	// Resolve only succeeds on a pending negotiation.
	Resolve(ctx context.Context, id types.ID, status Status, respondedBy types.ID, reason *string, at time.Time) (bool, error)
	// Revert moves an approved negotiation whose ride cancel did not happen
	// to pending (clearing the response) or rejected. It only succeeds on an
	// approved negotiation and fails with ErrAlreadyPending when reopening
	// would give the ride a second pending request.
	Revert(ctx context.Context, id types.ID, to Status) (bool, error)
	Pending(ctx context.Context, rideID types.ID) (*Negotiation, error)
	ListByRide(ctx context.Context, rideID types.ID) ([]*Negotiation, error)
}

const pendingIndex = "negotiations_one_pending_per_ride"

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const negotiationColumns = `id, ride_id, requested_by, initiator_role, reason, status,
	responded_by, response_reason, requested_at, responded_at`

func (s *PostgresStore) Create(ctx context.Context, n *Negotiation) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO cancellation_negotiations (id, ride_id, requested_by, initiator_role, reason, status, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(n.ID), string(n.RideID), string(n.RequestedBy), string(n.InitiatorRole),
		n.Reason, string(n.Status), n.RequestedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == pendingIndex {
		return ErrAlreadyPending
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id types.ID) (*Negotiation, error) {
	n, err := scanNegotiation(s.db.QueryRow(ctx,
		`SELECT `+negotiationColumns+` FROM cancellation_negotiations WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return n, err
}

func (s *PostgresStore) Resolve(ctx context.Context, id types.ID, status Status, respondedBy types.ID, reason *string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE cancellation_negotiations
		SET status = $2, responded_by = $3, response_reason = $4, responded_at = $5
		WHERE id = $1 AND status = 'pending'`,
		string(id), string(status), string(respondedBy), reason, at,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Revert(ctx context.Context, id types.ID, to Status) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE cancellation_negotiations
		SET status = $2,
			responded_by = CASE WHEN $2 = 'pending' THEN NULL ELSE responded_by END,
			response_reason = CASE WHEN $2 = 'pending' THEN NULL ELSE response_reason END,
			responded_at = CASE WHEN $2 = 'pending' THEN NULL ELSE responded_at END
		WHERE id = $1 AND status = 'approved'`,
		string(id), string(to),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == pendingIndex {
		return false, ErrAlreadyPending
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Pending(ctx context.Context, rideID types.ID) (*Negotiation, error) {
	n, err := scanNegotiation(s.db.QueryRow(ctx,
		`SELECT `+negotiationColumns+` FROM cancellation_negotiations WHERE ride_id = $1 AND status = 'pending'`,
		string(rideID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return n, err
}

func (s *PostgresStore) ListByRide(ctx context.Context, rideID types.ID) ([]*Negotiation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+negotiationColumns+` FROM cancellation_negotiations WHERE ride_id = $1 ORDER BY requested_at`,
		string(rideID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Negotiation
	for rows.Next() {
		n, err := scanNegotiation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanNegotiation(row pgx.Row) (*Negotiation, error) {
	var n Negotiation
	var respondedBy, responseReason sql.NullString
	var respondedAt sql.NullTime
	if err := row.Scan(&n.ID, &n.RideID, &n.RequestedBy, &n.InitiatorRole, &n.Reason, &n.Status,
		&respondedBy, &responseReason, &n.RequestedAt, &respondedAt); err != nil {
		return nil, err
	}
	if respondedBy.Valid {
		id := types.ID(respondedBy.String)
		n.RespondedBy = &id
	}
	if responseReason.Valid {
		n.ResponseReason = &responseReason.String
	}
	if respondedAt.Valid {
		n.RespondedAt = &respondedAt.Time
	}
	return &n, nil
}

type MemoryStore struct {
	mu    sync.Mutex
	items map[types.ID]*Negotiation
	order []types.ID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[types.ID]*Negotiation)}
}

func (m *MemoryStore) Create(_ context.Context, n *Negotiation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.items {
		if other.RideID == n.RideID && other.Status == StatusPending {
			return ErrAlreadyPending
		}
	}
	cp := *n
	m.items[n.ID] = &cp
	m.order = append(m.order, n.ID)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Negotiation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *MemoryStore) Resolve(_ context.Context, id types.ID, status Status, respondedBy types.ID, reason *string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok || n.Status != StatusPending {
		return false, nil
	}
	n.Status = status
	by := respondedBy
	n.RespondedBy = &by
	if reason != nil {
		r := *reason
		n.ResponseReason = &r
	}
	n.RespondedAt = &at
	return true, nil
}

func (m *MemoryStore) Revert(_ context.Context, id types.ID, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok || n.Status != StatusApproved {
		return false, nil
	}
	if to == StatusPending {
		for _, other := range m.items {
			if other.RideID == n.RideID && other.Status == StatusPending {
				return false, ErrAlreadyPending
			}
		}
		n.RespondedBy, n.ResponseReason, n.RespondedAt = nil, nil, nil
	}
	n.Status = to
	return true, nil
}

func (m *MemoryStore) Pending(_ context.Context, rideID types.ID) (*Negotiation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.items {
		if n.RideID == rideID && n.Status == StatusPending {
			cp := *n
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByRide(_ context.Context, rideID types.ID) ([]*Negotiation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Negotiation
	for _, id := range m.order {
		if n := m.items[id]; n.RideID == rideID {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

// README: Ride persistence contract and its PostgreSQL implementation.
package ride

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridelink/internal/types"
)

// StatusUpdate is a compare-and-set against (status, status_version).
type StatusUpdate struct {
	RideID       types.ID
	From         Status
	To           Status
	Version      int
	At           time.Time
	FinalPrice   *int64
	CancelReason *string
}

type Store interface {
	Create(ctx context.Context, r *Ride) error
	Get(ctx context.Context, id types.ID) (*Ride, error)
	// Claim assigns fulfillerID only while the ride is open and unassigned.
	Claim(ctx context.Context, id, fulfillerID types.ID, at time.Time) (bool, error)
	UpdateStatus(ctx context.Context, u StatusUpdate) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
	Events(ctx context.Context, id types.ID) ([]Event, error)
	HasActiveByRequester(ctx context.Context, requesterID types.ID) (bool, error)
	// ListOpen returns unassigned rides due by horizon, oldest first.
	ListOpen(ctx context.Context, horizon time.Time) ([]*Ride, error)
	ListByRequester(ctx context.Context, requesterID types.ID, limit int) ([]*Ride, error)
	ListByFulfiller(ctx context.Context, fulfillerID types.ID, limit int) ([]*Ride, error)
}

const (
	uniqueViolation = "23505"
	activeRideIndex = "rides_one_active_per_requester"
)

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const rideColumns = `
	id, requester_id, fulfiller_id, status, status_version,
	pickup_address, pickup_lat, pickup_lng, dest_address, dest_lat, dest_lng,
	requested_for, vehicle_class, currency, price_estimate, final_price,
	route_distance_km, route_duration_min, route_polyline,
	created_at, updated_at, assigned_at, started_at, completed_at, cancelled_at, cancel_reason`

func (s *PostgresStore) Create(ctx context.Context, r *Ride) error {
	var estimate *int64
	currency := types.DefaultCurrency
	if r.PriceEstimate != nil {
		estimate = &r.PriceEstimate.Amount
		currency = r.PriceEstimate.Currency
	}
	var dist, dur *float64
	var poly *string
	if r.Route != nil {
		dist, dur, poly = &r.Route.DistanceKm, &r.Route.DurationMin, &r.Route.Polyline
	}
	pLat, pLng := pointArgs(r.Pickup.Point)
	dLat, dLng := pointArgs(r.Destination.Point)

	_, err := s.db.Exec(ctx, `
		INSERT INTO rides (
			id, requester_id, fulfiller_id, status, status_version,
			pickup_address, pickup_lat, pickup_lng, dest_address, dest_lat, dest_lng,
			requested_for, vehicle_class, currency, price_estimate,
			route_distance_km, route_duration_min, route_polyline,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18,
			$19, $19
		)`,
		string(r.ID), string(r.RequesterID), idArg(r.FulfillerID), string(r.Status), r.StatusVersion,
		r.Pickup.Address, pLat, pLng, r.Destination.Address, dLat, dLng,
		r.RequestedFor, string(r.VehicleClass), currency, estimate,
		dist, dur, poly,
		r.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == activeRideIndex {
		return ErrActiveRide
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id types.ID) (*Ride, error) {
	row := s.db.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, string(id))
	r, err := scanRide(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *PostgresStore) Claim(ctx context.Context, id, fulfillerID types.ID, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE rides
		SET fulfiller_id = $2,
			status = 'assigned',
			status_version = status_version + 1,
			assigned_at = $3,
			updated_at = $3
		WHERE id = $1
		  AND fulfiller_id IS NULL
		  AND status IN ('pending', 'scheduled')`,
		string(id), string(fulfillerID), at,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, u StatusUpdate) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE rides
		SET status = $1::text,
			status_version = status_version + 1,
			updated_at = $2,
			started_at = CASE WHEN $1::text = 'in_progress' THEN $2 ELSE started_at END,
			completed_at = CASE WHEN $1::text = 'completed' THEN $2 ELSE completed_at END,
			cancelled_at = CASE WHEN $1::text = 'cancelled' THEN $2 ELSE cancelled_at END,
			fulfiller_id = CASE WHEN $1::text = 'cancelled' THEN NULL ELSE fulfiller_id END,
			final_price = COALESCE($3, final_price),
			cancel_reason = COALESCE($4, cancel_reason)
		WHERE id = $5 AND status = $6 AND status_version = $7`,
		string(u.To), u.At, u.FinalPrice, u.CancelReason,
		string(u.RideID), string(u.From), u.Version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e *Event) error {
	return s.db.QueryRow(ctx, `
		INSERT INTO ride_events (ride_id, from_status, to_status, actor_type, actor_id, fulfiller_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		string(e.RideID), string(e.FromStatus), string(e.ToStatus), e.ActorType,
		idArg(e.ActorID), idArg(e.FulfillerID), e.Reason, e.CreatedAt,
	).Scan(&e.ID)
}

func (s *PostgresStore) Events(ctx context.Context, id types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, ride_id, from_status, to_status, actor_type, actor_id, fulfiller_id, reason, created_at
		FROM ride_events
		WHERE ride_id = $1
		ORDER BY id`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var actorID, fulfillerID sql.NullString
		if err := rows.Scan(&e.ID, &e.RideID, &e.FromStatus, &e.ToStatus, &e.ActorType,
			&actorID, &fulfillerID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorID = nullID(actorID)
		e.FulfillerID = nullID(fulfillerID)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) HasActiveByRequester(ctx context.Context, requesterID types.ID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM rides
			WHERE requester_id = $1
			  AND status IN ('pending', 'scheduled', 'assigned', 'in_progress')
		)`, string(requesterID)).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) ListOpen(ctx context.Context, horizon time.Time) ([]*Ride, error) {
	return s.list(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE fulfiller_id IS NULL
		  AND (status = 'pending' OR (status = 'scheduled' AND requested_for <= $1))
		ORDER BY created_at`, horizon)
}

func (s *PostgresStore) ListByRequester(ctx context.Context, requesterID types.ID, limit int) ([]*Ride, error) {
	return s.list(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE requester_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(requesterID), limit)
}

func (s *PostgresStore) ListByFulfiller(ctx context.Context, fulfillerID types.ID, limit int) ([]*Ride, error) {
	return s.list(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE fulfiller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(fulfillerID), limit)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Ride, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRide(row pgx.Row) (*Ride, error) {
	var r Ride
	var fulfillerID, poly, cancelReason sql.NullString
	var pLat, pLng, dLat, dLng, dist, dur sql.NullFloat64
	var estimate, final sql.NullInt64
	var currency string
	var requestedFor, assignedAt, startedAt, completedAt, cancelledAt sql.NullTime

	err := row.Scan(
		&r.ID, &r.RequesterID, &fulfillerID, &r.Status, &r.StatusVersion,
		&r.Pickup.Address, &pLat, &pLng, &r.Destination.Address, &dLat, &dLng,
		&requestedFor, &r.VehicleClass, &currency, &estimate, &final,
		&dist, &dur, &poly,
		&r.CreatedAt, &r.UpdatedAt, &assignedAt, &startedAt, &completedAt, &cancelledAt, &cancelReason,
	)
	if err != nil {
		return nil, err
	}

	r.FulfillerID = nullID(fulfillerID)
	r.Pickup.Point = nullPoint(pLat, pLng)
	r.Destination.Point = nullPoint(dLat, dLng)
	if estimate.Valid {
		m := types.Money{Amount: estimate.Int64, Currency: currency}
		r.PriceEstimate = &m
	}
	if final.Valid {
		m := types.Money{Amount: final.Int64, Currency: currency}
		r.FinalPrice = &m
	}
	if dist.Valid {
		r.Route = &types.Route{DistanceKm: dist.Float64, DurationMin: dur.Float64, Polyline: poly.String}
	}
	r.RequestedFor = nullTime(requestedFor)
	r.AssignedAt = nullTime(assignedAt)
	r.StartedAt = nullTime(startedAt)
	r.CompletedAt = nullTime(completedAt)
	r.CancelledAt = nullTime(cancelledAt)
	if cancelReason.Valid {
		r.CancelReason = &cancelReason.String
	}
	return &r, nil
}

func idArg(id *types.ID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}

func pointArgs(p *types.Point) (*float64, *float64) {
	if p == nil {
		return nil, nil
	}
	return &p.Lat, &p.Lng
}

func nullID(v sql.NullString) *types.ID {
	if !v.Valid {
		return nil
	}
	id := types.ID(v.String)
	return &id
}

func nullPoint(lat, lng sql.NullFloat64) *types.Point {
	if !lat.Valid || !lng.Valid {
		return nil
	}
	return &types.Point{Lat: lat.Float64, Lng: lng.Float64}
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

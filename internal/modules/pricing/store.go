// README: Pricing rate store backed by PostgreSQL.
package pricing

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridelink/internal/types"
)

var ErrRateNotFound = errors.New("rate not found")

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) GetRate(ctx context.Context, class types.VehicleClass) (Rate, error) {
	var r Rate
	var cls string
	err := s.db.QueryRow(ctx, `
		SELECT class, base_fare, step_fare, multiplier, currency
		FROM pricing_rates
		WHERE class = $1`, string(class),
	).Scan(&cls, &r.BaseFare, &r.StepFare, &r.Multiplier, &r.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return Rate{}, ErrRateNotFound
	}
	if err != nil {
		return Rate{}, err
	}
	r.Class = types.VehicleClass(cls)
	return r, nil
}

func (s *Store) PutRate(ctx context.Context, r Rate) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO pricing_rates (class, base_fare, step_fare, multiplier, currency)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (class) DO UPDATE
		SET base_fare = EXCLUDED.base_fare,
		    step_fare = EXCLUDED.step_fare,
		    multiplier = EXCLUDED.multiplier,
		    currency = EXCLUDED.currency`,
		string(r.Class), r.BaseFare, r.StepFare, r.Multiplier, r.Currency,
	)
	return err
}

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

// InstrumentStore implements domain.InstrumentStore using PostgreSQL.
type InstrumentStore struct {
	pool *pgxpool.Pool
}

// NewInstrumentStore creates a new InstrumentStore backed by the given connection pool.
func NewInstrumentStore(pool *pgxpool.Pool) *InstrumentStore {
	return &InstrumentStore{pool: pool}
}

const instrumentSelectCols = `id, symbol, venue_a, venue_a_symbol, venue_b, venue_b_symbol,
	lot_size, tick_size, contract_value, min_qty, enabled`

func scanInstrument(row pgx.Row) (domain.Instrument, error) {
	var i domain.Instrument
	err := row.Scan(
		&i.ID, &i.Symbol,
		&i.VenueA.Venue, &i.VenueA.Symbol,
		&i.VenueB.Venue, &i.VenueB.Symbol,
		&i.LotSize, &i.TickSize, &i.ContractValue, &i.MinQty,
		&i.Enabled,
	)
	return i, err
}

// Upsert inserts or updates a single instrument.
func (s *InstrumentStore) Upsert(ctx context.Context, i domain.Instrument) error {
	const query = `
		INSERT INTO instruments (
			id, symbol, venue_a, venue_a_symbol, venue_b, venue_b_symbol,
			lot_size, tick_size, contract_value, min_qty, enabled, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			symbol         = EXCLUDED.symbol,
			venue_a        = EXCLUDED.venue_a,
			venue_a_symbol = EXCLUDED.venue_a_symbol,
			venue_b        = EXCLUDED.venue_b,
			venue_b_symbol = EXCLUDED.venue_b_symbol,
			lot_size       = EXCLUDED.lot_size,
			tick_size      = EXCLUDED.tick_size,
			contract_value = EXCLUDED.contract_value,
			min_qty        = EXCLUDED.min_qty,
			enabled        = EXCLUDED.enabled,
			updated_at     = NOW()`

	_, err := s.pool.Exec(ctx, query,
		i.ID, i.Symbol,
		i.VenueA.Venue, i.VenueA.Symbol,
		i.VenueB.Venue, i.VenueB.Symbol,
		i.LotSize, i.TickSize, i.ContractValue, i.MinQty,
		i.Enabled,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert instrument %s: %w", i.ID, err)
	}
	return nil
}

// GetByID retrieves a single instrument.
func (s *InstrumentStore) GetByID(ctx context.Context, id string) (domain.Instrument, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+instrumentSelectCols+` FROM instruments WHERE id = $1`, id)

	i, err := scanInstrument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Instrument{}, domain.ErrNotFound
		}
		return domain.Instrument{}, fmt.Errorf("postgres: get instrument %s: %w", id, err)
	}
	return i, nil
}

// ListEnabled returns every enabled instrument ordered by id.
func (s *InstrumentStore) ListEnabled(ctx context.Context) ([]domain.Instrument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+instrumentSelectCols+` FROM instruments WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list instruments: %w", err)
	}
	defer rows.Close()

	var out []domain.Instrument
	for rows.Next() {
		i, err := scanInstrument(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan instrument: %w", err)
		}
		out = append(out, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list instruments rows: %w", err)
	}
	return out, nil
}

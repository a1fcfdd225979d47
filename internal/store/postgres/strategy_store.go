package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

// StrategyStore implements domain.StrategyStore using PostgreSQL. The
// strategy parameters are stored as a single JSONB document.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore creates a new StrategyStore backed by the given connection pool.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

// GetByID retrieves a single strategy.
func (s *StrategyStore) GetByID(ctx context.Context, id string) (domain.Strategy, error) {
	const query = `SELECT config_json, enabled, updated_at FROM strategies WHERE id = $1`

	row := s.pool.QueryRow(ctx, query, id)
	st, err := scanStrategy(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Strategy{}, domain.ErrNotFound
		}
		return domain.Strategy{}, fmt.Errorf("postgres: get strategy %s: %w", id, err)
	}
	return st, nil
}

// Upsert inserts or updates a strategy.
func (s *StrategyStore) Upsert(ctx context.Context, st domain.Strategy) error {
	configJSON, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("postgres: marshal strategy %s: %w", st.ID, err)
	}

	const query = `
		INSERT INTO strategies (id, name, enabled, config_json, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name        = EXCLUDED.name,
			enabled     = EXCLUDED.enabled,
			config_json = EXCLUDED.config_json,
			updated_at  = NOW()`

	_, err = s.pool.Exec(ctx, query, st.ID, st.Name, st.Enabled, configJSON)
	if err != nil {
		return fmt.Errorf("postgres: upsert strategy %s: %w", st.ID, err)
	}
	return nil
}

// ListEnabled returns every enabled strategy ordered by id.
func (s *StrategyStore) ListEnabled(ctx context.Context) ([]domain.Strategy, error) {
	const query = `SELECT config_json, enabled, updated_at FROM strategies WHERE enabled ORDER BY id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list strategies: %w", err)
	}
	defer rows.Close()

	var out []domain.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan strategy: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list strategies rows: %w", err)
	}
	return out, nil
}

func scanStrategy(row pgx.Row) (domain.Strategy, error) {
	var st domain.Strategy
	var configJSON []byte
	var enabled bool
	if err := row.Scan(&configJSON, &enabled, &st.UpdatedAt); err != nil {
		return domain.Strategy{}, err
	}
	if err := json.Unmarshal(configJSON, &st); err != nil {
		return domain.Strategy{}, fmt.Errorf("unmarshal config: %w", err)
	}
	st.Enabled = enabled
	return st, nil
}

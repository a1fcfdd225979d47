package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore using PostgreSQL.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates a new ExecutionStore backed by the given connection pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const insertExecutionSQL = `
	INSERT INTO executions (
		id, position_id, fill_id, trade_id, order_id,
		side, kind, size, price, fee, pnl, executed_at
	) VALUES (
		$1, $2, $3, $4, $5,
		$6, $7, $8, $9, $10, $11, $12
	) ON CONFLICT (fill_id, trade_id) DO NOTHING`

func executionArgs(e domain.Execution) []any {
	return []any{
		e.ID, e.PositionID, e.FillID, e.TradeID, e.OrderID,
		string(e.Side), string(e.Kind), e.Size, e.Price, e.Fee, e.PnL, e.Time,
	}
}

func queueExecution(b *pgx.Batch, e domain.Execution) {
	b.Queue(insertExecutionSQL, executionArgs(e)...)
}

// Insert records e unless its (fill_id, trade_id) pair already exists.
func (s *ExecutionStore) Insert(ctx context.Context, e domain.Execution) (bool, error) {
	tag, err := s.pool.Exec(ctx, insertExecutionSQL, executionArgs(e)...)
	if err != nil {
		return false, fmt.Errorf("postgres: insert execution %s/%s: %w", e.FillID, e.TradeID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListByPosition returns the executions of a position in fill order.
func (s *ExecutionStore) ListByPosition(ctx context.Context, positionID string) ([]domain.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, position_id, fill_id, trade_id, order_id,
			side, kind, size, price, fee, pnl, executed_at
		FROM executions WHERE position_id = $1
		ORDER BY executed_at, id`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions %s: %w", positionID, err)
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		var e domain.Execution
		var side, kind string
		if err := rows.Scan(
			&e.ID, &e.PositionID, &e.FillID, &e.TradeID, &e.OrderID,
			&side, &kind, &e.Size, &e.Price, &e.Fee, &e.PnL, &e.Time,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		e.Side = domain.OrderSide(side)
		e.Kind = domain.ExecutionKind(kind)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list executions rows: %w", err)
	}
	return out, nil
}

// LastFillTime returns the newest execution time of a position.
func (s *ExecutionStore) LastFillTime(ctx context.Context, positionID string) (time.Time, error) {
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(executed_at) FROM executions WHERE position_id = $1`, positionID,
	).Scan(&last)
	if err != nil {
		return time.Time{}, fmt.Errorf("postgres: last fill time %s: %w", positionID, err)
	}
	if last == nil {
		return time.Time{}, domain.ErrNotFound
	}
	return *last, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

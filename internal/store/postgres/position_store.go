package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. The signal
// and the exit state are stored as JSONB; executions live in their own table.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `p.id, p.strategy_id, p.instrument_id, p.symbol, p.account,
	p.mode, p.side, p.is_open, p.size, p.entry_price, p.entry_fee, p.entry_order_id,
	p.needs_reconcile, p.signal, p.exit_state, p.opened_at, p.closed_at, p.updated_at,
	ARRAY(SELECT e.id FROM executions e WHERE e.position_id = p.id ORDER BY e.executed_at, e.id)`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var mode, side string
	var signalJSON, exitJSON []byte

	err := row.Scan(
		&p.ID, &p.StrategyID, &p.InstrumentID, &p.Symbol, &p.Account,
		&mode, &side, &p.Open, &p.Size, &p.EntryPrice, &p.EntryFee, &p.EntryOrderID,
		&p.NeedsReconcile, &signalJSON, &exitJSON, &p.OpenedAt, &p.ClosedAt, &p.UpdatedAt,
		&p.ExecutionIDs,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Mode = domain.Mode(mode)
	p.Side = domain.Side(side)
	if err := json.Unmarshal(signalJSON, &p.Signal); err != nil {
		return domain.Position{}, fmt.Errorf("unmarshal signal: %w", err)
	}
	if err := json.Unmarshal(exitJSON, &p.Exit); err != nil {
		return domain.Position{}, fmt.Errorf("unmarshal exit state: %w", err)
	}
	return p, nil
}

func (s *PositionStore) queryPositions(ctx context.Context, op, where string, args ...any) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+positionSelectCols+` FROM positions p `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan %s: %w", op, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return out, nil
}

// CreateWithExecutions inserts the position and its opening executions in
// one transaction. Executions whose (fill_id, trade_id) already exist are
// skipped.
func (s *PositionStore) CreateWithExecutions(ctx context.Context, pos domain.Position, execs []domain.Execution) error {
	signalJSON, err := json.Marshal(pos.Signal)
	if err != nil {
		return fmt.Errorf("postgres: marshal signal %s: %w", pos.ID, err)
	}
	exitJSON, err := json.Marshal(pos.Exit)
	if err != nil {
		return fmt.Errorf("postgres: marshal exit state %s: %w", pos.ID, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insertPosition = `
		INSERT INTO positions (
			id, strategy_id, instrument_id, symbol, account,
			mode, side, is_open, size, entry_price, entry_fee, entry_order_id,
			needs_reconcile, signal, exit_state, opened_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, NOW()
		)`
	_, err = tx.Exec(ctx, insertPosition,
		pos.ID, pos.StrategyID, pos.InstrumentID, pos.Symbol, pos.Account,
		string(pos.Mode), string(pos.Side), pos.Open, pos.Size, pos.EntryPrice, pos.EntryFee, pos.EntryOrderID,
		pos.NeedsReconcile, signalJSON, exitJSON, pos.OpenedAt, pos.ClosedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert position %s: %w", pos.ID, err)
	}

	if len(execs) > 0 {
		batch := &pgx.Batch{}
		for _, e := range execs {
			queueExecution(batch, e)
		}
		br := tx.SendBatch(ctx, batch)
		for i := range execs {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("postgres: insert opening execution %d of %s: %w", i, pos.ID, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("postgres: close execution batch %s: %w", pos.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit position %s: %w", pos.ID, err)
	}
	return nil
}

// GetByID retrieves a single position with its execution ids.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionSelectCols+` FROM positions p WHERE p.id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// LastOpen returns the newest open position of the pair in the given mode.
func (s *PositionStore) LastOpen(ctx context.Context, strategyID, instrumentID string, mode domain.Mode) (domain.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionSelectCols+` FROM positions p
		WHERE p.strategy_id = $1 AND p.instrument_id = $2 AND p.mode = $3 AND p.is_open
		ORDER BY p.opened_at DESC LIMIT 1`,
		strategyID, instrumentID, string(mode))
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: last open %s/%s: %w", strategyID, instrumentID, err)
	}
	return p, nil
}

// ListOpenByAccount returns the open live positions of a venue account.
func (s *PositionStore) ListOpenByAccount(ctx context.Context, account string) ([]domain.Position, error) {
	return s.queryPositions(ctx, "list open positions",
		`WHERE p.account = $1 AND p.is_open AND p.mode = 'live' ORDER BY p.opened_at`, account)
}

// ListNeedsReconcile returns live positions flagged for reconciliation,
// oldest first.
func (s *PositionStore) ListNeedsReconcile(ctx context.Context, limit int) ([]domain.Position, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryPositions(ctx, "list flagged positions",
		`WHERE p.needs_reconcile AND p.mode = 'live' ORDER BY p.opened_at LIMIT $1`, limit)
}

// ListClosedBefore returns closed positions not yet archived whose close
// time is before the cutoff.
func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]domain.Position, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.queryPositions(ctx, "list closed positions",
		`WHERE NOT p.is_open AND NOT p.archived AND p.closed_at < $1 ORDER BY p.closed_at LIMIT $2`, before, limit)
}

// UpdateExitState replaces the stored exit state.
func (s *PositionStore) UpdateExitState(ctx context.Context, id string, exit domain.ExitState) error {
	exitJSON, err := json.Marshal(exit)
	if err != nil {
		return fmt.Errorf("postgres: marshal exit state %s: %w", id, err)
	}
	return s.exec(ctx, "update exit state", id,
		`UPDATE positions SET exit_state = $2, updated_at = NOW() WHERE id = $1`, id, exitJSON)
}

// FlagReconcile marks the position as possibly missing fills.
func (s *PositionStore) FlagReconcile(ctx context.Context, id string) error {
	return s.exec(ctx, "flag reconcile", id,
		`UPDATE positions SET needs_reconcile = TRUE, updated_at = NOW() WHERE id = $1`, id)
}

// MarkReconciled clears the reconcile flag.
func (s *PositionStore) MarkReconciled(ctx context.Context, id string) error {
	return s.exec(ctx, "mark reconciled", id,
		`UPDATE positions SET needs_reconcile = FALSE, updated_at = NOW() WHERE id = $1`, id)
}

// Close flips the open flag and stores the final exit state. Closing a
// position twice returns domain.ErrNotFound.
func (s *PositionStore) Close(ctx context.Context, id string, exit domain.ExitState, closedAt time.Time) error {
	exitJSON, err := json.Marshal(exit)
	if err != nil {
		return fmt.Errorf("postgres: marshal exit state %s: %w", id, err)
	}
	return s.exec(ctx, "close position", id, `
		UPDATE positions SET
			is_open    = FALSE,
			exit_state = $2,
			closed_at  = $3,
			updated_at = NOW()
		WHERE id = $1 AND is_open`, id, exitJSON, closedAt)
}

// MarkArchived flags positions as copied to the archive.
func (s *PositionStore) MarkArchived(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE positions SET archived = TRUE WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("postgres: mark archived: %w", err)
	}
	return nil
}

func (s *PositionStore) exec(ctx context.Context, op, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: %s %s: %w", op, id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// InstrumentStore persists instrument metadata. Metadata sync itself is
// handled outside this service; the store is read-mostly.
type InstrumentStore interface {
	Upsert(ctx context.Context, inst Instrument) error
	GetByID(ctx context.Context, id string) (Instrument, error)
	ListEnabled(ctx context.Context) ([]Instrument, error)
}

// StrategyStore persists strategy configurations.
type StrategyStore interface {
	Upsert(ctx context.Context, s Strategy) error
	GetByID(ctx context.Context, id string) (Strategy, error)
	ListEnabled(ctx context.Context) ([]Strategy, error)
}

// PositionStore persists positions. A position is never deleted; closing
// flips its open flag.
type PositionStore interface {
	// CreateWithExecutions stores a new position and its opening fills in a
	// single transaction. Fills already recorded are skipped.
	CreateWithExecutions(ctx context.Context, pos Position, execs []Execution) error
	GetByID(ctx context.Context, id string) (Position, error)
	// LastOpen returns the most recent open position for the pair, or
	// ErrNotFound.
	LastOpen(ctx context.Context, strategyID, instrumentID string, mode Mode) (Position, error)
	ListOpenByAccount(ctx context.Context, account string) ([]Position, error)
	UpdateExitState(ctx context.Context, id string, exit ExitState) error
	// FlagReconcile marks the position as possibly missing fills.
	FlagReconcile(ctx context.Context, id string) error
	MarkReconciled(ctx context.Context, id string) error
	// ListNeedsReconcile returns flagged positions, open or closed.
	ListNeedsReconcile(ctx context.Context, limit int) ([]Position, error)
	// Close flips the open flag and stores the final exit state. It returns
	// ErrNotFound if the position is missing or already closed.
	Close(ctx context.Context, id string, exit ExitState, closedAt time.Time) error
	ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]Position, error)
	MarkArchived(ctx context.Context, ids []string) error
}

// ExecutionStore persists fills.
type ExecutionStore interface {
	// Insert records e unless (FillID, TradeID) already exists. It reports
	// whether a row was written.
	Insert(ctx context.Context, e Execution) (bool, error)
	ListByPosition(ctx context.Context, positionID string) ([]Execution, error)
	// LastFillTime returns the time of the newest fill recorded for the
	// position, or ErrNotFound.
	LastFillTime(ctx context.Context, positionID string) (time.Time, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

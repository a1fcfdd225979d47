package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

const defaultBatchSize = 500

// ArchiverConfig wires an ArchiveImpl.
type ArchiverConfig struct {
	Writer     domain.BlobWriter
	Positions  domain.PositionStore
	Executions domain.ExecutionStore
	Audit      domain.AuditStore
	// Prefix is the key prefix, "positions" by default.
	Prefix    string
	BatchSize int
	Logger    *slog.Logger
	Clock     func() time.Time
}

// ArchiveImpl implements domain.Archiver. Closed positions are written with
// their executions as JSONL, one object per batch, and then flagged as
// archived. Rows are never deleted here.
type ArchiveImpl struct {
	writer     domain.BlobWriter
	positions  domain.PositionStore
	executions domain.ExecutionStore
	audit      domain.AuditStore
	prefix     string
	batch      int
	logger     *slog.Logger
	clock      func() time.Time
}

// NewArchiver creates an ArchiveImpl.
func NewArchiver(cfg ArchiverConfig) *ArchiveImpl {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "positions"
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &ArchiveImpl{
		writer:     cfg.Writer,
		positions:  cfg.Positions,
		executions: cfg.Executions,
		audit:      cfg.Audit,
		prefix:     prefix,
		batch:      batch,
		logger:     cfg.Logger.With(slog.String("component", "archiver")),
		clock:      clock,
	}
}

// archivedExecution is the JSONL form of an execution.
type archivedExecution struct {
	ID      string               `json:"id"`
	FillID  string               `json:"fill_id"`
	TradeID string               `json:"trade_id"`
	OrderID string               `json:"order_id"`
	Side    domain.OrderSide     `json:"side"`
	Kind    domain.ExecutionKind `json:"kind"`
	Size    float64              `json:"size"`
	Price   float64              `json:"price"`
	Fee     float64              `json:"fee"`
	PnL     *float64             `json:"pnl,omitempty"`
	Time    time.Time            `json:"time"`
}

// archivedPosition is one JSONL line.
type archivedPosition struct {
	ID           string              `json:"id"`
	StrategyID   string              `json:"strategy_id"`
	InstrumentID string              `json:"instrument_id"`
	Symbol       string              `json:"symbol"`
	Account      string              `json:"account,omitempty"`
	Mode         domain.Mode         `json:"mode"`
	Side         domain.Side         `json:"side"`
	Size         float64             `json:"size"`
	EntryPrice   float64             `json:"entry_price"`
	EntryFee     float64             `json:"entry_fee"`
	OpenedAt     time.Time           `json:"opened_at"`
	ClosedAt     *time.Time          `json:"closed_at"`
	Signal       domain.Signal       `json:"signal"`
	Exit         domain.ExitState    `json:"exit"`
	RealizedPnL  float64             `json:"realized_pnl"`
	Executions   []archivedExecution `json:"executions"`
}

// ArchivePositions archives every unarchived position closed before the
// cutoff and returns how many were written.
func (a *ArchiveImpl) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		batch, err := a.positions.ListClosedBefore(ctx, before, a.batch)
		if err != nil {
			return total, fmt.Errorf("s3blob: list closed positions: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		n, err := a.archiveBatch(ctx, batch)
		total += n
		if err != nil {
			return total, err
		}
		if len(batch) < a.batch {
			return total, nil
		}
	}
}

func (a *ArchiveImpl) archiveBatch(ctx context.Context, batch []domain.Position) (int64, error) {
	records := make([]archivedPosition, 0, len(batch))
	ids := make([]string, 0, len(batch))
	for _, p := range batch {
		execs, err := a.executions.ListByPosition(ctx, p.ID)
		if err != nil {
			return 0, fmt.Errorf("s3blob: executions of %s: %w", p.ID, err)
		}
		records = append(records, toArchived(p, execs))
		ids = append(ids, p.ID)
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive marshal: %w", err)
	}
	path := a.archivePath(batch[0])
	if err := upload(ctx, a.writer, path, buf, "application/x-ndjson"); err != nil {
		return 0, err
	}
	if err := a.positions.MarkArchived(ctx, ids); err != nil {
		return 0, fmt.Errorf("s3blob: mark archived: %w", err)
	}

	count := int64(len(records))
	a.logger.InfoContext(ctx, "positions archived",
		slog.String("path", path),
		slog.Int64("count", count),
		slog.Int("bytes", len(buf)),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.positions", map[string]any{
			"path":  path,
			"count": count,
		}); err != nil {
			a.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	return count, nil
}

// archivePath partitions by the close month of the oldest position in the
// batch; the run time keeps repeated runs from overwriting each other.
//
//	positions/2026/03/20260416T030000Z-p1.jsonl
func (a *ArchiveImpl) archivePath(first domain.Position) string {
	month := first.OpenedAt
	if first.ClosedAt != nil {
		month = *first.ClosedAt
	}
	return fmt.Sprintf("%s/%s/%s-%s.jsonl",
		a.prefix, month.UTC().Format("2006/01"), a.clock().UTC().Format("20060102T150405Z"), first.ID)
}

func toArchived(p domain.Position, execs []domain.Execution) archivedPosition {
	out := archivedPosition{
		ID:           p.ID,
		StrategyID:   p.StrategyID,
		InstrumentID: p.InstrumentID,
		Symbol:       p.Symbol,
		Account:      p.Account,
		Mode:         p.Mode,
		Side:         p.Side,
		Size:         p.Size,
		EntryPrice:   p.EntryPrice,
		EntryFee:     p.EntryFee,
		OpenedAt:     p.OpenedAt,
		ClosedAt:     p.ClosedAt,
		Signal:       p.Signal,
		Exit:         p.Exit,
		Executions:   make([]archivedExecution, 0, len(execs)),
	}
	for _, e := range execs {
		if e.PnL != nil {
			out.RealizedPnL += *e.PnL
		}
		out.Executions = append(out.Executions, archivedExecution{
			ID: e.ID, FillID: e.FillID, TradeID: e.TradeID, OrderID: e.OrderID, Side: e.Side,
			Kind: e.Kind, Size: e.Size, Price: e.Price, Fee: e.Fee, PnL: e.PnL, Time: e.Time,
		})
	}
	return out
}

// marshalJSONL encodes one compact JSON value per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

// Lifecycle and failure events. The same names are used for audit rows,
// bus messages and notification filters.
const (
	EventPositionOpened    = "position_opened"
	EventPositionIncreased = "position_increased"
	EventLegClosed         = "leg_closed"
	EventBreakeven         = "breakeven_promoted"
	EventPositionClosed    = "position_closed"
	EventReconciled        = "position_reconciled"
	EventVenueError        = "venue_error"
	EventFillTimeout       = "fill_timeout"
	EventCycleError        = "cycle_error"
)

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Publisher fans lifecycle events out to subscribers.
type Publisher interface {
	PublishJSON(ctx context.Context, channel, stream string, v any) error
}

// Reporter routes lifecycle events and failures to the audit log, the event
// bus and the operator notifier. Any of the three may be nil.
type Reporter struct {
	audit    domain.AuditStore
	bus      Publisher
	notifier Notifier
	logger   *slog.Logger
}

// NewReporter creates a Reporter.
func NewReporter(audit domain.AuditStore, bus Publisher, notifier Notifier, logger *slog.Logger) *Reporter {
	return &Reporter{
		audit:    audit,
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "reporter")),
	}
}

// Report records a failure that needs an operator. Venue rejections and
// fill timeouts are alerted; anything else is audited and logged.
func (r *Reporter) Report(ctx context.Context, lc domain.LogContext, err error) {
	if r == nil || err == nil {
		return
	}
	event := classify(err)

	detail := lc.Detail()
	detail["error"] = err.Error()
	r.auditLog(ctx, event, detail)

	lc.Logger(r.logger).ErrorContext(ctx, "cycle failure",
		slog.String("event", event),
		slog.String("error", err.Error()),
	)

	if event == EventCycleError {
		return
	}
	title := fmt.Sprintf("%s %s", strings.ToUpper(strings.ReplaceAll(event, "_", " ")), lc.Symbol)
	r.notify(ctx, event, title, fmt.Sprintf("strategy %s (%s)\n%s", lc.StrategyName, lc.Mode, err))
}

func classify(err error) string {
	var fte *domain.FillTimeoutError
	if errors.As(err, &fte) {
		return EventFillTimeout
	}
	var vre *domain.VenueRequestError
	if errors.As(err, &vre) {
		return EventVenueError
	}
	return EventCycleError
}

// PositionEvent is the payload published for a lifecycle transition.
type PositionEvent struct {
	Event       string           `json:"event"`
	PositionID  string           `json:"position_id"`
	StrategyID  string           `json:"strategy_id"`
	Symbol      string           `json:"symbol"`
	Mode        domain.Mode      `json:"mode"`
	Side        domain.Side      `json:"side"`
	Stage       domain.Stage     `json:"stage"`
	Size        float64          `json:"size"`
	Remaining   float64          `json:"remaining"`
	EntryPrice  float64          `json:"entry_price"`
	Price       float64          `json:"price,omitempty"`
	PnL         *float64         `json:"pnl,omitempty"`
	CloseReason string           `json:"close_reason,omitempty"`
	Exit        domain.ExitState `json:"exit"`
}

// Position records a lifecycle transition of pos at price. pnl is nil for
// transitions that realise nothing.
func (r *Reporter) Position(ctx context.Context, lc domain.LogContext, event string, pos domain.Position, price float64, pnl *float64) {
	if r == nil {
		return
	}
	evt := PositionEvent{
		Event:       event,
		PositionID:  pos.ID,
		StrategyID:  pos.StrategyID,
		Symbol:      pos.Symbol,
		Mode:        pos.Mode,
		Side:        pos.Side,
		Stage:       pos.Stage(),
		Size:        pos.Size,
		Remaining:   pos.Remaining(),
		EntryPrice:  pos.CostBasis(),
		Price:       price,
		PnL:         pnl,
		CloseReason: pos.Exit.CloseReason,
		Exit:        pos.Exit,
	}

	detail := lc.Detail()
	detail["stage"] = string(evt.Stage)
	detail["side"] = string(pos.Side)
	detail["price"] = price
	detail["remaining"] = evt.Remaining
	if pnl != nil {
		detail["pnl"] = *pnl
	}
	if evt.CloseReason != "" {
		detail["close_reason"] = evt.CloseReason
	}
	r.auditLog(ctx, event, detail)

	if r.bus != nil {
		if err := r.bus.PublishJSON(ctx, domain.ChannelPositions, domain.StreamPositions, evt); err != nil {
			lc.Logger(r.logger).WarnContext(ctx, "publish event failed",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	}

	switch event {
	case EventPositionOpened, EventPositionClosed, EventPositionIncreased:
		r.notify(ctx, event, positionTitle(event, pos), positionMessage(pos, price, pnl))
	}
}

func positionTitle(event string, pos domain.Position) string {
	switch event {
	case EventPositionOpened:
		return fmt.Sprintf("Opened %s %s", strings.ToUpper(string(pos.Side)), pos.Symbol)
	case EventPositionIncreased:
		return fmt.Sprintf("Increased %s %s", strings.ToUpper(string(pos.Side)), pos.Symbol)
	default:
		return fmt.Sprintf("Closed %s %s (%s)", strings.ToUpper(string(pos.Side)), pos.Symbol, pos.Exit.CloseReason)
	}
}

func positionMessage(pos domain.Position, price float64, pnl *float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "mode: %s\n", pos.Mode)
	fmt.Fprintf(&b, "size: %g @ %g\n", pos.Size+pos.Exit.IncreaseSize, pos.CostBasis())
	if price > 0 {
		fmt.Fprintf(&b, "price: %g\n", price)
	}
	if pnl != nil {
		fmt.Fprintf(&b, "pnl: %.4f\n", *pnl)
	}
	fmt.Fprintf(&b, "position: %s", pos.ID)
	return b.String()
}

func (r *Reporter) auditLog(ctx context.Context, event string, detail map[string]any) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Log(ctx, event, detail); err != nil {
		r.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Reporter) notify(ctx context.Context, event, title, message string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, event, title, message); err != nil {
		r.logger.WarnContext(ctx, "notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

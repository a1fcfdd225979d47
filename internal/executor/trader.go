package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

// Reporter receives failures that must reach an operator, not just the log.
type Reporter interface {
	Report(ctx context.Context, lc domain.LogContext, err error)
}

// ClientID builds a venue client order id for a position and purpose. Venue
// ids are capped at 36 characters, so only part of the position id is used.
func ClientID(positionID, tag string) string {
	compact := strings.ReplaceAll(positionID, "-", "")
	if len(compact) > 20 {
		compact = compact[:20]
	}
	return "dvg" + compact + "-" + tag
}

// FillAwaiter waits, within bounds, for an order's fills to add up.
type FillAwaiter interface {
	AwaitFills(ctx context.Context, q domain.FillQuery, want float64) ([]domain.Fill, error)
}

// Trader wraps the live order operations a position goes through.
type Trader struct {
	venue  domain.Venue
	fills  FillAwaiter
	logger *slog.Logger
}

// NewTrader creates a Trader on venue.
func NewTrader(venue domain.Venue, fills FillAwaiter, logger *slog.Logger) *Trader {
	return &Trader{
		venue:  venue,
		fills:  fills,
		logger: logger.With(slog.String("component", "trader")),
	}
}

// Market submits a market order and waits for its fills. A placement
// failure returns an empty result. A fill timeout returns the accepted
// result, the fills seen so far and a *domain.FillTimeoutError.
func (t *Trader) Market(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, []domain.Fill, error) {
	req.Type = domain.OrderTypeMarket
	res, err := t.venue.PlaceOrder(ctx, req)
	if err != nil {
		return domain.OrderResult{}, nil, fmt.Errorf("trader: market %s %s: %w", req.Side, req.Symbol, err)
	}

	fills, err := t.fills.AwaitFills(ctx, domain.FillQuery{
		Account: req.Account,
		Symbol:  req.Symbol,
		OrderID: res.OrderID,
	}, req.Qty)
	return res, fills, err
}

// PlaceLegs submits a reduce-only limit order for every open ladder leg
// that has none yet and records the order ids on pos. Zero-size legs are
// skipped; they advance on price instead.
func (t *Trader) PlaceLegs(ctx context.Context, pos *domain.Position) error {
	var errs []error
	for i := range pos.Exit.Legs {
		leg := &pos.Exit.Legs[i]
		if leg.Closed || leg.OrderID != "" || leg.Size <= 0 {
			continue
		}
		res, err := t.venue.PlaceOrder(ctx, domain.OrderRequest{
			Account:    pos.Account,
			Symbol:     pos.Symbol,
			Side:       pos.Side.ExitOrder(),
			Type:       domain.OrderTypeLimit,
			Qty:        leg.Size,
			Price:      leg.Price,
			ReduceOnly: true,
			ClientID:   ClientID(pos.ID, fmt.Sprintf("l%d", i+1)),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("trader: leg %d: %w", i+1, err))
			continue
		}
		leg.OrderID = res.OrderID
	}
	return errors.Join(errs...)
}

// CancelLegs cancels the resting orders of legs from index `from` onward and
// clears their order ids.
func (t *Trader) CancelLegs(ctx context.Context, pos *domain.Position, from int) error {
	var errs []error
	for i := from; i < len(pos.Exit.Legs); i++ {
		leg := &pos.Exit.Legs[i]
		if leg.Closed || leg.OrderID == "" {
			continue
		}
		if err := t.venue.CancelOrder(ctx, pos.Account, pos.Symbol, leg.OrderID); err != nil {
			errs = append(errs, fmt.Errorf("trader: cancel leg %d: %w", i+1, err))
			continue
		}
		leg.OrderID = ""
	}
	return errors.Join(errs...)
}

// SyncStop places or amends the venue-side conditional stop for pos. The
// take-profit trigger is only set for non-ladder plans.
func (t *Trader) SyncStop(ctx context.Context, pos domain.Position) error {
	stop := domain.TradingStop{
		Account:  pos.Account,
		Symbol:   pos.Symbol,
		StopLoss: pos.ActiveStop(),
	}
	if !pos.Exit.Ladder() {
		stop.TakeProfit = pos.Exit.TakeProfit
	}
	if err := t.venue.SetTradingStop(ctx, stop); err != nil {
		return fmt.Errorf("trader: trading stop %s: %w", pos.Symbol, err)
	}
	t.logger.DebugContext(ctx, "trading stop synced",
		slog.String("position_id", pos.ID),
		slog.Float64("stop_loss", stop.StopLoss),
		slog.Float64("take_profit", stop.TakeProfit),
	)
	return nil
}

// VenuePosition returns the venue's open position for symbol, if any.
func (t *Trader) VenuePosition(ctx context.Context, account, symbol string) (domain.VenuePosition, bool, error) {
	positions, err := t.venue.GetPositions(ctx, account)
	if err != nil {
		return domain.VenuePosition{}, false, fmt.Errorf("trader: positions: %w", err)
	}
	for _, p := range positions {
		if p.Symbol == symbol && p.Size > 0 {
			return p, true, nil
		}
	}
	return domain.VenuePosition{}, false, nil
}

// MarkPrice asks the venue for symbol's current mark.
func (t *Trader) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	tk, err := t.venue.GetTicker(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("trader: ticker %s: %w", symbol, err)
	}
	if tk.MarkPrice <= 0 {
		return 0, fmt.Errorf("trader: ticker %s: %w", symbol, domain.ErrDataUnavailable)
	}
	return tk.MarkPrice, nil
}

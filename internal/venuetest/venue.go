// Package venuetest provides an in-memory domain.Venue for tests.
package venuetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

// Venue is a scriptable venue. Market orders fill immediately at FillPrice
// unless HoldFills is set; limit orders rest until Fill is called.
type Venue struct {
	mu sync.Mutex

	Ticker    domain.Ticker
	FillPrice float64
	FeeRate   float64
	HoldFills bool
	// FillTime, when set, stamps every fill with the same time, as a venue
	// with millisecond timestamps does for the parts of one order.
	FillTime time.Time
	PlaceErr  error
	FillsErr  error

	Orders    []domain.OrderRequest
	Cancelled []string
	Stops     []domain.TradingStop

	orders    map[string]domain.OrderRequest
	fills     []domain.Fill
	positions map[string]domain.VenuePosition
	seq       int
	clock     func() time.Time
}

// New creates an empty venue.
func New() *Venue {
	return &Venue{
		orders:    make(map[string]domain.OrderRequest),
		positions: make(map[string]domain.VenuePosition),
		clock:     time.Now,
	}
}

func (v *Venue) Name() string { return "fake" }

func (v *Venue) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.PlaceErr != nil {
		return domain.OrderResult{}, v.PlaceErr
	}
	v.seq++
	id := fmt.Sprintf("ord-%d", v.seq)
	v.Orders = append(v.Orders, req)
	v.orders[id] = req
	if req.Type == domain.OrderTypeMarket && !v.HoldFills {
		v.fillLocked(id, req.Qty, v.FillPrice)
	}
	return domain.OrderResult{OrderID: id, ClientID: req.ClientID, Accepted: v.clock()}, nil
}

// Fill executes qty of a resting order at price.
func (v *Venue) Fill(orderID string, qty, price float64) domain.Fill {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fillLocked(orderID, qty, price)
}

func (v *Venue) fillLocked(orderID string, qty, price float64) domain.Fill {
	req := v.orders[orderID]
	v.seq++
	f := domain.Fill{
		FillID:   fmt.Sprintf("fill-%d", v.seq),
		TradeID:  fmt.Sprintf("%d", v.seq),
		OrderID:  orderID,
		ClientID: req.ClientID,
		Account:  req.Account,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Qty:      qty,
		Price:    price,
		Fee:      price * qty * v.FeeRate,
		Time:     v.clock().Add(time.Duration(v.seq) * time.Millisecond),
	}
	if !v.FillTime.IsZero() {
		f.Time = v.FillTime
	}
	v.fills = append(v.fills, f)

	p := v.positions[req.Symbol]
	p.Symbol = req.Symbol
	signed := qty
	if req.Side == domain.OrderSideSell {
		signed = -qty
	}
	if p.Side == domain.SideShort {
		p.Size = -p.Size
	}
	p.Size += signed
	switch {
	case p.Size > 0:
		p.Side = domain.SideLong
	case p.Size < 0:
		p.Side, p.Size = domain.SideShort, -p.Size
	}
	if p.AvgPrice == 0 {
		p.AvgPrice = price
	}
	if p.Size == 0 {
		delete(v.positions, req.Symbol)
	} else {
		v.positions[req.Symbol] = p
	}
	return f
}

// ClosePosition drops the venue position for symbol, as a triggered stop
// would.
func (v *Venue) ClosePosition(symbol string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.positions, symbol)
}

func (v *Venue) CancelOrder(_ context.Context, _, _, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Cancelled = append(v.Cancelled, orderID)
	delete(v.orders, orderID)
	return nil
}

func (v *Venue) ListOpenOrders(_ context.Context, _, symbol string) ([]domain.OpenOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []domain.OpenOrder
	for id, o := range v.orders {
		if o.Type == domain.OrderTypeLimit && o.Symbol == symbol {
			out = append(out, domain.OpenOrder{OrderID: id, Symbol: o.Symbol, Side: o.Side, Price: o.Price, Qty: o.Qty, ReduceOnly: o.ReduceOnly})
		}
	}
	return out, nil
}

func (v *Venue) GetPositions(_ context.Context, _ string) ([]domain.VenuePosition, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.VenuePosition, 0, len(v.positions))
	for _, p := range v.positions {
		out = append(out, p)
	}
	return out, nil
}

func (v *Venue) GetFills(_ context.Context, q domain.FillQuery) ([]domain.Fill, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.FillsErr != nil {
		return nil, v.FillsErr
	}
	var out []domain.Fill
	for _, f := range v.fills {
		if q.Symbol != "" && f.Symbol != q.Symbol {
			continue
		}
		if q.OrderID != "" && f.OrderID != q.OrderID {
			continue
		}
		if !q.Since.IsZero() && f.Time.Before(q.Since) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (v *Venue) SetTradingStop(_ context.Context, stop domain.TradingStop) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Stops = append(v.Stops, stop)
	return nil
}

func (v *Venue) GetTicker(_ context.Context, symbol string) (domain.Ticker, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t := v.Ticker
	t.Symbol = symbol
	return t, nil
}

// OrderCount returns the number of submitted orders.
func (v *Venue) OrderCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.Orders)
}

// LastStop returns the most recent trading stop.
func (v *Venue) LastStop() domain.TradingStop {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.Stops) == 0 {
		return domain.TradingStop{}
	}
	return v.Stops[len(v.Stops)-1]
}

var _ domain.Venue = (*Venue)(nil)

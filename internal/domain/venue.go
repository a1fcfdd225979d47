package domain

import (
	"context"
	"time"
)

// VenuePosition is an open position as reported by the venue.
type VenuePosition struct {
	Symbol   string
	Side     Side
	Size     float64
	AvgPrice float64
}

// Ticker carries the venue's mark price and funding schedule.
type Ticker struct {
	Symbol          string
	MarkPrice       float64
	FundingRate     float64
	NextFundingTime time.Time
}

// FillQuery selects fills from the venue. Empty fields are unfiltered.
type FillQuery struct {
	Account string
	Symbol  string
	OrderID string
	Since   time.Time
	Limit   int
}

// Venue is the trading API of the confirming venue.
type Venue interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, account, symbol, orderID string) error
	ListOpenOrders(ctx context.Context, account, symbol string) ([]OpenOrder, error)
	GetPositions(ctx context.Context, account string) ([]VenuePosition, error)
	GetFills(ctx context.Context, q FillQuery) ([]Fill, error)
	SetTradingStop(ctx context.Context, stop TradingStop) error
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
}

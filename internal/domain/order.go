package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is market or limit.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderRequest is a venue-B order submission.
type OrderRequest struct {
	Account    string
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Qty        float64
	Price      float64 // ignored for market orders
	ReduceOnly bool
	// ClientID is echoed by the venue and lets fills be traced to a position.
	ClientID string
}

// OrderResult wraps the venue's acknowledgement of a submission.
type OrderResult struct {
	OrderID  string
	ClientID string
	Accepted time.Time
}

// OpenOrder is a resting order as reported by the venue.
type OpenOrder struct {
	OrderID    string
	Symbol     string
	Side       OrderSide
	Price      float64
	Qty        float64
	ReduceOnly bool
}

// TradingStop is the conditional stop-loss / take-profit attached to a
// venue position. Zero prices leave the corresponding trigger unset.
type TradingStop struct {
	Account    string
	Symbol     string
	StopLoss   float64
	TakeProfit float64
}

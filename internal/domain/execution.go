package domain

import (
	"fmt"
	"time"
)

// ExecutionKind classifies a fill within a position's lifecycle.
type ExecutionKind string

const (
	ExecOpen     ExecutionKind = "open"
	ExecIncrease ExecutionKind = "increase"
	ExecClose    ExecutionKind = "close"
)

// ExecPart returns the kind recorded for ladder leg i (zero based).
func ExecPart(i int) ExecutionKind {
	return ExecutionKind(fmt.Sprintf("part%d", i+1))
}

// PaperTradeID is the trade id stamped on synthesized paper fills.
const PaperTradeID = "paper"

// Execution is an immutable fill attached to a position. The pair
// (FillID, TradeID) is unique across all executions.
type Execution struct {
	ID         string
	PositionID string
	FillID     string
	TradeID    string
	OrderID    string
	Side       OrderSide
	Kind       ExecutionKind
	Size       float64
	Price      float64
	Fee        float64
	PnL        *float64
	Time       time.Time
}

// Fill is a trade as reported by the venue, before it is attached to a
// position.
type Fill struct {
	FillID   string    `json:"fill_id"`
	TradeID  string    `json:"trade_id"`
	OrderID  string    `json:"order_id"`
	ClientID string    `json:"client_id,omitempty"`
	Account  string    `json:"account"`
	Symbol   string    `json:"symbol"`
	Side     OrderSide `json:"side"`
	Qty      float64   `json:"qty"`
	Price    float64   `json:"price"`
	Fee      float64   `json:"fee"`
	Time     time.Time `json:"time"`
}

// AveragePrice returns the size-weighted average price, total quantity and
// total fee of a set of fills.
func AveragePrice(fills []Fill) (price, qty, fee float64) {
	var notional float64
	for _, f := range fills {
		notional += f.Price * f.Qty
		qty += f.Qty
		fee += f.Fee
	}
	if qty == 0 {
		return 0, 0, fee
	}
	return notional / qty, qty, fee
}

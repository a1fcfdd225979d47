package domain

import (
	"fmt"
	"time"
)

// Stage is the lifecycle state derived from a position's exit state.
type Stage string

const (
	StageOpen        Stage = "OPEN"
	StagePart1Closed Stage = "PART1_CLOSED"
	StagePart2Closed Stage = "PART2_CLOSED"
	StagePart3Closed Stage = "PART3_CLOSED"
	StagePart4Closed Stage = "PART4_CLOSED"
	StageClosed      Stage = "CLOSED"
)

var partStages = []Stage{StageOpen, StagePart1Closed, StagePart2Closed, StagePart3Closed, StagePart4Closed}

// Close reasons recorded on the exit state.
const (
	CloseReasonTime        = "time"
	CloseReasonLadder      = "ladder"
	CloseReasonTakeProfit  = "take_profit"
	CloseReasonStopLoss    = "stop_loss"
	CloseReasonBreakeven   = "breakeven"
	CloseReasonVenueClosed = "venue_closed"
)

// Leg is one partial take-profit of a ladder.
type Leg struct {
	Percent float64 `json:"percent"`
	Price   float64 `json:"price"`
	Size    float64 `json:"size"`
	Closed  bool    `json:"closed"`
	OrderID string  `json:"order_id,omitempty"`
}

// ExitState is the persisted exit plan and its progress.
type ExitState struct {
	Legs           []Leg   `json:"legs,omitempty"`
	TakeProfit     float64 `json:"take_profit,omitempty"`
	StopLoss       float64 `json:"stop_loss"`
	BreakevenPrice float64 `json:"breakeven_price"`
	Breakeven      bool    `json:"breakeven"`

	Increased       bool    `json:"increased"`
	IncreaseSize    float64 `json:"increase_size,omitempty"`
	IncreasePrice   float64 `json:"increase_price,omitempty"`
	IncreaseFee     float64 `json:"increase_fee,omitempty"`
	IncreaseOrderID string  `json:"increase_order_id,omitempty"`
	BlendedEntry    float64 `json:"blended_entry,omitempty"`

	ClosedSize  float64 `json:"closed_size"`
	CloseReason string  `json:"close_reason,omitempty"`
}

// Ladder reports whether the plan uses partial take-profit legs.
func (e ExitState) Ladder() bool { return len(e.Legs) > 0 }

// NextLeg returns the index of the first open leg, or -1 if all are closed.
func (e ExitState) NextLeg() int {
	for i, l := range e.Legs {
		if !l.Closed {
			return i
		}
	}
	return -1
}

// ClosedLegs counts the legs already taken.
func (e ExitState) ClosedLegs() int {
	n := 0
	for _, l := range e.Legs {
		if l.Closed {
			n++
		}
	}
	return n
}

// CloseLeg marks leg i closed. Legs only close in order and never reopen.
func (e *ExitState) CloseLeg(i int) error {
	if i != e.NextLeg() {
		return fmt.Errorf("exit state: leg %d closed out of order (next is %d)", i+1, e.NextLeg()+1)
	}
	e.Legs[i].Closed = true
	e.ClosedSize += e.Legs[i].Size
	return nil
}

// Position is the lifecycle aggregate for one entry on venue B.
type Position struct {
	ID             string
	StrategyID     string
	InstrumentID   string
	Symbol         string
	Account        string
	Mode           Mode
	Side           Side
	Open           bool
	Size           float64
	EntryPrice     float64
	EntryFee       float64
	EntryOrderID   string
	OpenedAt       time.Time
	ClosedAt       *time.Time
	NeedsReconcile bool
	Signal         Signal
	Exit           ExitState
	ExecutionIDs   []string
	UpdatedAt      time.Time
}

// Stage derives the lifecycle state from the open flag and the exit state.
func (p Position) Stage() Stage {
	if !p.Open {
		return StageClosed
	}
	n := p.Exit.ClosedLegs()
	if n >= len(partStages) {
		n = len(partStages) - 1
	}
	return partStages[n]
}

// Remaining is the contract quantity still open, including any increase.
func (p Position) Remaining() float64 {
	r := p.Size + p.Exit.IncreaseSize - p.Exit.ClosedSize
	if r < 0 {
		return 0
	}
	return r
}

// CostBasis is the entry price exits are measured against.
func (p Position) CostBasis() float64 {
	if p.Exit.Increased && p.Exit.BlendedEntry > 0 {
		return p.Exit.BlendedEntry
	}
	return p.EntryPrice
}

// ActiveStop is the stop-loss currently in force.
func (p Position) ActiveStop() float64 {
	if p.Exit.Breakeven && p.Exit.BreakevenPrice > 0 {
		return p.Exit.BreakevenPrice
	}
	return p.Exit.StopLoss
}

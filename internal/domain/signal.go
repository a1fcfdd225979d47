package domain

import "time"

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// EntryOrder returns the order side that opens a position on this side.
func (s Side) EntryOrder() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitOrder returns the order side that reduces a position on this side.
func (s Side) ExitOrder() OrderSide {
	if s == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// Sign is +1 for long and -1 for short.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Signal is a detected divergence between the two venues that covers fees,
// spread and the profit target. It is never stored on its own; the opener
// folds it into the position it creates.
type Signal struct {
	Side Side `json:"side"`

	PrevA Tick `json:"prev_a"`
	LastA Tick `json:"last_a"`
	PrevB Tick `json:"prev_b"`
	LastB Tick `json:"last_b"`

	DeltaAPercent float64 `json:"delta_a_percent"`
	DeltaBPercent float64 `json:"delta_b_percent"`
	DeltaPercent  float64 `json:"delta_percent"`
	DeltaATicks   float64 `json:"delta_a_ticks"`
	DeltaBTicks   float64 `json:"delta_b_ticks"`
	DeltaTicks    float64 `json:"delta_ticks"`

	Threshold     float64 `json:"threshold"`
	SpreadPercent float64 `json:"spread_percent"`
	SpreadTicks   float64 `json:"spread_ticks"`

	DetectedAt time.Time `json:"detected_at"`
}

// EntryPrice is the venue-B price a market entry on this side would take.
func (s Signal) EntryPrice() float64 {
	if s.Side == SideShort {
		return s.LastB.Bid
	}
	return s.LastB.Ask
}

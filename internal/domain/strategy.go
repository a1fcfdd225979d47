package domain

import (
	"fmt"
	"math"
	"time"
)

// Mode selects whether a strategy places real orders.
type Mode string

const (
	ModeLive  Mode = "live"
	ModePaper Mode = "paper"
)

// Strategy is the per-strategy configuration consumed by the detector, the
// opener and the position manager. Percent fields are in percent, so 0.1
// means 0.1%.
type Strategy struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Mode    Mode   `json:"mode"`
	// Account selects the venue-B credentials used for live orders.
	Account string `json:"account"`

	SizeUSD           float64 `json:"size_usd"`
	FeePercent        float64 `json:"fee_percent"`
	TakeProfitPercent float64 `json:"take_profit_percent"`
	StopLossPercent   float64 `json:"stop_loss_percent"`

	LadderEnabled     bool      `json:"ladder_enabled"`
	LadderPercents    []float64 `json:"ladder_percents"`
	LadderParts       []float64 `json:"ladder_parts"`
	LadderLimitOrders bool      `json:"ladder_limit_orders"`

	Breakeven       bool          `json:"breakeven"`
	IncreaseEnabled bool          `json:"increase_enabled"`
	TimeToClose     time.Duration `json:"time_to_close"`
	FundingLeadTime time.Duration `json:"funding_lead_time"`
	FundingAware    bool          `json:"funding_aware"`
	SearchDuration  time.Duration `json:"search_duration"`

	Instruments []string  `json:"instruments"`
	UpdatedAt   time.Time `json:"-"`
}

// TargetPercent is the profit target the detector adds to its threshold:
// the first ladder leg in ladder mode, the take-profit otherwise.
func (s Strategy) TargetPercent() float64 {
	if s.LadderEnabled && len(s.LadderPercents) > 0 {
		return s.LadderPercents[0]
	}
	return s.TakeProfitPercent
}

// LegFractions returns the share of the position closed by each ladder leg.
// Missing or malformed parts fall back to equal shares.
func (s Strategy) LegFractions() []float64 {
	n := len(s.LadderPercents)
	if len(s.LadderParts) == n {
		return s.LadderParts
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = 1 / float64(n)
	}
	return out
}

// Validate returns a *ConfigurationError for the first invalid parameter.
func (s Strategy) Validate() error {
	field := func(name string) string { return "strategy." + s.Name + "." + name }

	if s.ID == "" {
		return &ConfigurationError{Field: "strategy.id", Reason: "must not be empty"}
	}
	if s.Mode != ModeLive && s.Mode != ModePaper {
		return &ConfigurationError{Field: field("mode"), Reason: fmt.Sprintf("unknown mode %q", s.Mode)}
	}
	if s.SizeUSD <= 0 {
		return &ConfigurationError{Field: field("size_usd"), Reason: "must be positive"}
	}
	if s.FeePercent < 0 {
		return &ConfigurationError{Field: field("fee_percent"), Reason: "must not be negative"}
	}
	if s.StopLossPercent <= 0 {
		return &ConfigurationError{Field: field("stop_loss_percent"), Reason: "must be positive"}
	}
	if s.SearchDuration <= 0 {
		return &ConfigurationError{Field: field("search_duration"), Reason: "must be positive"}
	}
	if s.Mode == ModeLive && s.Account == "" {
		return &ConfigurationError{Field: field("account"), Reason: "required in live mode"}
	}

	if !s.LadderEnabled {
		if s.TakeProfitPercent <= 0 {
			return &ConfigurationError{Field: field("take_profit_percent"), Reason: "must be positive"}
		}
		return nil
	}

	if n := len(s.LadderPercents); n != 2 && n != 4 {
		return &ConfigurationError{Field: field("ladder_percents"), Reason: "ladder needs 2 or 4 legs"}
	}
	prev := 0.0
	for i, p := range s.LadderPercents {
		if p <= prev {
			return &ConfigurationError{Field: field("ladder_percents"), Reason: fmt.Sprintf("leg %d must be above the previous leg", i+1)}
		}
		prev = p
	}
	if len(s.LadderParts) > 0 {
		if len(s.LadderParts) != len(s.LadderPercents) {
			return &ConfigurationError{Field: field("ladder_parts"), Reason: "must match the number of legs"}
		}
		sum := 0.0
		for _, p := range s.LadderParts {
			if p <= 0 {
				return &ConfigurationError{Field: field("ladder_parts"), Reason: "parts must be positive"}
			}
			sum += p
		}
		if math.Abs(sum-1) > 1e-9 {
			return &ConfigurationError{Field: field("ladder_parts"), Reason: "parts must sum to 1"}
		}
	}
	return nil
}

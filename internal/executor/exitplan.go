package executor

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

// PlanExit computes the exit state for a fresh position.
//
// Every profit target is offset from entry by its percent plus the fee and
// the spread seen at signal time, so that hitting it nets the intended
// profit. The stop-loss is a plain percent offset against the side.
func PlanExit(side domain.Side, entry, size float64, s domain.Strategy, inst domain.Instrument, spreadPct float64) domain.ExitState {
	sign := side.Sign()
	exit := domain.ExitState{
		StopLoss:       offsetPrice(entry, -sign, inst.TickSize, s.StopLossPercent),
		BreakevenPrice: offsetPrice(entry, sign, inst.TickSize, s.FeePercent, spreadPct),
	}
	if !s.LadderEnabled {
		exit.TakeProfit = offsetPrice(entry, sign, inst.TickSize, s.TakeProfitPercent, s.FeePercent, spreadPct)
		return exit
	}
	exit.Legs = buildLegs(side, entry, size, s.LadderPercents, s.LegFractions(), s.FeePercent, spreadPct, inst)
	return exit
}

// LegPrice is the target price of one ladder leg.
func LegPrice(side domain.Side, entry, legPct, feePct, spreadPct, tick float64) float64 {
	return offsetPrice(entry, side.Sign(), tick, legPct, feePct, spreadPct)
}

// RepriceLegs rebuilds legs from index `from` onward around a new cost basis
// and quantity, as after an increase. The rebuilt legs keep their own target
// percents and split qty in proportion to their previous sizes; earlier legs
// are untouched and the rebuilt legs carry no order ids.
func RepriceLegs(exit *domain.ExitState, from int, side domain.Side, basis, qty, feePct, spreadPct float64, inst domain.Instrument) {
	if from < 0 || from >= len(exit.Legs) {
		return
	}
	rest := exit.Legs[from:]
	pcts := make([]float64, len(rest))
	weights := make([]float64, len(rest))
	sum := 0.0
	for i, l := range rest {
		pcts[i] = l.Percent
		weights[i] = l.Size
		sum += l.Size
	}
	for i := range weights {
		if sum > 0 {
			weights[i] /= sum
		} else {
			weights[i] = 1 / float64(len(weights))
		}
	}
	copy(rest, buildLegs(side, basis, qty, pcts, weights, feePct, spreadPct, inst))
}

func buildLegs(side domain.Side, base, qty float64, pcts, fractions []float64, feePct, spreadPct float64, inst domain.Instrument) []domain.Leg {
	legs := make([]domain.Leg, len(pcts))
	allocated := 0.0
	for i, pct := range pcts {
		legs[i] = domain.Leg{
			Percent: pct,
			Price:   LegPrice(side, base, pct, feePct, spreadPct, inst.TickSize),
		}
		if i == len(pcts)-1 {
			legs[i].Size = subtract(qty, allocated)
			continue
		}
		part := decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(fractions[i])).InexactFloat64()
		legs[i].Size = FloorToLot(part, inst.LotSize)
		allocated = decimal.NewFromFloat(allocated).Add(decimal.NewFromFloat(legs[i].Size)).InexactFloat64()
	}
	return legs
}

// Crossed reports whether mark has reached target in the profitable
// direction for side.
func Crossed(side domain.Side, mark, target float64) bool {
	if target <= 0 || mark <= 0 {
		return false
	}
	if side == domain.SideShort {
		return mark <= target
	}
	return mark >= target
}

// StopHit reports whether mark has reached stop against side.
func StopHit(side domain.Side, mark, stop float64) bool {
	if stop <= 0 || mark <= 0 {
		return false
	}
	if side == domain.SideShort {
		return mark >= stop
	}
	return mark <= stop
}

package executor

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// SizeContracts converts a USD notional into a contract quantity at price,
// rounded down to the instrument's lot and never below one lot.
func SizeContracts(sizeUSD, price float64, inst domain.Instrument) (float64, error) {
	if sizeUSD <= 0 {
		return 0, &domain.ConfigurationError{Field: "size_usd", Reason: "must be positive"}
	}
	if price <= 0 {
		return 0, fmt.Errorf("executor: size %s: no usable price", inst.ID)
	}
	if inst.LotSize <= 0 {
		return 0, &domain.ConfigurationError{Field: "instrument." + inst.ID + ".lot_size", Reason: "must be positive"}
	}

	lot := decimal.NewFromFloat(inst.LotSize)
	perContract := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(inst.ContractMultiplier()))
	raw := decimal.NewFromFloat(sizeUSD).Div(perContract)

	lots := raw.Div(lot).Floor()
	if lots.LessThan(decimal.NewFromInt(1)) {
		lots = decimal.NewFromInt(1)
	}
	qty := lots.Mul(lot)
	if inst.MinQty > 0 && qty.LessThan(decimal.NewFromFloat(inst.MinQty)) {
		qty = decimal.NewFromFloat(inst.MinQty).Div(lot).Ceil().Mul(lot)
	}
	return qty.InexactFloat64(), nil
}

// FloorToLot rounds qty down to a multiple of lot.
func FloorToLot(qty, lot float64) float64 {
	if lot <= 0 {
		return qty
	}
	l := decimal.NewFromFloat(lot)
	return decimal.NewFromFloat(qty).Div(l).Floor().Mul(l).InexactFloat64()
}

// RoundToTick rounds price to the nearest multiple of tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	t := decimal.NewFromFloat(tick)
	return decimal.NewFromFloat(price).Div(t).Round(0).Mul(t).InexactFloat64()
}

// offsetPrice returns base * (1 + sign*sum(pcts)/100) rounded to tick.
func offsetPrice(base, sign, tick float64, pcts ...float64) float64 {
	total := decimal.Zero
	for _, p := range pcts {
		total = total.Add(decimal.NewFromFloat(p))
	}
	factor := decimal.NewFromInt(1).Add(total.Mul(decimal.NewFromFloat(sign)).Div(hundred))
	return RoundToTick(decimal.NewFromFloat(base).Mul(factor).InexactFloat64(), tick)
}

// subtract returns a-b without float drift.
func subtract(a, b float64) float64 {
	return decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).InexactFloat64()
}

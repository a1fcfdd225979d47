package executor

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

// FeeFor is the one-side fee for qty contracts at price. FeePercent is a
// round trip, so each side pays half.
func FeeFor(price, qty float64, s domain.Strategy, inst domain.Instrument) float64 {
	return decimal.NewFromFloat(price).
		Mul(decimal.NewFromFloat(qty)).
		Mul(decimal.NewFromFloat(inst.ContractMultiplier())).
		Mul(decimal.NewFromFloat(s.FeePercent)).
		Div(decimal.NewFromInt(200)).
		InexactFloat64()
}

// PaperFill synthesizes a fill for a paper order filled at price.
func PaperFill(account, symbol string, side domain.OrderSide, qty, price float64, s domain.Strategy, inst domain.Instrument, at time.Time) domain.Fill {
	id := uuid.NewString()
	return domain.Fill{
		FillID:  id,
		TradeID: domain.PaperTradeID,
		OrderID: "paper-" + id,
		Account: account,
		Symbol:  symbol,
		Side:    side,
		Qty:     qty,
		Price:   price,
		Fee:     FeeFor(price, qty, s, inst),
		Time:    at,
	}
}

// RealizedPnL is the profit of closing qty contracts of pos at price,
// net of the pro-rated opening fees and closeFee.
func RealizedPnL(pos domain.Position, qty, price, closeFee float64, inst domain.Instrument) float64 {
	base := decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(inst.ContractMultiplier()))
	move := decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(pos.CostBasis())).
		Mul(decimal.NewFromFloat(pos.Side.Sign()))

	openFees := decimal.NewFromFloat(pos.EntryFee).Add(decimal.NewFromFloat(pos.Exit.IncreaseFee))
	opened := decimal.NewFromFloat(pos.Size).Add(decimal.NewFromFloat(pos.Exit.IncreaseSize))
	feeShare := decimal.Zero
	if opened.IsPositive() {
		feeShare = openFees.Mul(decimal.NewFromFloat(qty)).Div(opened)
	}

	return move.Mul(base).Sub(feeShare).Sub(decimal.NewFromFloat(closeFee)).InexactFloat64()
}

// ToExecution attaches a venue fill to a position.
func ToExecution(positionID string, kind domain.ExecutionKind, f domain.Fill, pnl *float64) domain.Execution {
	return domain.Execution{
		ID:         uuid.NewString(),
		PositionID: positionID,
		FillID:     f.FillID,
		TradeID:    f.TradeID,
		OrderID:    f.OrderID,
		Side:       f.Side,
		Kind:       kind,
		Size:       f.Qty,
		Price:      f.Price,
		Fee:        f.Fee,
		PnL:        pnl,
		Time:       f.Time,
	}
}

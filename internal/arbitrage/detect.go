// Package arbitrage finds cross-venue price divergences in a tick window.
package arbitrage

import "github.com/alanyoungcy/divergebot/internal/domain"

// Detect scans window (oldest first) for a divergence between the leading
// venue A and the confirming venue B that covers fees, the current venue-B
// spread and the strategy's profit target.
//
// The newest valid snapshot is "last". Every earlier snapshot is tried as
// "previous", nearest first, and the first pair passing both stages wins.
// Snapshots missing a price on either venue are skipped.
func Detect(window []domain.Snapshot, s domain.Strategy, inst domain.Instrument) (domain.Signal, bool) {
	valid := make([]domain.Snapshot, 0, len(window))
	for _, snap := range window {
		if snap.Valid() {
			valid = append(valid, snap)
		}
	}
	if len(valid) < 2 {
		return domain.Signal{}, false
	}

	last := valid[len(valid)-1]
	spreadPct := (last.B.Ask - last.B.Bid) / last.B.Ask * 100
	threshold := s.FeePercent + spreadPct + s.TargetPercent()

	for i := len(valid) - 2; i >= 0; i-- {
		prev := valid[i]
		if last.A.Bid > prev.A.Bid {
			if sig, ok := confirm(domain.SideLong, prev, last, threshold, spreadPct, inst.TickSize); ok {
				return sig, true
			}
		}
		if last.A.Ask < prev.A.Ask {
			if sig, ok := confirm(domain.SideShort, prev, last, threshold, spreadPct, inst.TickSize); ok {
				return sig, true
			}
		}
	}
	return domain.Signal{}, false
}

// confirm runs the second stage for one candidate pair. Deltas are signed so
// that a positive value is a move in the direction of side.
func confirm(side domain.Side, prev, last domain.Snapshot, threshold, spreadPct, tick float64) (domain.Signal, bool) {
	var moveA, moveB, baseA, baseB float64
	if side == domain.SideLong {
		moveA, baseA = last.A.Bid-prev.A.Bid, prev.A.Bid
		moveB, baseB = last.B.Ask-prev.B.Ask, prev.B.Ask
	} else {
		moveA, baseA = prev.A.Ask-last.A.Ask, prev.A.Ask
		moveB, baseB = prev.B.Bid-last.B.Bid, prev.B.Bid
	}

	deltaA := moveA / baseA * 100
	deltaB := moveB / baseB * 100
	// Venue B moving against the side means its edge is already gone.
	if deltaB < 0 {
		return domain.Signal{}, false
	}
	delta := deltaA - deltaB
	if delta < threshold {
		return domain.Signal{}, false
	}

	sig := domain.Signal{
		Side:          side,
		PrevA:         prev.A,
		LastA:         last.A,
		PrevB:         prev.B,
		LastB:         last.B,
		DeltaAPercent: deltaA,
		DeltaBPercent: deltaB,
		DeltaPercent:  delta,
		Threshold:     threshold,
		SpreadPercent: spreadPct,
		DetectedAt:    last.Time,
	}
	if tick > 0 {
		sig.DeltaATicks = moveA / tick
		sig.DeltaBTicks = moveB / tick
		sig.DeltaTicks = sig.DeltaATicks - sig.DeltaBTicks
		sig.SpreadTicks = (last.B.Ask - last.B.Bid) / tick
	}
	return sig, true
}

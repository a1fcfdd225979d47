package domain

import "time"

// Tick is a best bid/ask snapshot for one instrument on one venue.
type Tick struct {
	Ask     float64   `json:"ask"`
	Bid     float64   `json:"bid"`
	AskSize float64   `json:"ask_size"`
	BidSize float64   `json:"bid_size"`
	Time    time.Time `json:"time"`
}

// Valid reports whether both sides carry a usable price.
func (t Tick) Valid() bool {
	return t.Ask > 0 && t.Bid > 0 && t.Ask >= t.Bid
}

// Mid returns the midpoint of bid and ask.
func (t Tick) Mid() float64 {
	return (t.Ask + t.Bid) / 2
}

// Snapshot pairs the latest known quote of both venues at a point in time.
type Snapshot struct {
	Time time.Time
	A    Tick
	B    Tick
}

// Valid reports whether both venues are present and priced.
func (s Snapshot) Valid() bool {
	return s.A.Valid() && s.B.Valid()
}

// MergeSnapshots joins two time-ordered venue series as-of: every tick on
// either venue produces one snapshot carrying the latest quote seen so far
// on the other venue. Snapshots taken before both venues have quoted carry
// a zero tick for the missing side.
func MergeSnapshots(a, b []Tick) []Snapshot {
	out := make([]Snapshot, 0, len(a)+len(b))
	var lastA, lastB Tick
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j >= len(b) || (i < len(a) && !a[i].Time.After(b[j].Time)):
			lastA = a[i]
			i++
		default:
			lastB = b[j]
			j++
		}
		t := lastA.Time
		if lastB.Time.After(t) {
			t = lastB.Time
		}
		out = append(out, Snapshot{Time: t, A: lastA, B: lastB})
	}
	return out
}

package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validStrategy() Strategy {
	return Strategy{
		ID:                "s1",
		Name:              "btc-div",
		Enabled:           true,
		Mode:              ModePaper,
		SizeUSD:           100,
		FeePercent:        0.1,
		TakeProfitPercent: 0.2,
		StopLossPercent:   0.5,
		SearchDuration:    5 * time.Second,
	}
}

func TestStrategyValidate(t *testing.T) {
	require.NoError(t, validStrategy().Validate())

	s := validStrategy()
	s.SizeUSD = 0
	var cfgErr *ConfigurationError
	require.True(t, errors.As(s.Validate(), &cfgErr))
	assert.Contains(t, cfgErr.Field, "size_usd")

	s = validStrategy()
	s.LadderEnabled = true
	s.LadderPercents = []float64{0.2, 0.4, 0.6}
	assert.Error(t, s.Validate(), "three legs are not a valid ladder")

	s.LadderPercents = []float64{0.2, 0.4, 0.6, 0.8}
	assert.NoError(t, s.Validate())

	s.LadderParts = []float64{0.5, 0.5}
	assert.Error(t, s.Validate())

	s = validStrategy()
	s.Mode = ModeLive
	assert.Error(t, s.Validate(), "live mode needs an account")
}

func TestStrategyTargetAndFractions(t *testing.T) {
	s := validStrategy()
	assert.Equal(t, 0.2, s.TargetPercent())

	s.LadderEnabled = true
	s.LadderPercents = []float64{0.3, 0.6}
	assert.Equal(t, 0.3, s.TargetPercent())
	assert.Equal(t, []float64{0.5, 0.5}, s.LegFractions())
}

func TestMergeSnapshots(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	a := []Tick{
		{Bid: 100, Ask: 100.1, Time: t0},
		{Bid: 101, Ask: 101.1, Time: t0.Add(2 * time.Second)},
	}
	b := []Tick{
		{Bid: 99.9, Ask: 100, Time: t0.Add(time.Second)},
	}

	snaps := MergeSnapshots(a, b)
	require.Len(t, snaps, 3)

	assert.False(t, snaps[0].Valid(), "venue B has not quoted yet")
	assert.True(t, snaps[1].Valid())
	assert.Equal(t, 100.0, snaps[1].A.Bid)
	assert.Equal(t, 101.0, snaps[2].A.Bid)
	assert.Equal(t, 100.0, snaps[2].B.Ask, "B carries forward")
	assert.Equal(t, t0.Add(2*time.Second), snaps[2].Time)
}

func TestExitStateLegsCloseInOrder(t *testing.T) {
	p := Position{
		Open: true,
		Size: 4,
		Exit: ExitState{Legs: []Leg{{Size: 1}, {Size: 1}, {Size: 1}, {Size: 1}}},
	}
	assert.Equal(t, StageOpen, p.Stage())

	require.Error(t, p.Exit.CloseLeg(1), "leg 2 before leg 1")
	require.NoError(t, p.Exit.CloseLeg(0))
	assert.Equal(t, StagePart1Closed, p.Stage())
	assert.Equal(t, 3.0, p.Remaining())

	require.Error(t, p.Exit.CloseLeg(0), "leg 1 cannot close twice")
	require.NoError(t, p.Exit.CloseLeg(1))
	assert.Equal(t, StagePart2Closed, p.Stage())

	p.Open = false
	assert.Equal(t, StageClosed, p.Stage())
}

func TestLogContextIsCopied(t *testing.T) {
	base := NewLogContext(validStrategy(), Instrument{ID: "i1", Symbol: "BTCUSDT"})
	withPos := base.WithPosition("p1")

	assert.Empty(t, base.PositionID)
	assert.Equal(t, "p1", withPos.PositionID)
	assert.Equal(t, "p1", withPos.Detail()["position_id"])
}

func TestIsSilent(t *testing.T) {
	assert.True(t, IsSilent(ErrLockContention))
	assert.True(t, IsSilent(errors.Join(errors.New("x"), ErrFundingWindow)))
	assert.False(t, IsSilent(&VenueRequestError{Venue: "bybit", Op: "create", Code: 10001}))
}

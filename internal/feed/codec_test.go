package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestBinanceDecodeBookTicker(t *testing.T) {
	c := NewBinanceCodec("")
	raw := []byte(`{"e":"bookTicker","u":400900217,"E":1568014460893,"T":1568014460891,"s":"BTCUSDT","b":"30000.10","B":"31.21","a":"30000.20","A":"40.66"}`)

	quotes, err := c.Decode(raw, now)
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, "btcusdt", quotes[0].Symbol)
	assert.Equal(t, domain.Tick{Bid: 30000.10, BidSize: 31.21, Ask: 30000.20, AskSize: 40.66, Time: now}, quotes[0].Tick)
}

func TestBinanceIgnoresAcks(t *testing.T) {
	quotes, err := NewBinanceCodec("").Decode([]byte(`{"result":null,"id":1}`), now)
	require.NoError(t, err)
	assert.Empty(t, quotes)

	_, err = NewBinanceCodec("").Decode([]byte(`not json`), now)
	assert.Error(t, err)
}

func TestBinanceSubscribeFrames(t *testing.T) {
	c := NewBinanceCodec("")
	frames, err := c.Subscribe([]string{"BTCUSDT", "ethusdt"})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"method":"SUBSCRIBE","params":["btcusdt@bookTicker","ethusdt@bookTicker"],"id":1}`, string(frames[0]))

	frames, err = c.Unsubscribe(nil)
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestBybitSnapshotThenDelta(t *testing.T) {
	c := NewBybitCodec("")
	snap := []byte(`{"topic":"orderbook.1.BTCUSDT","type":"snapshot","ts":1,"data":{"s":"BTCUSDT","b":[["30000.1","2"]],"a":[["30000.2","3"]],"u":1,"seq":1}}`)
	quotes, err := c.Decode(snap, now)
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, "BTCUSDT", quotes[0].Symbol)
	assert.Equal(t, 30000.1, quotes[0].Tick.Bid)
	assert.Equal(t, 30000.2, quotes[0].Tick.Ask)

	// A one-sided delta keeps the other side.
	delta := []byte(`{"topic":"orderbook.1.BTCUSDT","type":"delta","ts":2,"data":{"s":"BTCUSDT","b":[],"a":[["30000.5","1"]],"u":2,"seq":2}}`)
	quotes, err = c.Decode(delta, now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, 30000.1, quotes[0].Tick.Bid)
	assert.Equal(t, 30000.5, quotes[0].Tick.Ask)
	assert.Equal(t, now.Add(time.Second), quotes[0].Tick.Time)

	// An emptied side yields nothing until it is quoted again.
	gone := []byte(`{"topic":"orderbook.1.BTCUSDT","type":"delta","ts":3,"data":{"s":"BTCUSDT","b":[["30000.1","0"]],"a":[],"u":3,"seq":3}}`)
	quotes, err = c.Decode(gone, now)
	require.NoError(t, err)
	assert.Empty(t, quotes)
}

func TestBybitResetDropsBooks(t *testing.T) {
	c := NewBybitCodec("")
	_, err := c.Decode([]byte(`{"topic":"orderbook.1.BTCUSDT","type":"snapshot","data":{"s":"BTCUSDT","b":[["1","1"]],"a":[["2","1"]]}}`), now)
	require.NoError(t, err)
	c.Reset()

	quotes, err := c.Decode([]byte(`{"topic":"orderbook.1.BTCUSDT","type":"delta","data":{"s":"BTCUSDT","b":[["1.5","1"]],"a":[]}}`), now)
	require.NoError(t, err)
	assert.Empty(t, quotes)
}

func TestBybitSubscribeBatchesTopics(t *testing.T) {
	symbols := make([]string, 12)
	for i := range symbols {
		symbols[i] = "sym" + string(rune('a'+i))
	}
	frames, err := NewBybitCodec("").Subscribe(symbols)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Contains(t, string(frames[0]), `"orderbook.1.SYMA"`)
	assert.Contains(t, string(frames[1]), `"orderbook.1.SYML"`)

	quotes, err := NewBybitCodec("").Decode([]byte(`{"success":true,"ret_msg":"","op":"pong"}`), now)
	require.NoError(t, err)
	assert.Empty(t, quotes)
}

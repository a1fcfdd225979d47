package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeadersAt(t *testing.T) {
	auth := &HMACAuth{Key: "key1", Secret: "sekret"}
	h := auth.HeadersAt("category=linear&symbol=BTCUSDT", 5*time.Second, 1700000000000)

	assert.Equal(t, "key1", h[HeaderAPIKey])
	assert.Equal(t, "1700000000000", h[HeaderTimestamp])
	assert.Equal(t, "5000", h[HeaderRecvWindow])
	assert.Equal(t, "9fa0c7e884c5b4eb166ad4d348c620ec10a6e90eb78a014e4201121731a91b1e", h[HeaderSignature])
}

func TestWSAuthArgs(t *testing.T) {
	auth := &HMACAuth{Key: "key1", Secret: "sekret"}
	args := auth.WSAuthArgs(time.UnixMilli(1700000010000))

	assert.Equal(t, []any{"key1", int64(1700000010000), "71f8a4e7e29dcff7bcf87c31b9a6ba60975be55f18054726406430d967aaa112"}, args)
}

func TestStringRedacts(t *testing.T) {
	auth := &HMACAuth{Key: "abcdefgh", Secret: "xyz"}
	assert.Equal(t, "HMACAuth{key=abcd****, secret=****}", auth.String())
	assert.True(t, auth.Valid())
	assert.False(t, (&HMACAuth{Key: "k"}).Valid())
}

package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupExpiresAfterTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewDedup(time.Minute)
	d.clock = func() time.Time { return now }

	assert.False(t, d.IsDuplicate("fill-1"))
	assert.True(t, d.IsDuplicate("fill-1"))
	assert.False(t, d.IsDuplicate("fill-2"))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, d.Cleanup())
	assert.False(t, d.IsDuplicate("fill-1"))
}

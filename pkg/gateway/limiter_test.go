package gateway

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterDisabled(t *testing.T) {
	l := newLimiter(0, 0, time.Now)
	for range 100 {
		assert.True(t, l.allow(netip.MustParseAddr("127.0.0.1")))
	}
	assert.Zero(t, l.size())
	assert.Zero(t, l.retryAfter())
}

func TestLimiterRefillsAndSweeps(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newLimiter(0.5, 1, func() time.Time { return now })
	a := netip.MustParseAddr("192.0.2.1")

	assert.True(t, l.allow(a))
	assert.False(t, l.allow(a))
	assert.Equal(t, 2, l.retryAfter())

	now = now.Add(2 * time.Second)
	assert.True(t, l.allow(a))

	now = now.Add(limiterIdle + time.Minute)
	assert.True(t, l.allow(netip.MustParseAddr("192.0.2.2")))
	assert.Equal(t, 1, l.size())
}

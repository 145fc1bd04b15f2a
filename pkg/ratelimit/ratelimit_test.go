package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmitAllowsWithinCapacity(t *testing.T) {
	l := New(Limits{PerMinute: 5, PerHour: 100, PerDay: 1000}, nil)
	for i := 0; i < 5; i++ {
		d := l.Admit("client1", "")
		require.True(t, d.Allowed, "request %d should be allowed", i)
	}
}

func TestAdmitRejectsOverMinuteCapacityAndReportsRetryAfter(t *testing.T) {
	l := New(Limits{PerMinute: 2, PerHour: 100, PerDay: 1000}, nil)
	for i := 0; i < 2; i++ {
		require.True(t, l.Admit("client1", "").Allowed)
	}
	d := l.Admit("client1", "")
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "minute")
	assert.Greater(t, d.RetryAfter.Nanoseconds(), int64(0))
}

func TestAdmitRefundsEarlierWindowsOnLaterRejection(t *testing.T) {
	// Hour capacity is the binding constraint; minute must not be
	// permanently drained by the rejected request.
	l := New(Limits{PerMinute: 100, PerHour: 1, PerDay: 1000}, nil)

	require.True(t, l.Admit("client1", "").Allowed)
	d := l.Admit("client1", "")
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "hour")

	stats, ok := l.Stats("client1")
	require.True(t, ok)
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.RejectedRequests)
}

func TestPerPluginOverride(t *testing.T) {
	l := New(Limits{PerMinute: 1000, PerHour: 1000, PerDay: 1000}, map[string]Limits{
		"wordpress": {PerMinute: 1, PerHour: 10, PerDay: 100},
	})

	require.True(t, l.Admit("client1", "wordpress").Allowed)
	d := l.Admit("client1", "wordpress")
	assert.False(t, d.Allowed)
}

func TestResetRemovesClientState(t *testing.T) {
	l := New(Limits{PerMinute: 1, PerHour: 10, PerDay: 100}, nil)
	l.Admit("client1", "")
	l.Admit("client1", "") // rejected, counted

	l.Reset("client1")
	_, ok := l.Stats("client1")
	assert.False(t, ok)

	d := l.Admit("client1", "")
	assert.True(t, d.Allowed, "fresh state after reset should allow again")
}

func TestResetAllClearsGlobalCounters(t *testing.T) {
	l := New(Limits{PerMinute: 1, PerHour: 10, PerDay: 100}, nil)
	l.Admit("client1", "")
	l.Admit("client2", "")

	l.ResetAll()
	total, rejected := l.GlobalStats()
	assert.Equal(t, int64(0), total)
	assert.Equal(t, int64(0), rejected)
}

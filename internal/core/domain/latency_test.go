package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyTrackerBaseline(t *testing.T) {
	lt := NewLatencyTracker()
	now := time.Now()

	_, established := lt.Baseline()
	assert.False(t, established)

	for i := 1; i <= 9; i++ {
		require.NoError(t, lt.Observe(now.Add(time.Duration(i)*50*time.Millisecond), 10, uint32(i)))
	}
	_, established = lt.Baseline()
	assert.False(t, established, "baseline needs ten samples")

	require.NoError(t, lt.Observe(now.Add(500*time.Millisecond), 20, 10))
	baseline, established := lt.Baseline()
	assert.True(t, established)
	assert.InDelta(t, 11.0, baseline, 0.001) // nine at 10ms, one at 20ms

	// Loaded samples after establishment move delta but not the baseline.
	require.NoError(t, lt.Observe(now.Add(time.Second), 111, 11))
	baseline, _ = lt.Baseline()
	assert.InDelta(t, 11.0, baseline, 0.001)
	assert.InDelta(t, 100.0, lt.Delta(), 0.001)
}

func TestLatencyTrackerSequenceRegression(t *testing.T) {
	lt := NewLatencyTracker()
	now := time.Now()

	require.NoError(t, lt.Observe(now, 10, 5))
	assert.ErrorIs(t, lt.Observe(now, 10, 5), ErrSequenceRegress)
	assert.ErrorIs(t, lt.Observe(now, 10, 3), ErrSequenceRegress)
}

func TestLatencyTrackerLossFromGaps(t *testing.T) {
	lt := NewLatencyTracker()
	now := time.Now()

	require.NoError(t, lt.Observe(now, 10, 1))
	require.NoError(t, lt.Observe(now, 10, 2))
	// Pings 3 and 4 never came back.
	require.NoError(t, lt.Observe(now, 10, 5))

	assert.Equal(t, int64(2), lt.LossCount())
	assert.Equal(t, int64(3), lt.TotalPings())
	assert.InDelta(t, 40.0, lt.LossPercent(), 0.001) // 2 lost of 5 expected
}

func TestLatencyTrackerJitter(t *testing.T) {
	lt := NewLatencyTracker()
	now := time.Now()

	assert.Zero(t, lt.Jitter())

	require.NoError(t, lt.Observe(now, 10, 1))
	assert.Zero(t, lt.Jitter(), "one sample has no spread")

	require.NoError(t, lt.Observe(now, 20, 2))
	assert.InDelta(t, 5.0, lt.Jitter(), 0.001) // stddev of {10,20}
}

func TestLatencyTrackerWindowTrim(t *testing.T) {
	lt := NewLatencyTracker()
	start := time.Now()

	require.NoError(t, lt.Observe(start, 100, 1))
	require.NoError(t, lt.Observe(start.Add(61*time.Second), 10, 2))

	// The old sample fell out of the rolling window.
	assert.InDelta(t, 10.0, lt.Average(), 0.001)
	assert.Equal(t, int64(2), lt.TotalPings(), "lifetime counters survive the trim")
}

func TestLatencyTrackerMinMax(t *testing.T) {
	lt := NewLatencyTracker()
	now := time.Now()

	min, max := lt.MinMax()
	assert.Zero(t, min)
	assert.Zero(t, max)

	require.NoError(t, lt.Observe(now, 15, 1))
	require.NoError(t, lt.Observe(now, 5, 2))
	require.NoError(t, lt.Observe(now, 50, 3))

	min, max = lt.MinMax()
	assert.Equal(t, 5.0, min)
	assert.Equal(t, 50.0, max)
}

package format

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBitRate(t *testing.T) {
	tests := []struct {
		name     string
		bps      float64
		expected string
	}{
		{"bits", 500, "500 bps"},
		{"kilobits", 2500, "2.50 Kbps"},
		{"megabits", 25_000_000, "25.00 Mbps"},
		{"gigabits", 1_500_000_000, "1.50 Gbps"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, BitRate(tt.bps))
		})
	}
}

func TestMbps(t *testing.T) {
	assert.Equal(t, 25.0, Mbps(25_000_000))
	assert.Zero(t, Mbps(0))
}

func TestLatency(t *testing.T) {
	assert.Equal(t, "12.5ms", Latency(12.5))
	assert.Equal(t, "1.2s", Latency(1200))
}

func TestDuration(t *testing.T) {
	assert.Equal(t, "250ms", Duration(250*time.Millisecond))
	assert.Equal(t, "40s", Duration(40*time.Second))
	assert.Equal(t, "5m30s", Duration(5*time.Minute+30*time.Second))
	assert.Equal(t, "1h0m5s", Duration(time.Hour+5*time.Second))
}

func TestWorkersUp(t *testing.T) {
	assert.Equal(t, "3/4", WorkersUp(3, 4))
}

func TestBytes(t *testing.T) {
	assert.Equal(t, "1KiB", Bytes(1024))
}

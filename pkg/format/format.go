package format

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
)

// Bytes renders a byte count for logs: "1.234MiB" style.
func Bytes(bytes int64) string {
	return units.BytesSize(float64(bytes))
}

// BitRate renders bits/s the way a speed test reports it.
func BitRate(bps float64) string {
	switch {
	case bps >= 1e9:
		return fmt.Sprintf("%.2f Gbps", bps/1e9)
	case bps >= 1e6:
		return fmt.Sprintf("%.2f Mbps", bps/1e6)
	case bps >= 1e3:
		return fmt.Sprintf("%.2f Kbps", bps/1e3)
	default:
		return fmt.Sprintf("%.0f bps", bps)
	}
}

// Mbps converts bits/s into the Mbps figure used by grades and results.
func Mbps(bps float64) float64 {
	return bps / 1e6
}

// Latency renders a millisecond figure compactly.
func Latency(ms float64) string {
	if ms >= 1000 {
		return fmt.Sprintf("%.1fs", ms/1000.0)
	}
	return fmt.Sprintf("%.1fms", ms)
}

// Duration formats duration in a readable way
func Duration(d time.Duration) string {
	if d < time.Second {
		return d.String()
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// WorkersUp renders the healthy/total worker summary.
func WorkersUp(healthy, total int) string {
	return fmt.Sprintf("%d/%d", healthy, total)
}

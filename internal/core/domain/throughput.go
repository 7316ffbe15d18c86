package domain

import (
	"time"
)

type throughputBucket struct {
	at    time.Time
	bytes int64
}

// ThroughputMeter derives a smoothed bits-per-second figure from raw byte
// counts: a sliding window supplies the instantaneous rate and an EMA smooths
// it for display. Raw totals remain authoritative. Single-writer, like
// LatencyTracker.
type ThroughputMeter struct {
	window  time.Duration
	alpha   float64
	buckets []throughputBucket

	total   int64
	ema     float64
	haveEMA bool
}

func NewThroughputMeter(window time.Duration, alpha float64) *ThroughputMeter {
	return &ThroughputMeter{window: window, alpha: alpha}
}

// Add records bytes transferred at the given instant.
func (tm *ThroughputMeter) Add(now time.Time, bytes int64) {
	tm.total += bytes
	tm.buckets = append(tm.buckets, throughputBucket{at: now, bytes: bytes})
	tm.trim(now)
}

func (tm *ThroughputMeter) trim(now time.Time) {
	cutoff := now.Add(-tm.window)
	i := 0
	for i < len(tm.buckets) && tm.buckets[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		tm.buckets = append(tm.buckets[:0], tm.buckets[i:]...)
	}
}

// WindowRate returns bits/s over the sliding window.
func (tm *ThroughputMeter) WindowRate(now time.Time) float64 {
	tm.trim(now)
	if len(tm.buckets) == 0 {
		return 0
	}
	var sum int64
	for _, b := range tm.buckets {
		sum += b.bytes
	}
	span := tm.window.Seconds()
	return float64(sum) * 8 / span
}

// Tick folds the current window rate into the EMA and returns the smoothed
// bits/s. Call on the metric cadence.
func (tm *ThroughputMeter) Tick(now time.Time) float64 {
	rate := tm.WindowRate(now)
	if !tm.haveEMA {
		tm.ema = rate
		tm.haveEMA = true
	} else {
		tm.ema = tm.alpha*rate + (1-tm.alpha)*tm.ema
	}
	return tm.ema
}

// EMA returns the last smoothed rate without folding in a new sample.
func (tm *ThroughputMeter) EMA() float64 { return tm.ema }

// Total returns the authoritative byte count.
func (tm *ThroughputMeter) Total() int64 { return tm.total }

package domain

import (
	"math"
	"time"
)

const (
	latencyHistoryWindow    = 60 * time.Second
	latencyBaselineSamples  = 10
)

type latencySample struct {
	at  time.Time
	rtt float64
	seq uint32
}

// LatencyTracker accumulates per-connection RTT samples and derives the
// bufferbloat signals: baseline, current delta, jitter (stddev over the
// rolling window) and sequence-gap loss. Not safe for concurrent use; each
// connection's owning task is the only writer.
type LatencyTracker struct {
	history []latencySample

	baseline            float64
	baselineEstablished bool

	lastSeq    uint32
	haveSeq    bool
	totalPings int64
	lossCount  int64

	minRTT float64
	maxRTT float64
}

func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{minRTT: math.Inf(1)}
}

// Observe records a pong's RTT. Sequence gaps between consecutive pongs are
// inferred as lost pings; a regression is the caller's protocol violation to
// handle and is reported via the return value.
func (lt *LatencyTracker) Observe(now time.Time, rttMs float64, seq uint32) error {
	if lt.haveSeq {
		switch {
		case seq <= lt.lastSeq:
			return ErrSequenceRegress
		case seq > lt.lastSeq+1:
			lt.lossCount += int64(seq - lt.lastSeq - 1)
		}
	}
	lt.lastSeq = seq
	lt.haveSeq = true
	lt.totalPings++

	if rttMs < lt.minRTT {
		lt.minRTT = rttMs
	}
	if rttMs > lt.maxRTT {
		lt.maxRTT = rttMs
	}

	lt.history = append(lt.history, latencySample{at: now, rtt: rttMs, seq: seq})
	lt.trim(now)

	if !lt.baselineEstablished && len(lt.history) >= latencyBaselineSamples {
		sum := 0.0
		for _, s := range lt.history[:latencyBaselineSamples] {
			sum += s.rtt
		}
		lt.baseline = sum / latencyBaselineSamples
		lt.baselineEstablished = true
	}

	return nil
}

func (lt *LatencyTracker) trim(now time.Time) {
	cutoff := now.Add(-latencyHistoryWindow)
	i := 0
	for i < len(lt.history) && lt.history[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		lt.history = append(lt.history[:0], lt.history[i:]...)
	}
}

// Current returns the most recent RTT sample, zero before any pong arrives.
func (lt *LatencyTracker) Current() float64 {
	if len(lt.history) == 0 {
		return 0
	}
	return lt.history[len(lt.history)-1].rtt
}

// Average returns the mean RTT over the rolling window.
func (lt *LatencyTracker) Average() float64 {
	if len(lt.history) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range lt.history {
		sum += s.rtt
	}
	return sum / float64(len(lt.history))
}

// Jitter is the standard deviation of RTT over the rolling window.
func (lt *LatencyTracker) Jitter() float64 {
	if len(lt.history) < 2 {
		return 0
	}
	mean := lt.Average()
	variance := 0.0
	for _, s := range lt.history {
		d := s.rtt - mean
		variance += d * d
	}
	variance /= float64(len(lt.history))
	return math.Sqrt(variance)
}

// Baseline returns the established unloaded RTT and whether enough samples
// have arrived to trust it.
func (lt *LatencyTracker) Baseline() (float64, bool) {
	return lt.baseline, lt.baselineEstablished
}

// Delta is loaded RTT minus baseline RTT, the primary grading variable.
func (lt *LatencyTracker) Delta() float64 {
	if !lt.baselineEstablished {
		return 0
	}
	return lt.Current() - lt.baseline
}

// LossPercent is inferred packet loss over the connection lifetime.
func (lt *LatencyTracker) LossPercent() float64 {
	expected := lt.totalPings + lt.lossCount
	if expected == 0 {
		return 0
	}
	return 100 * float64(lt.lossCount) / float64(expected)
}

func (lt *LatencyTracker) LossCount() int64  { return lt.lossCount }
func (lt *LatencyTracker) TotalPings() int64 { return lt.totalPings }

// MinMax returns the lifetime RTT extremes; min is zero before any sample.
func (lt *LatencyTracker) MinMax() (float64, float64) {
	if math.IsInf(lt.minRTT, 1) {
		return 0, lt.maxRTT
	}
	return lt.minRTT, lt.maxRTT
}

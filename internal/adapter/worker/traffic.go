package worker

import (
	"context"
	crand "crypto/rand"
	"math"
	mrand "math/rand"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
)

// trafficTemplate seeds every downstream persona frame. One random block,
// sliced per frame size; the content only has to be uncompressible.
var trafficTemplate = func() []byte {
	buf := make([]byte, 64*1024)
	if _, err := crand.Read(buf); err != nil {
		panic("worker: unable to seed traffic template: " + err.Error())
	}
	return buf
}()

// bulkTargetMbps is the bulk persona's retargetable fill rate, set from the
// orchestrator's speed-probe p80. Zero means uncapped fill.
var bulkTargetMbps atomicFloat64

// SetBulkTargetMbps retunes the continuous-fill generator. Applies to frames
// queued after the call; live connections pick it up within one frame.
func SetBulkTargetMbps(mbps float64) {
	bulkTargetMbps.Store(mbps)
}

func frameOf(size int) []byte {
	if size > len(trafficTemplate) {
		size = len(trafficTemplate)
	}
	return trafficTemplate[:size]
}

// runTraffic drives the persona's downstream pattern for one connection.
// Upstream traffic originates at the client; the read pump just counts it.
func runTraffic(ctx context.Context, c *Connection) {
	switch c.spec.Download.Kind {
	case domain.ProfileConstantRate:
		runConstantRate(ctx, c)
	case domain.ProfileBursty:
		runBursty(ctx, c)
	case domain.ProfileContinuousFill:
		runContinuousFill(ctx, c)
	}
}

// runConstantRate emits fixed-size frames at the profile rate. Gaming frames
// carry a 15-25ms jittered cadence like real game netcode; everything else
// paces purely off the limiter.
func runConstantRate(ctx context.Context, c *Connection) {
	profile := c.spec.Download
	frame := frameOf(profile.FrameSize)

	if c.persona == domain.PersonaGaming {
		for {
			interval := 15*time.Millisecond + time.Duration(mrand.Int63n(int64(10*time.Millisecond)))
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-time.After(interval):
				if !c.enqueueBulk(websocket.BinaryMessage, frame) {
					return
				}
			}
		}
	}

	framesPerSecond := profile.RateMbps * 1e6 / 8 / float64(profile.FrameSize)
	if framesPerSecond <= 0 {
		return
	}
	limiter := rate.NewLimiter(rate.Limit(framesPerSecond), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		select {
		case <-c.done:
			return
		default:
		}
		if !c.enqueueBulk(websocket.BinaryMessage, frame) {
			return
		}
	}
}

// runBursty alternates full-rate bursts with idle gaps (streaming persona:
// 1s at 25 Mbps, 4s off).
func runBursty(ctx context.Context, c *Connection) {
	profile := c.spec.Download
	frame := frameOf(profile.FrameSize)
	framesPerSecond := profile.PeakMbps * 1e6 / 8 / float64(profile.FrameSize)
	limiter := rate.NewLimiter(rate.Limit(framesPerSecond), 1)

	for {
		burstEnd := time.Now().Add(profile.OnPeriod)
		for time.Now().Before(burstEnd) {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			select {
			case <-c.done:
				return
			default:
			}
			if !c.enqueueBulk(websocket.BinaryMessage, frame) {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-time.After(profile.OffPeriod):
		}
	}
}

// runContinuousFill saturates the downlink, honouring the retargetable rate
// when the orchestrator has measured one.
func runContinuousFill(ctx context.Context, c *Connection) {
	frame := frameOf(c.spec.Download.FrameSize)
	limiter := rate.NewLimiter(rate.Inf, 1)
	applied := math.Inf(1)

	for {
		if target := bulkTargetMbps.Load(); target > 0 && target != applied {
			fps := target * 1e6 / 8 / float64(len(frame))
			limiter.SetLimit(rate.Limit(fps))
			applied = target
		}

		if err := limiter.Wait(ctx); err != nil {
			return
		}
		select {
		case <-c.done:
			return
		default:
		}
		if !c.enqueueBulk(websocket.BinaryMessage, frame) {
			return
		}

		// The fill must stay subordinate to the send-queue cap: back off
		// briefly when the queue is better than half full so ping frames
		// keep their priority lane honest under saturation.
		if pending := c.bulkPending.Load(); pending > sendQueueSoftLimit {
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}
}

const sendQueueSoftLimit = 128 * 1024

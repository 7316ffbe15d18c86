package orchestrator

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
	"github.com/LibreQoE/bufferbloat-test/internal/logger"
)

// finishedRetention keeps terminal tests visible to Snapshot and result
// submission before the registry entry is reaped.
const finishedRetention = 5 * time.Minute

// run is the per-test phase clock. Transitions fire at absolute offsets from
// the start instant so late scheduling of one phase never delays the next
// boundary.
func (o *Orchestrator) run(ctx context.Context, rt *runningTest) {
	defer close(rt.done)
	defer rt.cancel()

	start := rt.snapshot().StartedAt
	log := o.logger.WithTestID(rt.test.ID)

	for i, phase := range rt.plan {
		if i > 0 {
			select {
			case <-ctx.Done():
				o.finish(rt, log)
				return
			case <-time.After(time.Until(start.Add(phase.StartOffset))):
			}
		}

		rt.mu.Lock()
		if rt.test.State != domain.TestStateRunning {
			rt.mu.Unlock()
			o.finish(rt, log)
			return
		}
		rt.test.Phase = phase.Name
		rt.mu.Unlock()

		log.Info("Phase entered", "phase", string(phase.Name),
			"target_streams", phase.TargetStreams)
		o.publish(rt, phase)

		if rt.test.Kind == domain.TestKindHousehold {
			o.enterHouseholdPhase(ctx, rt, phase, log)
		}
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Until(start.Add(domain.PlanDuration(rt.plan)))):
	}

	rt.mu.Lock()
	if rt.test.State == domain.TestStateRunning {
		rt.test.State = domain.TestStateComplete
		rt.test.EndedAt = time.Now()
		rt.test.Phase = domain.PhaseComplete
	}
	rt.mu.Unlock()

	o.finish(rt, log)
}

// enterHouseholdPhase performs the per-phase worker-side work: on saturation
// entry the speed probe's p80 becomes the bulk persona's fill target.
func (o *Orchestrator) enterHouseholdPhase(ctx context.Context, rt *runningTest, phase domain.Phase, log *logger.StyledLogger) {
	if o.workers == nil {
		return
	}

	if phase.Name == domain.PhaseSaturation {
		rt.mu.Lock()
		samples := append([]float64(nil), rt.probeSamples...)
		rt.mu.Unlock()

		if target := percentile80(samples); target > 0 {
			log.Info("Retargeting bulk fill from speed probe",
				"target_mbps", target, "samples", len(samples))
			if err := o.workers.UpdateBulkRate(ctx, target); err != nil {
				log.Warn("Bulk rate update failed", "error", err)
			}
		} else {
			rt.mu.Lock()
			rt.test.Warnings = append(rt.test.Warnings, "speed probe produced no samples; bulk fill uncapped")
			rt.mu.Unlock()
		}
	}

	if err := o.workers.BroadcastPhase(ctx, rt.test.ID, phase.Name); err != nil {
		log.Warn("Phase broadcast incomplete", "phase", string(phase.Name), "error", err)
	}
}

// percentile80 is the speed probe reduction: the sample at the 80th
// percentile, which discards slow-start ramp while resisting one-off spikes.
func percentile80(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sort.Float64s(samples)
	idx := int(math.Ceil(0.8*float64(len(samples)))) - 1
	if idx < 0 {
		idx = 0
	}
	return samples[idx]
}

// finish runs the teardown ladder: broadcast complete, wait out the grace for
// streams to detach, count any forced teardown, release the address slot and
// schedule registry reaping.
func (o *Orchestrator) finish(rt *runningTest, log *logger.StyledLogger) {
	snap := rt.snapshot()

	if rt.test.Kind == domain.TestKindHousehold && o.workers != nil {
		bg, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = o.workers.BroadcastPhase(bg, snap.ID, domain.PhaseComplete)
		for _, persona := range domain.AllPersonas() {
			_ = o.workers.UnregisterTest(bg, persona, snap.ID)
		}
		cancel()
	}

	o.publishTerminal(rt)

	// Streams detach on their own when the client closes; the grace window
	// gives in-flight requests time to notice before we call it forced.
	deadline := time.Now().Add(o.teardownGrace)
	for time.Now().Before(deadline) {
		rt.mu.Lock()
		remaining := len(rt.streams)
		rt.mu.Unlock()
		if remaining == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	// Escalation: signal every lingering stream so its handler aborts the
	// transfer loop instead of writing until the client hangs up.
	rt.mu.Lock()
	forced := len(rt.streams)
	for _, si := range rt.streams {
		close(si.closed)
	}
	rt.streams = make(map[string]*streamInfo)
	clientAddr := rt.test.ClientAddr
	rt.mu.Unlock()

	if forced > 0 {
		log.Warn("Forced teardown of lingering streams", "count", forced)
		if o.telemetry != nil {
			o.telemetry.RecordForcedTeardown(forced)
		}
	}

	if snap.State == domain.TestStateAborted {
		o.recordPartialResult(snap)
	}

	log.Info("Test finished", "state", string(snap.State),
		"duration", time.Since(snap.StartedAt).Round(time.Millisecond).String())

	if current, ok := o.byAddr.Load(clientAddr); ok && current == snap.ID {
		o.byAddr.Delete(clientAddr)
	}
	time.AfterFunc(finishedRetention, func() {
		o.tests.Delete(snap.ID)
	})
}

// recordPartialResult persists what the server knows about an aborted test.
// The client never submits for a test it walked away from.
func (o *Orchestrator) recordPartialResult(snap domain.Test) {
	if o.telemetry == nil {
		return
	}
	ended := snap.EndedAt
	if ended.IsZero() {
		ended = time.Now()
	}
	result := &domain.TestResult{
		TestID:      snap.ID,
		Kind:        snap.Kind,
		ClientAddr:  snap.ClientAddr,
		Grade:       domain.GradeIncomplete,
		DurationS:   ended.Sub(snap.StartedAt).Seconds(),
		Timestamp:   ended,
		AbortReason: snap.AbortReason,
		Warnings:    snap.Warnings,
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.telemetry.Submit(ctx, result, raw); err != nil {
		o.logger.WithTestID(snap.ID).Warn("Partial result submission failed", "error", err)
	}
}

func (o *Orchestrator) publish(rt *runningTest, phase domain.Phase) {
	snap := rt.snapshot()
	o.bus.Publish(ProgressEvent{
		TestID:        snap.ID,
		State:         snap.State,
		Phase:         phase.Name,
		ElapsedMs:     time.Since(snap.StartedAt).Milliseconds(),
		TargetStreams: phase.TargetStreams,
	})
}

func (o *Orchestrator) publishTerminal(rt *runningTest) {
	snap := rt.snapshot()
	o.bus.Publish(ProgressEvent{
		TestID:      snap.ID,
		State:       snap.State,
		Phase:       snap.Phase,
		ElapsedMs:   time.Since(snap.StartedAt).Milliseconds(),
		AbortReason: snap.AbortReason,
	})
}

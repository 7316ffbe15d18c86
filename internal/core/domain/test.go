package domain

import (
	"fmt"
	"time"
)

type TestKind string

const (
	TestKindSingle    TestKind = "single"
	TestKindHousehold TestKind = "household"
)

type TestState string

const (
	TestStateRunning  TestState = "running"
	TestStateComplete TestState = "complete"
	TestStateAborted  TestState = "aborted"
)

type PhaseName string

const (
	PhaseBaseline      PhaseName = "baseline"
	PhaseDLWarmup      PhaseName = "dl-warmup"
	PhaseDLSaturation  PhaseName = "dl-saturation"
	PhaseULWarmup      PhaseName = "ul-warmup"
	PhaseULSaturation  PhaseName = "ul-saturation"
	PhaseBidirectional PhaseName = "bidirectional"
	PhaseComplete      PhaseName = "complete"

	// Household test phases
	PhaseSpeedProbe PhaseName = "speed-probe"
	PhaseSaturation PhaseName = "saturation"
)

// Phase is one time-bounded segment of a test plan. Offsets are relative to
// the test's start instant on the wall clock.
type Phase struct {
	Name          PhaseName
	StartOffset   time.Duration
	EndOffset     time.Duration
	TargetStreams int  // bulk stream concurrency the client should hold
	Download      bool // bulk download traffic permitted
	Upload        bool // bulk upload traffic permitted
}

func (p Phase) Duration() time.Duration {
	return p.EndOffset - p.StartOffset
}

// SingleUserPlan returns the fixed six-phase plan of the single-user test.
// baseline must stay unloaded: the orchestrator rejects bulk streams in it.
func SingleUserPlan() []Phase {
	return []Phase{
		{Name: PhaseBaseline, StartOffset: 0, EndOffset: 5 * time.Second},
		{Name: PhaseDLWarmup, StartOffset: 5 * time.Second, EndOffset: 10 * time.Second, TargetStreams: 1, Download: true},
		{Name: PhaseDLSaturation, StartOffset: 10 * time.Second, EndOffset: 20 * time.Second, TargetStreams: 4, Download: true},
		{Name: PhaseULWarmup, StartOffset: 20 * time.Second, EndOffset: 25 * time.Second, TargetStreams: 1, Upload: true},
		{Name: PhaseULSaturation, StartOffset: 25 * time.Second, EndOffset: 35 * time.Second, TargetStreams: 4, Upload: true},
		{Name: PhaseBidirectional, StartOffset: 35 * time.Second, EndOffset: 40 * time.Second, TargetStreams: 2, Download: true, Upload: true},
	}
}

// HouseholdPlan returns the adaptive two-phase household plan. The speed
// probe's p80 throughput becomes the bulk persona's target in saturation.
func HouseholdPlan(probe, saturation time.Duration) []Phase {
	return []Phase{
		{Name: PhaseSpeedProbe, StartOffset: 0, EndOffset: probe, TargetStreams: 1, Download: true},
		{Name: PhaseSaturation, StartOffset: probe, EndOffset: probe + saturation, Download: true, Upload: true},
	}
}

// ValidatePlan enforces the plan invariant: strictly monotonic phases covering
// [0, duration] with no gaps.
func ValidatePlan(plan []Phase) error {
	if len(plan) == 0 {
		return fmt.Errorf("plan is empty")
	}
	if plan[0].StartOffset != 0 {
		return fmt.Errorf("plan does not start at offset 0")
	}
	for i, p := range plan {
		if p.EndOffset <= p.StartOffset {
			return fmt.Errorf("phase %s is empty or inverted", p.Name)
		}
		if i > 0 && plan[i-1].EndOffset != p.StartOffset {
			return fmt.Errorf("gap between %s and %s", plan[i-1].Name, p.Name)
		}
	}
	return nil
}

// PlanDuration returns the total wall-clock span of a plan.
func PlanDuration(plan []Phase) time.Duration {
	if len(plan) == 0 {
		return 0
	}
	return plan[len(plan)-1].EndOffset
}

// PhaseAt resolves the phase active at the given elapsed offset. Past the end
// of the plan it reports the terminal complete phase.
func PhaseAt(plan []Phase, elapsed time.Duration) Phase {
	for _, p := range plan {
		if elapsed >= p.StartOffset && elapsed < p.EndOffset {
			return p
		}
	}
	return Phase{Name: PhaseComplete, StartOffset: PlanDuration(plan), EndOffset: PlanDuration(plan)}
}

// Test is one measurement session. Mutation is confined to the orchestrator
// (phase advances, state) and workers (metric inserts); everything else reads
// snapshots.
type Test struct {
	ID          string
	Kind        TestKind
	ClientAddr  string
	StartedAt   time.Time
	EndedAt     time.Time
	State       TestState
	Phase       PhaseName
	AbortReason string
	Warnings    []string
}

// Package orchestrator drives the test state machines: the fixed six-phase
// single-user plan and the adaptive two-phase household plan. One goroutine
// per running test advances phases on the wall clock; everything else
// observes snapshots or subscribes to the progress bus.
package orchestrator

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/LibreQoE/bufferbloat-test/internal/core/constants"
	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
	"github.com/LibreQoE/bufferbloat-test/internal/core/ports"
	"github.com/LibreQoE/bufferbloat-test/internal/logger"
	"github.com/LibreQoE/bufferbloat-test/pkg/eventbus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// testIDPattern is the accepted client-supplied id shape. Anything else gets
// a server-generated UUID instead.
var testIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,64}$`)

// ProgressEvent is published on every phase transition and terminal state.
type ProgressEvent struct {
	TestID        string           `json:"test_id"`
	State         domain.TestState `json:"state"`
	Phase         domain.PhaseName `json:"phase"`
	ElapsedMs     int64            `json:"elapsed_ms"`
	TargetStreams int              `json:"target_streams"`
	AbortReason   string           `json:"abort_reason,omitempty"`
}

type streamInfo struct {
	id         string
	clientAddr string
	kind       ports.StreamKind
	attachedAt time.Time

	// closed is signalled when the teardown ladder force-closes the stream;
	// the holding handler aborts its transfer loop on it.
	closed chan struct{}
}

// runningTest is the orchestrator's mutable view of one test. The phase
// runner goroutine owns state transitions; streams and probe samples are
// guarded separately because handlers touch them.
type runningTest struct {
	mu sync.Mutex

	test    domain.Test
	plan    []domain.Phase
	streams map[string]*streamInfo

	probeSamples []float64

	cancel context.CancelFunc
	done   chan struct{}
}

func (rt *runningTest) snapshot() domain.Test {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	t := rt.test
	t.Warnings = append([]string(nil), rt.test.Warnings...)
	return t
}

func (rt *runningTest) currentPhase() domain.Phase {
	rt.mu.Lock()
	started := rt.test.StartedAt
	rt.mu.Unlock()
	return domain.PhaseAt(rt.plan, time.Since(started))
}

// Orchestrator implements ports.Orchestrator.
type Orchestrator struct {
	tests  *xsync.Map[string, *runningTest]
	byAddr *xsync.Map[string, string]

	workers   ports.WorkerControl
	telemetry ports.TelemetryStore
	bus       *eventbus.EventBus[ProgressEvent]
	logger    *logger.StyledLogger

	maxDuration   time.Duration
	teardownGrace time.Duration
}

func New(workers ports.WorkerControl, telemetry ports.TelemetryStore, maxDuration time.Duration, log *logger.StyledLogger) *Orchestrator {
	if maxDuration <= 0 {
		maxDuration = constants.MaxTestDuration
	}
	return &Orchestrator{
		tests:         xsync.NewMap[string, *runningTest](),
		byAddr:        xsync.NewMap[string, string](),
		workers:       workers,
		telemetry:     telemetry,
		bus:           eventbus.New[ProgressEvent](),
		logger:        log,
		maxDuration:   maxDuration,
		teardownGrace: constants.TeardownGrace,
	}
}

// Bus exposes the progress feed for SSE subscribers.
func (o *Orchestrator) Bus() *eventbus.EventBus[ProgressEvent] {
	return o.bus
}

// normalizeTestID accepts a well-formed client id or replaces it.
func normalizeTestID(raw string) string {
	if testIDPattern.MatchString(raw) {
		return raw
	}
	return uuid.NewString()
}

// StartSingleUser begins a single-user test for the client address.
func (o *Orchestrator) StartSingleUser(ctx context.Context, clientAddr, testID string) (*ports.TestHandle, error) {
	return o.start(ctx, clientAddr, testID, domain.TestKindSingle, domain.SingleUserPlan())
}

// StartHousehold begins a household test, pre-registering the test-id with
// every persona worker.
func (o *Orchestrator) StartHousehold(ctx context.Context, clientAddr, testID string) (*ports.TestHandle, error) {
	plan := domain.HouseholdPlan(constants.SpeedProbeDuration, constants.HouseholdTestDuration)
	handle, err := o.start(ctx, clientAddr, testID, domain.TestKindHousehold, plan)
	if err != nil {
		return nil, err
	}

	if o.workers != nil {
		deadline := time.Now().Add(domain.PlanDuration(plan) + constants.TeardownGrace)
		for _, persona := range domain.AllPersonas() {
			if err := o.workers.RegisterTest(ctx, persona, handle.TestID, clientAddr, deadline); err != nil {
				o.logger.WarnWithPersona("Worker registration failed for", string(persona),
					"test_id", handle.TestID, "error", err)
			}
		}
	}
	return handle, nil
}

func (o *Orchestrator) start(ctx context.Context, clientAddr, rawID string, kind domain.TestKind, plan []domain.Phase) (*ports.TestHandle, error) {
	if err := domain.ValidatePlan(plan); err != nil {
		return nil, err
	}

	testID := normalizeTestID(rawID)

	// One concurrent test per client address; a second start is refused
	// rather than queued.
	if existingID, loaded := o.byAddr.LoadOrStore(clientAddr, testID); loaded {
		if existing, ok := o.tests.Load(existingID); ok && existing.snapshot().State == domain.TestStateRunning {
			return nil, domain.ErrTestAlreadyRunning
		}
		o.byAddr.Store(clientAddr, testID)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), o.maxDuration)
	rt := &runningTest{
		test: domain.Test{
			ID:         testID,
			Kind:       kind,
			ClientAddr: clientAddr,
			StartedAt:  time.Now(),
			State:      domain.TestStateRunning,
			Phase:      plan[0].Name,
		},
		plan:    plan,
		streams: make(map[string]*streamInfo),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	if _, loaded := o.tests.LoadOrStore(testID, rt); loaded {
		cancel()
		o.byAddr.Delete(clientAddr)
		return nil, domain.ErrTestAlreadyRunning
	}

	o.logger.WithTestID(testID).Info("Test started",
		"kind", string(kind), "client_addr", clientAddr,
		"duration", domain.PlanDuration(plan).String())

	go o.run(runCtx, rt)

	return &ports.TestHandle{
		TestID:    testID,
		Kind:      kind,
		PhasePlan: phaseInfos(plan),
	}, nil
}

func phaseInfos(plan []domain.Phase) []ports.PhaseInfo {
	out := make([]ports.PhaseInfo, 0, len(plan))
	for _, p := range plan {
		out = append(out, ports.PhaseInfo{
			Name:          p.Name,
			StartOffsetMs: p.StartOffset.Milliseconds(),
			EndOffsetMs:   p.EndOffset.Milliseconds(),
			TargetStreams: p.TargetStreams,
			Download:      p.Download,
			Upload:        p.Upload,
		})
	}
	return out
}

// AttachStream registers a bulk stream against its test. Baseline purity is
// enforced here: no bulk stream may attach while the baseline phase runs.
func (o *Orchestrator) AttachStream(testID, streamID, clientAddr string, kind ports.StreamKind) (*ports.StreamLease, error) {
	rt, ok := o.tests.Load(testID)
	if !ok {
		return nil, domain.ErrUnknownTest
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.test.State != domain.TestStateRunning {
		return nil, domain.ErrTestEnded
	}
	if rt.test.ClientAddr != "" && clientAddr != "" && rt.test.ClientAddr != clientAddr {
		return nil, domain.ErrAddressMismatch
	}
	if domain.PhaseAt(rt.plan, time.Since(rt.test.StartedAt)).Name == domain.PhaseBaseline {
		return nil, domain.ErrBaselinePhase
	}

	si := &streamInfo{
		id:         streamID,
		clientAddr: clientAddr,
		kind:       kind,
		attachedAt: time.Now(),
		closed:     make(chan struct{}),
	}
	rt.streams[streamID] = si

	return &ports.StreamLease{
		Closed: si.closed,
		Detach: func() {
			rt.mu.Lock()
			delete(rt.streams, streamID)
			rt.mu.Unlock()
		},
	}, nil
}

// ObserveProbeThroughput records one speed-probe sample. Samples outside the
// probe phase are ignored.
func (o *Orchestrator) ObserveProbeThroughput(testID string, mbps float64) {
	rt, ok := o.tests.Load(testID)
	if !ok || mbps <= 0 {
		return
	}
	if rt.currentPhase().Name != domain.PhaseSpeedProbe {
		return
	}
	rt.mu.Lock()
	rt.probeSamples = append(rt.probeSamples, mbps)
	rt.mu.Unlock()
}

// Abort terminates a running test and records a partial result.
func (o *Orchestrator) Abort(testID, reason string) error {
	rt, ok := o.tests.Load(testID)
	if !ok {
		return domain.ErrUnknownTest
	}

	rt.mu.Lock()
	if rt.test.State != domain.TestStateRunning {
		rt.mu.Unlock()
		return domain.ErrTestEnded
	}
	rt.test.State = domain.TestStateAborted
	rt.test.AbortReason = reason
	rt.test.EndedAt = time.Now()
	rt.mu.Unlock()

	rt.cancel()
	return nil
}

// AbortWorkerTests aborts every running household test after a persona worker
// restarts. The worker's registrations and live connections died with the
// process, so the measurement cannot continue for any test using the fleet.
func (o *Orchestrator) AbortWorkerTests(persona domain.Persona) {
	o.tests.Range(func(id string, rt *runningTest) bool {
		if rt.snapshot().Kind != domain.TestKindHousehold {
			return true
		}
		if err := o.Abort(id, "worker-restart"); err == nil {
			o.logger.WithTestID(id).Warn("Test aborted, persona worker restarted",
				"persona", string(persona))
		}
		return true
	})
}

// Snapshot returns the current view of a test, including finished ones still
// in the registry window.
func (o *Orchestrator) Snapshot(testID string) (domain.Test, bool) {
	rt, ok := o.tests.Load(testID)
	if !ok {
		return domain.Test{}, false
	}
	t := rt.snapshot()
	if t.State == domain.TestStateRunning {
		t.Phase = domain.PhaseAt(rt.plan, time.Since(t.StartedAt)).Name
	}
	return t, true
}

// Shutdown aborts every running test and closes the progress bus.
func (o *Orchestrator) Shutdown() {
	o.tests.Range(func(id string, rt *runningTest) bool {
		_ = o.Abort(id, "server shutdown")
		return true
	})
	o.bus.Shutdown()
}

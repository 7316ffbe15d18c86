// Package ports defines the service contracts between the front door, the
// orchestrator, the supervisor and the telemetry store. Adapters return
// concrete structs; consumers accept these interfaces.
package ports

import (
	"context"
	"time"

	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
)

// TelemetryStore is the append-only ring of recent test results.
type TelemetryStore interface {
	Submit(ctx context.Context, result *domain.TestResult, rawJSON []byte) error
	Recent(ctx context.Context, limit int) ([]domain.TestResult, error)
	ByClient(ctx context.Context, addr string, limit int) ([]domain.TestResult, error)
	Stats(ctx context.Context) (TelemetryStats, error)
	RecordForcedTeardown(count int)
	Close() error
}

// TelemetryStats is the operator-facing aggregate view.
type TelemetryStats struct {
	TotalResults    int64                  `json:"total_results"`
	GradeHistogram  map[domain.Grade]int64 `json:"grade_histogram"`
	TestsLast24h    int64                  `json:"tests_last_24h"`
	ForcedTeardowns int64                  `json:"forced_teardowns"`
}

// Supervisor exposes worker discovery and lifecycle to the front door.
type Supervisor interface {
	WorkerFor(persona domain.Persona) (domain.WorkerInfo, bool)
	Workers() []domain.WorkerInfo
	AggregateStats(ctx context.Context) ([]domain.WorkerStats, error)
}

// WorkerControl is the loopback control surface the orchestrator uses to
// register test-ids with persona workers and retune the bulk profile.
type WorkerControl interface {
	RegisterTest(ctx context.Context, persona domain.Persona, testID, clientAddr string, deadline time.Time) error
	UnregisterTest(ctx context.Context, persona domain.Persona, testID string) error
	UpdateBulkRate(ctx context.Context, targetMbps float64) error
	BroadcastPhase(ctx context.Context, testID string, phase domain.PhaseName) error
}

// Orchestrator drives the test state machines.
type Orchestrator interface {
	StartSingleUser(ctx context.Context, clientAddr string, testID string) (*TestHandle, error)
	StartHousehold(ctx context.Context, clientAddr string, testID string) (*TestHandle, error)
	AttachStream(testID, streamID, clientAddr string, kind StreamKind) (*StreamLease, error)
	ObserveProbeThroughput(testID string, mbps float64)
	Abort(testID, reason string) error
	Snapshot(testID string) (domain.Test, bool)
}

// StreamLease is held by a bulk handler while its stream is attached. Closed
// is signalled when the test force-closes the stream; Detach releases the
// registry slot and must be called exactly once.
type StreamLease struct {
	Closed <-chan struct{}
	Detach func()
}

// StreamKind tags a registered bulk stream.
type StreamKind string

const (
	StreamDownload  StreamKind = "download"
	StreamUpload    StreamKind = "upload"
	StreamWebSocket StreamKind = "websocket"
)

// TestHandle is what a start request returns to the client.
type TestHandle struct {
	TestID    string          `json:"test_id"`
	Kind      domain.TestKind `json:"kind"`
	PhasePlan []PhaseInfo     `json:"phase_plan"`
}

// PhaseInfo is the wire form of a plan entry.
type PhaseInfo struct {
	Name          domain.PhaseName `json:"name"`
	StartOffsetMs int64            `json:"start_offset_ms"`
	EndOffsetMs   int64            `json:"end_offset_ms"`
	TargetStreams int              `json:"target_streams"`
	Download      bool             `json:"download"`
	Upload        bool             `json:"upload"`
}

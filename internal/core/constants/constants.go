package constants

import "time"

const (
	DefaultFrontDoorPort = 8000
	DefaultPingPort      = 8005

	DefaultHost = "0.0.0.0"

	// Telemetry loop cadence shared by workers and the bulk SSE progress mode.
	MetricInterval = 250 * time.Millisecond

	// Throughput accounting: raw counters are authoritative, the sliding
	// window and EMA exist for display smoothing only.
	ThroughputWindow = 2 * time.Second
	ThroughputAlpha  = 0.3

	ConnectionIdleTimeout = 30 * time.Second
	ConnectionDrainGrace  = 1 * time.Second
	PhaseExitGrace        = 2 * time.Second
	TeardownGrace         = 5 * time.Second
	WorkerShutdownGrace   = 10 * time.Second

	MaxTestDuration = 5 * time.Minute

	// Per-connection bulk send queue cap; overrun marks the connection
	// congested and drops it so a slow client can't inflate server memory.
	SendQueueCap = 256 * 1024

	DownloadChunkSize = 128 * 1024
	MaxDownloadSize   = int64(4) << 30 // 4 GiB
	MaxUploadSize     = int64(1) << 30 // 1 GiB
	MaxWarmupSize     = int64(32) << 20

	HealthProbeInterval    = 5 * time.Second
	HealthProbeMaxFailures = 3
	WorkerRestartDelay     = 2 * time.Second
	WorkerMaxRestarts      = 3

	// Event-loop watchdog: /health goes non-200 after a missed budget,
	// a stall beyond the exit threshold makes the worker self-exit so the
	// supervisor respawns it.
	SchedulingBudget   = 1 * time.Second
	EventLoopStallExit = 2 * time.Second

	DefaultTelemetryRingSize = 1000
	TelemetryIdempotenceTTL  = 5 * time.Minute
	MaxRecentLimit           = 200
	MaxByClientLimit         = 50

	WebhookMaxAttempts    = 3
	WebhookBaseBackoff    = 500 * time.Millisecond
	WebhookMaxBackoff     = 10 * time.Second
	WebhookRequestTimeout = 5 * time.Second

	HouseholdTestDuration = 30 * time.Second
	SpeedProbeDuration    = 5 * time.Second

	DefaultContentTypeJSON = "application/json"
	HeaderContentType      = "Content-Type"

	// HeaderRelayClient carries the true client address when the front door
	// relays a measurement WebSocket. Workers honor it only from loopback
	// peers.
	HeaderRelayClient = "X-Relay-Client"
)

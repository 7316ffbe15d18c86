package domain

// Wire frames exchanged on a worker's measurement WebSocket. JSON text
// frames, dispatched on the "type" tag.

const (
	FrameTypePing    = "ping"
	FrameTypePong    = "pong"
	FrameTypeMetrics = "metrics"
	FrameTypeControl = "control"
	FrameTypeTraffic = "traffic"
)

// PingFrame is server-sent on the persona cadence; the client echoes it back
// as a pong carrying the same ts and seq plus its own client_ts.
type PingFrame struct {
	Type string  `json:"type"`
	TS   float64 `json:"ts"`
	Seq  uint32  `json:"seq"`
}

// PongFrame is the client's echo of a ping.
type PongFrame struct {
	Type     string  `json:"type"`
	TS       float64 `json:"ts"`
	Seq      uint32  `json:"seq"`
	ClientTS float64 `json:"client_ts"`
}

// MetricsFrame is emitted every 250ms per connection. ts is milliseconds
// since worker start on the worker's own monotonic clock; no cross-worker
// time comparison is ever made.
type MetricsFrame struct {
	Type       string  `json:"type"`
	BytesUp    uint64  `json:"bytes_up"`
	BytesDown  uint64  `json:"bytes_down"`
	EMABpsUp   float64 `json:"ema_bps_up"`
	EMABpsDown float64 `json:"ema_bps_down"`
	RTTMs      float64 `json:"rtt_ms"`
	JitterMs   float64 `json:"jitter_ms"`
	LossPct    float64 `json:"loss_pct"`
	TS         float64 `json:"ts"`
}

// ControlFrame carries orchestrator-driven lifecycle signals to the client
// (phase changes, terminate).
type ControlFrame struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Phase  string `json:"phase,omitempty"`
}

// TrafficFrame is a bulk payload frame pushed downstream by a persona
// generator. Payload is base64 by encoding/json's []byte convention; the
// content only needs to occupy bytes, not survive inspection.
type TrafficFrame struct {
	Type    string `json:"type"`
	Seq     uint64 `json:"seq"`
	Payload []byte `json:"payload"`
}

const (
	ControlActionPhase     = "phase"
	ControlActionTerminate = "terminate"
)

// WebSocket close codes in the application range for protocol violations and
// resource exhaustion.
const (
	CloseProtocolViolation = 4400
	CloseUnknownTest       = 4401
	CloseAddressMismatch   = 4403
	CloseCongested         = 4408
	CloseIdle              = 4409
)

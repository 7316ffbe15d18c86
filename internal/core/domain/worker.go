package domain

import "time"

// WorkerStatus tracks a persona worker process as seen by the supervisor.
type WorkerStatus string

const (
	WorkerStarting  WorkerStatus = "starting"
	WorkerHealthy   WorkerStatus = "healthy"
	WorkerUnhealthy WorkerStatus = "unhealthy"
	WorkerOffline   WorkerStatus = "offline"
)

// WorkerInfo is the supervisor's view of one persona worker process.
type WorkerInfo struct {
	Persona      Persona      `json:"persona"`
	Port         int          `json:"port"`
	PID          int          `json:"pid"`
	Status       WorkerStatus `json:"status"`
	StartedAt    time.Time    `json:"started_at"`
	RestartCount int          `json:"restart_count"`
	LastProbe    time.Time    `json:"last_probe"`
}

// WorkerStats is the periodic counter snapshot a worker exposes for
// aggregation. Eventually consistent: the supervisor merges whatever each
// worker reported within the last metric interval.
type WorkerStats struct {
	Persona           Persona `json:"persona"`
	ActiveConnections int64   `json:"active_connections"`
	TotalConnections  int64   `json:"total_connections"`
	BytesUp           int64   `json:"bytes_up"`
	BytesDown         int64   `json:"bytes_down"`
	MessagesUp        int64   `json:"messages_up"`
	MessagesDown      int64   `json:"messages_down"`
	PingsSent         int64   `json:"pings_sent"`
	PongsReceived     int64   `json:"pongs_received"`
	PingsLost         int64   `json:"pings_lost"`
	ProtocolErrors    int64   `json:"protocol_errors"`
	CongestedDrops    int64   `json:"congested_drops"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

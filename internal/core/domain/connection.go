package domain

import (
	"time"
)

// ConnectionState is the five-state machine of a worker connection. A write
// error from any state advances straight to closed.
type ConnectionState int32

const (
	ConnAccepted ConnectionState = iota
	ConnAuthenticated
	ConnRunning
	ConnDraining
	ConnClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnAccepted:
		return "accepted"
	case ConnAuthenticated:
		return "authenticated"
	case ConnRunning:
		return "running"
	case ConnDraining:
		return "draining"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ValidConnTransition defines the legal edges of the connection machine.
func ValidConnTransition(from, to ConnectionState) bool {
	if to == ConnClosed {
		return from != ConnClosed
	}
	switch from {
	case ConnAccepted:
		return to == ConnAuthenticated
	case ConnAuthenticated:
		return to == ConnRunning
	case ConnRunning:
		return to == ConnDraining
	default:
		return false
	}
}

// DrainReason records why a connection left running.
type DrainReason string

const (
	DrainTestComplete DrainReason = "test-complete"
	DrainClientClose  DrainReason = "client-close"
	DrainIdleTimeout  DrainReason = "idle-timeout"
	DrainTestDeadline DrainReason = "test-deadline"
	DrainCongested    DrainReason = "congested"
	DrainWriteError   DrainReason = "write-error"
	DrainShutdown     DrainReason = "shutdown"
)

// ConnectionSnapshot is the read-only view a worker exports to the supervisor
// and stats endpoints. Only the owning connection task mutates the live data.
type ConnectionSnapshot struct {
	ID           string          `json:"connection_id"`
	TestID       string          `json:"test_id"`
	Persona      Persona         `json:"persona"`
	PeerAddr     string          `json:"peer_addr"`
	State        string          `json:"state"`
	OpenedAt     time.Time       `json:"opened_at"`
	LastActivity time.Time       `json:"last_activity"`
	BytesUp      int64           `json:"bytes_up"`
	BytesDown    int64           `json:"bytes_down"`
	MessagesUp   int64           `json:"messages_up"`
	MessagesDown int64           `json:"messages_down"`
	RTTMs        float64         `json:"rtt_ms"`
	JitterMs     float64         `json:"jitter_ms"`
	LossPct      float64         `json:"loss_pct"`
	TotalPings   int64           `json:"total_pings"`
}

package worker

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
)

// testRegistration is what the orchestrator pre-registers before redirecting
// a client to this worker. A WebSocket whose test-id or address doesn't match
// a registration is rejected at the door.
type testRegistration struct {
	TestID       string
	ClientAddr   string
	Deadline     time.Time
	RegisteredAt time.Time
}

// registry owns this worker's live connections and test registrations. The
// maps are concurrent; per-connection mutation stays with the owning task.
type registry struct {
	connections *xsync.Map[string, *Connection]
	tests       *xsync.Map[string, *testRegistration]

	totalConnections atomic.Int64
	protocolErrors   atomic.Int64
	congestedDrops   atomic.Int64
}

func newRegistry() *registry {
	return &registry{
		connections: xsync.NewMap[string, *Connection](),
		tests:       xsync.NewMap[string, *testRegistration](),
	}
}

func (r *registry) registerTest(reg *testRegistration) {
	r.tests.Store(reg.TestID, reg)
}

func (r *registry) unregisterTest(testID string) {
	r.tests.Delete(testID)
}

func (r *registry) lookupTest(testID string) (*testRegistration, bool) {
	reg, ok := r.tests.Load(testID)
	if !ok {
		return nil, false
	}
	if !reg.Deadline.IsZero() && time.Now().After(reg.Deadline) {
		r.tests.Delete(testID)
		return nil, false
	}
	return reg, true
}

func (r *registry) add(c *Connection) {
	r.connections.Store(c.id, c)
	r.totalConnections.Add(1)
}

func (r *registry) remove(id string) {
	r.connections.Delete(id)
}

func (r *registry) each(fn func(*Connection) bool) {
	r.connections.Range(func(_ string, c *Connection) bool {
		return fn(c)
	})
}

func (r *registry) forTest(testID string, fn func(*Connection)) {
	r.each(func(c *Connection) bool {
		if c.testID == testID {
			fn(c)
		}
		return true
	})
}

// stats copies worker-private counters into an aggregate snapshot. Reads are
// racy by design; the supervisor documents the merged view as
// eventually-consistent.
func (r *registry) stats(persona domain.Persona, startedAt time.Time) domain.WorkerStats {
	s := domain.WorkerStats{
		Persona:          persona,
		TotalConnections: r.totalConnections.Load(),
		ProtocolErrors:   r.protocolErrors.Load(),
		CongestedDrops:   r.congestedDrops.Load(),
		UptimeSeconds:    time.Since(startedAt).Seconds(),
	}
	r.each(func(c *Connection) bool {
		s.ActiveConnections++
		s.BytesUp += c.bytesUp.Load()
		s.BytesDown += c.bytesDown.Load()
		s.MessagesUp += c.messagesUp.Load()
		s.MessagesDown += c.messagesDown.Load()
		s.PingsSent += c.pingsSent.Load()
		s.PongsReceived += c.pongsReceived.Load()
		s.PingsLost += c.pingsLost.Load()
		return true
	})
	return s
}

func (r *registry) snapshots() []domain.ConnectionSnapshot {
	var out []domain.ConnectionSnapshot
	r.each(func(c *Connection) bool {
		out = append(out, c.snapshot())
		return true
	})
	return out
}

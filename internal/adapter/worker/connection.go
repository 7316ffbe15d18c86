package worker

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"

	"github.com/LibreQoE/bufferbloat-test/internal/core/constants"
	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
	"github.com/LibreQoE/bufferbloat-test/internal/logger"
	"github.com/LibreQoE/bufferbloat-test/pkg/format"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	inboxSize        = 64
	priorityQueueLen = 64
	bulkQueueLen     = 256

	priorityWriteTimeout = 2 * time.Second
	bulkWriteTimeout     = 10 * time.Second
)

type inboundMsg struct {
	frameType string
	pong      domain.PongFrame
	size      int
}

type outboundFrame struct {
	messageType int
	payload     []byte
}

// Connection is one live measurement WebSocket. A single owner goroutine
// (run) holds all mutable measurement state; readPump and writePump only
// shuttle bytes. Ping and metric frames travel a priority lane so they are
// never queued behind bulk traffic.
type Connection struct {
	id      string
	testID  string
	persona domain.Persona
	spec    domain.PersonaSpec
	peer    string

	ws     *websocket.Conn
	logger *logger.StyledLogger
	reg    *registry
	epoch  time.Time // worker start; all ts fields are ms since this instant

	state        atomic.Int32
	openedAt     time.Time
	lastActivity atomic.Int64

	inbox       chan inboundMsg
	priority    chan outboundFrame
	bulk        chan outboundFrame
	bulkPending atomic.Int64 // queued bulk bytes, enforced against SendQueueCap

	cancel   context.CancelFunc
	done     chan struct{}
	drainReq chan domain.DrainReason

	bytesUp, bytesDown                  atomic.Int64
	messagesUp, messagesDown            atomic.Int64
	pingsSent, pongsReceived, pingsLost atomic.Int64

	// Owned by run; snapshot fields below are its published copies.
	latency *domain.LatencyTracker

	// meterMu covers the throughput meters: the write pump feeds meterDown
	// per frame while run ticks both on the metric cadence.
	meterMu            sync.Mutex
	meterUp, meterDown *domain.ThroughputMeter

	rttMs, jitterMs, lossPct atomicFloat64
}

// atomicFloat64 publishes a float across goroutines without a lock.
type atomicFloat64 struct{ bits atomic.Uint64 }

func (a *atomicFloat64) Store(v float64) { a.bits.Store(math.Float64bits(v)) }
func (a *atomicFloat64) Load() float64   { return math.Float64frombits(a.bits.Load()) }

func newConnection(id, testID string, persona domain.Persona, spec domain.PersonaSpec, peer string, ws *websocket.Conn, epoch time.Time, reg *registry, log *logger.StyledLogger) *Connection {
	c := &Connection{
		id:        id,
		testID:    testID,
		persona:   persona,
		spec:      spec,
		peer:      peer,
		ws:        ws,
		logger:    log,
		reg:       reg,
		epoch:     epoch,
		openedAt:  time.Now(),
		inbox:     make(chan inboundMsg, inboxSize),
		priority:  make(chan outboundFrame, priorityQueueLen),
		bulk:      make(chan outboundFrame, bulkQueueLen),
		done:      make(chan struct{}),
		drainReq:  make(chan domain.DrainReason, 4),
		latency:   domain.NewLatencyTracker(),
		meterUp:   domain.NewThroughputMeter(constants.ThroughputWindow, constants.ThroughputAlpha),
		meterDown: domain.NewThroughputMeter(constants.ThroughputWindow, constants.ThroughputAlpha),
	}
	c.state.Store(int32(domain.ConnAccepted))
	c.touch()
	return c
}

func (c *Connection) State() domain.ConnectionState {
	return domain.ConnectionState(c.state.Load())
}

func (c *Connection) transition(to domain.ConnectionState) bool {
	for {
		from := c.State()
		if !domain.ValidConnTransition(from, to) {
			return false
		}
		if c.state.CompareAndSwap(int32(from), int32(to)) {
			return true
		}
	}
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) idleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

func (c *Connection) nowMs() float64 {
	return float64(time.Since(c.epoch).Microseconds()) / 1000.0
}

// start launches the pumps and the owner loop after authentication.
func (c *Connection) start(ctx context.Context, deadline time.Time) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.transition(domain.ConnAuthenticated)
	c.transition(domain.ConnRunning)

	go c.readPump()
	go c.writePump()
	go c.run(ctx, deadline)
	go runTraffic(ctx, c)
}

// requestDrain asks the owner loop to begin draining; safe from any
// goroutine, duplicate requests collapse.
func (c *Connection) requestDrain(reason domain.DrainReason) {
	select {
	case c.drainReq <- reason:
	default:
	}
}

// enqueuePriority queues a latency-critical frame. The priority lane is
// small and must always make progress; a full lane means the writer has
// stalled and the connection is torn down.
func (c *Connection) enqueuePriority(payload []byte) {
	select {
	case c.priority <- outboundFrame{websocket.TextMessage, payload}:
	default:
		c.requestDrain(domain.DrainWriteError)
	}
}

// enqueueBulk queues persona traffic, enforcing the byte cap. Overrun marks
// the connection congested and drops it.
func (c *Connection) enqueueBulk(messageType int, payload []byte) bool {
	if c.State() != domain.ConnRunning {
		return false
	}
	pending := c.bulkPending.Add(int64(len(payload)))
	if pending > constants.SendQueueCap {
		c.bulkPending.Add(-int64(len(payload)))
		c.reg.congestedDrops.Add(1)
		c.logger.Warn("Send queue overrun, dropping congested connection",
			"connection_id", c.id, "pending_bytes", pending)
		c.requestDrain(domain.DrainCongested)
		return false
	}
	select {
	case c.bulk <- outboundFrame{messageType, payload}:
		return true
	default:
		c.bulkPending.Add(-int64(len(payload)))
		c.reg.congestedDrops.Add(1)
		c.requestDrain(domain.DrainCongested)
		return false
	}
}

// readPump owns the socket's read side, parsing frames into the inbox.
func (c *Connection) readPump() {
	defer c.requestDrain(domain.DrainClientClose)

	for {
		messageType, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.touch()
		c.bytesUp.Add(int64(len(payload)))
		c.messagesUp.Add(1)

		if messageType != websocket.TextMessage {
			// Binary frames are persona upload payload; counted, not parsed.
			c.send(inboundMsg{frameType: domain.FrameTypeTraffic, size: len(payload)})
			continue
		}

		frameType := gjson.GetBytes(payload, "type").String()
		switch frameType {
		case domain.FrameTypePong:
			var pong domain.PongFrame
			if err := json.Unmarshal(payload, &pong); err != nil {
				c.protocolViolation("bad pong frame")
				return
			}
			c.send(inboundMsg{frameType: domain.FrameTypePong, pong: pong, size: len(payload)})
		case domain.FrameTypeTraffic, domain.FrameTypeControl:
			c.send(inboundMsg{frameType: frameType, size: len(payload)})
		default:
			c.protocolViolation("unknown frame type " + frameType)
			return
		}
	}
}

func (c *Connection) send(msg inboundMsg) {
	select {
	case c.inbox <- msg:
	default:
		// Inbox pressure means the owner loop is stalled; drop the sample
		// rather than block the read side.
	}
}

func (c *Connection) protocolViolation(detail string) {
	c.reg.protocolErrors.Add(1)
	c.logger.Warn("Protocol violation", "connection_id", c.id, "detail", detail)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(domain.CloseProtocolViolation, detail),
		time.Now().Add(time.Second))
	c.requestDrain(domain.DrainClientClose)
}

// writePump owns the socket's write side. Priority frames always preempt
// queued bulk traffic.
func (c *Connection) writePump() {
	for {
		var frame outboundFrame
		var isBulk bool

		select {
		case frame = <-c.priority:
		case <-c.done:
			return
		default:
			select {
			case frame = <-c.priority:
			case frame = <-c.bulk:
				isBulk = true
			case <-c.done:
				return
			}
		}

		timeout := priorityWriteTimeout
		if isBulk {
			timeout = bulkWriteTimeout
			c.bulkPending.Add(-int64(len(frame.payload)))
		}

		_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
		if err := c.ws.WriteMessage(frame.messageType, frame.payload); err != nil {
			c.requestDrain(domain.DrainWriteError)
			return
		}
		c.bytesDown.Add(int64(len(frame.payload)))
		c.messagesDown.Add(1)
		c.meterMu.Lock()
		c.meterDown.Add(time.Now(), int64(len(frame.payload)))
		c.meterMu.Unlock()
	}
}

// run is the owner loop: ping cadence, metric emission, idle and deadline
// policing, drain orchestration. Deadlines advance from the previous
// deadline, not from now, so cadence never drifts across a test.
func (c *Connection) run(ctx context.Context, deadline time.Time) {
	defer c.close()

	pingNext := time.Now().Add(c.spec.PingInterval)
	pingTimer := time.NewTimer(c.spec.PingInterval)
	defer pingTimer.Stop()

	metricsNext := time.Now().Add(constants.MetricInterval)
	metricsTimer := time.NewTimer(constants.MetricInterval)
	defer metricsTimer.Stop()

	idleTicker := time.NewTicker(time.Second)
	defer idleTicker.Stop()

	var seq uint32

	for {
		select {
		case <-ctx.Done():
			c.beginDrain(domain.DrainShutdown)
			return

		case reason := <-c.drainReq:
			c.beginDrain(reason)
			return

		case msg := <-c.inbox:
			if msg.frameType == domain.FrameTypePong {
				c.handlePong(msg.pong)
			}
			c.meterMu.Lock()
			c.meterUp.Add(time.Now(), int64(msg.size))
			c.meterMu.Unlock()

		case <-pingTimer.C:
			seq++
			c.sendPing(seq)
			pingNext = pingNext.Add(c.spec.PingInterval)
			pingTimer.Reset(time.Until(pingNext))

		case <-metricsTimer.C:
			c.sendMetrics()
			metricsNext = metricsNext.Add(constants.MetricInterval)
			metricsTimer.Reset(time.Until(metricsNext))

		case <-idleTicker.C:
			if c.idleFor() > constants.ConnectionIdleTimeout {
				c.logger.Info("Closing idle connection", "connection_id", c.id)
				c.beginDrain(domain.DrainIdleTimeout)
				return
			}
			if !deadline.IsZero() && time.Now().After(deadline) {
				c.beginDrain(domain.DrainTestDeadline)
				return
			}
		}
	}
}

func (c *Connection) sendPing(seq uint32) {
	frame := domain.PingFrame{Type: domain.FrameTypePing, TS: c.nowMs(), Seq: seq}
	payload, err := json.Marshal(&frame)
	if err != nil {
		return
	}
	c.pingsSent.Add(1)
	c.enqueuePriority(payload)
}

func (c *Connection) handlePong(pong domain.PongFrame) {
	rtt := c.nowMs() - pong.TS
	if rtt < 0 {
		rtt = 0
	}
	if err := c.latency.Observe(time.Now(), rtt, pong.Seq); err != nil {
		c.protocolViolation("sequence regression")
		return
	}
	c.pongsReceived.Add(1)
	c.pingsLost.Store(c.latency.LossCount())

	c.rttMs.Store(c.latency.Current())
	c.jitterMs.Store(c.latency.Jitter())
	c.lossPct.Store(c.latency.LossPercent())
}

func (c *Connection) sendMetrics() {
	now := time.Now()
	c.meterMu.Lock()
	emaUp := c.meterUp.Tick(now)
	emaDown := c.meterDown.Tick(now)
	c.meterMu.Unlock()
	frame := domain.MetricsFrame{
		Type:       domain.FrameTypeMetrics,
		BytesUp:    uint64(c.bytesUp.Load()),
		BytesDown:  uint64(c.bytesDown.Load()),
		EMABpsUp:   emaUp,
		EMABpsDown: emaDown,
		RTTMs:      c.latency.Current(),
		JitterMs:   c.latency.Jitter(),
		LossPct:    c.latency.LossPercent(),
		TS:         c.nowMs(),
	}
	payload, err := json.Marshal(&frame)
	if err != nil {
		return
	}
	c.enqueuePriority(payload)
}

// beginDrain stops metric emission and gives in-flight pings a bounded
// window to land before the socket closes.
func (c *Connection) beginDrain(reason domain.DrainReason) {
	if !c.transition(domain.ConnDraining) {
		return
	}
	c.logger.Debug("Connection draining", "connection_id", c.id, "reason", string(reason))

	if reason == domain.DrainCongested {
		// A congested peer won't deliver queued pongs; skip the grace.
		return
	}

	drainDeadline := time.After(constants.ConnectionDrainGrace)
	for {
		select {
		case msg := <-c.inbox:
			if msg.frameType == domain.FrameTypePong {
				c.handlePong(msg.pong)
			}
		case <-drainDeadline:
			return
		}
	}
}

// close finishes the state machine and removes the connection from the
// registry. Idempotent via the transition guard.
func (c *Connection) close() {
	if !c.transition(domain.ConnClosed) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	close(c.done)
	_ = c.ws.Close()
	c.reg.remove(c.id)
	c.logger.Debug("Connection closed", "connection_id", c.id,
		"state", c.State().String(),
		"up", format.Bytes(c.bytesUp.Load()),
		"down", format.Bytes(c.bytesDown.Load()))
}

// controlPhase forwards an orchestrator phase signal to the client and, on
// complete, starts the drain.
func (c *Connection) controlPhase(phase domain.PhaseName) {
	frame := domain.ControlFrame{Type: domain.FrameTypeControl, Action: domain.ControlActionPhase, Phase: string(phase)}
	if payload, err := json.Marshal(&frame); err == nil {
		c.enqueuePriority(payload)
	}
	if phase == domain.PhaseComplete {
		c.requestDrain(domain.DrainTestComplete)
	}
}

func (c *Connection) terminate() {
	frame := domain.ControlFrame{Type: domain.FrameTypeControl, Action: domain.ControlActionTerminate}
	if payload, err := json.Marshal(&frame); err == nil {
		c.enqueuePriority(payload)
	}
	c.requestDrain(domain.DrainTestComplete)
}

func (c *Connection) snapshot() domain.ConnectionSnapshot {
	return domain.ConnectionSnapshot{
		ID:           c.id,
		TestID:       c.testID,
		Persona:      c.persona,
		PeerAddr:     c.peer,
		State:        c.State().String(),
		OpenedAt:     c.openedAt,
		LastActivity: time.Unix(0, c.lastActivity.Load()),
		BytesUp:      c.bytesUp.Load(),
		BytesDown:    c.bytesDown.Load(),
		MessagesUp:   c.messagesUp.Load(),
		MessagesDown: c.messagesDown.Load(),
		RTTMs:        c.rttMs.Load(),
		JitterMs:     c.jitterMs.Load(),
		LossPct:      c.lossPct.Load(),
		TotalPings:   c.pingsSent.Load(),
	}
}

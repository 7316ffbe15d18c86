// Package worker implements a persona traffic worker: one process, one
// persona, one port. The supervisor spawns four of these and the orchestrator
// drives them over the loopback control surface.
package worker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/net/ipv4"

	"github.com/LibreQoE/bufferbloat-test/internal/core/constants"
	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
	"github.com/LibreQoE/bufferbloat-test/internal/logger"
)

// Server hosts one persona's WebSocket endpoint plus its health and loopback
// control endpoints.
type Server struct {
	persona   domain.Persona
	spec      domain.PersonaSpec
	host      string
	port      int
	logger    *logger.StyledLogger
	reg       *registry
	epoch     time.Time
	startedAt time.Time

	// lastBeat is the heartbeat goroutine's most recent wakeup, in unix
	// nanos. The gap between now and lastBeat is the scheduling delay the
	// health endpoint and the stall monitor both judge.
	lastBeat atomic.Int64

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

func NewServer(persona domain.Persona, host string, port int, log *logger.StyledLogger) (*Server, error) {
	spec, ok := domain.PersonaSpecFor(persona)
	if !ok {
		return nil, domain.ErrUnknownPersona
	}
	now := time.Now()
	s := &Server{
		persona:   persona,
		spec:      spec,
		host:      host,
		port:      port,
		logger:    log.With("persona", string(persona), "port", port),
		reg:       newRegistry(),
		epoch:     now,
		startedAt: now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			// Browser test pages are served from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.lastBeat.Store(now.UnixNano())
	return s, nil
}

// Start serves until ctx is cancelled, then drains live connections and shuts
// the listener down within the worker grace window.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/"+string(s.persona), s.handleWebSocket)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/internal/register", s.loopbackOnly(s.handleRegister))
	mux.HandleFunc("/internal/unregister", s.loopbackOnly(s.handleUnregister))
	mux.HandleFunc("/internal/profile", s.loopbackOnly(s.handleProfile))
	mux.HandleFunc("/internal/phase", s.loopbackOnly(s.handlePhase))
	mux.HandleFunc("/internal/stats", s.loopbackOnly(s.handleStats))

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.heartbeat(ctx)
	go s.stallMonitor(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoWorkerStatus("Worker", string(s.persona), domain.WorkerStarting)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.reg.each(func(c *Connection) bool {
		c.requestDrain(domain.DrainShutdown)
		return true
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.WorkerShutdownGrace)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// heartbeat wakes on a short cadence and records the time. When the runtime
// cannot schedule even this goroutine, the recorded gap grows.
func (s *Server) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.lastBeat.Store(time.Now().UnixNano())
		}
	}
}

// stallMonitor self-exits the process when scheduling stalls beyond the exit
// threshold. The supervisor treats the exit as a crash and respawns.
func (s *Server) stallMonitor(ctx context.Context) {
	ticker := time.NewTicker(constants.SchedulingBudget)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if gap := s.schedulingDelay(); gap > constants.EventLoopStallExit {
				s.logger.Error("Scheduling stalled beyond exit threshold, terminating",
					"delay", gap.String())
				os.Exit(1)
			}
		}
	}
}

func (s *Server) schedulingDelay() time.Duration {
	return time.Since(time.Unix(0, s.lastBeat.Load()))
}

// handleWebSocket authenticates the test-id, applies the persona DSCP mark
// and hands the socket to a Connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	testID := r.URL.Query().Get("test_id")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	reg, ok := s.reg.lookupTest(testID)
	if !ok {
		s.rejectSocket(ws, domain.CloseUnknownTest, "unknown or expired test id")
		return
	}
	if reg.ClientAddr != "" && reg.ClientAddr != clientAddr(r) {
		s.rejectSocket(ws, domain.CloseAddressMismatch, "client address mismatch")
		return
	}

	s.applyDSCP(ws)

	conn := newConnection(uuid.NewString(), testID, s.persona, s.spec,
		r.RemoteAddr, ws, s.epoch, s.reg, s.logger)
	s.reg.add(conn)
	s.logger.Debug("Connection accepted", "connection_id", conn.id, "test_id", testID)
	conn.start(context.Background(), reg.Deadline)
}

func (s *Server) rejectSocket(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = ws.Close()
}

// applyDSCP marks outgoing packets with the persona's class. Best effort: a
// failure is logged once and ignored, routers strip the bits anyway.
func (s *Server) applyDSCP(ws *websocket.Conn) {
	if s.spec.DSCP == domain.DSCPBestEffort {
		return
	}
	if err := ipv4.NewConn(ws.UnderlyingConn()).SetTOS(int(s.spec.DSCP) << 2); err != nil {
		s.logger.Debug("Unable to set DSCP mark", "dscp", int(s.spec.DSCP), "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	delay := s.schedulingDelay()
	status := "healthy"
	code := http.StatusOK
	if delay > constants.SchedulingBudget {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	stats := s.reg.stats(s.persona, s.startedAt)
	w.Header().Set(constants.HeaderContentType, constants.DefaultContentTypeJSON)
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":             status,
		"persona":            s.persona,
		"port":               s.port,
		"pid":                os.Getpid(),
		"scheduling_delay_ms": float64(delay.Microseconds()) / 1000.0,
		"active_connections": stats.ActiveConnections,
		"uptime_s":           stats.UptimeSeconds,
	})
}

// loopbackOnly rejects control calls from anywhere but the local host. The
// orchestrator and workers share a machine; the control surface never leaves
// it.
func (s *Server) loopbackOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host := peerHost(r.RemoteAddr)
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			http.Error(w, "control endpoints are loopback only", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

type registerRequest struct {
	TestID         string `json:"test_id"`
	ClientAddr     string `json:"client_addr"`
	DeadlineUnixMs int64  `json:"deadline_unix_ms"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TestID == "" {
		http.Error(w, "invalid register payload", http.StatusBadRequest)
		return
	}

	var deadline time.Time
	if req.DeadlineUnixMs > 0 {
		deadline = time.UnixMilli(req.DeadlineUnixMs)
	}
	s.reg.registerTest(&testRegistration{
		TestID:       req.TestID,
		ClientAddr:   req.ClientAddr,
		Deadline:     deadline,
		RegisteredAt: time.Now(),
	})
	s.logger.Debug("Test registered", "test_id", req.TestID, "client_addr", req.ClientAddr)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		TestID string `json:"test_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TestID == "" {
		http.Error(w, "invalid unregister payload", http.StatusBadRequest)
		return
	}

	s.reg.unregisterTest(req.TestID)
	s.reg.forTest(req.TestID, func(c *Connection) {
		c.terminate()
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleProfile retunes the continuous-fill rate. Only the bulk worker acts
// on it; others accept and ignore so the orchestrator can fan out blindly.
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		TargetMbps float64 `json:"target_mbps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetMbps < 0 {
		http.Error(w, "invalid profile payload", http.StatusBadRequest)
		return
	}

	if s.persona == domain.PersonaBulk {
		SetBulkTargetMbps(req.TargetMbps)
		s.logger.Info("Bulk fill rate retargeted", "target_mbps", req.TargetMbps)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePhase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		TestID string `json:"test_id"`
		Phase  string `json:"phase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TestID == "" || req.Phase == "" {
		http.Error(w, "invalid phase payload", http.StatusBadRequest)
		return
	}

	s.reg.forTest(req.TestID, func(c *Connection) {
		c.controlPhase(domain.PhaseName(req.Phase))
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(constants.HeaderContentType, constants.DefaultContentTypeJSON)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"stats":       s.reg.stats(s.persona, s.startedAt),
		"connections": s.reg.snapshots(),
	})
}

func peerHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return strings.TrimSpace(remoteAddr)
	}
	return host
}

// clientAddr resolves the address a connection should be authenticated as.
// The front door's degraded-mode relay dials from loopback and carries the
// real client address in the relay header; only loopback peers may assert it.
func clientAddr(r *http.Request) string {
	peer := peerHost(r.RemoteAddr)
	relayed := r.Header.Get(constants.HeaderRelayClient)
	if relayed == "" {
		return peer
	}
	if ip := net.ParseIP(peer); ip != nil && ip.IsLoopback() {
		return relayed
	}
	return peer
}

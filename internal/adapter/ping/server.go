// Package ping hosts the isolated latency responder. It listens on its own
// port so a saturated accept queue on the bulk path can never skew latency
// samples. The handler allocates nothing on the hot path beyond what the
// transport forces.
package ping

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LibreQoE/bufferbloat-test/internal/logger"
)

const (
	readBufferSize  = 1024
	writeBufferSize = 1024

	// An echo should never sit behind a slow peer; if a write can't finish
	// inside this budget the connection is torn down rather than queued.
	echoWriteTimeout = 2 * time.Second
)

type Server struct {
	server   *http.Server
	logger   *logger.StyledLogger
	upgrader websocket.Upgrader
	port     int
}

func NewServer(port int, styledLogger *logger.StyledLogger) *Server {
	s := &Server{
		port:   port,
		logger: styledLogger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", s.handlePing)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// No write timeout: a WS echo session lives as long as the test.
	}

	return s
}

func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("ping listener on port %d: %w", s.port, err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Ping responder listening", "port", s.port)

	if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleEcho(w, r)
		return
	}

	h := w.Header()
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("X-Ping-Received", "true")

	// Clients escalate priority and report consecutive timeouts via headers;
	// echo them back so the client can confirm the fast path handled it.
	if r.Header.Get("X-Priority") == "high" {
		h.Set("X-Priority-Processed", "true")
	} else {
		h.Set("X-Priority-Processed", "false")
	}
	if attempt := r.Header.Get("X-Ping-Attempt"); attempt != "" {
		if n, err := strconv.Atoi(attempt); err == nil {
			h.Set("X-Ping-Timeouts-Seen", strconv.Itoa(n))
			if n > 2 {
				s.logger.Warn("Client reports consecutive ping timeouts", "attempts", n)
			}
		}
	}

	w.WriteHeader(http.StatusOK)
}

// handleEcho upgrades to WebSocket and reflects every frame verbatim.
func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the transport-level rejection.
		return
	}
	defer conn.Close()

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(echoWriteTimeout))
		if err := conn.WriteMessage(messageType, payload); err != nil {
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","server":"ping-dedicated","port":%d}`, s.port)
}

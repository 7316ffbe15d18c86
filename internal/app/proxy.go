package app

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LibreQoE/bufferbloat-test/internal/core/constants"
	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
	"github.com/LibreQoE/bufferbloat-test/internal/core/ports"
	"github.com/LibreQoE/bufferbloat-test/internal/logger"
)

// householdProxy relays a persona measurement WebSocket through the front
// door for clients that cannot reach the worker ports directly. Latency
// numbers through the relay carry the extra hop; discovery prefers the
// redirect for that reason.
type householdProxy struct {
	supervisor ports.Supervisor
	logger     *logger.StyledLogger
	clientIP   func(*http.Request) string
	upgrader   websocket.Upgrader
	dialer     *websocket.Dialer
}

func newHouseholdProxy(sup ports.Supervisor, clientIP func(*http.Request) string, log *logger.StyledLogger) *householdProxy {
	return &householdProxy{
		supervisor: sup,
		logger:     log,
		clientIP:   clientIP,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: 3 * time.Second},
	}
}

func (p *householdProxy) isUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

func (p *householdProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	persona, ok := domain.ParsePersona(segments[len(segments)-1])
	if !ok {
		http.Error(w, "unknown persona", http.StatusNotFound)
		return
	}

	if p.supervisor == nil {
		http.Error(w, "worker fleet unavailable", http.StatusServiceUnavailable)
		return
	}
	info, usable := p.supervisor.WorkerFor(persona)
	if !usable {
		http.Error(w, "persona worker unavailable", http.StatusServiceUnavailable)
		return
	}

	target := fmt.Sprintf("ws://127.0.0.1:%d/%s?%s", info.Port, persona, r.URL.RawQuery)

	// The worker sees the relay's loopback address; the real client address
	// travels in the relay header so address checks still hold.
	header := http.Header{}
	header.Set(constants.HeaderRelayClient, p.clientIP(r))
	upstream, resp, err := p.dialer.Dial(target, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		p.logger.WarnWithPersona("Proxy dial failed for", string(persona), "error", err)
		http.Error(w, "persona worker unreachable", http.StatusBadGateway)
		return
	}

	client, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = upstream.Close()
		return
	}

	p.logger.InfoWithPersona("Proxying measurement channel for", string(persona),
		"client", r.RemoteAddr)

	done := make(chan struct{}, 2)
	go relay(client, upstream, done)
	go relay(upstream, client, done)
	<-done
	_ = client.Close()
	_ = upstream.Close()
}

// relay copies frames one way until either side errors. Close frames pass
// through as-is so the worker's application close codes reach the client.
func relay(dst, src *websocket.Conn, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		messageType, payload, err := src.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				_ = dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(closeErr.Code, closeErr.Text),
					time.Now().Add(time.Second))
			}
			return
		}
		_ = dst.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := dst.WriteMessage(messageType, payload); err != nil {
			return
		}
	}
}

package supervisor

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/LibreQoE/bufferbloat-test/internal/core/constants"
	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
	"github.com/LibreQoE/bufferbloat-test/internal/core/ports"
	"github.com/LibreQoE/bufferbloat-test/pkg/format"
)

// API serves the front door's worker discovery endpoints off any
// ports.Supervisor implementation.
type API struct {
	supervisor ports.Supervisor
	publicHost string
}

func NewAPI(supervisor ports.Supervisor, publicHost string) *API {
	return &API{supervisor: supervisor, publicHost: publicHost}
}

// redirectResponse tells the client where a persona's WebSocket lives. When
// redirect is false the client should fall back to the front door's degraded
// single-process proxy.
type redirectResponse struct {
	Redirect     bool   `json:"redirect"`
	WebSocketURL string `json:"websocket_url,omitempty"`
	Port         int    `json:"port,omitempty"`
	Architecture string `json:"architecture"`
}

// HandleRedirect answers GET /ws/virtual-household/{persona}. The persona is
// the trailing path segment.
func (a *API) HandleRedirect(w http.ResponseWriter, r *http.Request) {
	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	raw := segments[len(segments)-1]
	persona, ok := domain.ParsePersona(raw)
	if !ok {
		http.Error(w, "unknown persona", http.StatusNotFound)
		return
	}

	w.Header().Set(constants.HeaderContentType, constants.DefaultContentTypeJSON)

	info, usable := a.supervisor.WorkerFor(persona)
	if !usable {
		_ = json.NewEncoder(w).Encode(redirectResponse{
			Redirect:     false,
			Architecture: "multi-process",
		})
		return
	}

	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	host := a.publicHost
	if host == "" {
		host = hostOnly(r.Host)
	}

	_ = json.NewEncoder(w).Encode(redirectResponse{
		Redirect:     true,
		WebSocketURL: scheme + "://" + host + ":" + strconv.Itoa(info.Port) + "/" + string(persona),
		Port:         info.Port,
		Architecture: "multi-process",
	})
}

// HandleStats answers GET /virtual-household/stats with the merged fleet
// view: per-worker process info, counter snapshots and a rendered summary.
func (a *API) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, _ := a.supervisor.AggregateStats(r.Context())
	workers := a.supervisor.Workers()

	healthy := 0
	for _, info := range workers {
		if info.Status == domain.WorkerHealthy {
			healthy++
		}
	}
	var bytesUp, bytesDown int64
	for _, st := range stats {
		bytesUp += st.BytesUp
		bytesDown += st.BytesDown
	}

	w.Header().Set(constants.HeaderContentType, constants.DefaultContentTypeJSON)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"architecture": "multi-process",
		"workers":      workers,
		"stats":        stats,
		"summary": map[string]string{
			"workers_up": format.WorkersUp(healthy, len(workers)),
			"bytes_up":   format.Bytes(bytesUp),
			"bytes_down": format.Bytes(bytesDown),
		},
	})
}

func hostOnly(hostport string) string {
	if i := strings.LastIndex(hostport, ":"); i > 0 && !strings.Contains(hostport[i:], "]") {
		return hostport[:i]
	}
	return hostport
}

package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/LibreQoE/bufferbloat-test/internal/core/constants"
	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var probeClient = &http.Client{Timeout: 2 * time.Second}

// workerHealth mirrors the worker's /health response body.
type workerHealth struct {
	Status            string  `json:"status"`
	Persona           string  `json:"persona"`
	Port              int     `json:"port"`
	PID               int     `json:"pid"`
	SchedulingDelayMs float64 `json:"scheduling_delay_ms"`
	ActiveConnections int64   `json:"active_connections"`
	UptimeSeconds     float64 `json:"uptime_s"`
}

func probeWorker(ctx context.Context, host string, port int) (*workerHealth, error) {
	url := fmt.Sprintf("http://%s:%d/health", probeHost(host), port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := probeClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var health workerHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return &health, fmt.Errorf("worker degraded: status %d", resp.StatusCode)
	}
	return &health, nil
}

// probeHost maps a wildcard bind address to a dialable one.
func probeHost(host string) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		return "127.0.0.1"
	}
	return host
}

// probeLoop drives the health cycle: every interval each worker gets one
// probe; a strike clears on any success, three consecutive strikes trigger a
// restart.
func (m *Manager) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(constants.HealthProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.workers.Range(func(_ domain.Persona, w *workerProc) bool {
				m.probeOne(ctx, w)
				return true
			})
		}
	}
}

func (m *Manager) probeOne(ctx context.Context, w *workerProc) {
	w.mu.Lock()
	if w.status == domain.WorkerOffline {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	health, err := probeWorker(ctx, m.host, w.port)

	w.mu.Lock()
	w.lastProbe = time.Now()
	if err == nil {
		if w.status != domain.WorkerHealthy {
			m.logger.InfoWorkerStatus("Worker", string(w.persona), domain.WorkerHealthy,
				"active_connections", health.ActiveConnections)
		}
		w.status = domain.WorkerHealthy
		w.probeFails = 0
		if health.PID > 0 {
			w.pid = health.PID
		}
		w.mu.Unlock()
		return
	}

	w.probeFails++
	fails := w.probeFails
	if fails >= constants.HealthProbeMaxFailures {
		w.status = domain.WorkerUnhealthy
	}
	w.mu.Unlock()

	m.logger.WarnWithPersona("Health probe failed for", string(w.persona),
		"consecutive_failures", fails, "error", err)

	if fails >= constants.HealthProbeMaxFailures {
		m.restart(w)
	}
}

// AggregateStats merges each healthy worker's counter snapshot. Failures
// degrade to a partial view rather than an error; a missing worker simply
// contributes nothing.
func (m *Manager) AggregateStats(ctx context.Context) ([]domain.WorkerStats, error) {
	out := make([]domain.WorkerStats, 0, len(m.ports))
	for _, persona := range domain.AllPersonas() {
		w, ok := m.workers.Load(persona)
		if !ok {
			continue
		}
		stats, err := fetchWorkerStats(ctx, m.host, w.port)
		if err != nil {
			continue
		}
		out = append(out, *stats)
	}
	return out, nil
}

func fetchWorkerStats(ctx context.Context, host string, port int) (*domain.WorkerStats, error) {
	url := fmt.Sprintf("http://%s:%d/internal/stats", probeHost(host), port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := probeClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stats fetch: status %d", resp.StatusCode)
	}
	var body struct {
		Stats domain.WorkerStats `json:"stats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return &body.Stats, nil
}

// Package supervisor manages the persona worker fleet: spawning each worker
// as a child process of the same binary, adopting workers that survived a
// supervisor restart, probing health and respawning crashed workers.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/LibreQoE/bufferbloat-test/internal/core/constants"
	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
	"github.com/LibreQoE/bufferbloat-test/internal/logger"
	"github.com/LibreQoE/bufferbloat-test/internal/util"
)

// workerProc is one managed persona worker.
type workerProc struct {
	mu sync.Mutex

	persona domain.Persona
	port    int

	cmd          *exec.Cmd     // nil for adopted workers
	exited       chan struct{} // closed when the child process is reaped
	pid          int
	status       domain.WorkerStatus
	startedAt    time.Time
	restartCount int
	lastProbe    time.Time
	probeFails   int
	adopted      bool
}

func (w *workerProc) info() domain.WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return domain.WorkerInfo{
		Persona:      w.persona,
		Port:         w.port,
		PID:          w.pid,
		Status:       w.status,
		StartedAt:    w.startedAt,
		RestartCount: w.restartCount,
		LastProbe:    w.lastProbe,
	}
}

// Manager owns the worker fleet. It implements ports.Supervisor.
type Manager struct {
	host    string
	ports   map[domain.Persona]int
	logger  *logger.StyledLogger
	workers *xsync.Map[domain.Persona, *workerProc]

	// binPath and extraArgs re-exec this binary with a worker role.
	binPath   string
	extraArgs []string

	// onRestart fires when a worker is torn down for respawn; in-flight
	// tests on that worker cannot survive the process.
	onRestart func(persona domain.Persona)
}

// OnWorkerRestart registers the restart notification hook. Must be called
// before Start.
func (m *Manager) OnWorkerRestart(fn func(persona domain.Persona)) {
	m.onRestart = fn
}

func NewManager(host string, personaPorts map[domain.Persona]int, extraArgs []string, log *logger.StyledLogger) (*Manager, error) {
	binPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving own binary: %w", err)
	}
	return &Manager{
		host:      host,
		ports:     personaPorts,
		logger:    log,
		workers:   xsync.NewMap[domain.Persona, *workerProc](),
		binPath:   binPath,
		extraArgs: extraArgs,
	}, nil
}

// Start brings the fleet up and runs the probe loop until ctx is cancelled,
// then terminates every owned worker with the shutdown grace.
func (m *Manager) Start(ctx context.Context) error {
	for persona, port := range m.ports {
		w := &workerProc{persona: persona, port: port, status: domain.WorkerStarting}
		m.workers.Store(persona, w)

		if info, ok := m.adopt(ctx, w); ok {
			m.logger.InfoWorkerStatus("Adopted running worker", string(persona), domain.WorkerHealthy,
				"pid", info.PID, "port", port)
			continue
		}
		if err := m.spawn(w); err != nil {
			return fmt.Errorf("spawning %s worker: %w", persona, err)
		}
	}

	m.probeLoop(ctx)
	m.shutdownAll()
	return nil
}

// adopt checks whether a healthy worker already answers on the persona's
// port, which happens when only the supervisor restarted. Adopted workers are
// probed like owned ones but cannot be SIGTERMed by pid on shutdown since the
// process is not our child; they get a normal kill by pid instead.
func (m *Manager) adopt(ctx context.Context, w *workerProc) (domain.WorkerInfo, bool) {
	health, err := probeWorker(ctx, m.host, w.port)
	if err != nil {
		return domain.WorkerInfo{}, false
	}
	if health.Persona != string(w.persona) {
		m.logger.WarnWithPersona("Port answered with wrong persona, not adopting", string(w.persona),
			"port", w.port, "answered", health.Persona)
		return domain.WorkerInfo{}, false
	}

	w.mu.Lock()
	w.pid = health.PID
	w.status = domain.WorkerHealthy
	w.startedAt = time.Now()
	w.adopted = true
	w.mu.Unlock()
	return w.info(), true
}

func (m *Manager) spawn(w *workerProc) error {
	args := append([]string{
		"--role", "worker",
		"--persona", string(w.persona),
		"--port", fmt.Sprintf("%d", w.port),
	}, m.extraArgs...)

	cmd := exec.Command(m.binPath, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return err
	}

	exited := make(chan struct{})
	w.mu.Lock()
	w.cmd = cmd
	w.exited = exited
	w.pid = cmd.Process.Pid
	w.status = domain.WorkerStarting
	w.startedAt = time.Now()
	w.adopted = false
	w.probeFails = 0
	w.mu.Unlock()

	m.logger.InfoWorkerStatus("Worker", string(w.persona), domain.WorkerStarting,
		"pid", cmd.Process.Pid, "port", w.port)

	// Reap on exit so the child never zombies; restart policy runs off the
	// probe loop, not here.
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	return nil
}

// restart kills the old process if needed, waits for the port to release and
// respawns. Gives up after the restart cap and marks the worker offline.
// In-flight tests on the worker are dead either way, so the hook fires first.
func (m *Manager) restart(w *workerProc) {
	if m.onRestart != nil {
		m.onRestart(w.persona)
	}

	w.mu.Lock()
	if w.restartCount >= constants.WorkerMaxRestarts {
		w.status = domain.WorkerOffline
		w.mu.Unlock()
		m.logger.ErrorWithPersona("Worker exceeded restart cap, marking offline", string(w.persona))
		return
	}
	w.restartCount++
	w.status = domain.WorkerStarting
	pid := w.pid
	w.mu.Unlock()

	if pid > 0 {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}

	time.Sleep(constants.WorkerRestartDelay)

	// A lingering socket means the old process hasn't fully died; escalate
	// and wait out one more delay before binding again.
	if !util.IsPortAvailable(m.host, w.port) {
		if pid > 0 {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
		time.Sleep(constants.WorkerRestartDelay)
		if !util.IsPortAvailable(m.host, w.port) {
			m.logger.ErrorWithPersona("Port still bound after kill, deferring restart", string(w.persona),
				"port", w.port)
			return
		}
	}

	if err := m.spawn(w); err != nil {
		m.logger.ErrorWithPersona("Worker respawn failed", string(w.persona), "error", err)
	}
}

func (m *Manager) shutdownAll() {
	var wg sync.WaitGroup
	m.workers.Range(func(_ domain.Persona, w *workerProc) bool {
		wg.Add(1)
		go func(w *workerProc) {
			defer wg.Done()
			m.terminate(w)
		}(w)
		return true
	})
	wg.Wait()
}

// terminate sends SIGTERM and escalates to SIGKILL after the grace window.
func (m *Manager) terminate(w *workerProc) {
	w.mu.Lock()
	pid := w.pid
	exited := w.exited
	w.status = domain.WorkerOffline
	w.mu.Unlock()

	if pid <= 0 {
		return
	}
	_ = syscall.Kill(pid, syscall.SIGTERM)

	if exited == nil {
		// Adopted worker; poll the port since we can't wait on the process.
		deadline := time.Now().Add(constants.WorkerShutdownGrace)
		for time.Now().Before(deadline) {
			if util.IsPortAvailable(m.host, w.port) {
				return
			}
			time.Sleep(200 * time.Millisecond)
		}
		_ = syscall.Kill(pid, syscall.SIGKILL)
		return
	}

	select {
	case <-exited:
	case <-time.After(constants.WorkerShutdownGrace):
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

// WorkerFor returns the worker serving a persona when it is usable.
func (m *Manager) WorkerFor(persona domain.Persona) (domain.WorkerInfo, bool) {
	w, ok := m.workers.Load(persona)
	if !ok {
		return domain.WorkerInfo{}, false
	}
	info := w.info()
	if info.Status != domain.WorkerHealthy && info.Status != domain.WorkerStarting {
		return info, false
	}
	return info, true
}

func (m *Manager) Workers() []domain.WorkerInfo {
	out := make([]domain.WorkerInfo, 0, len(m.ports))
	for _, persona := range domain.AllPersonas() {
		if w, ok := m.workers.Load(persona); ok {
			out = append(out, w.info())
		}
	}
	return out
}

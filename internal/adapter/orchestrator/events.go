package orchestrator

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
)

// HandleEvents serves GET /api/test-events/{id}: an SSE feed of the test's
// phase transitions, closing after the terminal event.
func (o *Orchestrator) HandleEvents(w http.ResponseWriter, r *http.Request) {
	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	testID := segments[len(segments)-1]

	rt, ok := o.tests.Load(testID)
	if !ok {
		http.Error(w, "unknown test id", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusNotAcceptable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events, unsubscribe := o.bus.Subscribe(r.Context())
	defer unsubscribe()

	// Replay the current state first so late subscribers see where the test
	// stands without waiting for the next transition.
	snap := rt.snapshot()
	phase := snap.Phase
	if snap.State == domain.TestStateRunning {
		phase = domain.PhaseAt(rt.plan, time.Since(snap.StartedAt)).Name
	}
	o.writeEvent(w, ProgressEvent{
		TestID:      snap.ID,
		State:       snap.State,
		Phase:       phase,
		ElapsedMs:   time.Since(snap.StartedAt).Milliseconds(),
		AbortReason: snap.AbortReason,
	})
	flusher.Flush()

	if snap.State != domain.TestStateRunning {
		return
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			if ev.TestID != testID {
				continue
			}
			o.writeEvent(w, ev)
			flusher.Flush()
			if ev.State != domain.TestStateRunning {
				return
			}
		}
	}
}

func (o *Orchestrator) writeEvent(w http.ResponseWriter, ev ProgressEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: progress\ndata: %s\n\n", payload)
}

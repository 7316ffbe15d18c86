package bulk

import (
	"io"
	"net/http"
	"time"

	"github.com/LibreQoE/bufferbloat-test/internal/core/constants"
	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
	"github.com/LibreQoE/bufferbloat-test/internal/core/ports"
)

type uploadSummary struct {
	BytesReceived int64   `json:"bytes_received"`
	DurationMs    float64 `json:"duration_ms"`
	ObservedMbps  float64 `json:"observed_mbps"`
}

// HandleUpload drains the request body, counting but never retaining the
// payload, and reports the observed rate.
func (h *Handlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.maxUpload {
		http.Error(w, "upload exceeds size cap", http.StatusRequestEntityTooLarge)
		return
	}

	lease, ok := h.attach(w, r, ports.StreamUpload)
	if !ok {
		return
	}
	defer lease.Detach()

	if wantsEventStream(r) {
		h.uploadEventStream(w, r, lease.Closed)
		return
	}

	start := time.Now()
	received, err := h.drain(r, lease.Closed, nil)
	if err != nil {
		if err == domain.ErrTestEnded {
			http.Error(w, "test has ended", http.StatusConflict)
			return
		}
		if received > h.maxUpload {
			http.Error(w, "upload exceeds size cap", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "upload read error", http.StatusBadRequest)
		return
	}

	h.writeSummary(w, received, start)
}

// uploadEventStream emits progress frames every 250ms while the body drains.
// Requires full-duplex HTTP/1.1 or HTTP/2.
func (h *Handlers) uploadEventStream(w http.ResponseWriter, r *http.Request, closed <-chan struct{}) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusNotAcceptable)
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.EnableFullDuplex()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	start := time.Now()
	var received int64
	progress := func(total int64, emaBps float64) {
		_ = writeProgressEvent(w, total, r.ContentLength, start, emaBps)
		flusher.Flush()
	}

	received, err := h.drain(r, closed, progress)
	if err != nil {
		return
	}

	summary := uploadSummary{
		BytesReceived: received,
		DurationMs:    float64(time.Since(start).Microseconds()) / 1000.0,
	}
	if summary.DurationMs > 0 {
		summary.ObservedMbps = float64(received) * 8 / (summary.DurationMs / 1000.0) / 1e6
	}
	buf, _ := json.Marshal(summary)
	_, _ = w.Write(append(append([]byte("event: summary\ndata: "), buf...), '\n', '\n'))
	flusher.Flush()
}

// drain consumes the request body into pooled scratch space, invoking
// onProgress on the metric cadence when provided. A signal on closed aborts
// the drain with ErrTestEnded.
func (h *Handlers) drain(r *http.Request, closed <-chan struct{}, onProgress func(total int64, emaBps float64)) (int64, error) {
	buf := drainBuffers.Get()
	defer drainBuffers.Put(buf)

	meter := domain.NewThroughputMeter(constants.ThroughputWindow, constants.ThroughputAlpha)
	nextProgress := time.Now().Add(constants.MetricInterval)

	var total int64
	for {
		select {
		case <-r.Context().Done():
			return total, r.Context().Err()
		case <-closed:
			return total, domain.ErrTestEnded
		default:
		}

		n, err := r.Body.Read(buf.b)
		if n > 0 {
			total += int64(n)
			if total > h.maxUpload {
				return total, io.ErrShortBuffer
			}
			meter.Add(time.Now(), int64(n))
		}
		if onProgress != nil {
			if now := time.Now(); now.After(nextProgress) {
				nextProgress = now.Add(constants.MetricInterval)
				onProgress(total, meter.Tick(now))
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

func (h *Handlers) writeSummary(w http.ResponseWriter, received int64, start time.Time) {
	summary := uploadSummary{
		BytesReceived: received,
		DurationMs:    float64(time.Since(start).Microseconds()) / 1000.0,
	}
	if summary.DurationMs > 0 {
		summary.ObservedMbps = float64(received) * 8 / (summary.DurationMs / 1000.0) / 1e6
	}

	w.Header().Set(constants.HeaderContentType, constants.DefaultContentTypeJSON)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(summary)
}

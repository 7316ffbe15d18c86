// Package bulk implements the single-user test's HTTP traffic endpoints:
// chunked random download, counted upload drain, and the small warmup
// transfer. Nothing here retains payload bytes beyond one chunk.
package bulk

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/LibreQoE/bufferbloat-test/internal/core/constants"
	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
	"github.com/LibreQoE/bufferbloat-test/internal/core/ports"
	"github.com/LibreQoE/bufferbloat-test/internal/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Handlers serves the bulk traffic endpoints. The orchestrator, when present,
// vets every tagged stream for baseline purity and registry membership.
type Handlers struct {
	orchestrator ports.Orchestrator
	logger       *logger.StyledLogger
	maxDownload  int64
	maxUpload    int64
	clientIP     func(*http.Request) string
}

func NewHandlers(orchestrator ports.Orchestrator, maxDownload, maxUpload int64, clientIP func(*http.Request) string, styledLogger *logger.StyledLogger) *Handlers {
	if clientIP == nil {
		clientIP = func(r *http.Request) string { return r.RemoteAddr }
	}
	return &Handlers{
		orchestrator: orchestrator,
		logger:       styledLogger,
		maxDownload:  maxDownload,
		maxUpload:    maxUpload,
		clientIP:     clientIP,
	}
}

// attach registers the request's stream with its test when a test_id tag is
// present. The returned lease is non-nil on success; its Closed channel fires
// when the test force-closes the stream (nil for untagged requests, which a
// select treats as never ready).
func (h *Handlers) attach(w http.ResponseWriter, r *http.Request, kind ports.StreamKind) (*ports.StreamLease, bool) {
	testID := r.URL.Query().Get("test_id")
	if testID == "" || h.orchestrator == nil {
		return &ports.StreamLease{Detach: func() {}}, true
	}

	streamID := fmt.Sprintf("%s-%d", kind, time.Now().UnixNano())
	lease, err := h.orchestrator.AttachStream(testID, streamID, h.clientIP(r), kind)
	switch {
	case err == nil:
		return lease, true
	case err == domain.ErrBaselinePhase:
		http.Error(w, "bulk streams are not permitted during baseline", http.StatusConflict)
	case err == domain.ErrUnknownTest:
		http.Error(w, "unknown test id", http.StatusNotFound)
	case err == domain.ErrTestEnded:
		http.Error(w, "test has ended", http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
	return nil, false
}

// HandleDownload streams exactly N random bytes in 128KiB chunks.
func (h *Handlers) HandleDownload(w http.ResponseWriter, r *http.Request) {
	size, err := parseSize(r.URL.Query().Get("size"), h.maxDownload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	lease, ok := h.attach(w, r, ports.StreamDownload)
	if !ok {
		return
	}
	defer lease.Detach()

	if wantsEventStream(r) {
		h.downloadEventStream(w, r, size, lease.Closed)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)

	if size == 0 {
		return
	}

	flusher, _ := w.(http.Flusher)
	ctx := r.Context()

	buf := chunkBuffers.Get()
	defer chunkBuffers.Put(buf)
	scrambleInto(buf.b, uint64(time.Now().UnixNano()))

	meter := domain.NewThroughputMeter(constants.ThroughputWindow, constants.ThroughputAlpha)
	nextSample := time.Now().Add(constants.MetricInterval)
	testID := r.URL.Query().Get("test_id")

	var sent int64
	for sent < size {
		// The context check between chunks bounds disconnect detection to a
		// single chunk write, well inside the 200ms deregistration budget.
		// lease.Closed fires on forced teardown and ends the stream the same
		// way.
		select {
		case <-ctx.Done():
			return
		case <-lease.Closed:
			return
		default:
		}

		n, err := w.Write(chunkOf(buf.b, size-sent))
		sent += int64(n)
		if err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}

		meter.Add(time.Now(), int64(n))
		if now := time.Now(); now.After(nextSample) {
			nextSample = now.Add(constants.MetricInterval)
			h.reportProbe(testID, meter.Tick(now))
		}
	}
}

// reportProbe feeds the household speed probe with observed download rate
// samples. The orchestrator ignores samples outside the probe phase.
func (h *Handlers) reportProbe(testID string, emaBps float64) {
	if h.orchestrator == nil || testID == "" || emaBps <= 0 {
		return
	}
	h.orchestrator.ObserveProbeThroughput(testID, emaBps/1e6)
}

// downloadEventStream pushes the payload as SSE comment padding with a
// progress event every 250ms, so the client reads a live rate without
// waiting for EOF.
func (h *Handlers) downloadEventStream(w http.ResponseWriter, r *http.Request, size int64, closed <-chan struct{}) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusNotAcceptable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	buf := chunkBuffers.Get()
	defer chunkBuffers.Put(buf)
	scrambleInto(buf.b, uint64(time.Now().UnixNano()))

	meter := domain.NewThroughputMeter(constants.ThroughputWindow, constants.ThroughputAlpha)
	start := time.Now()
	nextProgress := start.Add(constants.MetricInterval)
	testID := r.URL.Query().Get("test_id")

	var sent int64
	for sent < size {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		default:
		}

		payload := chunkOf(buf.b, size-sent)
		// SSE comment lines are ignored by EventSource but still load the
		// pipe with uncompressible bytes.
		n, err := fmt.Fprintf(w, ": %x\n", payload[:min64(int64(len(payload)), 16*1024)])
		if err != nil {
			return
		}
		sent += int64(n)
		meter.Add(time.Now(), int64(n))

		if now := time.Now(); now.After(nextProgress) {
			nextProgress = now.Add(constants.MetricInterval)
			ema := meter.Tick(now)
			h.reportProbe(testID, ema)
			if err := writeProgressEvent(w, sent, size, start, ema); err != nil {
				return
			}
		}
		flusher.Flush()
	}

	_ = writeProgressEvent(w, sent, size, start, meter.Tick(time.Now()))
	flusher.Flush()
}

func writeProgressEvent(w http.ResponseWriter, sent, size int64, start time.Time, emaBps float64) error {
	frame := struct {
		Bytes      int64   `json:"bytes"`
		TotalBytes int64   `json:"total_bytes"`
		ElapsedMs  float64 `json:"elapsed_ms"`
		EMABps     float64 `json:"ema_bps"`
	}{sent, size, float64(time.Since(start).Microseconds()) / 1000.0, emaBps}

	buf, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: progress\ndata: %s\n\n", buf)
	return err
}

// HandleWarmup is a small bounded download used to open congestion windows
// before a measured phase begins.
func (h *Handlers) HandleWarmup(w http.ResponseWriter, r *http.Request) {
	size, err := parseSize(r.URL.Query().Get("size"), constants.MaxWarmupSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if size == 0 {
		size = int64(constants.DownloadChunkSize)
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	var sent int64
	for sent < size {
		select {
		case <-r.Context().Done():
			return
		default:
		}
		n, err := w.Write(chunk(size - sent))
		sent += int64(n)
		if err != nil {
			return
		}
	}
}

func parseSize(raw string, max int64) (int64, error) {
	if raw == "" {
		return 0, fmt.Errorf("size parameter is required")
	}
	size, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("size must be a non-negative integer")
	}
	if size > max {
		return 0, fmt.Errorf("size exceeds maximum of %d bytes", max)
	}
	return size, nil
}

func wantsEventStream(r *http.Request) bool {
	return r.Header.Get("Accept") == "text/event-stream"
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

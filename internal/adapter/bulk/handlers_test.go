package bulk

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
	"github.com/LibreQoE/bufferbloat-test/internal/core/ports"
	"github.com/LibreQoE/bufferbloat-test/internal/logger"
	"github.com/LibreQoE/bufferbloat-test/theme"
)

func testLogger() *logger.StyledLogger {
	return logger.NewStyledLogger(slog.New(slog.NewTextHandler(io.Discard, nil)), theme.Default())
}

// stubOrchestrator lets stream admission be scripted per test.
type stubOrchestrator struct {
	attachErr error
	attached  int
	detached  int
	probeMbps []float64

	// closed, when non-nil, becomes the lease's teardown signal.
	closed chan struct{}
}

func (s *stubOrchestrator) StartSingleUser(context.Context, string, string) (*ports.TestHandle, error) {
	return nil, nil
}

func (s *stubOrchestrator) StartHousehold(context.Context, string, string) (*ports.TestHandle, error) {
	return nil, nil
}

func (s *stubOrchestrator) AttachStream(testID, streamID, clientAddr string, kind ports.StreamKind) (*ports.StreamLease, error) {
	if s.attachErr != nil {
		return nil, s.attachErr
	}
	s.attached++
	return &ports.StreamLease{
		Closed: s.closed,
		Detach: func() { s.detached++ },
	}, nil
}

func (s *stubOrchestrator) ObserveProbeThroughput(testID string, mbps float64) {
	s.probeMbps = append(s.probeMbps, mbps)
}

func (s *stubOrchestrator) Abort(string, string) error { return nil }

func (s *stubOrchestrator) Snapshot(string) (domain.Test, bool) { return domain.Test{}, false }

func newTestHandlers(orch ports.Orchestrator) *Handlers {
	return NewHandlers(orch, 1<<20, 1<<20, nil, testLogger())
}

func TestHandleDownloadSizeValidation(t *testing.T) {
	h := newTestHandlers(nil)

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"missing size", "/download", http.StatusBadRequest},
		{"negative size", "/download?size=-1", http.StatusBadRequest},
		{"non numeric size", "/download?size=banana", http.StatusBadRequest},
		{"over cap", "/download?size=2097153", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.HandleDownload(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestHandleDownloadZeroSize(t *testing.T) {
	h := newTestHandlers(nil)
	rec := httptest.NewRecorder()
	h.HandleDownload(rec, httptest.NewRequest(http.MethodGet, "/download?size=0", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
	assert.Equal(t, "0", rec.Header().Get("Content-Length"))
}

func TestHandleDownloadStreamsExactly(t *testing.T) {
	h := newTestHandlers(nil)
	rec := httptest.NewRecorder()
	h.HandleDownload(rec, httptest.NewRequest(http.MethodGet, "/download?size=300000", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Len(t, rec.Body.Bytes(), 300000)
}

func TestHandleDownloadBaselineRejection(t *testing.T) {
	orch := &stubOrchestrator{attachErr: domain.ErrBaselinePhase}
	h := newTestHandlers(orch)

	rec := httptest.NewRecorder()
	h.HandleDownload(rec, httptest.NewRequest(http.MethodGet, "/download?size=1000&test_id=abc", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleDownloadUnknownTest(t *testing.T) {
	orch := &stubOrchestrator{attachErr: domain.ErrUnknownTest}
	h := newTestHandlers(orch)

	rec := httptest.NewRecorder()
	h.HandleDownload(rec, httptest.NewRequest(http.MethodGet, "/download?size=1000&test_id=abc", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDownloadAttachesAndDetaches(t *testing.T) {
	orch := &stubOrchestrator{}
	h := newTestHandlers(orch)

	rec := httptest.NewRecorder()
	h.HandleDownload(rec, httptest.NewRequest(http.MethodGet, "/download?size=1000&test_id=abc", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, orch.attached)
	assert.Equal(t, 1, orch.detached)
}

func TestHandleDownloadUntaggedSkipsRegistry(t *testing.T) {
	orch := &stubOrchestrator{attachErr: domain.ErrUnknownTest}
	h := newTestHandlers(orch)

	// No test_id tag: the request must not consult the registry at all.
	rec := httptest.NewRecorder()
	h.HandleDownload(rec, httptest.NewRequest(http.MethodGet, "/download?size=1000", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleDownloadStopsOnForcedTeardown(t *testing.T) {
	closed := make(chan struct{})
	close(closed)
	orch := &stubOrchestrator{closed: closed}
	h := newTestHandlers(orch)

	rec := httptest.NewRecorder()
	h.HandleDownload(rec, httptest.NewRequest(http.MethodGet, "/download?size=1000000&test_id=abc", nil))

	// The teardown signal ends the stream before the full payload is sent.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Less(t, rec.Body.Len(), 1000000)
	assert.Equal(t, 1, orch.detached)
}

func TestHandleUploadStopsOnForcedTeardown(t *testing.T) {
	closed := make(chan struct{})
	close(closed)
	orch := &stubOrchestrator{closed: closed}
	h := newTestHandlers(orch)

	req := httptest.NewRequest(http.MethodPost, "/upload?test_id=abc", bytes.NewReader(make([]byte, 4096)))
	rec := httptest.NewRecorder()
	h.HandleUpload(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 1, orch.detached)
}

func TestHandleUploadSummary(t *testing.T) {
	h := newTestHandlers(nil)
	payload := bytes.Repeat([]byte("x"), 50_000)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(payload))
	h.HandleUpload(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var summary uploadSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, int64(50_000), summary.BytesReceived)
	assert.Greater(t, summary.ObservedMbps, 0.0)
}

func TestHandleUploadOverCap(t *testing.T) {
	h := NewHandlers(nil, 1<<20, 100, nil, testLogger())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(make([]byte, 200)))
	h.HandleUpload(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHandleWarmupDefaultsSize(t *testing.T) {
	h := newTestHandlers(nil)

	rec := httptest.NewRecorder()
	h.HandleWarmup(rec, httptest.NewRequest(http.MethodGet, "/warmup?size=0", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.Bytes())
}

func TestHandleWarmupRejectsOversize(t *testing.T) {
	h := newTestHandlers(nil)

	rec := httptest.NewRecorder()
	h.HandleWarmup(rec, httptest.NewRequest(http.MethodGet, "/warmup?size=999999999", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChunkPayloadIsBounded(t *testing.T) {
	full := chunk(1 << 30)
	assert.Len(t, full, 128*1024)

	partial := chunk(100)
	assert.Len(t, partial, 100)
}

func TestScrambleVariesByNonce(t *testing.T) {
	a := make([]byte, len(chunkTemplate))
	b := make([]byte, len(chunkTemplate))
	scrambleInto(a, 1)
	scrambleInto(b, 2)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, chunkTemplate, a)

	// XOR is self-inverse; the same nonce reproduces the same stream.
	c := make([]byte, len(chunkTemplate))
	scrambleInto(c, 1)
	assert.Equal(t, a, c)
}

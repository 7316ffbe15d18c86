package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LibreQoE/bufferbloat-test/internal/config"
	"github.com/LibreQoE/bufferbloat-test/internal/logger"
	"github.com/LibreQoE/bufferbloat-test/theme"
)

func testLogger() *logger.StyledLogger {
	return logger.NewStyledLogger(slog.New(slog.NewTextHandler(io.Discard, nil)), theme.Default())
}

func newTestApp(t *testing.T) *Application {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Telemetry.DBPath = filepath.Join(t.TempDir(), "telemetry.db")

	app, err := New(cfg, nil, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		app.orchestrator.Shutdown()
		_ = app.telemetryStore.Close()
	})
	return app
}

func TestHandleHealth(t *testing.T) {
	app := newTestApp(t)

	rec := httptest.NewRecorder()
	app.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestHandleTestStartSingle(t *testing.T) {
	app := newTestApp(t)

	body := `{"kind":"single","test_id":"abcdef0123456789"}`
	req := httptest.NewRequest(http.MethodPost, "/api/test-start", strings.NewReader(body))
	req.RemoteAddr = "198.51.100.1:51234"
	rec := httptest.NewRecorder()
	app.handleTestStart(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"test_id":"abcdef0123456789"`)
	assert.Contains(t, rec.Body.String(), `"phase_plan"`)
}

func TestHandleTestStartValidation(t *testing.T) {
	app := newTestApp(t)

	tests := []struct {
		name   string
		method string
		body   string
		status int
	}{
		{"get rejected", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, "{{{", http.StatusBadRequest},
		{"bad kind", http.MethodPost, `{"kind":"party"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/test-start", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			app.handleTestStart(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestHandleTestStartSecondTestRefused(t *testing.T) {
	app := newTestApp(t)

	start := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/test-start", strings.NewReader(`{"kind":"single"}`))
		req.RemoteAddr = "198.51.100.1:51234"
		rec := httptest.NewRecorder()
		app.handleTestStart(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, start().Code)
	assert.Equal(t, http.StatusTooManyRequests, start().Code)
}

func TestHandleTestAbort(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/api/test-start", strings.NewReader(`{"kind":"single","test_id":"abcdef0123456789"}`))
	req.RemoteAddr = "198.51.100.1:51234"
	rec := httptest.NewRecorder()
	app.handleTestStart(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.handleTestAbort(rec, httptest.NewRequest(http.MethodPost, "/api/test-abort",
		strings.NewReader(`{"test_id":"abcdef0123456789","reason":"gone"}`)))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Aborting again conflicts; an unknown id is not found.
	rec = httptest.NewRecorder()
	app.handleTestAbort(rec, httptest.NewRequest(http.MethodPost, "/api/test-abort",
		strings.NewReader(`{"test_id":"abcdef0123456789"}`)))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	app.handleTestAbort(rec, httptest.NewRequest(http.MethodPost, "/api/test-abort",
		strings.NewReader(`{"test_id":"never-registered-00"}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	app.handleTestAbort(rec, httptest.NewRequest(http.MethodPost, "/api/test-abort",
		strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDiscoveryDegradedWithoutFleet(t *testing.T) {
	app := newTestApp(t)

	rec := httptest.NewRecorder()
	app.handleDiscovery(rec, httptest.NewRequest(http.MethodGet, "/ws/virtual-household/gaming", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redirect":false`)
}

func TestHandleFleetStatsUnavailableWithoutFleet(t *testing.T) {
	app := newTestApp(t)

	rec := httptest.NewRecorder()
	app.handleFleetStats(rec, httptest.NewRequest(http.MethodGet, "/virtual-household/stats", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

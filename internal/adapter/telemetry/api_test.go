package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
	"github.com/LibreQoE/bufferbloat-test/internal/core/ports"
)

// stubStore records Submit calls and serves canned reads.
type stubStore struct {
	submitted []*domain.TestResult
	recent    []domain.TestResult
	byClient  map[string][]domain.TestResult
}

func (s *stubStore) Submit(_ context.Context, result *domain.TestResult, _ []byte) error {
	s.submitted = append(s.submitted, result)
	return nil
}

func (s *stubStore) Recent(context.Context, int) ([]domain.TestResult, error) {
	return s.recent, nil
}

func (s *stubStore) ByClient(_ context.Context, addr string, _ int) ([]domain.TestResult, error) {
	return s.byClient[addr], nil
}

func (s *stubStore) Stats(context.Context) (ports.TelemetryStats, error) {
	return ports.TelemetryStats{TotalResults: 7}, nil
}

func (s *stubStore) RecordForcedTeardown(int) {}

func (s *stubStore) Close() error { return nil }

func TestValidateSubmission(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"valid", `{"test_id":"abc","kind":"single","grade":"A"}`, true},
		{"valid household", `{"test_id":"abc","kind":"household","grade":"A+"}`, true},
		{"incomplete grade", `{"test_id":"abc","kind":"single","grade":"incomplete"}`, true},
		{"not json", `{{{`, false},
		{"missing test id", `{"kind":"single","grade":"A"}`, false},
		{"overlong test id", `{"test_id":"` + strings.Repeat("x", 65) + `","kind":"single","grade":"A"}`, false},
		{"bad kind", `{"test_id":"abc","kind":"party","grade":"A"}`, false},
		{"bad grade", `{"test_id":"abc","kind":"single","grade":"Z"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := validateSubmission([]byte(tt.raw))
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestHandleSubmit(t *testing.T) {
	store := &stubStore{}
	api := NewAPI(store, "", func(*http.Request) string { return "198.51.100.1" }, testLogger())

	body := `{"test_id":"abc","kind":"single","grade":"A","client_addr":"10.0.0.1"}`
	rec := httptest.NewRecorder()
	api.HandleSubmit(rec, httptest.NewRequest(http.MethodPost, "/api/telemetry/submit", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"accepted"`)

	require.Len(t, store.submitted, 1)
	assert.Equal(t, "abc", store.submitted[0].TestID)
	// The claimed address is replaced with the one the server observed.
	assert.Equal(t, "198.51.100.1", store.submitted[0].ClientAddr)
	assert.False(t, store.submitted[0].Timestamp.IsZero())
}

func TestHandleSubmitRejectsGet(t *testing.T) {
	api := NewAPI(&stubStore{}, "", nil, testLogger())

	rec := httptest.NewRecorder()
	api.HandleSubmit(rec, httptest.NewRequest(http.MethodGet, "/api/telemetry/submit", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleSubmitRejectsInvalidPayload(t *testing.T) {
	api := NewAPI(&stubStore{}, "", nil, testLogger())

	rec := httptest.NewRecorder()
	api.HandleSubmit(rec, httptest.NewRequest(http.MethodPost, "/api/telemetry/submit", strings.NewReader(`{"kind":"single"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequireAuth(t *testing.T) {
	api := NewAPI(&stubStore{}, "sekrit", nil, testLogger())
	handler := api.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic sekrit", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer sekrit", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/telemetry/recent", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestRequireAuthOpenWithoutKey(t *testing.T) {
	api := NewAPI(&stubStore{}, "", nil, testLogger())
	handler := api.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/telemetry/recent", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleByClient(t *testing.T) {
	store := &stubStore{byClient: map[string][]domain.TestResult{
		"203.0.113.9": {{TestID: "test-b"}},
	}}
	api := NewAPI(store, "", nil, testLogger())

	rec := httptest.NewRecorder()
	api.HandleByClient(rec, httptest.NewRequest(http.MethodGet, "/api/telemetry/by_client/203.0.113.9", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test-b")

	rec = httptest.NewRecorder()
	api.HandleByClient(rec, httptest.NewRequest(http.MethodGet, "/api/telemetry/by_client/", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRecentEmptyIsArray(t *testing.T) {
	api := NewAPI(&stubStore{}, "", nil, testLogger())

	rec := httptest.NewRecorder()
	api.HandleRecent(rec, httptest.NewRequest(http.MethodGet, "/api/telemetry/recent", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, 100, parseLimit("", 100))
	assert.Equal(t, 10, parseLimit("10", 100))
	assert.Equal(t, 100, parseLimit("0", 100))
	assert.Equal(t, 100, parseLimit("-5", 100))
	assert.Equal(t, 100, parseLimit("9999", 100))
	assert.Equal(t, 100, parseLimit("banana", 100))
}

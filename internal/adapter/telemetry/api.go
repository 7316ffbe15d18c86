package telemetry

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/LibreQoE/bufferbloat-test/internal/core/constants"
	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
	"github.com/LibreQoE/bufferbloat-test/internal/core/ports"
	"github.com/LibreQoE/bufferbloat-test/internal/logger"
)

const maxSubmitBody = 1 << 20

// API exposes the telemetry store over HTTP. Reads require the bearer token
// when one is configured; submission stays open since clients post their own
// results.
type API struct {
	store    ports.TelemetryStore
	apiKey   string
	logger   *logger.StyledLogger
	clientIP func(*http.Request) string
}

func NewAPI(store ports.TelemetryStore, apiKey string, clientIP func(*http.Request) string, log *logger.StyledLogger) *API {
	if clientIP == nil {
		clientIP = func(r *http.Request) string { return r.RemoteAddr }
	}
	return &API{store: store, apiKey: apiKey, logger: log, clientIP: clientIP}
}

// RequireAuth guards admin reads with the configured bearer token.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.apiKey != "" {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token != a.apiKey {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

// HandleSubmit persists a client-computed result. The raw payload is stored
// verbatim; typed columns come from a validated parse of the same bytes.
func (a *API) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxSubmitBody+1))
	if err != nil || len(raw) > maxSubmitBody {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if msg, ok := validateSubmission(raw); !ok {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	var result domain.TestResult
	if err := json.Unmarshal(raw, &result); err != nil {
		http.Error(w, "malformed result payload", http.StatusBadRequest)
		return
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now()
	}
	// The address of record is what the server saw, not what the client
	// claims.
	if addr := a.clientIP(r); addr != "" {
		result.ClientAddr = addr
	}

	if err := a.store.Submit(r.Context(), &result, raw); err != nil {
		a.logger.Warn("Result submission failed", "test_id", result.TestID, "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	w.Header().Set(constants.HeaderContentType, constants.DefaultContentTypeJSON)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted", "test_id": result.TestID})
}

// validateSubmission checks the schema shape without a full decode.
func validateSubmission(raw []byte) (string, bool) {
	if !gjson.ValidBytes(raw) {
		return "payload is not valid JSON", false
	}
	testID := gjson.GetBytes(raw, "test_id").String()
	if testID == "" || len(testID) > 64 {
		return "test_id is required", false
	}
	switch gjson.GetBytes(raw, "kind").String() {
	case string(domain.TestKindSingle), string(domain.TestKindHousehold):
	default:
		return "kind must be single or household", false
	}
	switch domain.Grade(gjson.GetBytes(raw, "grade").String()) {
	case domain.GradeAPlus, domain.GradeA, domain.GradeB, domain.GradeC,
		domain.GradeD, domain.GradeF, domain.GradeIncomplete:
	default:
		return "grade is not a recognised letter grade", false
	}
	return "", true
}

func (a *API) HandleRecent(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), constants.MaxRecentLimit)
	results, err := a.store.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	writeResults(w, results)
}

// HandleByClient serves GET /api/telemetry/by_client/{addr}.
func (a *API) HandleByClient(w http.ResponseWriter, r *http.Request) {
	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	addr := segments[len(segments)-1]
	if addr == "" || addr == "by_client" {
		http.Error(w, "client address is required", http.StatusBadRequest)
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"), constants.MaxByClientLimit)
	results, err := a.store.ByClient(r.Context(), addr, limit)
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	writeResults(w, results)
}

func (a *API) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.store.Stats(r.Context())
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	w.Header().Set(constants.HeaderContentType, constants.DefaultContentTypeJSON)
	_ = json.NewEncoder(w).Encode(stats)
}

func parseLimit(raw string, max int) int {
	if raw == "" {
		return max
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > max {
		return max
	}
	return limit
}

func writeResults(w http.ResponseWriter, results []domain.TestResult) {
	if results == nil {
		results = []domain.TestResult{}
	}
	w.Header().Set(constants.HeaderContentType, constants.DefaultContentTypeJSON)
	_ = json.NewEncoder(w).Encode(results)
}

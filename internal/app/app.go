// Package app wires the front door: the primary HTTP listener carrying the
// bulk endpoints, the orchestrator API, telemetry, and worker discovery.
package app

import (
	"context"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/LibreQoE/bufferbloat-test/internal/adapter/bulk"
	"github.com/LibreQoE/bufferbloat-test/internal/adapter/orchestrator"
	"github.com/LibreQoE/bufferbloat-test/internal/adapter/supervisor"
	"github.com/LibreQoE/bufferbloat-test/internal/adapter/telemetry"
	"github.com/LibreQoE/bufferbloat-test/internal/config"
	"github.com/LibreQoE/bufferbloat-test/internal/core/constants"
	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
	"github.com/LibreQoE/bufferbloat-test/internal/core/ports"
	"github.com/LibreQoE/bufferbloat-test/internal/logger"
	"github.com/LibreQoE/bufferbloat-test/internal/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Application is the assembled front door.
type Application struct {
	cfg    *config.Config
	logger *logger.StyledLogger

	telemetryStore ports.TelemetryStore
	telemetryAPI   *telemetry.API
	orchestrator   *orchestrator.Orchestrator
	bulkHandlers   *bulk.Handlers
	supervisorAPI  *supervisor.API
	proxy          *householdProxy

	httpSrv *http.Server
}

// New assembles the front door. The supervisor handle is nil when running
// without the multi-process fleet; discovery then always reports degraded.
func New(cfg *config.Config, sup ports.Supervisor, workers ports.WorkerControl, log *logger.StyledLogger) (*Application, error) {
	clientIP := func(r *http.Request) string {
		return util.GetClientIP(r, cfg.Server.TrustProxyHeaders, cfg.Server.TrustedProxyCIDRsParsed)
	}

	webhook := telemetry.NewWebhookSink(cfg.Webhook.URL, cfg.Webhook.Secret, log)
	store, err := telemetry.NewStore(cfg.Telemetry.DBPath, cfg.Telemetry.RingSize, webhook, log)
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(workers, store, cfg.Test.MaxDuration, log)

	app := &Application{
		cfg:            cfg,
		logger:         log,
		telemetryStore: store,
		telemetryAPI:   telemetry.NewAPI(store, cfg.Telemetry.APIKey, clientIP, log),
		orchestrator:   orch,
		bulkHandlers: bulk.NewHandlers(orch, cfg.Server.MaxDownloadBytes,
			cfg.Server.MaxUploadBytes, clientIP, log),
		proxy: newHouseholdProxy(sup, clientIP, log),
	}
	if sup != nil {
		app.supervisorAPI = supervisor.NewAPI(sup, "")
	}
	return app, nil
}

// Run serves until ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	a.registerRoutes(mux)

	var handler http.Handler = mux
	if a.cfg.Server.RequestLogging {
		handler = a.requestLogging(mux)
	}

	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.GetAddress(),
		Handler:           handler,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
		IdleTimeout:       a.cfg.Server.IdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if a.cfg.TLS.Enabled() {
			a.logger.Info("Front door listening with TLS", "address", a.httpSrv.Addr)
			err = a.httpSrv.ListenAndServeTLS(a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile)
		} else {
			a.logger.Info("Front door listening", "address", a.httpSrv.Addr)
			err = a.httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.orchestrator.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	err := a.httpSrv.Shutdown(shutdownCtx)
	if cerr := a.telemetryStore.Close(); err == nil {
		err = cerr
	}
	return err
}

func (a *Application) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/ping", a.handlePing)

	mux.HandleFunc("/download", a.bulkHandlers.HandleDownload)
	mux.HandleFunc("/upload", a.bulkHandlers.HandleUpload)
	mux.HandleFunc("/warmup", a.bulkHandlers.HandleWarmup)

	mux.HandleFunc("/api/test-start", a.handleTestStart)
	mux.HandleFunc("/api/test-abort", a.handleTestAbort)
	mux.HandleFunc("/api/test-events/", a.orchestrator.HandleEvents)

	mux.HandleFunc("/api/telemetry/submit", a.telemetryAPI.HandleSubmit)
	mux.HandleFunc("/api/telemetry/recent", a.telemetryAPI.RequireAuth(a.telemetryAPI.HandleRecent))
	mux.HandleFunc("/api/telemetry/by_client/", a.telemetryAPI.RequireAuth(a.telemetryAPI.HandleByClient))
	mux.HandleFunc("/api/telemetry/stats", a.telemetryAPI.RequireAuth(a.telemetryAPI.HandleStats))

	mux.HandleFunc("/ws/virtual-household/", a.handleDiscovery)
	mux.HandleFunc("/virtual-household/stats", a.handleFleetStats)
}

func (a *Application) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(constants.HeaderContentType, constants.DefaultContentTypeJSON)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handlePing is the convenience probe on the front door; the low-jitter path
// is the dedicated ping listener.
func (a *Application) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

type testStartRequest struct {
	Kind   string `json:"kind"`
	TestID string `json:"test_id,omitempty"`
}

func (a *Application) handleTestStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req testStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	clientAddr := util.GetClientIP(r, a.cfg.Server.TrustProxyHeaders, a.cfg.Server.TrustedProxyCIDRsParsed)

	var handle *ports.TestHandle
	var err error
	switch req.Kind {
	case "", string(domain.TestKindSingle):
		handle, err = a.orchestrator.StartSingleUser(r.Context(), clientAddr, req.TestID)
	case string(domain.TestKindHousehold):
		handle, err = a.orchestrator.StartHousehold(r.Context(), clientAddr, req.TestID)
	default:
		http.Error(w, "kind must be single or household", http.StatusBadRequest)
		return
	}

	switch {
	case err == nil:
	case err == domain.ErrTestAlreadyRunning:
		http.Error(w, "a test is already running for this address", http.StatusTooManyRequests)
		return
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set(constants.HeaderContentType, constants.DefaultContentTypeJSON)
	_ = json.NewEncoder(w).Encode(handle)
}

func (a *Application) handleTestAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		TestID string `json:"test_id"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TestID == "" {
		http.Error(w, "test_id is required", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "client requested abort"
	}

	switch err := a.orchestrator.Abort(req.TestID, req.Reason); err {
	case nil:
		w.WriteHeader(http.StatusNoContent)
	case domain.ErrUnknownTest:
		http.Error(w, "unknown test id", http.StatusNotFound)
	case domain.ErrTestEnded:
		http.Error(w, "test has already ended", http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleDiscovery serves redirect JSON for plain requests and proxies the
// measurement WebSocket for clients that cannot reach worker ports directly.
func (a *Application) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if a.proxy.isUpgrade(r) {
		a.proxy.ServeHTTP(w, r)
		return
	}
	if a.supervisorAPI == nil {
		w.Header().Set(constants.HeaderContentType, constants.DefaultContentTypeJSON)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"redirect":     false,
			"architecture": "multi-process",
		})
		return
	}
	a.supervisorAPI.HandleRedirect(w, r)
}

func (a *Application) handleFleetStats(w http.ResponseWriter, r *http.Request) {
	if a.supervisorAPI == nil {
		http.Error(w, "worker fleet unavailable", http.StatusServiceUnavailable)
		return
	}
	a.supervisorAPI.HandleStats(w, r)
}

// Orchestrator exposes the assembled orchestrator for in-process callers.
func (a *Application) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

package telemetry

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/LibreQoE/bufferbloat-test/internal/core/constants"
	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
	"github.com/LibreQoE/bufferbloat-test/internal/logger"
	"github.com/LibreQoE/bufferbloat-test/internal/util"
)

// WebhookSink mirrors submitted results to an operator endpoint. Delivery is
// asynchronous and best-effort: the submit path never waits on the network.
type WebhookSink struct {
	url    string
	secret []byte
	client *http.Client
	logger *logger.StyledLogger

	queue chan webhookJob
	wg    sync.WaitGroup
	once  sync.Once
}

type webhookJob struct {
	testID  string
	payload []byte
}

func NewWebhookSink(url, secret string, log *logger.StyledLogger) *WebhookSink {
	if url == "" {
		return nil
	}
	sink := &WebhookSink{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: constants.WebhookRequestTimeout},
		logger: log,
		queue:  make(chan webhookJob, 128),
	}
	sink.wg.Add(1)
	go sink.worker()
	return sink
}

// Deliver enqueues one result for mirroring. A full queue drops the delivery
// with a warning; telemetry persistence already succeeded.
func (ws *WebhookSink) Deliver(result *domain.TestResult, rawJSON []byte) {
	payload := make([]byte, len(rawJSON))
	copy(payload, rawJSON)
	select {
	case ws.queue <- webhookJob{testID: result.TestID, payload: payload}:
	default:
		ws.logger.Warn("Webhook queue full, dropping delivery", "test_id", result.TestID)
	}
}

func (ws *WebhookSink) worker() {
	defer ws.wg.Done()
	for job := range ws.queue {
		ws.attempt(job)
	}
}

func (ws *WebhookSink) attempt(job webhookJob) {
	for attempt := 1; attempt <= constants.WebhookMaxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(util.CalculateExponentialBackoff(attempt-1,
				constants.WebhookBaseBackoff, constants.WebhookMaxBackoff, 0.2))
		}
		if err := ws.post(job.payload); err != nil {
			ws.logger.Warn("Webhook delivery failed",
				"test_id", job.testID, "attempt", attempt, "error", err)
			continue
		}
		ws.logger.Debug("Webhook delivered", "test_id", job.testID, "attempt", attempt)
		return
	}
	ws.logger.Error("Webhook delivery abandoned",
		"test_id", job.testID, "attempts", constants.WebhookMaxAttempts)
}

func (ws *WebhookSink) post(payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, ws.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if len(ws.secret) > 0 {
		req.Header.Set("X-Signature-256", "sha256="+ws.sign(payload))
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

func (ws *WebhookSink) sign(payload []byte) string {
	mac := hmac.New(sha256.New, ws.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return fmt.Sprintf("webhook endpoint returned status %d", e.code)
}

// Close drains the queue and stops the delivery worker.
func (ws *WebhookSink) Close() {
	ws.once.Do(func() {
		close(ws.queue)
	})
	ws.wg.Wait()
}

package worker

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
	"github.com/LibreQoE/bufferbloat-test/internal/logger"
)

// ControlClient drives persona workers over their loopback control surface.
// It implements ports.WorkerControl for the orchestrator.
type ControlClient struct {
	ports  map[domain.Persona]int
	client *http.Client
	logger *logger.StyledLogger
}

func NewControlClient(personaPorts map[domain.Persona]int, log *logger.StyledLogger) *ControlClient {
	return &ControlClient{
		ports: personaPorts,
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
		logger: log,
	}
}

func (cc *ControlClient) post(ctx context.Context, persona domain.Persona, path string, body any) error {
	port, ok := cc.ports[persona]
	if !ok {
		return domain.ErrUnknownPersona
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := cc.client.Do(req)
	if err != nil {
		return fmt.Errorf("worker control %s %s: %w", persona, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("worker control %s %s: status %d", persona, path, resp.StatusCode)
	}
	return nil
}

func (cc *ControlClient) RegisterTest(ctx context.Context, persona domain.Persona, testID, clientAddr string, deadline time.Time) error {
	req := registerRequest{TestID: testID, ClientAddr: clientAddr}
	if !deadline.IsZero() {
		req.DeadlineUnixMs = deadline.UnixMilli()
	}
	return cc.post(ctx, persona, "/internal/register", req)
}

func (cc *ControlClient) UnregisterTest(ctx context.Context, persona domain.Persona, testID string) error {
	return cc.post(ctx, persona, "/internal/unregister", map[string]string{"test_id": testID})
}

// UpdateBulkRate retunes the bulk worker's continuous fill.
func (cc *ControlClient) UpdateBulkRate(ctx context.Context, targetMbps float64) error {
	return cc.post(ctx, domain.PersonaBulk, "/internal/profile", map[string]float64{"target_mbps": targetMbps})
}

// BroadcastPhase fans a phase signal to every persona worker. Partial failure
// is logged per worker and the first error returned; a missing worker must
// not hold the phase machine hostage.
func (cc *ControlClient) BroadcastPhase(ctx context.Context, testID string, phase domain.PhaseName) error {
	var firstErr error
	for persona := range cc.ports {
		err := cc.post(ctx, persona, "/internal/phase", map[string]string{
			"test_id": testID,
			"phase":   string(phase),
		})
		if err != nil {
			cc.logger.WarnWithPersona("Phase broadcast failed for", string(persona),
				"test_id", testID, "phase", string(phase), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

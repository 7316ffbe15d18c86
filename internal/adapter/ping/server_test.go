package ping

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LibreQoE/bufferbloat-test/internal/logger"
	"github.com/LibreQoE/bufferbloat-test/theme"
)

func testLogger() *logger.StyledLogger {
	return logger.NewStyledLogger(slog.New(slog.NewTextHandler(io.Discard, nil)), theme.Default())
}

func TestHandlePingHeaders(t *testing.T) {
	s := NewServer(8005, testLogger())

	rec := httptest.NewRecorder()
	s.handlePing(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")
	assert.Equal(t, "true", rec.Header().Get("X-Ping-Received"))
	assert.Equal(t, "false", rec.Header().Get("X-Priority-Processed"))
}

func TestHandlePingPriorityEscalation(t *testing.T) {
	s := NewServer(8005, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Priority", "high")
	req.Header.Set("X-Ping-Attempt", "3")

	rec := httptest.NewRecorder()
	s.handlePing(rec, req)

	assert.Equal(t, "true", rec.Header().Get("X-Priority-Processed"))
	assert.Equal(t, "3", rec.Header().Get("X-Ping-Timeouts-Seen"))
}

func TestHandleHealth(t *testing.T) {
	s := NewServer(8123, testLogger())

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"status":"healthy"`)
	assert.Contains(t, body, `"server":"ping-dedicated"`)
	assert.Contains(t, body, "8123")
}

func TestWebSocketEchoVerbatim(t *testing.T) {
	s := NewServer(8005, testLogger())

	srv := httptest.NewServer(http.HandlerFunc(s.handlePing))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ping"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	frames := []string{
		`{"type":"ping","ts":123.5,"seq":1}`,
		`{"type":"ping","ts":124.0,"seq":2}`,
		"not even json",
	}
	for _, frame := range frames {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
		messageType, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, messageType)
		assert.Equal(t, frame, string(payload))
	}

	// Binary frames echo too; the responder never inspects content.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	messageType, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, messageType)
	assert.Equal(t, []byte{0x01, 0x02}, payload)
}

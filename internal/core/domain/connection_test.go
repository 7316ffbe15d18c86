package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidConnTransition(t *testing.T) {
	tests := []struct {
		name  string
		from  ConnectionState
		to    ConnectionState
		valid bool
	}{
		{"accepted to authenticated", ConnAccepted, ConnAuthenticated, true},
		{"authenticated to running", ConnAuthenticated, ConnRunning, true},
		{"running to draining", ConnRunning, ConnDraining, true},
		{"any state may close", ConnAccepted, ConnClosed, true},
		{"draining may close", ConnDraining, ConnClosed, true},
		{"closed is terminal", ConnClosed, ConnClosed, false},
		{"no skipping authentication", ConnAccepted, ConnRunning, false},
		{"no reopening", ConnClosed, ConnRunning, false},
		{"no draining backwards", ConnDraining, ConnRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidConnTransition(tt.from, tt.to))
		})
	}
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "accepted", ConnAccepted.String())
	assert.Equal(t, "running", ConnRunning.String())
	assert.Equal(t, "closed", ConnClosed.String())
	assert.Equal(t, "unknown", ConnectionState(99).String())
}

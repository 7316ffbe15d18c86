package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersonaSpecTable(t *testing.T) {
	gaming, ok := PersonaSpecFor(PersonaGaming)
	require.True(t, ok)
	assert.Equal(t, DSCPEF, gaming.DSCP)
	assert.Equal(t, 50*time.Millisecond, gaming.PingInterval)
	assert.Equal(t, ProfileConstantRate, gaming.Download.Kind)
	assert.Equal(t, 1.5, gaming.Download.RateMbps)
	assert.Equal(t, GradeThresholds{25, 75, 150}, gaming.Thresholds)

	streaming, ok := PersonaSpecFor(PersonaStreaming)
	require.True(t, ok)
	assert.Equal(t, ProfileBursty, streaming.Download.Kind)
	assert.Equal(t, 25.0, streaming.Download.PeakMbps)
	assert.Equal(t, time.Second, streaming.Download.OnPeriod)
	assert.Equal(t, 4*time.Second, streaming.Download.OffPeriod)

	bulk, ok := PersonaSpecFor(PersonaBulk)
	require.True(t, ok)
	assert.Equal(t, ProfileContinuousFill, bulk.Download.Kind)
	assert.Zero(t, bulk.Download.RateMbps, "bulk fill rate is set at runtime")
	assert.Equal(t, time.Second, bulk.PingInterval)
}

func TestParsePersona(t *testing.T) {
	for _, p := range AllPersonas() {
		parsed, ok := ParsePersona(string(p))
		assert.True(t, ok)
		assert.Equal(t, p, parsed)
	}

	_, ok := ParsePersona("netflix")
	assert.False(t, ok)
	_, ok = ParsePersona("")
	assert.False(t, ok)
}

func TestGradedPersonas(t *testing.T) {
	graded := GradedPersonas()
	assert.Equal(t, []Persona{PersonaGaming, PersonaVideoCall}, graded)
}

func TestDefaultPersonaPorts(t *testing.T) {
	assert.Equal(t, 8001, DefaultPersonaPorts[PersonaStreaming])
	assert.Equal(t, 8002, DefaultPersonaPorts[PersonaGaming])
	assert.Equal(t, 8003, DefaultPersonaPorts[PersonaVideoCall])
	assert.Equal(t, 8004, DefaultPersonaPorts[PersonaBulk])
}

package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameOfSlicesTemplate(t *testing.T) {
	assert.Len(t, frameOf(60), 60)
	assert.Len(t, frameOf(1024), 1024)

	// Requests beyond the template clamp to its full length.
	assert.Len(t, frameOf(10<<20), len(trafficTemplate))
}

func TestTrafficTemplateLooksRandom(t *testing.T) {
	// crypto/rand output cannot plausibly be all one byte.
	first := trafficTemplate[0]
	uniform := true
	for _, b := range trafficTemplate[:1024] {
		if b != first {
			uniform = false
			break
		}
	}
	assert.False(t, uniform)
}

func TestSetBulkTargetMbps(t *testing.T) {
	SetBulkTargetMbps(42.5)
	assert.Equal(t, 42.5, bulkTargetMbps.Load())

	SetBulkTargetMbps(0)
	assert.Zero(t, bulkTargetMbps.Load())
}

func TestAtomicFloat64RoundTrip(t *testing.T) {
	var a atomicFloat64
	assert.Zero(t, a.Load())

	a.Store(3.25)
	assert.Equal(t, 3.25, a.Load())

	a.Store(-1)
	assert.Equal(t, -1.0, a.Load())
}

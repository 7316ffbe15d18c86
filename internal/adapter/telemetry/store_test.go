package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
	"github.com/LibreQoE/bufferbloat-test/internal/logger"
	"github.com/LibreQoE/bufferbloat-test/theme"
)

func testLogger() *logger.StyledLogger {
	return logger.NewStyledLogger(slog.New(slog.NewTextHandler(io.Discard, nil)), theme.Default())
}

func newTestStore(t *testing.T, ringSize int) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "telemetry.db"), ringSize, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleResult(id string, ts time.Time) (*domain.TestResult, []byte) {
	result := &domain.TestResult{
		TestID:        id,
		Kind:          domain.TestKindSingle,
		ClientAddr:    "198.51.100.1",
		Grade:         domain.GradeA,
		BaselineRTTMs: 12.5,
		LoadedRTTMs:   31.0,
		DownloadMbps:  940.2,
		UploadMbps:    38.6,
		DurationS:     40,
		Timestamp:     ts,
	}
	raw, err := json.Marshal(result)
	if err != nil {
		panic(err)
	}
	return result, raw
}

func TestSubmitAndRecent(t *testing.T) {
	store := newTestStore(t, 10)
	ctx := context.Background()

	result, raw := sampleResult("test-1", time.Now())
	require.NoError(t, store.Submit(ctx, result, raw))

	results, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "test-1", results[0].TestID)
	assert.Equal(t, domain.GradeA, results[0].Grade)
	assert.Equal(t, 940.2, results[0].DownloadMbps)
}

func TestSubmitRejectsEmptyID(t *testing.T) {
	store := newTestStore(t, 10)

	result, raw := sampleResult("", time.Now())
	assert.ErrorIs(t, store.Submit(context.Background(), result, raw), domain.ErrInvalidTestID)
	assert.ErrorIs(t, store.Submit(context.Background(), nil, nil), domain.ErrInvalidTestID)
}

func TestRingEvictsOldest(t *testing.T) {
	const ringSize = 5
	store := newTestStore(t, ringSize)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i := 0; i < ringSize+3; i++ {
		result, raw := sampleResult(fmt.Sprintf("test-%02d", i), base.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.Submit(ctx, result, raw))
	}

	results, err := store.Recent(ctx, 100)
	require.NoError(t, err)
	require.Len(t, results, ringSize)

	// Newest first; the three oldest are gone.
	assert.Equal(t, "test-07", results[0].TestID)
	assert.Equal(t, "test-03", results[ringSize-1].TestID)
	for _, r := range results {
		assert.NotEqual(t, "test-00", r.TestID)
	}
}

func TestResubmissionWithinWindowWins(t *testing.T) {
	store := newTestStore(t, 10)
	ctx := context.Background()

	first, raw := sampleResult("test-1", time.Now())
	require.NoError(t, store.Submit(ctx, first, raw))

	second, _ := sampleResult("test-1", time.Now())
	second.Grade = domain.GradeC
	raw2, err := json.Marshal(second)
	require.NoError(t, err)
	require.NoError(t, store.Submit(ctx, second, raw2))

	results, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, results, 1, "resubmission must not add a second row")
	assert.Equal(t, domain.GradeC, results[0].Grade)
}

func TestResubmissionPastWindowDiscarded(t *testing.T) {
	store := newTestStore(t, 10)
	ctx := context.Background()

	// Stored row is well past the idempotence window.
	old, rawOld := sampleResult("test-1", time.Now().Add(-time.Hour))
	require.NoError(t, store.Submit(ctx, old, rawOld))

	late, _ := sampleResult("test-1", time.Now())
	late.Grade = domain.GradeF
	rawLate, err := json.Marshal(late)
	require.NoError(t, err)
	require.NoError(t, store.Submit(ctx, late, rawLate))

	results, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, domain.GradeA, results[0].Grade, "stale resubmission must not overwrite")
}

func TestByClient(t *testing.T) {
	store := newTestStore(t, 10)
	ctx := context.Background()

	a, rawA := sampleResult("test-a", time.Now())
	require.NoError(t, store.Submit(ctx, a, rawA))

	b, _ := sampleResult("test-b", time.Now())
	b.ClientAddr = "203.0.113.9"
	rawB, err := json.Marshal(b)
	require.NoError(t, err)
	require.NoError(t, store.Submit(ctx, b, rawB))

	results, err := store.ByClient(ctx, "203.0.113.9", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "test-b", results[0].TestID)

	none, err := store.ByClient(ctx, "192.0.2.1", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStats(t *testing.T) {
	store := newTestStore(t, 10)
	ctx := context.Background()

	grades := []domain.Grade{domain.GradeA, domain.GradeA, domain.GradeF}
	for i, grade := range grades {
		result, _ := sampleResult(fmt.Sprintf("test-%d", i), time.Now())
		result.Grade = grade
		raw, err := json.Marshal(result)
		require.NoError(t, err)
		require.NoError(t, store.Submit(ctx, result, raw))
	}
	store.RecordForcedTeardown(2)
	store.RecordForcedTeardown(1)
	store.RecordForcedTeardown(0) // no-op

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalResults)
	assert.Equal(t, int64(3), stats.TestsLast24h)
	assert.Equal(t, int64(2), stats.GradeHistogram[domain.GradeA])
	assert.Equal(t, int64(1), stats.GradeHistogram[domain.GradeF])
	assert.Equal(t, int64(3), stats.ForcedTeardowns)
}

// Package telemetry persists completed test results in a bounded SQLite ring
// and mirrors them to an optional signed webhook.
package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"

	"github.com/LibreQoE/bufferbloat-test/internal/core/constants"
	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
	"github.com/LibreQoE/bufferbloat-test/internal/core/ports"
	"github.com/LibreQoE/bufferbloat-test/internal/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const schema = `
CREATE TABLE IF NOT EXISTS results (
	test_id         TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	client_addr     TEXT NOT NULL,
	grade           TEXT NOT NULL,
	baseline_rtt_ms REAL NOT NULL DEFAULT 0,
	loaded_rtt_ms   REAL NOT NULL DEFAULT 0,
	download_mbps   REAL NOT NULL DEFAULT 0,
	upload_mbps     REAL NOT NULL DEFAULT 0,
	duration_s      REAL NOT NULL DEFAULT 0,
	ts              INTEGER NOT NULL,
	raw_json        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_ts ON results (ts);
CREATE INDEX IF NOT EXISTS idx_results_client ON results (client_addr, ts);
CREATE TABLE IF NOT EXISTS counters (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL DEFAULT 0
);
`

// Store is the SQLite-backed ring. Writes serialise through the single
// connection sqlite gives us; reads are consistent snapshots.
type Store struct {
	db       *sql.DB
	ringSize int
	logger   *logger.StyledLogger
	webhook  *WebhookSink
}

func NewStore(path string, ringSize int, webhook *WebhookSink, log *logger.StyledLogger) (*Store, error) {
	if ringSize <= 0 {
		ringSize = constants.DefaultTelemetryRingSize
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening telemetry store: %w", err)
	}
	// modernc sqlite is single-writer; a second writer conn only buys lock
	// contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying telemetry schema: %w", err)
	}

	return &Store{
		db:       db,
		ringSize: ringSize,
		logger:   log,
		webhook:  webhook,
	}, nil
}

// Submit persists one result, enforcing the ring bound and the idempotence
// window: a resubmission of the same test-id within the window wins over the
// stored row, a later one is discarded.
func (s *Store) Submit(ctx context.Context, result *domain.TestResult, rawJSON []byte) error {
	if result == nil || result.TestID == "" {
		return domain.ErrInvalidTestID
	}
	ts := result.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var existingTs int64
	err = tx.QueryRowContext(ctx, `SELECT ts FROM results WHERE test_id = ?`, result.TestID).Scan(&existingTs)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return err
	default:
		if time.Since(time.UnixMilli(existingTs)) > constants.TelemetryIdempotenceTTL {
			s.logger.Debug("Discarding stale resubmission", "test_id", result.TestID)
			return nil
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO results
			(test_id, kind, client_addr, grade, baseline_rtt_ms, loaded_rtt_ms,
			 download_mbps, upload_mbps, duration_s, ts, raw_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(test_id) DO UPDATE SET
			kind = excluded.kind,
			client_addr = excluded.client_addr,
			grade = excluded.grade,
			baseline_rtt_ms = excluded.baseline_rtt_ms,
			loaded_rtt_ms = excluded.loaded_rtt_ms,
			download_mbps = excluded.download_mbps,
			upload_mbps = excluded.upload_mbps,
			duration_s = excluded.duration_s,
			ts = excluded.ts,
			raw_json = excluded.raw_json`,
		result.TestID, string(result.Kind), result.ClientAddr, string(result.Grade),
		result.BaselineRTTMs, result.LoadedRTTMs, result.DownloadMbps,
		result.UploadMbps, result.DurationS, ts.UnixMilli(), string(rawJSON))
	if err != nil {
		return err
	}

	// Ring discipline: count stays at or below K at commit, oldest rows by
	// ts leave first.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM results WHERE test_id IN (
			SELECT test_id FROM results ORDER BY ts DESC LIMIT -1 OFFSET ?
		)`, s.ringSize)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if s.webhook != nil {
		s.webhook.Deliver(result, rawJSON)
	}
	return nil
}

func (s *Store) Recent(ctx context.Context, limit int) ([]domain.TestResult, error) {
	if limit <= 0 || limit > constants.MaxRecentLimit {
		limit = constants.MaxRecentLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT raw_json FROM results ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanResults(rows)
}

func (s *Store) ByClient(ctx context.Context, addr string, limit int) ([]domain.TestResult, error) {
	if limit <= 0 || limit > constants.MaxByClientLimit {
		limit = constants.MaxByClientLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT raw_json FROM results WHERE client_addr = ? ORDER BY ts DESC LIMIT ?`, addr, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanResults(rows)
}

func scanResults(rows *sql.Rows) ([]domain.TestResult, error) {
	var out []domain.TestResult
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var result domain.TestResult
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			// A malformed stored payload should not poison the whole read.
			continue
		}
		out = append(out, result)
	}
	return out, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (ports.TelemetryStats, error) {
	stats := ports.TelemetryStats{
		GradeHistogram: make(map[domain.Grade]int64),
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM results`).Scan(&stats.TotalResults); err != nil {
		return stats, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT grade, COUNT(*) FROM results GROUP BY grade`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var grade string
		var count int64
		if err := rows.Scan(&grade, &count); err != nil {
			return stats, err
		}
		stats.GradeHistogram[domain.Grade(grade)] = count
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	cutoff := time.Now().Add(-24 * time.Hour).UnixMilli()
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM results WHERE ts >= ?`, cutoff).Scan(&stats.TestsLast24h); err != nil {
		return stats, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT value FROM counters WHERE name = 'forced_teardowns'`).Scan(&stats.ForcedTeardowns)
	if err != nil && err != sql.ErrNoRows {
		return stats, err
	}
	return stats, nil
}

// RecordForcedTeardown bumps the persistent forced-teardown counter. Failures
// are logged, never surfaced: the teardown already happened.
func (s *Store) RecordForcedTeardown(count int) {
	if count <= 0 {
		return
	}
	_, err := s.db.Exec(`
		INSERT INTO counters (name, value) VALUES ('forced_teardowns', ?)
		ON CONFLICT(name) DO UPDATE SET value = value + excluded.value`, count)
	if err != nil {
		s.logger.Warn("Failed to record forced teardown", "count", count, "error", err)
	}
}

func (s *Store) Close() error {
	if s.webhook != nil {
		s.webhook.Close()
	}
	return s.db.Close()
}

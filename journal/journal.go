// ABOUTME: SQLite-backed delivery journal using modernc.org/sqlite.
// ABOUTME: Records delivery outcomes for operational inspection; never on the hot path's lock.

package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/gridwork/acctrelay/agent"
)

const schema = `
CREATE TABLE IF NOT EXISTS deliveries (
	id         TEXT PRIMARY KEY,
	ts         INTEGER NOT NULL,
	batched    INTEGER NOT NULL,
	sent       INTEGER NOT NULL,
	succeeded  INTEGER NOT NULL,
	rejected   INTEGER NOT NULL,
	error      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_deliveries_ts ON deliveries(ts);
`

// SQLite implements agent.Journal on a local sqlite file.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the journal at the given path. The schema is
// created if it doesn't exist. Parent directories are created if needed.
func Open(path string, logger *slog.Logger) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	// WAL keeps journal writes off the delivery loop's critical path.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLite{
		db:     db,
		logger: logger.With("component", "journal"),
	}, nil
}

// RecordDelivery appends one delivery outcome.
func (s *SQLite) RecordDelivery(ctx context.Context, rec agent.DeliveryRecord) error {
	ts := rec.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (id, ts, batched, sent, succeeded, rejected, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(),
		ts.UnixNano(),
		rec.Batched,
		rec.Sent,
		rec.Succeeded,
		rec.Rejected,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("inserting delivery record: %w", err)
	}
	return nil
}

// Recent returns up to limit delivery records, newest first.
func (s *SQLite) Recent(ctx context.Context, limit int) ([]agent.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, batched, sent, succeeded, rejected, error
		 FROM deliveries ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	defer rows.Close()

	var out []agent.DeliveryRecord
	for rows.Next() {
		var rec agent.DeliveryRecord
		var ts int64
		if err := rows.Scan(&ts, &rec.Batched, &rec.Sent, &rec.Succeeded, &rec.Rejected, &rec.Error); err != nil {
			return nil, fmt.Errorf("scanning delivery record: %w", err)
		}
		rec.Time = time.Unix(0, ts).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune removes records older than the cutoff and returns how many went.
func (s *SQLite) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE ts < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("pruning deliveries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("pruned delivery journal", "removed", n)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Sensorgate - Shared-Memory Sensor Aggregation Gateway
// Copyright 2026 Tessera Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tessera-io/sensorgate

// Package storage persists validated readings into an embedded DuckDB file.
//
// The readings table is append-only and keyed by (node_id, sequence); the
// uniqueness constraint plus ON CONFLICT DO NOTHING is the second line of
// defense against duplicates beyond the registry's sequence check.
//
// The Flusher batches short ingestion bursts into single transactions. A
// failed commit is retried a bounded number of times with backoff behind a
// circuit breaker; on exhaustion the batch is spilled to an on-disk WAL and
// ingestion halts rather than silently losing confirmed-valid data.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // duckdb driver
	"github.com/google/uuid"

	"github.com/tessera-io/sensorgate/internal/logging"
	"github.com/tessera-io/sensorgate/internal/models"
)

// Config holds storage configuration.
type Config struct {
	// Path is the DuckDB database file. ":memory:" is accepted for tests.
	Path string `koanf:"path" validate:"required"`

	// MaxMemory caps DuckDB's memory use, e.g. "512MB".
	MaxMemory string `koanf:"max_memory"`

	// Threads is the DuckDB thread count. 0 means runtime.NumCPU().
	Threads int `koanf:"threads" validate:"gte=0"`

	// BatchSize is the flush threshold in readings.
	BatchSize int `koanf:"batch_size" validate:"gt=0"`

	// FlushInterval is the time bound on batching.
	FlushInterval time.Duration `koanf:"flush_interval" validate:"gt=0"`

	// RetryAttempts bounds commit retries before spilling.
	RetryAttempts int `koanf:"retry_attempts" validate:"gt=0"`

	// RetryBackoff is the base backoff between commit retries.
	RetryBackoff time.Duration `koanf:"retry_backoff" validate:"gt=0"`

	// SpillDir is the badger WAL directory for batches that exhausted
	// their retries. Empty disables spilling.
	SpillDir string `koanf:"spill_dir"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Path:          "/var/lib/sensorgate/readings.duckdb",
		MaxMemory:     "512MB",
		BatchSize:     256,
		FlushInterval: 500 * time.Millisecond,
		RetryAttempts: 5,
		RetryBackoff:  200 * time.Millisecond,
		SpillDir:      "/var/lib/sensorgate/spill",
	}
}

// DB is the embedded store handle. Single-writer by deployment contract;
// external readers may open the file once the gateway holds no transaction.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the DuckDB file and ensures the schema.
func Open(cfg Config) (*DB, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr = fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
			cfg.Path, threads, cfg.MaxMemory)
	}

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", cfg.Path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", cfg.Path, err)
	}

	db := &DB{conn: conn}
	if err := db.createSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	logging.Info().Str("path", cfg.Path).Msg("storage opened")
	return db, nil
}

// createSchema creates the readings table and its indexes.
func (db *DB) createSchema(ctx context.Context) error {
	// DuckDB does not support multi-statement Exec; run each separately.
	statements := []string{
		`CREATE TABLE IF NOT EXISTS readings (
			node_id UUID NOT NULL,
			sequence UBIGINT NOT NULL,
			ts TIMESTAMP NOT NULL,
			metric_type TEXT NOT NULL,
			value DOUBLE NOT NULL,
			status TEXT NOT NULL,
			received_at TIMESTAMP NOT NULL,
			PRIMARY KEY (node_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_node_ts ON readings(node_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_ts ON readings(ts)`,
	}
	for _, stmt := range statements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: create schema: %w", err)
		}
	}
	return nil
}

// InsertBatch atomically inserts a batch of readings in one transaction.
// Rows colliding on (node_id, sequence) are skipped by ON CONFLICT DO
// NOTHING and reported in duplicates. On error the whole batch rolls back.
func (db *DB) InsertBatch(ctx context.Context, batch []*models.PersistedReading) (inserted, duplicates int, err error) {
	if len(batch) == 0 {
		return 0, 0, nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logging.Error().Err(rbErr).AnErr("cause", err).Msg("rollback failed")
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO readings
		(node_id, sequence, ts, metric_type, value, status, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range batch {
		res, execErr := stmt.ExecContext(ctx,
			r.NodeID.String(), r.Sequence, r.Timestamp, r.Metric, r.Value, r.Status, r.ReceivedAt)
		if execErr != nil {
			err = fmt.Errorf("storage: insert node=%s seq=%d: %w", r.NodeID, r.Sequence, execErr)
			return 0, 0, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			duplicates++
		} else {
			inserted++
		}
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("storage: commit: %w", err)
		return 0, 0, err
	}
	return inserted, duplicates, nil
}

// QueryByNode returns the node's readings within [from, to], ordered by
// producer timestamp.
func (db *DB) QueryByNode(ctx context.Context, nodeID uuid.UUID, from, to time.Time) ([]*models.PersistedReading, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT
			CAST(node_id AS VARCHAR), sequence, ts, metric_type, value, status, received_at
		FROM readings
		WHERE node_id = ? AND ts >= ? AND ts <= ?
		ORDER BY ts, sequence`,
		nodeID.String(), from, to)
	if err != nil {
		return nil, fmt.Errorf("storage: query node %s: %w", nodeID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.PersistedReading
	for rows.Next() {
		var (
			r  models.PersistedReading
			id string
		)
		if err := rows.Scan(&id, &r.Sequence, &r.Timestamp, &r.Metric, &r.Value, &r.Status, &r.ReceivedAt); err != nil {
			return nil, fmt.Errorf("storage: scan: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("storage: node_id %q: %w", id, err)
		}
		r.NodeID = parsed
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: rows: %w", err)
	}
	return out, nil
}

// Count returns the total row count. Used by tests and recovery checks.
func (db *DB) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count: %w", err)
	}
	return n, nil
}

// Close closes the store.
func (db *DB) Close() error {
	return db.conn.Close()
}

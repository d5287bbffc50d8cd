// Sensorgate - Shared-Memory Sensor Aggregation Gateway
// Copyright 2026 Tessera Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tessera-io/sensorgate

package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/thejerf/suture/v4"

	"github.com/tessera-io/sensorgate/internal/logging"
	"github.com/tessera-io/sensorgate/internal/metrics"
	"github.com/tessera-io/sensorgate/internal/models"
)

// ErrStorageFatal means the store rejected a batch past the retry budget.
// Ingestion halts on this error; losing confirmed-valid data is worse than
// stopping.
var ErrStorageFatal = errors.New("storage: persistent failure")

// EventEmitter receives storage LogEvents for the log process.
type EventEmitter interface {
	Emit(models.LogEvent)
}

// BatchInserter is the store the flusher commits to. *DB implements it;
// tests substitute failing fakes.
type BatchInserter interface {
	InsertBatch(ctx context.Context, batch []*models.PersistedReading) (inserted, duplicates int, err error)
}

type nopEmitter struct{}

func (nopEmitter) Emit(models.LogEvent) {}

// Flusher is the storage manager: it buffers validated readings and commits
// them in one transaction per batch, bounded by size and time. Commit
// failures are retried with exponential backoff behind a circuit breaker;
// exhaustion spills the batch to the WAL and terminates the supervisor tree.
type Flusher struct {
	db    BatchInserter
	spill *Spill // nil disables spilling
	cfg   Config
	emit  EventEmitter

	mu  sync.Mutex
	buf []*models.PersistedReading

	// flushNow wakes the loop when the size threshold is reached.
	flushNow chan struct{}

	breaker *gobreaker.CircuitBreaker[struct{}]

	fatal     chan error
	fatalOnce sync.Once
	closed    bool
}

// NewFlusher creates a storage manager over db. spill may be nil.
func NewFlusher(db BatchInserter, spill *Spill, cfg Config, emit EventEmitter) *Flusher {
	if emit == nil {
		emit = nopEmitter{}
	}
	f := &Flusher{
		db:       db,
		spill:    spill,
		cfg:      cfg,
		emit:     emit,
		buf:      make([]*models.PersistedReading, 0, cfg.BatchSize),
		flushNow: make(chan struct{}, 1),
		fatal:    make(chan error, 1),
	}
	f.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "storage-commit",
		Timeout: 5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return f
}

// Persist buffers one validated record for the next flush. Never blocks on
// the database; the flush happens on the flusher's own goroutine.
func (f *Flusher) Persist(rec *models.SensorRecord) error {
	reading := models.NewPersistedReading(rec, time.Now().UTC())

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("storage: flusher closed")
	}
	f.buf = append(f.buf, reading)
	full := len(f.buf) >= f.cfg.BatchSize
	f.mu.Unlock()

	if full {
		select {
		case f.flushNow <- struct{}{}:
		default:
		}
	}
	return nil
}

// Fatal delivers the fatal storage error, if one occurred.
func (f *Flusher) Fatal() <-chan error {
	return f.fatal
}

// Serve implements suture.Service: periodic and threshold-triggered flushes
// until the context is canceled. A persistent commit failure returns an
// error wrapped with suture.ErrTerminateSupervisorTree so the whole gateway
// stops instead of ingesting into a dead store.
func (f *Flusher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-f.flushNow:
		}
		if err := f.flush(ctx); err != nil {
			f.fatalOnce.Do(func() { f.fatal <- err })
			return errors.Join(err, suture.ErrTerminateSupervisorTree)
		}
	}
}

func (f *Flusher) String() string { return "storage-flusher" }

// Close performs the final drain flush. Call after the serve loop stopped.
func (f *Flusher) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return f.flush(ctx)
}

// take removes and returns the current buffer.
func (f *Flusher) take() []*models.PersistedReading {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.buf) == 0 {
		return nil
	}
	batch := f.buf
	f.buf = make([]*models.PersistedReading, 0, f.cfg.BatchSize)
	return batch
}

// flush commits the buffered readings. Retries transient failures with
// exponential backoff; after the retry budget the batch goes to the spill
// WAL and ErrStorageFatal is returned.
func (f *Flusher) flush(ctx context.Context) error {
	batch := f.take()
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < f.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := f.cfg.RetryBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				// Shutting down mid-retry: the spill keeps the batch.
				return f.spillBatch(batch, ctx.Err())
			}
		}

		var inserted, duplicates int
		_, err := f.breaker.Execute(func() (struct{}, error) {
			var execErr error
			inserted, duplicates, execErr = f.db.InsertBatch(ctx, batch)
			return struct{}{}, execErr
		})
		if err != nil {
			lastErr = err
			metrics.StorageFlushErrors.Inc()
			logging.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Int("batch", len(batch)).
				Str("breaker", f.breaker.State().String()).
				Msg("batch commit failed")
			continue
		}

		elapsed := time.Since(start)
		metrics.StorageRowsInserted.Add(float64(inserted))
		metrics.StorageDuplicates.Add(float64(duplicates))
		metrics.StorageFlushDuration.Observe(elapsed.Seconds())
		metrics.StorageBatchSize.Observe(float64(len(batch)))
		if duplicates > 0 {
			f.emit.Emit(models.NewLogEvent(models.LevelWarn, "storage",
				fmt.Sprintf("batch rejected %d duplicate rows", duplicates)))
		}
		logging.Debug().
			Int("inserted", inserted).
			Int("duplicates", duplicates).
			Dur("elapsed", elapsed).
			Msg("batch flushed")
		return nil
	}

	return f.spillBatch(batch, lastErr)
}

// spillBatch persists an uncommittable batch to the WAL and surfaces the
// fatal error. If the spill itself fails the rows are lost and the error
// says so explicitly.
func (f *Flusher) spillBatch(batch []*models.PersistedReading, cause error) error {
	f.emit.Emit(models.NewLogEvent(models.LevelError, "storage", "commit retries exhausted, halting ingestion"))

	if f.spill == nil {
		return fmt.Errorf("%w: %d rows lost, no spill configured: %v", ErrStorageFatal, len(batch), cause)
	}
	if err := f.spill.Add(batch); err != nil {
		return fmt.Errorf("%w: %d rows lost, spill failed: %v (cause: %v)", ErrStorageFatal, len(batch), err, cause)
	}
	metrics.StorageSpilledBatches.Inc()
	logging.Error().
		Err(cause).
		Int("batch", len(batch)).
		Msg("batch spilled to WAL after retry exhaustion")
	return fmt.Errorf("%w: batch of %d spilled for replay: %v", ErrStorageFatal, len(batch), cause)
}

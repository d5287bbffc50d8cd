// Sensorgate - Shared-Memory Sensor Aggregation Gateway
// Copyright 2026 Tessera Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tessera-io/sensorgate

package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"

	"github.com/tessera-io/sensorgate/internal/models"
)

// fakeStore records committed batches and can be told to fail the first
// failFirst calls.
type fakeStore struct {
	mu        sync.Mutex
	batches   [][]*models.PersistedReading
	calls     int
	failFirst int
}

func (s *fakeStore) InsertBatch(_ context.Context, batch []*models.PersistedReading) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failFirst {
		return 0, 0, errors.New("commit refused")
	}
	s.batches = append(s.batches, batch)
	return len(batch), 0, nil
}

func (s *fakeStore) committed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func flusherConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 4
	cfg.FlushInterval = time.Hour // size-triggered unless a test says otherwise
	cfg.RetryAttempts = 3
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func sampleRecord(seq uint64) *models.SensorRecord {
	return &models.SensorRecord{
		NodeID:    uuid.New(),
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
		Metric:    models.MetricTemperature,
		Value:     20.0,
		Status:    models.StatusOK,
	}
}

func TestFlushOnBatchSize(t *testing.T) {
	store := &fakeStore{}
	f := NewFlusher(store, nil, flusherConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Serve(ctx) }()

	for seq := uint64(1); seq <= 4; seq++ {
		require.NoError(t, f.Persist(sampleRecord(seq)))
	}

	require.Eventually(t, func() bool { return store.committed() == 4 },
		2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestFlushOnInterval(t *testing.T) {
	store := &fakeStore{}
	cfg := flusherConfig()
	cfg.BatchSize = 1000
	cfg.FlushInterval = 20 * time.Millisecond
	f := NewFlusher(store, nil, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Serve(ctx) }()

	require.NoError(t, f.Persist(sampleRecord(1)))

	// Far below the size threshold; only the timer can flush this.
	require.Eventually(t, func() bool { return store.committed() == 1 },
		2*time.Second, 5*time.Millisecond)
}

func TestCloseFlushesTail(t *testing.T) {
	store := &fakeStore{}
	f := NewFlusher(store, nil, flusherConfig(), nil)

	require.NoError(t, f.Persist(sampleRecord(1)))
	require.NoError(t, f.Persist(sampleRecord(2)))

	require.NoError(t, f.Close())
	assert.Equal(t, 2, store.committed())

	// Closed flusher refuses new records.
	assert.Error(t, f.Persist(sampleRecord(3)))
}

func TestFlushRetriesTransientFailure(t *testing.T) {
	store := &fakeStore{failFirst: 2}
	f := NewFlusher(store, nil, flusherConfig(), nil)

	require.NoError(t, f.Persist(sampleRecord(1)))
	require.NoError(t, f.flush(context.Background()))

	assert.Equal(t, 3, store.callCount())
	assert.Equal(t, 1, store.committed())
}

func TestRetryExhaustionSpills(t *testing.T) {
	spill, err := OpenSpill(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = spill.Close() }()

	store := &fakeStore{failFirst: 100}
	cfg := flusherConfig()
	cfg.RetryAttempts = 2
	f := NewFlusher(store, spill, cfg, nil)

	require.NoError(t, f.Persist(sampleRecord(1)))
	err = f.flush(context.Background())
	require.ErrorIs(t, err, ErrStorageFatal)

	pending, err := spill.Pending()
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestRetryExhaustionWithoutSpillReportsLoss(t *testing.T) {
	store := &fakeStore{failFirst: 100}
	cfg := flusherConfig()
	cfg.RetryAttempts = 2
	f := NewFlusher(store, nil, cfg, nil)

	require.NoError(t, f.Persist(sampleRecord(1)))
	err := f.flush(context.Background())
	require.ErrorIs(t, err, ErrStorageFatal)
	assert.Contains(t, err.Error(), "rows lost")
}

func TestServeTerminatesTreeOnFatal(t *testing.T) {
	store := &fakeStore{failFirst: 100}
	cfg := flusherConfig()
	cfg.RetryAttempts = 1
	cfg.FlushInterval = 10 * time.Millisecond
	f := NewFlusher(store, nil, cfg, nil)

	require.NoError(t, f.Persist(sampleRecord(1)))

	err := f.Serve(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageFatal)
	assert.ErrorIs(t, err, suture.ErrTerminateSupervisorTree)

	select {
	case fatal := <-f.Fatal():
		assert.ErrorIs(t, fatal, ErrStorageFatal)
	default:
		t.Fatal("fatal error not delivered")
	}
}

func TestFlushEmptyBufferIsNoop(t *testing.T) {
	store := &fakeStore{}
	f := NewFlusher(store, nil, flusherConfig(), nil)

	require.NoError(t, f.flush(context.Background()))
	assert.Zero(t, store.callCount())
}

// Sensorgate - Shared-Memory Sensor Aggregation Gateway
// Copyright 2026 Tessera Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tessera-io/sensorgate

// Package ingest is the pipeline stage between the ring transport and
// durability: it dequeues records, attributes them to nodes through the
// registry, validates them, and hands survivors to the storage manager.
//
// Drop policy: validation failures and duplicates are counted and dropped,
// never retried; sensor data has no retry semantics once the reading instant
// has passed. Gaps and reorderings are stored as-is but logged, since the
// gateway has no retransmission mechanism.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/tessera-io/sensorgate/internal/logging"
	"github.com/tessera-io/sensorgate/internal/metrics"
	"github.com/tessera-io/sensorgate/internal/models"
	"github.com/tessera-io/sensorgate/internal/registry"
	"github.com/tessera-io/sensorgate/internal/ring"
)

// readTimeout bounds each blocking read so the loop can observe
// context cancellation.
const readTimeout = 250 * time.Millisecond

// Reader is the consumer side of the transport.
type Reader interface {
	TryRead(timeout time.Duration) (*models.SensorRecord, error)
	Poll() (*models.SensorRecord, error)
}

// Persister accepts validated records for durable storage.
type Persister interface {
	Persist(*models.SensorRecord) error
}

// EventEmitter receives ingest LogEvents for the log process.
type EventEmitter interface {
	Emit(models.LogEvent)
}

// Manager is the single consumer of the ring buffer.
type Manager struct {
	reader   Reader
	registry *registry.Registry
	store    Persister
	emit     EventEmitter

	// warnLimiter throttles per-record warning events so a misbehaving
	// sensor cannot flood the log channel. Anomalies are always counted.
	warnLimiter *rate.Limiter
}

// New creates a data manager.
func New(reader Reader, reg *registry.Registry, store Persister, emit EventEmitter) *Manager {
	return &Manager{
		reader:      reader,
		registry:    reg,
		store:       store,
		emit:        emit,
		warnLimiter: rate.NewLimiter(rate.Every(time.Second), 10),
	}
}

// Serve implements suture.Service: the ingest loop. Runs until the context
// is canceled or the transport closes.
func (m *Manager) Serve(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec, err := m.reader.TryRead(readTimeout)
		if err != nil {
			if errors.Is(err, ring.ErrEmpty) {
				continue
			}
			if errors.Is(err, ring.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ingest: read: %w", err)
		}
		if err := m.process(rec); err != nil {
			return err
		}
	}
}

func (m *Manager) String() string { return "ingest-manager" }

// Drain consumes everything still readable without blocking. Used during
// shutdown after producers have been stopped.
func (m *Manager) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		rec, err := m.reader.Poll()
		if err != nil {
			if errors.Is(err, ring.ErrEmpty) || errors.Is(err, ring.ErrClosed) {
				return n, nil
			}
			return n, fmt.Errorf("ingest: drain: %w", err)
		}
		if err := m.process(rec); err != nil {
			return n, err
		}
		n++
	}
}

// process runs one record through touch, validate, persist.
// Only a storage failure propagates; everything else is drop-and-count.
func (m *Manager) process(rec *models.SensorRecord) error {
	metrics.RecordsIngested.Inc()

	outcome := m.registry.Touch(rec.NodeID, rec.Sequence, rec.Timestamp)
	switch outcome.Kind {
	case registry.Duplicate:
		// Duplicates never reach storage; the unique constraint is only
		// the second line of defense.
		metrics.SequenceAnomalies.WithLabelValues("duplicate").Inc()
		metrics.RecordsDropped.WithLabelValues("duplicate").Inc()
		m.warnEvent(models.NewLogEvent(models.LevelWarn, "ingest",
			fmt.Sprintf("duplicate sequence %d dropped", rec.Sequence)).WithNode(rec.NodeID.String()))
		return nil
	case registry.GapDetected:
		metrics.SequenceAnomalies.WithLabelValues("gap").Inc()
		m.warnEvent(models.NewLogEvent(models.LevelWarn, "ingest",
			fmt.Sprintf("sequence gap of %d before %d", outcome.Gap, rec.Sequence)).WithNode(rec.NodeID.String()))
	case registry.Reordered:
		metrics.SequenceAnomalies.WithLabelValues("reordered").Inc()
		m.warnEvent(models.NewLogEvent(models.LevelWarn, "ingest",
			fmt.Sprintf("out-of-order sequence %d", rec.Sequence)).WithNode(rec.NodeID.String()))
	case registry.InOrder:
	}

	if reason, ok := m.validate(rec); !ok {
		metrics.RecordsDropped.WithLabelValues(reason).Inc()
		m.warnEvent(models.NewLogEvent(models.LevelWarn, "ingest",
			fmt.Sprintf("reading dropped: %s (metric=%s value=%g status=%s)",
				reason, rec.Metric, rec.Value, rec.Status)).WithNode(rec.NodeID.String()))
		return nil
	}

	if err := m.store.Persist(rec); err != nil {
		return fmt.Errorf("ingest: persist: %w", err)
	}
	metrics.RecordsPersisted.Inc()
	m.emit.Emit(models.NewLogEvent(models.LevelDebug, "ingest",
		fmt.Sprintf("reading accepted: %s=%g seq=%d", rec.Metric, rec.Value, rec.Sequence)).
		WithNode(rec.NodeID.String()))
	return nil
}

// validate checks the record against the per-metric plausible range and the
// status tag. Fault and calibrating are legitimate sensor conditions and are
// persisted; unknown enum values and out-of-range readings are not.
func (m *Manager) validate(rec *models.SensorRecord) (reason string, ok bool) {
	if !rec.Metric.Valid() {
		return "bad_metric", false
	}
	if !rec.Status.Valid() {
		return "bad_status", false
	}
	if r, found := models.PlausibleRanges[rec.Metric]; found && !r.Contains(rec.Value) {
		return "out_of_range", false
	}
	return "", true
}

// warnEvent emits a warning through the pipe, throttled; past the limit the
// condition remains visible via counters only.
func (m *Manager) warnEvent(ev models.LogEvent) {
	if m.warnLimiter.Allow() {
		m.emit.Emit(ev)
	} else {
		logging.Trace().Str("component", ev.Component).Msg("warn event throttled")
	}
}

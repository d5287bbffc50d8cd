// Sensorgate - Shared-Memory Sensor Aggregation Gateway
// Copyright 2026 Tessera Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tessera-io/sensorgate

// Package metrics provides Prometheus instrumentation for the gateway
// pipeline: ring transport, registry, ingestion, storage, and log channel.
// Collectors register on the default registry via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ring transport metrics
	RingBackpressureTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ring_backpressure_timeouts_total",
			Help: "Writes that gave up after waiting on a full ring buffer",
		},
	)

	RingStuckSlotsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ring_stuck_slots_skipped_total",
			Help: "Slots abandoned because their producer died mid-write",
		},
	)

	RingDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ring_depth",
			Help: "Claimed-but-unread slots in the ring buffer",
		},
	)

	// Registry metrics
	RegistryNodes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "registry_nodes",
			Help: "Known sensor nodes by state",
		},
		[]string{"state"}, // "active", "stale"
	)

	RegistryTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_transitions_total",
			Help: "Connection entry state transitions",
		},
		[]string{"transition"}, // "registered", "stale", "reactivated", "expired"
	)

	SequenceAnomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequence_anomalies_total",
			Help: "Per-node sequence anomalies observed during ingestion",
		},
		[]string{"kind"}, // "gap", "duplicate", "reordered"
	)

	// Ingestion metrics
	RecordsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "records_ingested_total",
			Help: "Records dequeued from the ring buffer",
		},
	)

	RecordsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "records_dropped_total",
			Help: "Records dropped before storage",
		},
		[]string{"reason"}, // "out_of_range", "bad_metric", "bad_status", "duplicate"
	)

	RecordsPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "records_persisted_total",
			Help: "Validated records handed to the storage manager",
		},
	)

	// Storage metrics
	StorageRowsInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storage_rows_inserted_total",
			Help: "Rows committed into the readings table",
		},
	)

	StorageDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storage_duplicates_total",
			Help: "Rows rejected by the (node_id, sequence) uniqueness constraint",
		},
	)

	StorageFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storage_flush_duration_seconds",
			Help:    "Duration of batch flush transactions",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	StorageBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storage_batch_size",
			Help:    "Number of readings per flush transaction",
			Buckets: []float64{1, 8, 32, 64, 128, 256, 512},
		},
	)

	StorageFlushErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storage_flush_errors_total",
			Help: "Flush transactions that failed and entered retry",
		},
	)

	StorageSpilledBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storage_spilled_batches_total",
			Help: "Batches spilled to the on-disk WAL after retry exhaustion",
		},
	)

	// Log channel metrics
	LogEventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logpipe_events_published_total",
			Help: "Log events accepted into the bounded channel",
		},
	)

	LogEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logpipe_events_dropped_total",
			Help: "Log events dropped because the channel was full or the sink was gone",
		},
	)
)

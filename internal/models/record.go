// Sensorgate - Shared-Memory Sensor Aggregation Gateway
// Copyright 2026 Tessera Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tessera-io/sensorgate

// Package models defines the data types shared across the gateway pipeline:
// the SensorRecord carried through the ring buffer, the PersistedReading
// written to DuckDB, the LogEvent streamed to the log process, and the
// fixed-width binary codec that gives a SensorRecord a stable byte layout
// inside a shared-memory slot.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MetricType identifies the physical quantity a sensor reports.
type MetricType uint8

// Known metric types. Values are part of the slot wire format; append only.
const (
	MetricTemperature MetricType = iota
	MetricHumidity
	MetricPressure
	MetricVibration
	MetricVoltage
)

// String returns the storage/log representation of the metric type.
func (m MetricType) String() string {
	switch m {
	case MetricTemperature:
		return "temperature"
	case MetricHumidity:
		return "humidity"
	case MetricPressure:
		return "pressure"
	case MetricVibration:
		return "vibration"
	case MetricVoltage:
		return "voltage"
	default:
		return fmt.Sprintf("metric(%d)", uint8(m))
	}
}

// Valid reports whether the metric type is a known value.
func (m MetricType) Valid() bool {
	return m <= MetricVoltage
}

// Range is the plausible value range for a metric type.
// Readings outside the range are dropped by the data manager.
type Range struct {
	Min float64
	Max float64
}

// Contains reports whether v lies within the range (inclusive).
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// PlausibleRanges maps each metric type to its accepted value range.
// Units: celsius, percent RH, hectopascal, mm/s RMS, volts.
var PlausibleRanges = map[MetricType]Range{
	MetricTemperature: {Min: -80, Max: 180},
	MetricHumidity:    {Min: 0, Max: 100},
	MetricPressure:    {Min: 300, Max: 1200},
	MetricVibration:   {Min: 0, Max: 500},
	MetricVoltage:     {Min: -1000, Max: 1000},
}

// Status is the sensor's self-reported condition at reading time.
type Status uint8

// Sensor status values. Part of the slot wire format; append only.
const (
	StatusOK Status = iota
	StatusFault
	StatusCalibrating
)

// String returns the storage/log representation of the status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFault:
		return "fault"
	case StatusCalibrating:
		return "calibrating"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Valid reports whether the status is a known value.
func (s Status) Valid() bool {
	return s <= StatusCalibrating
}

// SensorRecord is one reading as written by a producer into a ring slot.
// Immutable once published; the gateway copies it out of the slot before
// releasing the slot back to the pool.
type SensorRecord struct {
	// NodeID is the stable identity the producer assigned itself.
	NodeID uuid.UUID

	// Sequence is the producer's per-node monotonic counter, used to
	// detect gaps, duplicates, and reordering downstream.
	Sequence uint64

	// Timestamp is the producer-side clock reading.
	Timestamp time.Time

	// Metric identifies what was measured.
	Metric MetricType

	// Value is the numeric reading.
	Value float64

	// Status is the sensor's self-reported condition.
	Status Status
}

// PersistedReading is the storage-layer representation of a SensorRecord.
// Write-once: rows are only ever inserted, keyed by (node_id, sequence).
type PersistedReading struct {
	NodeID     uuid.UUID `json:"node_id"`
	Sequence   uint64    `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
	Metric     string    `json:"metric_type"`
	Value      float64   `json:"value"`
	Status     string    `json:"status"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewPersistedReading converts a validated SensorRecord into its storage form,
// stamping the gateway-side ingestion time.
func NewPersistedReading(rec *SensorRecord, receivedAt time.Time) *PersistedReading {
	return &PersistedReading{
		NodeID:     rec.NodeID,
		Sequence:   rec.Sequence,
		Timestamp:  rec.Timestamp,
		Metric:     rec.Metric.String(),
		Value:      rec.Value,
		Status:     rec.Status.String(),
		ReceivedAt: receivedAt,
	}
}

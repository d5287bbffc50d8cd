// Sensorgate - Shared-Memory Sensor Aggregation Gateway
// Copyright 2026 Tessera Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tessera-io/sensorgate

package models

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// RecordWireSize is the exact number of bytes a SensorRecord occupies inside
// a ring slot. The layout is a cross-process contract: every producer and the
// gateway must agree on it byte for byte, which is why this is a fixed-offset
// binary codec rather than a self-describing serialization.
//
// Layout (little endian):
//
//	[0:16)  node_id (UUID bytes)
//	[16:24) sequence
//	[24:32) timestamp (unix nanoseconds)
//	[32:40) value (IEEE 754 bits)
//	[40]    metric_type
//	[41]    status
const RecordWireSize = 42

// ErrShortBuffer is returned when the destination or source buffer cannot
// hold a full wire-format record.
var ErrShortBuffer = fmt.Errorf("buffer smaller than record wire size %d", RecordWireSize)

// EncodeRecord writes the record into buf in wire format.
// buf must be at least RecordWireSize bytes.
func EncodeRecord(rec *SensorRecord, buf []byte) error {
	if len(buf) < RecordWireSize {
		return ErrShortBuffer
	}
	copy(buf[0:16], rec.NodeID[:])
	binary.LittleEndian.PutUint64(buf[16:24], rec.Sequence)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(rec.Timestamp.UnixNano()))
	binary.LittleEndian.PutUint64(buf[32:40], math.Float64bits(rec.Value))
	buf[40] = byte(rec.Metric)
	buf[41] = byte(rec.Status)
	return nil
}

// DecodeRecord reads a wire-format record out of buf.
// buf must be at least RecordWireSize bytes.
func DecodeRecord(buf []byte, rec *SensorRecord) error {
	if len(buf) < RecordWireSize {
		return ErrShortBuffer
	}
	copy(rec.NodeID[:], buf[0:16])
	rec.Sequence = binary.LittleEndian.Uint64(buf[16:24])
	rec.Timestamp = time.Unix(0, int64(binary.LittleEndian.Uint64(buf[24:32]))).UTC()
	rec.Value = math.Float64frombits(binary.LittleEndian.Uint64(buf[32:40]))
	rec.Metric = MetricType(buf[40])
	rec.Status = Status(buf[41])
	return nil
}

// Sensorgate - Shared-Memory Sensor Aggregation Gateway
// Copyright 2026 Tessera Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tessera-io/sensorgate

package ring

import "errors"

var (
	// ErrLayoutMismatch is returned when an existing region was created with
	// a different capacity, slot size, or format version than requested.
	// This is a fatal deployment misconfiguration and is never retried.
	ErrLayoutMismatch = errors.New("ring: region layout mismatch")

	// ErrFull is returned by TryWrite when no slot became free within the
	// caller's timeout. The producer decides whether to drop or retry.
	ErrFull = errors.New("ring: buffer full")

	// ErrEmpty is returned by Poll when no slot is ready, and by TryRead
	// when the wait timeout elapses.
	ErrEmpty = errors.New("ring: buffer empty")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ring: closed")
)

// Sensorgate - Shared-Memory Sensor Aggregation Gateway
// Copyright 2026 Tessera Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tessera-io/sensorgate

package models

import "time"

// LogLevel classifies a LogEvent for the log sink.
type LogLevel string

// Log levels understood by the log process. These intentionally mirror
// zerolog's level names so the sink can re-emit events without translation.
const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEvent is one diagnostic event traveling from the gateway to the log
// process. Transient: consumed once by the sink and discarded.
type LogEvent struct {
	Level     LogLevel  `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"time"`

	// NodeID optionally attributes the event to a sensor node.
	NodeID string `json:"node_id,omitempty"`
}

// NewLogEvent builds a LogEvent stamped with the current time.
func NewLogEvent(level LogLevel, component, message string) LogEvent {
	return LogEvent{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// WithNode attributes the event to a node and returns the event.
func (e LogEvent) WithNode(nodeID string) LogEvent {
	e.NodeID = nodeID
	return e
}

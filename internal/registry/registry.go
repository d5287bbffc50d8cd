// Sensorgate - Shared-Memory Sensor Aggregation Gateway
// Copyright 2026 Tessera Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tessera-io/sensorgate

// Package registry tracks which sensor nodes are known and alive.
//
// The registry is the single source of truth for node identity, liveness,
// and per-node sequence continuity. All mutation funnels through Touch and
// Sweep under one mutex, so touches and the periodic sweep never interleave
// partially.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tessera-io/sensorgate/internal/metrics"
	"github.com/tessera-io/sensorgate/internal/models"
)

// NodeState is the lifecycle state of a ConnectionEntry.
// EXPIRED is terminal and removes the entry, so it never appears here.
type NodeState int

const (
	// StateRegistering is the transient state of an entry being created.
	StateRegistering NodeState = iota

	// StateActive means the node has produced traffic recently.
	StateActive

	// StateStale means the node exceeded the liveness threshold. A stale
	// node returns to ACTIVE on renewed traffic before the grace period.
	StateStale
)

// String returns the log representation of the state.
func (s NodeState) String() string {
	switch s {
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// OutcomeKind classifies a sequence number against the node's expectation.
type OutcomeKind int

const (
	// InOrder means the sequence matched the expected next value.
	InOrder OutcomeKind = iota

	// GapDetected means one or more sequence values were skipped.
	GapDetected

	// Duplicate means the record repeats the previously processed sequence.
	Duplicate

	// Reordered means the record arrived behind an already-advanced cursor.
	Reordered
)

// String returns the log representation of the outcome kind.
func (k OutcomeKind) String() string {
	switch k {
	case InOrder:
		return "in_order"
	case GapDetected:
		return "gap"
	case Duplicate:
		return "duplicate"
	case Reordered:
		return "reordered"
	default:
		return "unknown"
	}
}

// Outcome is the result of comparing a record's sequence to the node's
// expected sequence. Gap holds the number of missing values for GapDetected.
type Outcome struct {
	Kind OutcomeKind
	Gap  uint64
}

// Entry is the registry's view of one sensor node.
type Entry struct {
	NodeID           uuid.UUID
	LastSeen         time.Time
	ExpectedSequence uint64
	State            NodeState
	RegisteredAt     time.Time
}

// Emitter receives registry LogEvents. Implemented by the logpipe publisher;
// tests substitute a recorder.
type Emitter interface {
	Emit(models.LogEvent)
}

// nopEmitter is used when no emitter is wired.
type nopEmitter struct{}

func (nopEmitter) Emit(models.LogEvent) {}

// Registry owns the connection table. Safe for concurrent use; every public
// method takes the registry mutex.
type Registry struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
	emit    Emitter
}

// New creates an empty registry. A nil emitter disables event emission.
func New(emit Emitter) *Registry {
	if emit == nil {
		emit = nopEmitter{}
	}
	return &Registry{
		entries: make(map[uuid.UUID]*Entry),
		emit:    emit,
	}
}

// Touch records traffic from a node and classifies its sequence number.
// Unknown nodes are created (REGISTERING, then ACTIVE once the touch
// completes); stale nodes are reactivated.
func (r *Registry) Touch(nodeID uuid.UUID, sequence uint64, ts time.Time) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[nodeID]
	if !ok {
		e = &Entry{
			NodeID:           nodeID,
			State:            StateRegistering,
			RegisteredAt:     ts,
			LastSeen:         ts,
			ExpectedSequence: sequence + 1,
		}
		r.entries[nodeID] = e
		e.State = StateActive
		metrics.RegistryTransitions.WithLabelValues("registered").Inc()
		r.emit.Emit(models.NewLogEvent(models.LevelInfo, "registry", "node registered").WithNode(nodeID.String()))
		r.updateGauges()
		return Outcome{Kind: InOrder}
	}

	e.LastSeen = ts
	if e.State == StateStale {
		e.State = StateActive
		metrics.RegistryTransitions.WithLabelValues("reactivated").Inc()
		r.emit.Emit(models.NewLogEvent(models.LevelInfo, "registry", "stale node reactivated").WithNode(nodeID.String()))
		r.updateGauges()
	}

	switch {
	case sequence == e.ExpectedSequence:
		e.ExpectedSequence = sequence + 1
		return Outcome{Kind: InOrder}
	case sequence > e.ExpectedSequence:
		gap := sequence - e.ExpectedSequence
		e.ExpectedSequence = sequence + 1
		return Outcome{Kind: GapDetected, Gap: gap}
	case sequence == e.ExpectedSequence-1:
		return Outcome{Kind: Duplicate}
	default:
		return Outcome{Kind: Reordered}
	}
}

// Sweep ages out inactive nodes: ACTIVE entries unseen for longer than
// staleAfter become STALE, and STALE entries unseen for longer than
// expireAfter are expired and removed. Returns the transition counts.
func (r *Registry) Sweep(now time.Time, staleAfter, expireAfter time.Duration) (stale, expired int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.entries {
		idle := now.Sub(e.LastSeen)
		switch {
		case e.State == StateStale && idle > expireAfter:
			delete(r.entries, id)
			expired++
			metrics.RegistryTransitions.WithLabelValues("expired").Inc()
			r.emit.Emit(models.NewLogEvent(models.LevelWarn, "registry", "node expired, entry removed").WithNode(id.String()))
		case e.State == StateActive && idle > staleAfter:
			e.State = StateStale
			stale++
			metrics.RegistryTransitions.WithLabelValues("stale").Inc()
			r.emit.Emit(models.NewLogEvent(models.LevelWarn, "registry", "node went stale").WithNode(id.String()))
		}
	}
	r.updateGauges()
	return stale, expired
}

// Get returns a copy of the entry for the node, if known.
func (r *Registry) Get(nodeID uuid.UUID) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[nodeID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot returns a copy of all entries for observability.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// Len returns the number of known nodes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// updateGauges recounts node states. Called with the mutex held.
func (r *Registry) updateGauges() {
	var active, stale float64
	for _, e := range r.entries {
		switch e.State {
		case StateActive:
			active++
		case StateStale:
			stale++
		}
	}
	metrics.RegistryNodes.WithLabelValues("active").Set(active)
	metrics.RegistryNodes.WithLabelValues("stale").Set(stale)
}

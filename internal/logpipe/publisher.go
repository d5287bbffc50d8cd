// Sensorgate - Shared-Memory Sensor Aggregation Gateway
// Copyright 2026 Tessera Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tessera-io/sensorgate

// Package logpipe is the message-passing boundary between the gateway and
// the dedicated log process.
//
// The gateway side (Publisher) holds a capacity-bounded in-memory queue and
// streams events over a unix domain socket as JSON lines. A full queue drops
// the oldest unread event; a dead sink is reported once and otherwise
// ignored. Logging never creates backpressure on ingestion: Emit never
// blocks and never returns an error.
package logpipe

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tessera-io/sensorgate/internal/logging"
	"github.com/tessera-io/sensorgate/internal/metrics"
	"github.com/tessera-io/sensorgate/internal/models"
)

const (
	dialRetryMin = 100 * time.Millisecond
	dialRetryMax = 5 * time.Second
	writeTimeout = 2 * time.Second
)

// Publisher is the gateway-side end of the log channel.
type Publisher struct {
	socketPath string
	capacity   int

	mu  sync.Mutex
	buf []models.LogEvent

	// notEmpty wakes the writer loop without holding the mutex.
	notEmpty chan struct{}

	reportOnce sync.Once
}

// NewPublisher creates a publisher writing to the unix socket at socketPath
// with a bounded queue of capacity events.
func NewPublisher(socketPath string, capacity int) *Publisher {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Publisher{
		socketPath: socketPath,
		capacity:   capacity,
		buf:        make([]models.LogEvent, 0, capacity),
		notEmpty:   make(chan struct{}, 1),
	}
}

// Emit queues an event for the log process. Never blocks: when the queue is
// full the oldest unread event is dropped and counted.
func (p *Publisher) Emit(ev models.LogEvent) {
	p.mu.Lock()
	if len(p.buf) >= p.capacity {
		p.buf = p.buf[1:]
		metrics.LogEventsDropped.Inc()
	}
	p.buf = append(p.buf, ev)
	p.mu.Unlock()

	metrics.LogEventsPublished.Inc()
	select {
	case p.notEmpty <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued events.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// Serve implements suture.Service: it connects to the sink and streams
// queued events until the context is canceled. Connection loss is retried
// with backoff; if the sink stays unreachable the condition is reported once
// through the gateway's own logger and events keep aging out of the queue.
func (p *Publisher) Serve(ctx context.Context) error {
	var conn net.Conn
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()

	retry := dialRetryMin
	for {
		if conn == nil {
			c, err := net.Dial("unix", p.socketPath)
			if err != nil {
				p.reportOnce.Do(func() {
					logging.Error().Err(err).Str("socket", p.socketPath).
						Msg("log channel unreachable, continuing without diagnostics")
				})
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(retry):
				}
				if retry *= 2; retry > dialRetryMax {
					retry = dialRetryMax
				}
				continue
			}
			conn = c
			retry = dialRetryMin
			logging.Info().Str("socket", p.socketPath).Msg("log channel connected")
		}

		batch := p.takeAll()
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.notEmpty:
			}
			continue
		}

		if err := p.writeBatch(conn, batch); err != nil {
			logging.Warn().Err(err).Msg("log channel write failed, reconnecting")
			_ = conn.Close()
			conn = nil
		}
	}
}

func (p *Publisher) String() string { return "logpipe-publisher" }

// takeAll drains the queue.
func (p *Publisher) takeAll() []models.LogEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) == 0 {
		return nil
	}
	out := p.buf
	p.buf = make([]models.LogEvent, 0, p.capacity)
	return out
}

// writeBatch streams events as JSON lines. Unsent events go back to the
// front of the queue on failure, subject to the capacity bound.
func (p *Publisher) writeBatch(conn net.Conn, batch []models.LogEvent) error {
	for i, ev := range batch {
		line, err := json.Marshal(ev)
		if err != nil {
			// Malformed event; skip rather than wedge the stream.
			metrics.LogEventsDropped.Inc()
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := conn.Write(append(line, '\n')); err != nil {
			// A partial write leaves a truncated line on the dying
			// connection, and the resend after reconnect repeats the full
			// line. The sink counts the truncated fragment as malformed and
			// skips it, so the event is delivered exactly once.
			p.requeueFront(batch[i:])
			return err
		}
	}
	return nil
}

// requeueFront puts unsent events back ahead of anything emitted meanwhile,
// dropping the oldest events if the result exceeds capacity.
func (p *Publisher) requeueFront(unsent []models.LogEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	merged := make([]models.LogEvent, 0, len(unsent)+len(p.buf))
	merged = append(merged, unsent...)
	merged = append(merged, p.buf...)
	if over := len(merged) - p.capacity; over > 0 {
		merged = merged[over:]
		for i := 0; i < over; i++ {
			metrics.LogEventsDropped.Inc()
		}
	}
	p.buf = merged
}

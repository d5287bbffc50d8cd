// Sensorgate - Shared-Memory Sensor Aggregation Gateway
// Copyright 2026 Tessera Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tessera-io/sensorgate

package logpipe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tessera-io/sensorgate/internal/logging"
	"github.com/tessera-io/sensorgate/internal/models"
)

// Sink is the log-process side of the channel: it accepts gateway
// connections on the unix socket and appends one formatted line per event to
// the output writer. Malformed lines are counted and skipped; a sink fault
// never propagates back to the gateway.
type Sink struct {
	socketPath string
	out        zerolog.Logger

	// Malformed counts undecodable lines.
	Malformed uint64

	// Received counts events written to the output.
	Received uint64
}

// NewSink creates a sink listening on socketPath and appending to out.
func NewSink(socketPath string, out io.Writer) *Sink {
	return &Sink{
		socketPath: socketPath,
		out:        zerolog.New(out),
	}
}

// Run listens until the context is canceled. Each gateway connection is
// served to EOF; the sink then waits for the next writer, so a gateway
// restart does not require a sink restart.
func (s *Sink) Run(ctx context.Context) error {
	// A stale socket file from a previous run blocks Listen.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("logpipe: remove stale socket %s: %w", s.socketPath, err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("logpipe: listen %s: %w", s.socketPath, err)
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("logpipe: accept: %w", err)
		}
		s.serveConn(conn)
	}
}

// serveConn reads events from one gateway connection until EOF.
func (s *Sink) serveConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		var ev models.LogEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			s.Malformed++
			continue
		}
		s.write(ev)
	}
	if err := scanner.Err(); err != nil {
		logging.Warn().Err(err).Msg("log sink connection error")
	}
}

// write appends one event to the sink output.
func (s *Sink) write(ev models.LogEvent) {
	e := s.out.WithLevel(sinkLevel(ev.Level)).
		Time("time", ev.Timestamp).
		Str("component", ev.Component)
	if ev.NodeID != "" {
		e = e.Str("node_id", ev.NodeID)
	}
	e.Msg(ev.Message)
	s.Received++
}

// sinkLevel maps a pipe level onto a zerolog level.
func sinkLevel(l models.LogLevel) zerolog.Level {
	switch l {
	case models.LevelDebug:
		return zerolog.DebugLevel
	case models.LevelInfo:
		return zerolog.InfoLevel
	case models.LevelWarn:
		return zerolog.WarnLevel
	case models.LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

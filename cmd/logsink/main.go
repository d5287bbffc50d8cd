// Sensorgate - Shared-Memory Sensor Aggregation Gateway
// Copyright 2026 Tessera Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tessera-io/sensorgate

// The log sink is the dedicated logging process. It owns the unix socket the
// gateway's logpipe publisher connects to and appends one line per event to
// the log file. Running it as its own process keeps a logging fault out of
// the data path's failure domain: killing the sink slows nothing in the
// gateway beyond the bounded channel's drop policy.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tessera-io/sensorgate/internal/logging"
	"github.com/tessera-io/sensorgate/internal/logpipe"
)

func main() {
	var (
		socketPath = flag.String("socket", "/run/sensorgate/logpipe.sock", "unix socket shared with the gateway")
		outPath    = flag.String("out", "/var/log/sensorgate/events.log", "append-only log sink file, - for stdout")
	)
	flag.Parse()

	logging.Init(logging.Config{Level: "info", Format: "json"})

	out := os.Stdout
	if *outPath != "-" {
		f, err := os.OpenFile(*outPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logsink: open %s: %v\n", *outPath, err)
			os.Exit(1)
		}
		defer func() { _ = f.Close() }()
		out = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink := logpipe.NewSink(*socketPath, out)
	logging.Info().Str("socket", *socketPath).Str("out", *outPath).Msg("log sink started")

	if err := sink.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "logsink: %v\n", err)
		os.Exit(1)
	}
	logging.Info().
		Uint64("received", sink.Received).
		Uint64("malformed", sink.Malformed).
		Msg("log sink stopped")
}

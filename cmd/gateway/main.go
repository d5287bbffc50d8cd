// Sensorgate - Shared-Memory Sensor Aggregation Gateway
// Copyright 2026 Tessera Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tessera-io/sensorgate

// The gateway aggregates readings from sensor processes via the shared-memory
// ring buffer, validates them, persists them to DuckDB, and streams
// diagnostics to the separate log process.
//
// Shutdown order on SIGINT/SIGTERM: the supervision tree stops (no new reads),
// the remaining ring slots are drained, pending storage batches are flushed,
// and only then is the shared region released.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tessera-io/sensorgate/internal/config"
	"github.com/tessera-io/sensorgate/internal/ingest"
	"github.com/tessera-io/sensorgate/internal/logging"
	"github.com/tessera-io/sensorgate/internal/logpipe"
	"github.com/tessera-io/sensorgate/internal/registry"
	"github.com/tessera-io/sensorgate/internal/ring"
	"github.com/tessera-io/sensorgate/internal/storage"
	"github.com/tessera-io/sensorgate/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sensorgate: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	if err := run(cfg); err != nil {
		logging.Error().Err(err).Msg("gateway terminated")
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	db, err := storage.Open(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var spill *storage.Spill
	if cfg.Storage.SpillDir != "" {
		spill, err = storage.OpenSpill(cfg.Storage.SpillDir)
		if err != nil {
			return err
		}
		defer func() { _ = spill.Close() }()

		// Batches stranded by a previous crash go in before new traffic.
		replayCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		batches, rows, err := spill.Replay(replayCtx, db)
		cancel()
		if err != nil {
			return fmt.Errorf("spill recovery: %w", err)
		}
		if batches > 0 {
			logging.Info().Int("batches", batches).Int("rows", rows).Msg("spill recovery complete")
		}
	}

	buf, err := ring.OpenOrCreate(cfg.Ring.Name, ring.Options{
		Capacity:   cfg.Ring.Capacity,
		SlotSize:   cfg.Ring.SlotSize,
		Dir:        cfg.Ring.Dir,
		StuckAfter: cfg.Ring.StuckAfter,
	})
	if err != nil {
		return err
	}
	logging.Info().
		Str("region", cfg.Ring.Name).
		Uint32("capacity", cfg.Ring.Capacity).
		Uint32("slot_size", cfg.Ring.SlotSize).
		Msg("ring attached")

	publisher := logpipe.NewPublisher(cfg.LogPipe.Socket, cfg.LogPipe.Capacity)
	reg := registry.New(publisher)
	flusher := storage.NewFlusher(db, spill, cfg.Storage, publisher)
	manager := ingest.New(buf, reg, flusher, publisher)
	sweeper := registry.NewSweeper(reg,
		cfg.Registry.SweepInterval, cfg.Registry.StaleAfter, cfg.Registry.ExpireAfter)

	slogger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	tree := supervisor.NewTree(slogger, supervisor.DefaultTreeConfig())
	tree.AddObservabilityService(publisher)
	tree.AddPipelineService(flusher)
	tree.AddPipelineService(sweeper)
	tree.AddTransportService(manager)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Msg("gateway started")
	serveErr := <-tree.ServeBackground(ctx)

	// Past this point no service is reading the ring. Drain what producers
	// managed to publish, flush the tail batch, then release the region.
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if n, err := manager.Drain(drainCtx); err != nil {
		logging.Warn().Err(err).Int("drained", n).Msg("ring drain incomplete")
	} else if n > 0 {
		logging.Info().Int("drained", n).Msg("ring drained")
	}
	if err := flusher.Close(); err != nil {
		logging.Error().Err(err).Msg("final flush failed")
	}
	if err := buf.Close(); err != nil {
		logging.Warn().Err(err).Msg("ring close failed")
	}
	if err := buf.Unlink(); err != nil {
		logging.Warn().Err(err).Msg("ring unlink failed")
	}

	select {
	case fatal := <-flusher.Fatal():
		return fatal
	default:
	}
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	logging.Info().Msg("gateway stopped")
	return nil
}

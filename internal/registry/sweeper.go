// Sensorgate - Shared-Memory Sensor Aggregation Gateway
// Copyright 2026 Tessera Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tessera-io/sensorgate

package registry

import (
	"context"
	"time"

	"github.com/tessera-io/sensorgate/internal/logging"
)

// Sweeper runs the periodic liveness sweep as a supervised service.
// Sweeps are timer-driven, never producer-triggered.
type Sweeper struct {
	registry    *Registry
	interval    time.Duration
	staleAfter  time.Duration
	expireAfter time.Duration
}

// NewSweeper creates a sweeper for the registry with the given cadence.
func NewSweeper(r *Registry, interval, staleAfter, expireAfter time.Duration) *Sweeper {
	return &Sweeper{
		registry:    r,
		interval:    interval,
		staleAfter:  staleAfter,
		expireAfter: expireAfter,
	}
}

// Serve implements suture.Service. Runs until the context is canceled.
func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			stale, expired := s.registry.Sweep(now, s.staleAfter, s.expireAfter)
			if stale > 0 || expired > 0 {
				logging.Debug().
					Int("stale", stale).
					Int("expired", expired).
					Int("known", s.registry.Len()).
					Msg("registry sweep")
			}
		}
	}
}

func (s *Sweeper) String() string { return "registry-sweeper" }

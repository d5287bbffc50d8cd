// Sensorgate - Shared-Memory Sensor Aggregation Gateway
// Copyright 2026 Tessera Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tessera-io/sensorgate

// sensorsim exercises the producer interface: it attaches to the shared
// region, assigns itself stable node identities, and writes paced readings
// with monotonically increasing sequences. A fault fraction injects
// out-of-range values and sequence gaps so the gateway's validation and
// anomaly paths see real traffic.
//
// Each simulated node behaves like an independent producer process and
// honors backpressure: a full buffer blocks the write up to the timeout and
// the reading is dropped (and counted) if the timeout elapses.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tessera-io/sensorgate/internal/logging"
	"github.com/tessera-io/sensorgate/internal/models"
	"github.com/tessera-io/sensorgate/internal/ring"
)

func main() {
	var (
		regionName   = flag.String("region", "sensorgate.ring", "shared region name")
		regionDir    = flag.String("dir", "", "region directory (default /dev/shm)")
		capacity     = flag.Uint("capacity", 4096, "region capacity in slots")
		slotSize     = flag.Uint("slot-size", 64, "region slot size in bytes")
		nodes        = flag.Int("nodes", 4, "number of simulated sensor nodes")
		perSecond    = flag.Float64("rate", 50, "readings per second per node")
		faultPercent = flag.Int("faults", 2, "percent of readings with injected faults")
		writeTimeout = flag.Duration("write-timeout", time.Second, "backpressure wait before dropping a reading")
	)
	flag.Parse()

	logging.Init(logging.Config{Level: "info", Format: "console"})

	buf, err := ring.OpenOrCreate(*regionName, ring.Options{
		Capacity: uint32(*capacity),
		SlotSize: uint32(*slotSize),
		Dir:      *regionDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sensorsim: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = buf.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var written, dropped atomic.Uint64
	var wg sync.WaitGroup
	for i := 0; i < *nodes; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			runNode(ctx, buf, nodeParams{
				metric:       models.MetricType(idx % 5),
				rate:         *perSecond,
				faultPercent: *faultPercent,
				writeTimeout: *writeTimeout,
			}, &written, &dropped)
		}(i)
	}
	wg.Wait()

	logging.Info().
		Uint64("written", written.Load()).
		Uint64("dropped", dropped.Load()).
		Msg("sensorsim stopped")
}

type nodeParams struct {
	metric       models.MetricType
	rate         float64
	faultPercent int
	writeTimeout time.Duration
}

// runNode produces readings for one node identity until the context ends.
func runNode(ctx context.Context, buf *ring.Ring, p nodeParams, written, dropped *atomic.Uint64) {
	nodeID := uuid.New()
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(nodeID.ID())))
	limiter := rate.NewLimiter(rate.Limit(p.rate), 1)

	seq := uint64(1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		rec := models.SensorRecord{
			NodeID:    nodeID,
			Sequence:  seq,
			Timestamp: time.Now().UTC(),
			Metric:    p.metric,
			Value:     plausibleValue(rng, p.metric),
			Status:    models.StatusOK,
		}

		if rng.Intn(100) < p.faultPercent {
			switch rng.Intn(3) {
			case 0:
				rec.Value = implausibleValue(p.metric)
				rec.Status = models.StatusFault
			case 1:
				seq += uint64(1 + rng.Intn(4)) // sequence gap
				rec.Sequence = seq
			case 2:
				if seq > 1 {
					rec.Sequence = seq - 1 // duplicate of the previous reading
					seq--                  // restored by the increment below
				}
			}
		}

		if err := buf.TryWrite(&rec, p.writeTimeout); err != nil {
			// Backpressure or shutdown: this reading's instant has passed.
			dropped.Add(1)
		} else {
			written.Add(1)
		}
		seq++
	}
}

// plausibleValue draws a value inside the metric's accepted range.
func plausibleValue(rng *rand.Rand, m models.MetricType) float64 {
	r := models.PlausibleRanges[m]
	return r.Min + rng.Float64()*(r.Max-r.Min)
}

// implausibleValue returns a value just past the metric's accepted maximum.
func implausibleValue(m models.MetricType) float64 {
	return models.PlausibleRanges[m].Max * 10
}

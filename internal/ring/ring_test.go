// Sensorgate - Shared-Memory Sensor Aggregation Gateway
// Copyright 2026 Tessera Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tessera-io/sensorgate

package ring

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-io/sensorgate/internal/models"
)

func testRecord(node uuid.UUID, seq uint64) *models.SensorRecord {
	return &models.SensorRecord{
		NodeID:    node,
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
		Metric:    models.MetricTemperature,
		Value:     20 + float64(seq%10),
		Status:    models.StatusOK,
	}
}

func openTestRing(t *testing.T, capacity uint32, opts ...func(*Options)) *Ring {
	t.Helper()
	o := Options{
		Capacity: capacity,
		SlotSize: 64,
		Dir:      t.TempDir(),
	}
	for _, f := range opts {
		f(&o)
	}
	r, err := OpenOrCreate(t.Name()+".ring", o)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close()
		_ = r.Unlink()
	})
	return r
}

func TestOpenOrCreateRejectsBadOptions(t *testing.T) {
	_, err := OpenOrCreate("x.ring", Options{Capacity: 0, SlotSize: 64, Dir: t.TempDir()})
	require.Error(t, err)

	_, err = OpenOrCreate("x.ring", Options{Capacity: 8, SlotSize: 16, Dir: t.TempDir()})
	require.Error(t, err)
}

func TestOpenOrCreateLayoutMismatch(t *testing.T) {
	dir := t.TempDir()

	a, err := OpenOrCreate("region", Options{Capacity: 8, SlotSize: 64, Dir: dir})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	_, err = OpenOrCreate("region", Options{Capacity: 16, SlotSize: 64, Dir: dir})
	assert.ErrorIs(t, err, ErrLayoutMismatch)

	_, err = OpenOrCreate("region", Options{Capacity: 8, SlotSize: 128, Dir: dir})
	assert.ErrorIs(t, err, ErrLayoutMismatch)

	// Matching layout reattaches.
	b, err := OpenOrCreate("region", Options{Capacity: 8, SlotSize: 64, Dir: dir})
	require.NoError(t, err)
	require.NoError(t, b.Close())
}

func TestWriteReadFIFO(t *testing.T) {
	r := openTestRing(t, 16)
	node := uuid.New()

	for seq := uint64(1); seq <= 10; seq++ {
		require.NoError(t, r.TryWrite(testRecord(node, seq), 0))
	}
	assert.Equal(t, uint64(10), r.Depth())

	for seq := uint64(1); seq <= 10; seq++ {
		rec, err := r.TryRead(time.Second)
		require.NoError(t, err)
		assert.Equal(t, node, rec.NodeID)
		assert.Equal(t, seq, rec.Sequence)
		assert.Equal(t, models.MetricTemperature, rec.Metric)
	}
	assert.Equal(t, uint64(0), r.Depth())
}

func TestPollEmpty(t *testing.T) {
	r := openTestRing(t, 8)
	_, err := r.Poll()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestReadTimeout(t *testing.T) {
	r := openTestRing(t, 8)
	start := time.Now()
	_, err := r.TryRead(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWriteBackpressureTimeout(t *testing.T) {
	r := openTestRing(t, 4)
	node := uuid.New()

	for seq := uint64(1); seq <= 4; seq++ {
		require.NoError(t, r.TryWrite(testRecord(node, seq), 0))
	}

	err := r.TryWrite(testRecord(node, 5), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrFull)

	// Non-blocking attempt fails immediately.
	err = r.TryWrite(testRecord(node, 5), 0)
	assert.ErrorIs(t, err, ErrFull)
}

func TestWriteUnblocksWhenConsumerFreesSlot(t *testing.T) {
	r := openTestRing(t, 4)
	node := uuid.New()

	for seq := uint64(1); seq <= 4; seq++ {
		require.NoError(t, r.TryWrite(testRecord(node, seq), 0))
	}

	done := make(chan error, 1)
	go func() {
		done <- r.TryWrite(testRecord(node, 5), 5*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	rec, err := r.TryRead(time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Sequence)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked write never completed")
	}

	// The late write lands behind everything already published.
	var last *models.SensorRecord
	for {
		rec, err := r.Poll()
		if err != nil {
			break
		}
		last = rec
	}
	require.NotNil(t, last)
	assert.Equal(t, uint64(5), last.Sequence)
}

func TestConcurrentProducersExactlyOnce(t *testing.T) {
	const (
		producers = 4
		perNode   = 200
	)
	r := openTestRing(t, 64)

	nodes := make([]uuid.UUID, producers)
	for i := range nodes {
		nodes[i] = uuid.New()
	}

	var wg sync.WaitGroup
	var writeErrs atomic.Int64
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(node uuid.UUID) {
			defer wg.Done()
			for seq := uint64(1); seq <= perNode; seq++ {
				if err := r.TryWrite(testRecord(node, seq), 10*time.Second); err != nil {
					writeErrs.Add(1)
					return
				}
			}
		}(nodes[i])
	}

	seen := make(map[uuid.UUID]map[uint64]bool, producers)
	for _, n := range nodes {
		seen[n] = make(map[uint64]bool, perNode)
	}
	for i := 0; i < producers*perNode; i++ {
		rec, err := r.TryRead(10 * time.Second)
		require.NoError(t, err)
		byNode, ok := seen[rec.NodeID]
		require.True(t, ok, "unknown node %s", rec.NodeID)
		require.False(t, byNode[rec.Sequence], "sequence %d delivered twice for %s", rec.Sequence, rec.NodeID)
		byNode[rec.Sequence] = true
	}
	wg.Wait()

	assert.Zero(t, writeErrs.Load())
	for _, n := range nodes {
		assert.Len(t, seen[n], perNode)
	}
	assert.Zero(t, r.LostSlots())
	_, err := r.Poll()
	assert.ErrorIs(t, err, ErrEmpty)
}

// TestStuckWritingSlotSkipped simulates a producer that died after marking
// its slot WRITING but before publishing READY.
func TestStuckWritingSlotSkipped(t *testing.T) {
	r := openTestRing(t, 8, func(o *Options) { o.StuckAfter = 50 * time.Millisecond })
	node := uuid.New()

	// Claim a slot the way TryWrite does, then abandon it mid-write.
	w := atomic.LoadUint64(r.u64(offWriteCursor))
	require.True(t, atomic.CompareAndSwapUint64(r.u64(offWriteCursor), w, w+1))
	base := r.slotBase(w % r.capacity)
	atomic.StoreUint64(r.u64(base+slotOffStamp), uint64(time.Now().UnixNano()))
	atomic.StoreUint32(r.u32(base+slotOffState), slotWriting)

	require.NoError(t, r.TryWrite(testRecord(node, 1), 0))

	rec, err := r.TryRead(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Sequence)
	assert.Equal(t, uint64(1), r.LostSlots())
}

// TestCrashBeforeWritingMarkSkipped covers the narrower window: the producer
// died after the cursor claim but before the WRITING store, so the head slot
// still reads EMPTY and carries no claim stamp.
func TestCrashBeforeWritingMarkSkipped(t *testing.T) {
	r := openTestRing(t, 8, func(o *Options) { o.StuckAfter = 50 * time.Millisecond })
	node := uuid.New()

	w := atomic.LoadUint64(r.u64(offWriteCursor))
	require.True(t, atomic.CompareAndSwapUint64(r.u64(offWriteCursor), w, w+1))

	require.NoError(t, r.TryWrite(testRecord(node, 1), 0))

	rec, err := r.TryRead(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Sequence)
	assert.Equal(t, uint64(1), r.LostSlots())
}

// TestReclaimedSlotGetsFreshGrace covers a slot being reclaimed after the
// ring wrapped: a new producer has claimed the cursor and marked WRITING but
// not yet published. The consumer must grant that claim a fresh StuckAfter
// grace instead of judging it by whatever stamp the slot's previous occupant
// left behind; skipping here would strand a live producer on a slot the
// consumer no longer waits for.
func TestReclaimedSlotGetsFreshGrace(t *testing.T) {
	r := openTestRing(t, 1, func(o *Options) { o.StuckAfter = 100 * time.Millisecond })
	node := uuid.New()

	require.NoError(t, r.TryWrite(testRecord(node, 1), 0))
	_, err := r.TryRead(time.Second)
	require.NoError(t, err)

	// Releasing the slot cleared its claim stamp.
	assert.Zero(t, atomic.LoadUint64(r.u64(r.slotBase(0)+slotOffStamp)))

	// Age the released slot well past StuckAfter, then have a second
	// producer claim it and mark WRITING with the payload still pending.
	time.Sleep(150 * time.Millisecond)
	w := atomic.LoadUint64(r.u64(offWriteCursor))
	require.True(t, atomic.CompareAndSwapUint64(r.u64(offWriteCursor), w, w+1))
	base := r.slotBase(w % r.capacity)
	atomic.StoreUint32(r.u32(base+slotOffState), slotWriting)

	// The in-progress write is not stuck: nothing is skipped, nothing is
	// counted lost, and the read cursor stays put.
	rec, ok := r.readOnce()
	assert.Nil(t, rec)
	assert.False(t, ok)
	assert.Zero(t, r.LostSlots())
	assert.Equal(t, w, atomic.LoadUint64(r.u64(offReadCursor)))

	// Once the producer finishes publishing, the record comes through.
	atomic.StoreUint64(r.u64(base+slotOffStamp), uint64(time.Now().UnixNano()))
	var payload [models.RecordWireSize]byte
	require.NoError(t, models.EncodeRecord(testRecord(node, 2), payload[:]))
	copy(r.mem[base+slotHeader:base+slotHeader+models.RecordWireSize], payload[:])
	binary.LittleEndian.PutUint32(r.mem[base+slotOffLen:], models.RecordWireSize)
	atomic.StoreUint32(r.u32(base+slotOffState), slotReady)

	got, err := r.TryRead(time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Sequence)
	assert.Zero(t, r.LostSlots())
}

func TestTwoHandlesShareRegion(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Capacity: 8, SlotSize: 64, Dir: dir}

	producer, err := OpenOrCreate("shared.ring", opts)
	require.NoError(t, err)
	defer func() { _ = producer.Close() }()

	consumer, err := OpenOrCreate("shared.ring", opts)
	require.NoError(t, err)
	defer func() { _ = consumer.Close() }()

	node := uuid.New()
	require.NoError(t, producer.TryWrite(testRecord(node, 42), 0))

	rec, err := consumer.TryRead(time.Second)
	require.NoError(t, err)
	assert.Equal(t, node, rec.NodeID)
	assert.Equal(t, uint64(42), rec.Sequence)
}

func TestClosedRing(t *testing.T) {
	r := openTestRing(t, 8)
	require.NoError(t, r.Close())

	assert.ErrorIs(t, r.TryWrite(testRecord(uuid.New(), 1), 0), ErrClosed)
	_, err := r.Poll()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = r.TryRead(time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)

	// Close is idempotent.
	require.NoError(t, r.Close())
}

func TestSlotSizeRoundedUp(t *testing.T) {
	r, err := OpenOrCreate("round.ring", Options{Capacity: 4, SlotSize: 58, Dir: t.TempDir()})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	assert.Equal(t, uint64(64), r.slotSize)
}

func BenchmarkWriteRead(b *testing.B) {
	r, err := OpenOrCreate("bench.ring", Options{Capacity: 1024, SlotSize: 64, Dir: b.TempDir()})
	if err != nil {
		b.Fatal(err)
	}
	defer func() { _ = r.Close() }()

	node := uuid.New()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rec := testRecord(node, uint64(i))
		if err := r.TryWrite(rec, time.Second); err != nil {
			b.Fatal(err)
		}
		if _, err := r.TryRead(time.Second); err != nil {
			b.Fatal(err)
		}
	}
}

func TestDepthAccounting(t *testing.T) {
	r := openTestRing(t, 8)
	node := uuid.New()

	for i := 0; i < 5; i++ {
		require.NoError(t, r.TryWrite(testRecord(node, uint64(i+1)), 0), fmt.Sprintf("write %d", i))
		assert.Equal(t, uint64(i+1), r.Depth())
	}
	for i := 0; i < 5; i++ {
		_, err := r.Poll()
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(0), r.Depth())
}

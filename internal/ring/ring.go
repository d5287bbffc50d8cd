// Sensorgate - Shared-Memory Sensor Aggregation Gateway
// Copyright 2026 Tessera Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tessera-io/sensorgate

// Package ring implements the shared-memory ring buffer that carries
// SensorRecords from N producer processes to the single gateway consumer.
//
// The region is a file mapped MAP_SHARED by every participant. All
// cross-process coordination happens through atomic operations on the mapped
// memory: a write cursor claimed by producers via compare-and-swap, a read
// cursor advanced only by the consumer, and a per-slot state tag that moves
// strictly EMPTY -> WRITING -> READY -> READING -> EMPTY.
//
// Blocking is implemented as bounded exponential sleep-polling on the mapped
// atomics. Go exposes no portable cross-process futex, and in-process locks
// are invalid across a process boundary; atomics on shared memory are the one
// primitive every participant can use.
//
// Crash tolerance: a producer that dies between claiming a slot and marking
// it READY leaves the slot stuck in WRITING. The consumer steps over such a
// slot after StuckAfter and the slot's content is permanently lost, which is
// the accepted data-loss policy. Producers must therefore publish within
// StuckAfter of claiming; a live producer pausing longer than that inside
// TryWrite is a protocol violation.
package ring

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tessera-io/sensorgate/internal/metrics"
	"github.com/tessera-io/sensorgate/internal/models"
)

// Region format constants. Bumping the layout requires bumping formatVersion;
// a version mismatch is a layout mismatch.
const (
	regionMagic   = 0x53474154 // "SGAT"
	formatVersion = 1

	headerSize = 64

	// Header field offsets. Cursor fields are 8-byte aligned because the
	// mapping is page aligned and the offsets are multiples of 8.
	offMagic       = 0
	offVersion     = 4
	offCapacity    = 8
	offSlotSize    = 12
	offWriteCursor = 16
	offReadCursor  = 24
	offLostSlots   = 32

	// Per-slot header: state tag, payload length, claim timestamp.
	slotOffState = 0
	slotOffLen   = 4
	slotOffStamp = 8
	slotHeader   = 16
)

// Slot states. The tag moves strictly forward through the cycle; only the
// claiming producer writes WRITING/READY and only the consumer writes
// READING/EMPTY.
const (
	slotEmpty uint32 = iota
	slotWriting
	slotReady
	slotReading
)

const (
	minBackoff = time.Microsecond
	maxBackoff = time.Millisecond
)

// Options configures OpenOrCreate.
type Options struct {
	// Capacity is the number of slots. Required when creating.
	Capacity uint32

	// SlotSize is the byte size of one slot including the slot header.
	// Rounded up to a multiple of 8 to keep the claim timestamp aligned.
	// Must fit one wire-format record.
	SlotSize uint32

	// Dir is the directory holding the region file. Defaults to /dev/shm
	// when present, os.TempDir() otherwise.
	Dir string

	// StuckAfter is how long the consumer waits on a non-READY head slot
	// before declaring the writing producer dead and skipping the slot.
	// Default 5s.
	StuckAfter time.Duration
}

// Ring is one attached shared-memory ring buffer. The same type serves both
// producer processes (TryWrite) and the gateway consumer (TryRead/Poll);
// the single-consumer assumption is a deployment contract, not enforced.
type Ring struct {
	f        *os.File
	mem      []byte
	path     string
	capacity uint64
	slotSize uint64

	stuckAfter time.Duration
	closed     atomic.Bool

	// blockedSince tracks, consumer-side only, how long the head slot has
	// been claimed without turning READY. Used for stuck-slot detection of
	// producers that died before publishing WRITING.
	blockedSince time.Time
}

// DefaultDir returns the default directory for region files.
func DefaultDir() string {
	if st, err := os.Stat("/dev/shm"); err == nil && st.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// OpenOrCreate maps the named region, creating and initializing it if absent.
// An existing region whose capacity, slot size, or format version differ from
// the request fails with ErrLayoutMismatch: both sides of the transport must
// agree on the layout at deployment time.
func OpenOrCreate(name string, opts Options) (*Ring, error) {
	if opts.Capacity == 0 {
		return nil, fmt.Errorf("ring: capacity must be positive")
	}
	minSlot := uint32(slotHeader + models.RecordWireSize)
	if opts.SlotSize < minSlot {
		return nil, fmt.Errorf("ring: slot size %d smaller than minimum %d", opts.SlotSize, minSlot)
	}
	// Keep the 8-byte slot fields aligned.
	if rem := opts.SlotSize % 8; rem != 0 {
		opts.SlotSize += 8 - rem
	}
	if opts.Dir == "" {
		opts.Dir = DefaultDir()
	}
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = 5 * time.Second
	}

	path := filepath.Join(opts.Dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ring: open region %s: %w", path, err)
	}

	// Exclusive lock serializes initialization between racing creators.
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("ring: lock region %s: %w", path, err)
	}
	defer func() { _ = unix.Flock(int(f.Fd()), unix.LOCK_UN) }()

	total := int64(headerSize) + int64(opts.Capacity)*int64(opts.SlotSize)

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("ring: stat region %s: %w", path, err)
	}

	fresh := st.Size() == 0
	if fresh {
		if err := f.Truncate(total); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("ring: size region %s: %w", path, err)
		}
	} else {
		// Validate the header before mapping so an incompatible region is
		// rejected without touching its memory.
		hdr := make([]byte, headerSize)
		if _, err := f.ReadAt(hdr, 0); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("ring: read header %s: %w", path, err)
		}
		gotMagic := binary.LittleEndian.Uint32(hdr[offMagic:])
		gotVersion := binary.LittleEndian.Uint32(hdr[offVersion:])
		gotCapacity := binary.LittleEndian.Uint32(hdr[offCapacity:])
		gotSlotSize := binary.LittleEndian.Uint32(hdr[offSlotSize:])
		if gotMagic != regionMagic || gotVersion != formatVersion ||
			gotCapacity != opts.Capacity || gotSlotSize != opts.SlotSize {
			_ = f.Close()
			return nil, fmt.Errorf("%w: region %s has magic=%#x version=%d capacity=%d slot_size=%d, want version=%d capacity=%d slot_size=%d",
				ErrLayoutMismatch, path, gotMagic, gotVersion, gotCapacity, gotSlotSize,
				formatVersion, opts.Capacity, opts.SlotSize)
		}
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("ring: map region %s: %w", path, err)
	}

	r := &Ring{
		f:          f,
		mem:        mem,
		path:       path,
		capacity:   uint64(opts.Capacity),
		slotSize:   uint64(opts.SlotSize),
		stuckAfter: opts.StuckAfter,
	}

	if fresh {
		binary.LittleEndian.PutUint32(mem[offMagic:], regionMagic)
		binary.LittleEndian.PutUint32(mem[offVersion:], formatVersion)
		binary.LittleEndian.PutUint32(mem[offCapacity:], opts.Capacity)
		binary.LittleEndian.PutUint32(mem[offSlotSize:], opts.SlotSize)
	}

	return r, nil
}

// u64 returns an atomically addressable pointer into the mapped region.
func (r *Ring) u64(off uintptr) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.mem[off]))
}

func (r *Ring) u32(off uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[off]))
}

func (r *Ring) slotBase(index uint64) uintptr {
	return uintptr(headerSize + index*r.slotSize)
}

// Capacity returns the slot count.
func (r *Ring) Capacity() uint64 { return r.capacity }

// Depth returns the number of claimed-but-unread slots.
func (r *Ring) Depth() uint64 {
	w := atomic.LoadUint64(r.u64(offWriteCursor))
	rd := atomic.LoadUint64(r.u64(offReadCursor))
	return w - rd
}

// LostSlots returns the count of slots abandoned due to producer death.
func (r *Ring) LostSlots() uint64 {
	return atomic.LoadUint64(r.u64(offLostSlots))
}

// TryWrite serializes the record into the next free slot. When the buffer is
// full it waits up to timeout for the consumer to free a slot, signaling
// backpressure to the caller with ErrFull if none does. A zero timeout means
// a single non-blocking attempt.
func (r *Ring) TryWrite(rec *models.SensorRecord, timeout time.Duration) error {
	if r.closed.Load() {
		return ErrClosed
	}

	var payload [models.RecordWireSize]byte
	if err := models.EncodeRecord(rec, payload[:]); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	backoff := minBackoff
	for {
		w := atomic.LoadUint64(r.u64(offWriteCursor))
		rd := atomic.LoadUint64(r.u64(offReadCursor))
		if w-rd >= r.capacity {
			if timeout <= 0 || !time.Now().Before(deadline) {
				metrics.RingBackpressureTimeouts.Inc()
				return ErrFull
			}
			time.Sleep(backoff)
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// Claim the slot by advancing the cursor. Losing the race just
		// means another producer took this index; try the next.
		if !atomic.CompareAndSwapUint64(r.u64(offWriteCursor), w, w+1) {
			continue
		}

		base := r.slotBase(w % r.capacity)
		// The claim stamp must land before WRITING becomes visible: the
		// consumer's stuck-slot check pairs the WRITING tag with this stamp,
		// and a leftover stamp from the slot's previous occupant would age
		// the claim prematurely.
		atomic.StoreUint64(r.u64(base+slotOffStamp), uint64(time.Now().UnixNano()))
		atomic.StoreUint32(r.u32(base+slotOffState), slotWriting)

		copy(r.mem[base+slotHeader:base+slotHeader+models.RecordWireSize], payload[:])
		binary.LittleEndian.PutUint32(r.mem[base+slotOffLen:], models.RecordWireSize)

		// Publishing READY is the release point: the payload bytes above
		// are visible to the consumer once it observes READY.
		atomic.StoreUint32(r.u32(base+slotOffState), slotReady)
		metrics.RingDepth.Set(float64(r.Depth()))
		return nil
	}
}

// TryRead blocks until the oldest claimed slot is READY, claims it as
// READING, copies the record out, and releases the slot to EMPTY. Returns
// ErrEmpty if no record became readable within timeout.
//
// Single-consumer: only the gateway's consumer goroutine may call this.
func (r *Ring) TryRead(timeout time.Duration) (*models.SensorRecord, error) {
	deadline := time.Now().Add(timeout)
	backoff := minBackoff
	for {
		if r.closed.Load() {
			return nil, ErrClosed
		}
		rec, ok := r.readOnce()
		if ok {
			return rec, nil
		}
		if timeout <= 0 || !time.Now().Before(deadline) {
			return nil, ErrEmpty
		}
		time.Sleep(backoff)
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Poll performs one non-blocking read attempt.
func (r *Ring) Poll() (*models.SensorRecord, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if rec, ok := r.readOnce(); ok {
		return rec, nil
	}
	return nil, ErrEmpty
}

// readOnce attempts to consume the head slot. Returns (nil, false) when
// nothing is consumable right now. Stuck WRITING slots are abandoned after
// stuckAfter so a dead producer cannot wedge the pipeline.
func (r *Ring) readOnce() (*models.SensorRecord, bool) {
	rd := atomic.LoadUint64(r.u64(offReadCursor))
	w := atomic.LoadUint64(r.u64(offWriteCursor))
	if rd == w {
		r.blockedSince = time.Time{}
		return nil, false
	}

	base := r.slotBase(rd % r.capacity)
	state := atomic.LoadUint32(r.u32(base + slotOffState))

	if state == slotReady {
		r.blockedSince = time.Time{}
		atomic.StoreUint32(r.u32(base+slotOffState), slotReading)

		n := binary.LittleEndian.Uint32(r.mem[base+slotOffLen:])
		var rec models.SensorRecord
		err := models.DecodeRecord(r.mem[base+slotHeader:base+slotHeader+uintptr(n)], &rec)

		// Clear the stamp with the release; the next claimant must never
		// inherit an aged one.
		atomic.StoreUint32(r.u32(base+slotOffState), slotEmpty)
		atomic.StoreUint64(r.u64(base+slotOffStamp), 0)
		atomic.StoreUint64(r.u64(offReadCursor), rd+1)
		metrics.RingDepth.Set(float64(r.Depth()))
		if err != nil {
			// Malformed payload length; count as lost and keep going.
			atomic.AddUint64(r.u64(offLostSlots), 1)
			metrics.RingStuckSlotsSkipped.Inc()
			return nil, false
		}
		return &rec, true
	}

	// Slot claimed but not READY: either a producer mid-write (WRITING) or
	// one that died between the cursor claim and the WRITING store (EMPTY).
	now := time.Now()
	stuck := false
	if stamp := atomic.LoadUint64(r.u64(base + slotOffStamp)); state == slotWriting && stamp != 0 {
		stuck = now.Sub(time.Unix(0, int64(stamp))) > r.stuckAfter
	} else {
		if r.blockedSince.IsZero() {
			r.blockedSince = now
		}
		stuck = now.Sub(r.blockedSince) > r.stuckAfter
	}

	if stuck {
		atomic.StoreUint32(r.u32(base+slotOffState), slotEmpty)
		atomic.StoreUint64(r.u64(base+slotOffStamp), 0)
		atomic.StoreUint64(r.u64(offReadCursor), rd+1)
		atomic.AddUint64(r.u64(offLostSlots), 1)
		metrics.RingStuckSlotsSkipped.Inc()
		r.blockedSince = time.Time{}
	}
	return nil, false
}

// Close unmaps the region. The region file remains for other participants.
func (r *Ring) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	err := unix.Munmap(r.mem)
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("ring: close region %s: %w", r.path, err)
	}
	return nil
}

// Unlink removes the region file. Only the region owner (the gateway) should
// call this, after all producers have detached.
func (r *Ring) Unlink() error {
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ring: unlink region %s: %w", r.path, err)
	}
	return nil
}

// Package buffer holds batches pending transmission in a bounded in-memory
// queue shared by the sampling loop (producer) and the transmitter (consumer).
package buffer

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloudpico-beam/internal/telemetry"
)

var (
	ErrFull         = errors.New("buffer full")
	ErrUnknownBatch = errors.New("unknown batch")
	ErrNotInFlight  = errors.New("batch not in flight")
)

// Policy decides what Enqueue does at capacity.
type Policy int

const (
	// PolicyEvictOldest drops the oldest pending batch to make room.
	PolicyEvictOldest Policy = iota
	// PolicyStrict rejects the new batch with ErrFull.
	PolicyStrict
)

func (p Policy) String() string {
	if p == PolicyStrict {
		return "strict"
	}
	return "evict"
}

// ParsePolicy accepts "evict" and "strict".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "evict", "evict_oldest":
		return PolicyEvictOldest, nil
	case "strict":
		return PolicyStrict, nil
	default:
		return PolicyEvictOldest, fmt.Errorf("invalid buffer policy %q (allowed: evict, strict)", s)
	}
}

const DefaultReclaimAfter = 2 * time.Minute

// Options configure a Buffer. In-flight batches not acked within
// ReclaimAfter (default DefaultReclaimAfter) go back to pending.
type Options struct {
	Capacity     int
	Policy       Policy
	ReclaimAfter time.Duration
	Now          func() time.Time
}

// Stats are cumulative counters since construction.
type Stats struct {
	Enqueued  uint64
	Delivered uint64
	Retried   uint64
	Requeued  uint64
	Evicted   uint64
	Dropped   uint64
	Reclaimed uint64
	Rejected  uint64
}

// Lost is every batch that left the buffer without being delivered.
func (s Stats) Lost() uint64 { return s.Evicted + s.Dropped + s.Rejected }

type entry struct {
	batch     telemetry.Batch
	handedOut time.Time
}

// Buffer is safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	entries []*entry // oldest first
	opts    Options
	stats   Stats
	ready   chan struct{}
}

func New(opts Options) *Buffer {
	if opts.Capacity <= 0 {
		opts.Capacity = 1
	}
	if opts.ReclaimAfter <= 0 {
		opts.ReclaimAfter = DefaultReclaimAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Buffer{
		entries: make([]*entry, 0, opts.Capacity),
		opts:    opts,
		ready:   make(chan struct{}, 1),
	}
}

// Enqueue adds b as pending. At capacity the default policy evicts the
// oldest pending batch; if every held batch is in flight nothing can be
// evicted and ErrFull is returned.
func (q *Buffer) Enqueue(b telemetry.Batch) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.opts.Capacity {
		if q.opts.Policy == PolicyStrict {
			q.stats.Rejected++
			return fmt.Errorf("%w: capacity %d", ErrFull, q.opts.Capacity)
		}
		if !q.evictOldestPendingLocked() {
			q.stats.Rejected++
			return fmt.Errorf("%w: %d batches in flight", ErrFull, len(q.entries))
		}
	}

	b.Status = telemetry.StatusPending
	q.entries = append(q.entries, &entry{batch: b})
	q.stats.Enqueued++
	return nil
}

func (q *Buffer) evictOldestPendingLocked() bool {
	for i, e := range q.entries {
		if e.batch.Status == telemetry.StatusPending {
			q.removeLocked(i)
			q.stats.Evicted++
			return true
		}
	}
	return false
}

// Drain hands out up to max of the oldest pending batches and marks them in
// flight. Stale in-flight batches are reclaimed first. A batch is not handed
// out again until it is acked or reclaimed.
func (q *Buffer) Drain(max int) []telemetry.Batch {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	q.reclaimLocked(now)

	if max <= 0 {
		max = len(q.entries)
	}
	var out []telemetry.Batch
	for _, e := range q.entries {
		if len(out) == max {
			break
		}
		if e.batch.Status != telemetry.StatusPending {
			continue
		}
		e.batch.Status = telemetry.StatusInFlight
		e.handedOut = now
		out = append(out, e.batch)
	}
	return out
}

func (q *Buffer) reclaimLocked(now time.Time) {
	for _, e := range q.entries {
		if e.batch.Status != telemetry.StatusInFlight {
			continue
		}
		if now.Sub(e.handedOut) >= q.opts.ReclaimAfter {
			e.batch.Status = telemetry.StatusPending
			e.handedOut = time.Time{}
			q.stats.Reclaimed++
		}
	}
}

// Ack resolves an in-flight batch.
func (q *Buffer) Ack(id uint64, outcome telemetry.Outcome) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("ack %d: %w", id, ErrUnknownBatch)
	}
	e := q.entries[i]
	if e.batch.Status != telemetry.StatusInFlight {
		return fmt.Errorf("ack %d (%s): %w", id, e.batch.Status, ErrNotInFlight)
	}

	switch outcome {
	case telemetry.Delivered:
		q.removeLocked(i)
		q.stats.Delivered++
	case telemetry.Retry:
		e.batch.Status = telemetry.StatusPending
		e.batch.RetryCount++
		e.handedOut = time.Time{}
		q.stats.Retried++
	case telemetry.Requeue:
		e.batch.Status = telemetry.StatusPending
		e.handedOut = time.Time{}
		q.stats.Requeued++
	case telemetry.Drop:
		q.removeLocked(i)
		q.stats.Dropped++
	default:
		return fmt.Errorf("ack %d: invalid outcome %d", id, outcome)
	}
	return nil
}

func (q *Buffer) indexLocked(id uint64) int {
	for i, e := range q.entries {
		if e.batch.ID == id {
			return i
		}
	}
	return -1
}

func (q *Buffer) removeLocked(i int) {
	copy(q.entries[i:], q.entries[i+1:])
	q.entries[len(q.entries)-1] = nil
	q.entries = q.entries[:len(q.entries)-1]
}

// Notify wakes the consumer without blocking.
func (q *Buffer) Notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready fires after Notify. Multiple notifications coalesce.
func (q *Buffer) Ready() <-chan struct{} { return q.ready }

// Len counts pending and in-flight batches.
func (q *Buffer) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Pending counts batches eligible for the next drain, ignoring reclaim.
func (q *Buffer) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if e.batch.Status == telemetry.StatusPending {
			n++
		}
	}
	return n
}

func (q *Buffer) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

func (q *Buffer) Capacity() int { return q.opts.Capacity }

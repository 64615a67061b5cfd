// Package collector implements the activation collector: a bucketed
// time-wheel of quantized collection tickets (spec.md §4.4). It
// decides which idle activations become *eligible* for deactivation;
// it never deactivates anything itself — that's the catalog's job.
package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/silomesh/internal/logging"
)

// Ticket is a quantized collection deadline: all activations whose
// next_quantum(now + age_limit) landed on the same instant share a
// ticket and therefore a bucket.
type Ticket int64

// Handle is the token an activation holds after Schedule, used to
// TryCancel or TryReschedule it later. A Handle embeds its own
// cancellation flag so the sweep-vs-reschedule race (spec.md §4.4) is
// resolved with a single atomic compare-and-swap rather than a lock
// shared with the bucket.
type Handle struct {
	ticket   Ticket
	key      any
	fired    int32 // atomic: 1 once ScanStale has popped this handle
	canceled int32 // atomic: 1 once TryCancel/TryReschedule has claimed it
}

// Ticket reports which bucket this handle currently belongs to.
func (h *Handle) Ticket() Ticket { return h.ticket }

type bucket struct {
	mu      sync.Mutex
	handles map[any]*Handle
}

// Wheel is the bucketed time-wheel. Each bucket is keyed by a
// quantized Ticket and holds the set of activations due at that
// instant; an activation not present in any bucket is exempt from
// collection (e.g. grain services, spec.md §4.4).
type Wheel struct {
	quantum time.Duration
	log     *logging.Logger

	mu      sync.Mutex
	buckets map[Ticket]*bucket
}

// New creates a Wheel quantizing deadlines to the given granularity
// (siloconf.Config.CollectionQuantum).
func New(quantum time.Duration, log *logging.Logger) *Wheel {
	if quantum <= 0 {
		quantum = time.Minute
	}
	return &Wheel{
		quantum: quantum,
		log:     log,
		buckets: map[Ticket]*bucket{},
	}
}

func (w *Wheel) nextQuantum(t time.Time) Ticket {
	q := w.quantum.Nanoseconds()
	n := t.UnixNano()
	return Ticket((n + q - 1) / q * q)
}

func (w *Wheel) bucketFor(ticket Ticket, create bool) *bucket {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.buckets[ticket]
	if !ok {
		if !create {
			return nil
		}
		b = &bucket{handles: map[any]*Handle{}}
		w.buckets[ticket] = b
	}
	return b
}

// Schedule computes ticket = next_quantum(now + ageLimit), inserts a
// new handle keyed by key into that bucket, and returns it — the
// activation records this handle to later call TryCancel or
// TryReschedule (spec.md §4.4).
func (w *Wheel) Schedule(key any, now time.Time, ageLimit time.Duration) *Handle {
	ticket := w.nextQuantum(now.Add(ageLimit))
	h := &Handle{ticket: ticket, key: key}

	b := w.bucketFor(ticket, true)
	b.mu.Lock()
	b.handles[key] = h
	b.mu.Unlock()
	return h
}

// TryCancel removes h from its bucket if its ticket has not yet fired.
// Returns false if ScanStale has already popped it.
func (w *Wheel) TryCancel(h *Handle) bool {
	if !atomic.CompareAndSwapInt32(&h.canceled, 0, 1) {
		return false
	}
	if atomic.LoadInt32(&h.fired) == 1 {
		return false
	}
	b := w.bucketFor(h.ticket, false)
	if b == nil {
		return false
	}
	b.mu.Lock()
	delete(b.handles, h.key)
	b.mu.Unlock()
	return true
}

// TryReschedule atomically moves key to a later bucket computed from
// now+ageLimit, or fails if the current ticket has already fired — in
// which case the in-flight ScanStale sweep will itself observe the
// activation's recent activity and reschedule it (spec.md §4.4).
func (w *Wheel) TryReschedule(h *Handle, now time.Time, ageLimit time.Duration) (*Handle, bool) {
	if atomic.LoadInt32(&h.fired) == 1 {
		return nil, false
	}
	if !atomic.CompareAndSwapInt32(&h.canceled, 0, 1) {
		return nil, false
	}

	old := w.bucketFor(h.ticket, false)
	if old != nil {
		old.mu.Lock()
		delete(old.handles, h.key)
		old.mu.Unlock()
	}

	if atomic.LoadInt32(&h.fired) == 1 {
		// ScanStale won the race after we removed our own entry; the
		// caller must treat this as a failed reschedule.
		return nil, false
	}

	return w.Schedule(h.key, now, ageLimit), true
}

// StaleItem is one popped-and-still-due entry handed back by
// ScanStale for the caller to re-examine under its own activation
// lock.
type StaleItem struct {
	Key    any
	Handle *Handle
}

// ScanStale pops every handle from every bucket whose ticket is <= now
// and returns them for the caller (the catalog) to re-check under each
// activation's own lock — "if still Valid and still idle... transition
// it to Deactivating"; the collector itself never deactivates anything
// (spec.md §4.4).
func (w *Wheel) ScanStale(now time.Time) []StaleItem {
	nowTicket := Ticket(now.UnixNano())

	w.mu.Lock()
	var due []Ticket
	for ticket := range w.buckets {
		if ticket <= nowTicket {
			due = append(due, ticket)
		}
	}
	var buckets []*bucket
	for _, ticket := range due {
		buckets = append(buckets, w.buckets[ticket])
		delete(w.buckets, ticket)
	}
	w.mu.Unlock()

	var out []StaleItem
	for _, b := range buckets {
		b.mu.Lock()
		for key, h := range b.handles {
			if atomic.CompareAndSwapInt32(&h.fired, 0, 1) {
				out = append(out, StaleItem{Key: key, Handle: h})
			}
		}
		b.mu.Unlock()
	}
	return out
}

// Run periodically invokes ScanStale and passes due items to onDue
// until ctx is cancelled, in the teacher's HealthMonitor.Start
// ticker-loop idiom.
func (w *Wheel) Run(ctx context.Context, interval time.Duration, onDue func([]StaleItem)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			items := w.ScanStale(time.Now())
			if len(items) > 0 {
				onDue(items)
			}
		case <-ctx.Done():
			w.log.Infof("collector: wheel stopping, %d pending buckets abandoned", len(w.buckets))
			return
		}
	}
}

// Package scheduler implements the per-activation cooperative turn
// queue (spec.md §4.6): cooperative single-threaded per activation,
// preemptively parallel across activations, with two priority lanes
// (system, application) sharing one worker pool.
package scheduler

import (
	"context"
	"runtime"
	"sync"

	"github.com/dreamware/silomesh/internal/logging"
)

// Lane is the priority lane a WorkItem is submitted on. Submit does not
// consult it: items of both lanes are queued and run alike. Drop
// reports whether an item on a lane is discarded while the silo is in
// "application turns stopped" mode (spec.md §4.6); Scheduler itself
// has no such mode.
type Lane int

const (
	LaneSystem Lane = iota
	LaneApplication
)

// WorkItem is one unit of work scheduled on an activation's queue. Run
// executes the turn synchronously to completion — this scheduler has no
// suspend/resume boundary (spec.md §9 flags a continuation-based
// redesign, modeling a suspension as a re-enqueued follow-up item, as
// future work; no grain class here has an actual await point to
// exercise one). Reentrant marks this item as eligible to overtake
// already-queued, non-reentrant items on a reentrant activation; it is
// never dispatched while another item for the same key is still
// running (spec.md §4.6: reentrant activations "still never
// parallelize" turns).
type WorkItem struct {
	Lane      Lane
	Reentrant bool // whether this specific item may overtake queued items
	Run       func(ctx context.Context)
}

// turnQueue is one activation's FIFO work-item queue plus its turn
// lock. Items within a lane are strict FIFO (spec.md §4.6); the two
// lanes share the same underlying slice, and no dequeue step favors
// one lane over the other, within one activation's queue or across
// activations.
type turnQueue struct {
	mu        sync.Mutex
	items     []WorkItem
	running   bool
	reentrant bool // whether this activation's grain class is reentrant
}

// Scheduler owns every local activation's turn queue and a shared pool
// of goroutines draining a bounded work channel, matching the
// teacher's own preference for a goroutine pool over a channel rather
// than an imported executor abstraction (SPEC_FULL.md §7).
type Scheduler struct {
	log     *logging.Logger
	workers int

	mu     sync.Mutex
	queues map[any]*turnQueue

	work   chan dispatchedItem
	wg     sync.WaitGroup
	stopCh chan struct{}
}

type dispatchedItem struct {
	key  any
	item WorkItem
}

// DefaultSchedulerWorkers returns the worker-pool size used when
// siloconf.Config.SchedulerWorkers is left at zero (SPEC_FULL.md §6).
func DefaultSchedulerWorkers() int {
	return runtime.GOMAXPROCS(0) * 4
}

// New creates a Scheduler with the given number of shared workers
// (siloconf.Config.SchedulerWorkers, defaulting to runtime.GOMAXPROCS(0)*4
// when zero is supplied by the caller — SPEC_FULL.md §6).
func New(workers int, log *logging.Logger) *Scheduler {
	if workers <= 0 {
		workers = DefaultSchedulerWorkers()
	}
	s := &Scheduler{
		log:     log,
		workers: workers,
		queues:  map[any]*turnQueue{},
		work:    make(chan dispatchedItem, workers*4),
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.runWorker()
	}
	return s
}

func (s *Scheduler) runWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case d, ok := <-s.work:
			if !ok {
				return
			}
			s.runItem(d)
		}
	}
}

func (s *Scheduler) runItem(d dispatchedItem) {
	d.item.Run(context.Background())
	s.afterRun(d.key)
}

// afterRun pops the next runnable item (if any) off the queue and
// submits it, releasing the turn lock otherwise. Ordering guarantee:
// two items enqueued in order A, B on the same activation begin in
// order A, B; B cannot begin before A has completed or suspended
// (spec.md §4.6, §5).
func (s *Scheduler) afterRun(key any) {
	s.mu.Lock()
	q, ok := s.queues[key]
	s.mu.Unlock()
	if !ok {
		return
	}

	q.mu.Lock()
	if len(q.items) == 0 {
		q.running = false
		q.mu.Unlock()
		return
	}
	next := q.items[0]
	q.items = q.items[1:]
	q.mu.Unlock()

	select {
	case s.work <- dispatchedItem{key: key, item: next}:
	case <-s.stopCh:
	}
}

// Submit enqueues item on the activation identified by key. If no turn
// is currently running for key, item is dispatched immediately;
// otherwise it waits behind whatever is already queued — in strict
// FIFO order, unless the activation is reentrant and item itself is
// marked Reentrant, in which case it is inserted ahead of any
// already-queued non-reentrant items (spec.md §4.6 "Reentrancy": a
// reentrant activation "may interleave suspended turns with new
// incoming items"). Either way, item never begins until the turn
// currently holding key's queue has returned — two turns for the same
// key are never dispatched concurrently, reentrant or not.
func (s *Scheduler) Submit(key any, reentrant bool, item WorkItem) {
	s.mu.Lock()
	q, ok := s.queues[key]
	if !ok {
		q = &turnQueue{reentrant: reentrant}
		s.queues[key] = q
	}
	s.mu.Unlock()

	q.mu.Lock()
	if !q.running {
		q.running = true
		q.mu.Unlock()
		select {
		case s.work <- dispatchedItem{key: key, item: item}:
		case <-s.stopCh:
		}
		return
	}
	if q.reentrant && item.Reentrant {
		q.items = append([]WorkItem{item}, q.items...)
	} else {
		q.items = append(q.items, item)
	}
	q.mu.Unlock()
}

// Drop reports whether, under the given application-turns-stopped
// flag, an item on lane should be dropped instead of submitted
// (spec.md §4.6: "application items are dropped if the silo is in
// application turns stopped mode").
func Drop(lane Lane, applicationTurnsStopped bool) bool {
	return lane == LaneApplication && applicationTurnsStopped
}

// Shutdown stops accepting new work and waits for in-flight items to
// finish, mirroring the teacher's context-cancellation + WaitGroup
// drain idiom (cmd/node/main.go's graceful shutdown). Queued-but-not-
// yet-dispatched items are abandoned — callers must drain an
// activation's queue themselves before calling Shutdown if they need a
// stronger guarantee (spec.md §4.6 "Cancellation").
func (s *Scheduler) Shutdown() {
	close(s.stopCh)
	s.wg.Wait()
}

// QueueLen reports how many items are waiting (not counting one
// currently running) for the activation identified by key, for tests.
func (s *Scheduler) QueueLen(key any) int {
	s.mu.Lock()
	q, ok := s.queues[key]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

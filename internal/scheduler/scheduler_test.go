package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/silomesh/internal/logging"
)

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *logging.Logger { return logging.New(nopWriter{}, "scheduler-test") }

func TestSubmitRunsSingleItem(t *testing.T) {
	s := New(2, testLogger())
	defer s.Shutdown()

	done := make(chan struct{})
	s.Submit("act-1", false, WorkItem{Run: func(ctx context.Context) { close(done) }})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("work item never ran")
	}
}

func TestOrderingPreservedOnSameActivation(t *testing.T) {
	s := New(4, testLogger())
	defer s.Shutdown()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)

	for i := 1; i <= 3; i++ {
		i := i
		s.Submit("act-order", false, WorkItem{Run: func(ctx context.Context) {
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}})
	}

	wg.Wait()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestDifferentActivationsRunConcurrently(t *testing.T) {
	s := New(4, testLogger())
	defer s.Shutdown()

	var wg sync.WaitGroup
	wg.Add(2)
	start := make(chan struct{})
	release := make(chan struct{})

	s.Submit("act-a", false, WorkItem{Run: func(ctx context.Context) {
		start <- struct{}{}
		<-release
		wg.Done()
	}})
	s.Submit("act-b", false, WorkItem{Run: func(ctx context.Context) {
		start <- struct{}{}
		<-release
		wg.Done()
	}})

	select {
	case <-start:
	case <-time.After(time.Second):
		t.Fatal("first activation never started")
	}
	select {
	case <-start:
	case <-time.After(time.Second):
		t.Fatal("second activation never started concurrently with the first")
	}
	close(release)
	wg.Wait()
}

func TestDropApplicationLaneWhenStopped(t *testing.T) {
	assert.True(t, Drop(LaneApplication, true))
	assert.False(t, Drop(LaneApplication, false))
	assert.False(t, Drop(LaneSystem, true))
}

func TestQueueLenReflectsPendingItems(t *testing.T) {
	s := New(1, testLogger())
	defer s.Shutdown()

	hold := make(chan struct{})
	s.Submit("act-q", false, WorkItem{Run: func(ctx context.Context) { <-hold }})

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		s.Submit("act-q", false, WorkItem{Run: func(ctx context.Context) { wg.Done() }})
	}

	require.Eventually(t, func() bool { return s.QueueLen("act-q") == 2 }, time.Second, time.Millisecond)
	close(hold)
	wg.Wait()
}

// TestReentrantItemOvertakesQueuedNonReentrantItem covers spec.md §8
// scenario 5: while a reentrant activation's turn A is still running, a
// later-submitted reentrant item B overtakes an earlier-submitted
// non-reentrant item C and runs before it — but, per §4.6, never
// concurrently with A or C: at most one turn for the activation ever
// executes at a time.
func TestReentrantItemOvertakesQueuedNonReentrantItem(t *testing.T) {
	s := New(4, testLogger())
	defer s.Shutdown()

	var running int32
	var mu sync.Mutex
	var order []string
	track := func(name string, body func()) func(ctx context.Context) {
		return func(ctx context.Context) {
			if atomic.AddInt32(&running, 1) > 1 {
				t.Errorf("two turns ran concurrently for the same activation")
			}
			body()
			atomic.AddInt32(&running, -1)
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	hold := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(3)

	s.Submit("reentrant-act", true, WorkItem{Reentrant: true, Run: track("A", func() {
		<-hold
		wg.Done()
	})})
	require.Eventually(t, func() bool { return atomic.LoadInt32(&running) == 1 }, time.Second, time.Millisecond)

	// C is queued first but is not reentrant; B arrives after but should
	// overtake it ahead of the wait queue.
	s.Submit("reentrant-act", true, WorkItem{Reentrant: false, Run: track("C", wg.Done)})
	s.Submit("reentrant-act", true, WorkItem{Reentrant: true, Run: track("B", wg.Done)})
	require.Eventually(t, func() bool { return s.QueueLen("reentrant-act") == 2 }, time.Second, time.Millisecond)

	close(hold)
	wg.Wait()

	assert.Equal(t, []string{"A", "B", "C"}, order, "reentrant B must overtake non-reentrant C, but only after A returns")
}

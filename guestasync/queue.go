// Package guestasync implements the guest's single-threaded cooperative
// executor (base spec §4.5): a FIFO queue of runnable tasks, ticked only
// when the host invokes low_level_wasm_poll. The guest never preempts
// itself and never runs concurrently with itself on any module.
package guestasync

import "sync"

// Step is one poll of a Task's underlying work. It returns true when the
// task has completed and should be dropped from the queue for good, false
// if it needs to be woken again later.
type Step func() bool

// Task is a single cooperatively-scheduled unit of guest work.
type Task struct {
	step   Step
	queued bool // guarded by the owning Queue's mutex; true while enqueued
}

// Waker re-enqueues the task it was created for. Calling Waker on an
// already-queued task is idempotent, matching base spec §4.5.
type Waker func()

// Queue is the thread-local-equivalent FIFO of runnable tasks. Since the
// guest is single-threaded by construction (only ever entered via
// low_level_wasm_poll), a single Queue instance is process-wide per the
// base spec's "global state" design note; tests construct their own to
// avoid cross-test interference.
type Queue struct {
	mu    sync.Mutex
	ready []*Task
}

// NewQueue constructs an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

// SpawnLocal wraps step in a Task and enqueues it for the next RunAll.
func (q *Queue) SpawnLocal(step Step) *Task {
	t := &Task{step: step}
	q.enqueue(t)
	return t
}

// Waker returns a Waker bound to t that re-enqueues it on this Queue.
func (q *Queue) Waker(t *Task) Waker {
	return func() { q.enqueue(t) }
}

func (q *Queue) enqueue(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.queued {
		return
	}
	t.queued = true
	q.ready = append(q.ready, t)
}

// RunAll runs exactly the tasks that were queued at entry; tasks scheduled
// during the run (including tasks that re-enqueue themselves because they
// are not yet complete) are processed on the next invocation, never this
// one. It returns the number of tasks it ran, so callers can detect a task
// that never completes across repeated polls (a guest bug, not a host
// one).
func (q *Queue) RunAll() int {
	q.mu.Lock()
	batch := q.ready
	q.ready = nil
	for _, t := range batch {
		t.queued = false
	}
	q.mu.Unlock()

	for _, t := range batch {
		if !t.step() {
			// Not done: the task is responsible for arranging its own
			// wake (e.g. installing a Waker with the layer above); if it
			// re-enqueued itself synchronously within step(), enqueue is
			// idempotent and it will simply run again next RunAll.
			continue
		}
	}
	return len(batch)
}

// Len reports the number of tasks currently queued, for diagnostics/tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

package taskpipeline

import (
	"sync/atomic"
)

// taskNode is the link cell backing one slot in taskQueue's chain. It is
// deliberately separate from Task: the queue's pop algorithm (see TryPop)
// hands the just-vacated node back to whichever Task it popped, so that
// Task's queue-link storage is never the same object the queue still uses
// internally as its dummy. Without that separation, a Task resubmitted
// immediately after being popped could overwrite the link the queue was
// still using to reach whatever was pushed behind it - a real data-loss bug
// in an earlier version of this queue, caught by
// TestTaskQueue_ReuseDoesNotOrphanInterleavedPush.
type taskNode struct {
	next atomic.Pointer[taskNode]
	task *Task
}

// taskQueue is a multi-producer, single-consumer lock-free queue of *Task.
// Any goroutine may Push; only the goroutine currently holding
// pipeline_mutex may TryPop.
//
// It is the classic Michael-Scott/Vyukov single-consumer queue: a stub node
// stands in for "no task" at the head, and every successful TryPop advances
// head to the popped Task's node (which becomes the new dummy), then hands
// the node that used to be the dummy back to the Task as its new link cell. Each Task owns exactly one taskNode at a time (allocated once,
// in NewTask), so steady-state Push/TryPop never allocates - only the node
// identity backing a given Task rotates.
type taskQueue struct { // betteralign:ignore
	_    [sizeOfCacheLine]byte
	head atomic.Pointer[taskNode]
	_    [sizeOfCacheLine - sizeOfAtomicUint64]byte
	tail atomic.Pointer[taskNode]
	_    [sizeOfCacheLine - sizeOfAtomicUint64]byte
	stub taskNode
	len  atomic.Int64
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.head.Store(&q.stub)
	q.tail.Store(&q.stub)
	return q
}

// Push links t at the tail via its current node. Wait-free on platforms
// with an atomic exchange (which atomic.Pointer.Swap always provides on
// Go-supported architectures). t must not currently be linked into any
// queue, and t.node must not be concurrently used by another Push of t.
func (q *taskQueue) Push(t *Task) {
	n := t.node
	n.task = t
	n.next.Store(nil)
	prev := q.tail.Swap(n)
	prev.next.Store(n) // linearization point: n becomes visible to TryPop here
	q.len.Add(1)
}

// TryPop removes and returns the head Task, or (nil, false) if the queue is
// (transiently or actually) empty. A concurrent Push that has swapped the
// tail but not yet stored its predecessor's next pointer can make TryPop
// observe "empty" even though a push is in flight; callers must treat
// numPendingTasks, not TryPop's return, as the source of truth for "is
// there work somewhere in the pipeline".
func (q *taskQueue) TryPop() (*Task, bool) {
	dummy := q.head.Load()
	next := dummy.next.Load()
	if next == nil {
		return nil, false
	}
	popped := next.task
	q.head.Store(next)
	q.len.Add(-1)
	// dummy is now unreachable from any producer's tail pointer - give it to
	// the popped Task as a fresh, safely-reusable link cell.
	popped.node = dummy
	return popped, true
}

// Len returns the approximate number of linked tasks. It is eventually
// consistent with the sequence of Push/TryPop calls, not a linearizable
// snapshot.
func (q *taskQueue) Len() int64 {
	return q.len.Load()
}

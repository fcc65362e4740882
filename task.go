package taskpipeline

import (
	"sync/atomic"
)

// TaskState is the lifecycle state of a Task. Within one submission a Task
// advances TaskNew -> TaskScheduled -> TaskFinished; resubmitting a finished
// Task moves it from TaskFinished back to TaskScheduled.
type TaskState uint32

const (
	// TaskNew is the state of a freshly constructed Task, before submission.
	TaskNew TaskState = iota
	// TaskScheduled is the state of a Task that has been pushed onto the
	// pending queue (or is being processed in-place) but has not yet
	// finished.
	TaskScheduled
	// TaskFinished is the terminal state. Success is stable once observed.
	TaskFinished
)

// String returns a human-readable representation of the state.
func (s TaskState) String() string {
	switch s {
	case TaskNew:
		return "New"
	case TaskScheduled:
		return "Scheduled"
	case TaskFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// CompletionHandler is invoked by the coordinator after a Task finishes.
// It runs on whichever goroutine happened to execute the task (submitter's
// own goroutine on the in-place fast path, or the frame/scheduler goroutine
// otherwise) and must not block on the pipeline.
type CompletionHandler func(*Task)

// waiter is a single-shot binary semaphore, posted at most once and waited
// on at most once. It exists so the completion path (Post) never needs to
// take a mutex - important because the coordinator posts while still
// holding pipeline_mutex for the task being completed.
type waiter chan struct{}

func newWaiter() waiter {
	return make(waiter, 1)
}

func (w waiter) Post() {
	if w != nil {
		w <- struct{}{}
	}
}

func (w waiter) Wait() {
	if w != nil {
		<-w
	}
}

// Task is the opaque submission unit carrying state, result, an optional
// waiter, and an optional completion handler. It is owned by the submitter:
// the coordinator never allocates or frees a Task, and once it observes
// TaskFinished it touches the record no more.
//
// A Task holds its own queue-link cell (node), allocated once in NewTask and
// rotated by taskQueue on every pop, so repeated Push/TryPop cycles never
// allocate. A Task must not be submitted concurrently with itself, and must
// not be reused (pushed a second time) until it has finished and the
// submitter has observed that.
type Task struct { // betteralign:ignore
	_    [sizeOfCacheLine]byte
	node *taskNode // queue-link cell; owned by the queue while enqueued

	state   atomic.Uint32
	success atomic.Bool
	_       [sizeOfCacheLine - 2*sizeOfAtomicUint64]byte

	waiter  waiter
	handler CompletionHandler
	cause   error // set via Fail by a ProcessTask hook that failed with a specific error

	// Fn is the caller-supplied unit of work. The coordinator calls the
	// pipeline's ProcessTask hook with this Task; how Fn (if anything) is
	// interpreted is entirely up to that hook. The field is exported so a
	// pipeline built around function-valued tasks (the common case) need
	// not subclass Task.
	Fn func() error
}

// NewTask constructs a Task in TaskNew state wrapping fn. fn may be nil if
// the pipeline's ProcessTask hook derives work from a subclassed Task
// instead.
func NewTask(fn func() error) *Task {
	return &Task{Fn: fn, node: &taskNode{}}
}

// State returns the task's current lifecycle state.
func (t *Task) State() TaskState {
	return TaskState(t.state.Load())
}

// Success returns the task's result. Valid only once State returns
// TaskFinished; the zero value (false) is returned otherwise.
func (t *Task) Success() bool {
	return t.success.Load()
}

// Err returns nil if the task succeeded, and an *ExecutionFailureError if it
// failed; that error wraps the cause a ProcessTask hook attached via Fail, or
// nil if none was attached. Valid only once State returns TaskFinished.
func (t *Task) Err() error {
	return t.cause
}

// Fail records cause as the reason this task's unit of work failed and
// returns false, so a ProcessTask hook can write:
//
//	return task.Fail(err)
//
// Fail itself just stores cause; the coordinator then wraps it in an
// ExecutionFailureError, which is what Err reports.
func (t *Task) Fail(cause error) bool {
	t.cause = cause
	return false
}

// markScheduled prepares a new or previously-finished Task for submission, transitioning
// TaskNew/TaskFinished -> TaskScheduled. Returns false (AlreadyScheduledError
// territory) if the task is currently TaskScheduled.
func (t *Task) markScheduled() bool {
	for {
		cur := TaskState(t.state.Load())
		if cur == TaskScheduled {
			return false
		}
		if t.state.CompareAndSwap(uint32(cur), uint32(TaskScheduled)) {
			t.cause = nil // clear any cause left over from a prior run of this Task
			return true
		}
	}
}

// finish performs the three-step completion release documented by the
// coordinator: store success (release), store TaskFinished (release), then
// notify the waiter and invoke the handler. After this call returns, the
// coordinator must not touch t again.
func (t *Task) finish(success bool) {
	t.success.Store(success)
	t.state.Store(uint32(TaskFinished))
	t.waiter.Post()
	if t.handler != nil {
		t.handler(t)
	}
}

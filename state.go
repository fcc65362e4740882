package taskpipeline

import (
	"sync/atomic"
)

// ProcessingState tracks the lifecycle of the external asynchronous
// task-processing invocation (the scheduler-callback bridge's view of
// whether a call to ProcessTasks is outstanding).
//
// State Machine:
//
//	NotScheduled -> Scheduled   [scheduleAsync]
//	Scheduled -> Running        [ProcessTasks entry]
//	Running -> NotScheduled     [ProcessTasks exit; re-arming, if any, then goes NotScheduled -> Scheduled]
//	Scheduled -> NotScheduled   [cancelAsync]
type ProcessingState uint32

const (
	// NotScheduled means no call to ProcessTasks is outstanding.
	NotScheduled ProcessingState = iota
	// Scheduled means schedule_task_processing has been called and not yet
	// cancelled or fired.
	Scheduled
	// Running means ProcessTasks is currently executing.
	Running
)

// String returns a human-readable representation of the state.
func (s ProcessingState) String() string {
	switch s {
	case NotScheduled:
		return "NotScheduled"
	case Scheduled:
		return "Scheduled"
	case Running:
		return "Running"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free tri-state machine with cache-line padding,
// generalized from the event-loop teacher's 5-value FastState to this
// package's 3-value ProcessingState.
type fastState struct { // betteralign:ignore
	_ [sizeOfCacheLine]byte
	v atomic.Uint32
	_ [sizeOfCacheLine - sizeOfAtomicUint64]byte
}

func newFastState() *fastState {
	s := &fastState{}
	s.v.Store(uint32(NotScheduled))
	return s
}

// Load returns the current state atomically.
func (s *fastState) Load() ProcessingState {
	return ProcessingState(s.v.Load())
}

// Store atomically stores a new state, bypassing transition validation.
// Used for construction-time initialization and by
// schedulerBridge.exitRunning; all other runtime transitions go through
// TryTransition.
func (s *fastState) Store(state ProcessingState) {
	s.v.Store(uint32(state))
}

// TryTransition attempts to atomically transition from one state to
// another. Returns true if the transition took effect.
func (s *fastState) TryTransition(from, to ProcessingState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

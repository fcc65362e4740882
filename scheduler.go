package taskpipeline

import (
	"sync"
)

// Scheduler is the external collaborator that supplies deferred execution:
// the pipeline asks it to call Pipeline.ProcessTasks at approximately a
// given deadline, or to revoke a pending request. The pipeline makes no
// assumption about which goroutine delivers the scheduled call - it may
// even arrive after a successful Cancel (best-effort cancellation), and
// Pipeline.ProcessTasks tolerates that.
type Scheduler interface {
	// ScheduleTaskProcessing requests a future call to process.ProcessTasks
	// at approximately deadlineNS, on whatever clock basis the Pipeline's
	// own Hooks.NowNS uses - not necessarily Unix-epoch wall time. An
	// implementation that computes a relative delay from deadlineNS (as
	// timerscheduler and unixscheduler both do) must read "now" from that
	// same basis, typically by taking a now func() int64 matching
	// Hooks.NowNS at construction (see timerscheduler.WithNow,
	// unixscheduler.WithNow) rather than calling time.Now() directly.
	ScheduleTaskProcessing(process *Pipeline, deadlineNS int64)

	// CancelTaskProcessing revokes the most recent ScheduleTaskProcessing
	// request for process, if any. Implementations may treat this as
	// best-effort: a previously scheduled call may still fire.
	CancelTaskProcessing(process *Pipeline)
}

// schedulerBridge serializes calls into the external Scheduler behind
// scheduler_mutex, and tracks processingState so schedule/cancel pairs are
// idempotent the way the design requires.
type schedulerBridge struct {
	mu    sync.Mutex
	sched Scheduler
	state *fastState
	stats *Stats
}

func newSchedulerBridge(sched Scheduler, stats *Stats) *schedulerBridge {
	return &schedulerBridge{
		sched: sched,
		state: newFastState(),
		stats: stats,
	}
}

// tryScheduleAsync requests process_tasks at deadlineNS, transitioning
// NotScheduled -> Scheduled. Idempotent: if already Scheduled or Running it
// returns false without calling the external scheduler again. Callers must
// check pending_frames before calling - this bridge has no opinion on
// frame priority, that check belongs to the caller (the priority rule).
func (b *schedulerBridge) tryScheduleAsync(pipe *Pipeline, deadlineNS int64) bool {
	if !b.state.TryTransition(NotScheduled, Scheduled) {
		return false
	}
	b.mu.Lock()
	b.sched.ScheduleTaskProcessing(pipe, deadlineNS)
	b.mu.Unlock()
	b.stats.recordSchedulerInvocation()
	return true
}

// cancelAsync requests revocation of any outstanding schedule, transitioning
// Scheduled -> NotScheduled. No-op if not currently Scheduled (in particular,
// a no-op while Running: the in-flight call owns its own exit transition).
func (b *schedulerBridge) cancelAsync(pipe *Pipeline) {
	if !b.state.TryTransition(Scheduled, NotScheduled) {
		return
	}
	b.mu.Lock()
	b.sched.CancelTaskProcessing(pipe)
	b.mu.Unlock()
	b.stats.recordSchedulerCancellation()
}

// enterRunning transitions Scheduled -> Running on entry to ProcessTasks.
// Tolerates a late, already-cancelled callback: if the state is not
// Scheduled (e.g. a prior CancelTaskProcessing already moved it back to
// NotScheduled racily, or a duplicate delivery finds it already Running),
// enterRunning returns false and the caller should return immediately.
func (b *schedulerBridge) enterRunning() bool {
	return b.state.TryTransition(Scheduled, Running)
}

// exitRunning transitions Running -> NotScheduled unconditionally. Called on
// every ProcessTasks exit path before any re-arming decision is made.
func (b *schedulerBridge) exitRunning() {
	b.state.Store(NotScheduled)
}

// processingState reports the bridge's current ProcessingState. Exposed for
// observability and tests.
func (b *schedulerBridge) processingState() ProcessingState {
	return b.state.Load()
}

package taskpipeline

import (
	"sync"
	"sync/atomic"
)

// Pipeline is the coordination core: it owns pipeline_mutex, the atomics
// that let concurrent submitters and the scheduler bridge decide whether to
// yield, and the precise task-scheduling policy described by the package
// doc comment.
type Pipeline struct { // betteralign:ignore
	hooks       Hooks
	frameSlicer FrameSlicer // nil if hooks does not implement it

	cfg   Config
	clock *deadlineClock

	queue *taskQueue

	pendingTasks  atomic.Int64
	pendingFrames atomic.Int64

	pipelineMutex sync.Mutex

	scheduler *schedulerBridge

	stats *Stats

	logger      Logger
	rateLimiter rateLimiter

	// Fields below are private to whichever goroutine currently holds
	// pipelineMutex; they carry no synchronization of their own.
	samplesProcessed            int64
	enoughSamplesToProcessTasks bool
	subframeTasksDeadlineNS     int64
}

// New constructs a Pipeline. scheduler and hooks are required; opts
// configures the ambient stack (logging, metrics, rate limiting).
func New(scheduler Scheduler, hooks Hooks, cfg Config, opts ...PipelineOption) (*Pipeline, error) {
	resolved, err := resolvePipelineOptions(opts)
	if err != nil {
		return nil, err
	}
	if resolved.expectedTaskCost != nil {
		cfg.ExpectedTaskCost = *resolved.expectedTaskCost
	}
	cfg = defaultConfig(cfg)

	stats := newStats(resolved.metricsEnabled)

	p := &Pipeline{
		hooks:       hooks,
		cfg:         cfg,
		clock:       newDeadlineClock(cfg),
		queue:       newTaskQueue(),
		scheduler:   newSchedulerBridge(scheduler, stats),
		stats:       stats,
		logger:      resolved.logger,
		rateLimiter: resolved.rateLimiter,
	}
	if fs, ok := hooks.(FrameSlicer); ok {
		p.frameSlicer = fs
	}
	return p, nil
}

// NumPendingTasks returns the number of tasks submitted but not yet
// finished. Lock-free; safe from any goroutine.
func (p *Pipeline) NumPendingTasks() int64 {
	return p.pendingTasks.Load()
}

// NumPendingFrames returns the number of in-flight calls to
// ProcessFrameAndTasks. Lock-free; safe from any goroutine.
func (p *Pipeline) NumPendingFrames() int64 {
	return p.pendingFrames.Load()
}

// Stats returns the pipeline's live Stats. Its Snapshot method documents
// the concurrency caveat for reading it.
func (p *Pipeline) Stats() *Stats {
	return p.stats
}

// Schedule submits task for processing. It is non-blocking: on the fast
// path (pipeline idle, inside an interframe window) the task may run
// synchronously on the calling goroutine before Schedule returns; otherwise
// it is left on the pending queue for ProcessTasks or ProcessFrameAndTasks
// to pick up. task's result is always delivered via task.Success after
// handler runs (if set) and/or a ScheduleAndWait caller unblocks - never via
// Schedule's own return value, except for AlreadyScheduledError.
func (p *Pipeline) Schedule(task *Task, handler CompletionHandler) error {
	if !task.markScheduled() {
		return &AlreadyScheduledError{State: task.State()}
	}
	task.handler = handler
	task.waiter = nil // clear any waiter left over from a prior ScheduleAndWait of this Task
	p.submit(task)
	return nil
}

// ScheduleAndWait submits task and blocks until it finishes, returning its
// success. Completion handlers run while the coordinator holds
// pipelineMutex, so a ScheduleAndWait call made from inside one never
// returns: the submitted task cannot run until that mutex is released.
// Schedule does not block and is safe to call from a handler.
func (p *Pipeline) ScheduleAndWait(task *Task) (bool, error) {
	if !task.markScheduled() {
		return false, &AlreadyScheduledError{State: task.State()}
	}
	task.handler = nil // clear any handler left over from a prior Schedule of this Task
	task.waiter = newWaiter()
	p.submit(task)
	task.waiter.Wait()
	return task.Success(), nil
}

// submit pushes task onto the queue and then runs the fast-path/slow-path
// decision common to Schedule and ScheduleAndWait.
func (p *Pipeline) submit(task *Task) {
	p.queue.Push(task)
	p.pendingTasks.Add(1)

	now := p.hooks.NowNS()
	if p.pendingFrames.Load() == 0 && p.clock.interframeWindowAdmits(now) && p.pipelineMutex.TryLock() {
		p.drainInPlace()
		p.pipelineMutex.Unlock()
	}

	if p.pendingTasks.Load() > 0 && p.pendingFrames.Load() == 0 {
		p.armScheduler()
	}
}

// drainInPlace pops and processes tasks one at a time while the interframe
// window admits and no frame is pending. Caller must hold pipelineMutex.
func (p *Pipeline) drainInPlace() {
	for {
		if p.pendingFrames.Load() > 0 {
			return
		}
		if !p.clock.interframeWindowAdmits(p.hooks.NowNS()) {
			return
		}
		task, ok := p.queue.TryPop()
		if !ok {
			return
		}
		p.pendingTasks.Add(-1)
		p.runTask(task, true)
	}
}

// runTask executes one task's unit of work and completes it. Caller must
// hold pipelineMutex (the hooks contract requires it).
func (p *Pipeline) runTask(task *Task, inPlace bool) {
	start := p.hooks.NowNS()
	success := p.hooks.ProcessTask(task)
	latency := p.hooks.NowNS() - start
	p.stats.recordTaskProcessed(inPlace, latency)
	if !success {
		failure := &ExecutionFailureError{Cause: task.cause}
		task.cause = failure
		rateLimitedWarn(p.logger, p.rateLimiter, "task", "task execution failed", failure)
	}
	task.finish(success)
}

// armScheduler requests a future ProcessTasks invocation at the midpoint of
// the next interframe window, subject to the priority rule (never arms
// while a frame is pending).
func (p *Pipeline) armScheduler() {
	if p.pendingFrames.Load() > 0 {
		return
	}
	now := p.hooks.NowNS()
	p.scheduler.tryScheduleAsync(p, p.clock.nextInterframeMidpointNS(now))
}

// ProcessTasks is invoked by the external Scheduler. It never blocks on
// pipelineMutex; on contention, or if a frame is (or becomes) pending, it
// re-arms (if appropriate) and returns immediately.
func (p *Pipeline) ProcessTasks() {
	if !p.scheduler.enterRunning() {
		return // late/duplicate/already-cancelled delivery; tolerate and exit
	}

	if !p.pipelineMutex.TryLock() {
		p.scheduler.exitRunning()
		p.rearmIfWorkRemains()
		return
	}

	for p.pendingTasks.Load() > 0 {
		if p.pendingFrames.Load() > 0 {
			p.stats.recordPreemption()
			rateLimitedWarn(p.logger, p.rateLimiter, "preempt", "task processing preempted by pending frame", nil)
			break
		}
		if !p.clock.interframeWindowAdmits(p.hooks.NowNS()) {
			break
		}
		task, ok := p.queue.TryPop()
		if !ok {
			break
		}
		p.pendingTasks.Add(-1)
		p.runTask(task, false)
	}

	p.pipelineMutex.Unlock()
	p.scheduler.exitRunning()
	p.rearmIfWorkRemains()
}

// rearmIfWorkRemains re-evaluates, under the scheduler bridge's own
// serialization, whether another ProcessTasks invocation should be
// scheduled.
func (p *Pipeline) rearmIfWorkRemains() {
	if p.pendingTasks.Load() > 0 && p.pendingFrames.Load() == 0 {
		p.armScheduler()
	}
}

// ProcessFrameAndTasks is invoked by the audio clock driver. It is the only
// entry point that blocks on pipelineMutex, and the only one that may split
// frame into sub-frames and interleave task windows between them. It
// returns whether every (sub-)frame call to the ProcessFrame hook succeeded.
func (p *Pipeline) ProcessFrameAndTasks(frame any) bool {
	p.pendingFrames.Add(1)
	p.scheduler.cancelAsync(p)
	p.pipelineMutex.Lock()

	frameStart := p.hooks.NowNS()
	numSamples := p.hooks.FrameLength(frame)
	p.clock.updateDeadline(frameStart, numSamples)

	// The coordinator already knows next_frame_deadline - it just wrote it -
	// so it caches the derived exclusion-window boundary for this frame's
	// sub-frame checks instead of going through the seqlock reread path
	// meant for concurrent submitters.
	p.subframeTasksDeadlineNS = p.clock.nextFrameDeadlineNS() - p.clock.noTaskProcHalfInterval

	p.samplesProcessed = 0
	p.enoughSamplesToProcessTasks = false

	ok := true
	for _, sub := range p.subFrames(frame, numSamples) {
		if !p.hooks.ProcessFrame(sub.slice) {
			ok = false
		}

		p.samplesProcessed += int64(sub.n)
		if !p.enoughSamplesToProcessTasks && p.samplesProcessed >= p.clock.minSamplesBetweenTasks {
			p.enoughSamplesToProcessTasks = true
		}

		if p.cfg.EnablePreciseTaskScheduling {
			p.drainSubframeWindow()
		}
	}

	// Decrement pending_frames before releasing pipeline_mutex, then
	// release, then decide re-arming - matching the order the priority rule
	// depends on: armScheduler must see this frame as no longer pending.
	p.pendingFrames.Add(-1)
	p.pipelineMutex.Unlock()

	if p.pendingTasks.Load() > 0 {
		p.armScheduler()
	}

	return ok
}

// drainSubframeWindow processes tasks one-at-a-time between sub-frames,
// re-checking admission after each, until the window closes, the queue
// empties, or a second frame becomes pending (ProcessFrameAndTasks is not
// reentrant on the same Pipeline from two goroutines, but pendingFrames can
// still be incremented by another caller racing on a different goroutine;
// yielding here keeps the priority rule symmetric).
func (p *Pipeline) drainSubframeWindow() {
	windowStart := p.hooks.NowNS()
	windowTotal := p.subframeTasksDeadlineNS - windowStart

	for p.pendingTasks.Load() > 0 {
		if p.pendingFrames.Load() > 1 {
			p.recordSubframeUtilization(windowStart, windowTotal)
			return
		}
		if !p.enoughSamplesToProcessTasks {
			p.recordSubframeUtilization(windowStart, windowTotal)
			return
		}
		if p.hooks.NowNS()+p.clock.expectedTaskCostNS >= p.subframeTasksDeadlineNS {
			p.recordSubframeUtilization(windowStart, windowTotal)
			return
		}
		task, ok := p.queue.TryPop()
		if !ok {
			p.recordSubframeUtilization(windowStart, windowTotal)
			return
		}
		p.pendingTasks.Add(-1)
		p.runTask(task, false)
	}
	p.recordSubframeUtilization(windowStart, windowTotal)
}

// recordSubframeUtilization reports the fraction of the sub-frame task
// window, from windowStart to subframeTasksDeadlineNS, consumed by the time
// drainSubframeWindow is returning. windowTotal <= 0 means the window was
// already closed on entry (nothing to measure).
func (p *Pipeline) recordSubframeUtilization(windowStart, windowTotal int64) {
	if windowTotal <= 0 {
		return
	}
	fraction := float64(p.hooks.NowNS()-windowStart) / float64(windowTotal)
	if fraction < 0 {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}
	p.stats.recordSubframeUtilization(fraction)
}

type subFrame struct {
	slice any
	n     int
}

// subFrames splits frame into chunks of at most maxSamplesBetweenTasks
// samples when precise scheduling is enabled and hooks implements
// FrameSlicer; otherwise it returns frame whole, as the "simple variant"
// the design calls for.
func (p *Pipeline) subFrames(frame any, numSamples int) []subFrame {
	if !p.cfg.EnablePreciseTaskScheduling || p.frameSlicer == nil || int64(numSamples) <= p.clock.maxSamplesBetweenTasks {
		return []subFrame{{slice: frame, n: numSamples}}
	}

	maxN := int(p.clock.maxSamplesBetweenTasks)
	if maxN <= 0 {
		return []subFrame{{slice: frame, n: numSamples}}
	}

	out := make([]subFrame, 0, (numSamples+maxN-1)/maxN)
	for offset := 0; offset < numSamples; offset += maxN {
		n := maxN
		if offset+n > numSamples {
			n = numSamples - offset
		}
		out = append(out, subFrame{slice: p.frameSlicer.Slice(frame, offset, n), n: n})
	}
	return out
}

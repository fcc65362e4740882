// Package taskpipeline provides the task/frame scheduling core of a
// real-time audio pipeline: it arbitrates, on a single serialized pipeline
// resource, between clock-driven frame processing and asynchronously
// submitted control-plane tasks.
//
// # Architecture
//
// [Pipeline] owns pipeline_mutex (a try_lock-first sync.Mutex), a lock-free
// multi-producer single-consumer queue of [Task] records, and a small set
// of atomics (pending tasks/frames counters, a [ProcessingState] machine,
// and a seqlock-protected next-frame deadline) that let concurrent
// submitters decide, without blocking, whether to run a task in place or
// hand it to an external scheduler.
//
// Frame processing always wins: any concurrent task-processing pass yields
// as soon as it observes a pending frame, and [Pipeline.ProcessFrameAndTasks]
// is the only entry point allowed to block on the mutex.
//
// # Precise task scheduling
//
// When enabled, frames longer than the configured sub-frame limit are split,
// and a short task-processing window is opened between consecutive
// sub-frames and between frames - but never inside a configured exclusion
// interval around the next predicted frame start. This lets the pipeline
// interleave control-plane work without missing a frame deadline.
//
// # Thread Safety
//
//   - [Pipeline.Schedule] and [Pipeline.ScheduleAndWait] are safe to call from
//     any goroutine. Schedule may also be called from inside a Task's
//     completion handler; ScheduleAndWait called there never returns, since
//     handlers run while pipeline_mutex is held.
//   - [Pipeline.ProcessTasks] is invoked by the external [Scheduler]; it never
//     blocks on pipeline_mutex (try_lock and retreat).
//   - [Pipeline.ProcessFrameAndTasks] is invoked by the caller's audio clock
//     driver; it is the sole blocking entry point.
//   - [Pipeline.NumPendingTasks] and [Pipeline.NumPendingFrames] are safe,
//     lock-free observability calls.
//
// # Usage
//
//	p, err := taskpipeline.New(scheduler, hooks, taskpipeline.Config{
//	    SampleRate:  48000,
//	    ChannelMask: 0b11,
//	}, taskpipeline.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	p.Schedule(taskpipeline.NewTask(func() error {
//	    return reconfigure(newSampleRate)
//	}), nil)
//
//	for frame := range audioClock {
//	    p.ProcessFrameAndTasks(frame)
//	}
//
// # Error Types
//
// The package surfaces task outcomes through [Task.Success] and [Task.Err];
// the one error an entry point returns itself is [AlreadyScheduledError]:
//   - [ExecutionFailureError]: the pipeline's ProcessTask hook returned
//     failure; wraps whatever cause the hook attached via [Task.Fail] (nil if
//     it returned false without one). The coordinator stores it on the task,
//     so [Task.Err] returns it once [Task.State] reports TaskFinished.
//   - [AlreadyScheduledError]: returned by [Pipeline.Schedule] and
//     [Pipeline.ScheduleAndWait] when a task is resubmitted while still
//     pending; the task is left untouched.
//   - [ErrCancelled]: reserved; not produced by this layer today.
package taskpipeline

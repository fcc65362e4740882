package taskpipeline

// Hooks is the capability set the coordinator is generic over: the
// operations a subclassing pipeline must supply. It is a small interface
// rather than an inheritance hierarchy, per the design's guidance to avoid
// deep hierarchies over polymorphic hooks.
//
// FrameLength, ProcessFrame and ProcessTask are called only while Pipeline
// holds pipeline_mutex. NowNS is also called without it - by Schedule and
// ScheduleAndWait on the submitting goroutine, and when arming the
// Scheduler - so it may run concurrently with the other hooks.
type Hooks interface {
	// NowNS returns the current monotonic time in nanoseconds. Implementations
	// should be cheap; it is called on every admission check.
	NowNS() int64

	// FrameLength returns the number of samples in frame. Called once per
	// Pipeline.ProcessFrameAndTasks call, before any splitting.
	FrameLength(frame any) int

	// ProcessFrame processes one frame or sub-frame slice, returning whether
	// it succeeded. frame is whatever opaque value was passed to
	// Pipeline.ProcessFrameAndTasks, sliced by the coordinator when precise
	// scheduling is enabled via FrameSlicer.
	ProcessFrame(frame any) bool

	// ProcessTask executes a single task's unit of work, returning whether it
	// succeeded. The default Task.Fn-based implementation is provided by
	// FuncHooks; implement this directly to dispatch on a subclassed Task.
	ProcessTask(task *Task) bool
}

// FrameSlicer is an optional extension of Hooks: pipelines that want precise
// sub-frame splitting implement it so the coordinator can carve a frame into
// chunks of at most maxSamples samples each. Pipelines that don't implement
// it are treated as carrying a single, unsplit sub-frame per call; with
// precise scheduling enabled, the sub-frame task window still runs once,
// after the whole frame. FrameLength is still used to size the
// deadline/window computation even then.
type FrameSlicer interface {
	// Slice returns the sub-frame consisting of samples [offset, offset+n)
	// of frame.
	Slice(frame any, offset, n int) any
}

// FuncHooks adapts a NowNS function and Task.Fn-based task execution into
// Hooks, for pipelines that don't need a custom ProcessTask dispatch and
// process frames via a single supplied function. It does not implement
// FrameSlicer, so frames run unsplit regardless of EnablePreciseTaskScheduling.
type FuncHooks struct {
	Now    func() int64
	Length func(frame any) int
	Frame  func(frame any) bool

	// OnError observes ProcessTask failures; optional.
	OnError func(task *Task, err error)
}

// NowNS implements Hooks.
func (h FuncHooks) NowNS() int64 {
	return h.Now()
}

// FrameLength implements Hooks.
func (h FuncHooks) FrameLength(frame any) int {
	return h.Length(frame)
}

// ProcessFrame implements Hooks.
func (h FuncHooks) ProcessFrame(frame any) bool {
	return h.Frame(frame)
}

// ProcessTask implements Hooks by invoking task.Fn, if set. A non-nil error
// is recorded on task via Fail, so it later surfaces through Task.Err.
func (h FuncHooks) ProcessTask(task *Task) bool {
	if task.Fn == nil {
		return true
	}
	err := task.Fn()
	if err != nil {
		if h.OnError != nil {
			h.OnError(task, err)
		}
		return task.Fail(err)
	}
	return true
}

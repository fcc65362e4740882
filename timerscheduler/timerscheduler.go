// Package timerscheduler provides a portable taskpipeline.Scheduler backed
// by time.AfterFunc, for platforms (or tests) where the timerfd/kqueue-based
// unixscheduler backend is unavailable.
package timerscheduler

import (
	"sync"
	"time"

	"github.com/audiopipe/taskpipeline"
)

// Scheduler implements taskpipeline.Scheduler using one time.Timer per
// pipeline it is asked to schedule for. It is safe for concurrent use by
// multiple *taskpipeline.Pipeline instances.
type Scheduler struct {
	mu     sync.Mutex
	timers map[*taskpipeline.Pipeline]*time.Timer
	now    func() int64
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithNow overrides the clock Scheduler uses to convert deadlineNS into a
// relative time.Duration for time.AfterFunc. It must return the same basis
// as the Pipeline's own Hooks.NowNS - the default, time.Now().UnixNano(),
// only agrees with deadlineNS when the pipeline's Hooks.NowNS is itself
// wall-clock Unix-epoch nanoseconds. A Hooks implementation measuring time
// some other way (e.g. nanoseconds since process start) must pass the same
// function here via WithNow, or every scheduled call fires immediately.
func WithNow(now func() int64) Option {
	return func(s *Scheduler) { s.now = now }
}

// New constructs a Scheduler. By default it measures deadlines against
// time.Now().UnixNano(); pass WithNow to match a Hooks.NowNS using a
// different clock basis.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		timers: make(map[*taskpipeline.Pipeline]*time.Timer),
		now:    func() int64 { return time.Now().UnixNano() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScheduleTaskProcessing implements taskpipeline.Scheduler.
func (s *Scheduler) ScheduleTaskProcessing(process *taskpipeline.Pipeline, deadlineNS int64) {
	d := time.Duration(deadlineNS - s.now())
	if d < 0 {
		d = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[process]; ok {
		t.Stop()
	}
	s.timers[process] = time.AfterFunc(d, func() {
		process.ProcessTasks()
	})
}

// CancelTaskProcessing implements taskpipeline.Scheduler. Best-effort: if
// the timer has already fired (or is about to), the callback may still run.
func (s *Scheduler) CancelTaskProcessing(process *taskpipeline.Pipeline) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[process]; ok {
		t.Stop()
		delete(s.timers, process)
	}
}

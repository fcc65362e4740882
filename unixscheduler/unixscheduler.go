// Package unixscheduler provides a taskpipeline.Scheduler backed by a
// platform timer file descriptor (timerfd on Linux, kqueue EVFILT_TIMER on
// Darwin) and a dedicated poller goroutine, grounded on the same
// wake-descriptor pattern the teacher event loop uses to avoid a
// per-schedule goroutine spin-up.
package unixscheduler

import (
	"sync"
	"time"

	"github.com/audiopipe/taskpipeline"
)

// Scheduler implements taskpipeline.Scheduler by arming one platform timer
// descriptor per Pipeline and running a poller goroutine per armed timer.
// Each Pipeline gets at most one outstanding timer at a time; a new
// ScheduleTaskProcessing call re-arms (cancelling any prior wait).
type Scheduler struct {
	mu    sync.Mutex
	timer map[*taskpipeline.Pipeline]*pipelineTimer
	now   func() int64
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithNow overrides the clock Scheduler uses to convert deadlineNS into the
// relative interval it arms the platform timer with. It must return the
// same basis as the Pipeline's own Hooks.NowNS - the default,
// time.Now().UnixNano(), only agrees with deadlineNS when Hooks.NowNS is
// itself wall-clock Unix-epoch nanoseconds; a Hooks measuring time some
// other way (e.g. nanoseconds since process start) must pass the same
// function here, or every scheduled call fires immediately.
func WithNow(now func() int64) Option {
	return func(s *Scheduler) { s.now = now }
}

// New constructs a Scheduler. By default it measures deadlines against
// time.Now().UnixNano(); pass WithNow to match a Hooks.NowNS using a
// different clock basis.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		timer: make(map[*taskpipeline.Pipeline]*pipelineTimer),
		now:   func() int64 { return time.Now().UnixNano() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScheduleTaskProcessing implements taskpipeline.Scheduler.
func (s *Scheduler) ScheduleTaskProcessing(process *taskpipeline.Pipeline, deadlineNS int64) {
	s.mu.Lock()
	pt, ok := s.timer[process]
	if !ok {
		pt = newPipelineTimer(process, s.now)
		s.timer[process] = pt
	}
	s.mu.Unlock()

	pt.arm(deadlineNS)
}

// CancelTaskProcessing implements taskpipeline.Scheduler.
func (s *Scheduler) CancelTaskProcessing(process *taskpipeline.Pipeline) {
	s.mu.Lock()
	pt, ok := s.timer[process]
	s.mu.Unlock()
	if ok {
		pt.cancel()
	}
}

// Close tears down every timer descriptor and poller goroutine the
// Scheduler owns. Close does not stop further use: a ScheduleTaskProcessing
// call after Close creates a fresh timer descriptor and poller for that
// Pipeline.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	timers := s.timer
	s.timer = make(map[*taskpipeline.Pipeline]*pipelineTimer)
	s.mu.Unlock()

	var firstErr error
	for _, pt := range timers {
		if err := pt.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

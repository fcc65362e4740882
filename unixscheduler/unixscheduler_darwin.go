//go:build darwin

package unixscheduler

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/audiopipe/taskpipeline"
)

// pipelineTimer owns one kqueue instance carrying a single EVFILT_TIMER and
// one poller goroutine, arming/disarming the existing kevent instead of
// spinning up a fresh goroutine on every schedule call.
type pipelineTimer struct {
	process *taskpipeline.Pipeline
	now     func() int64

	kq int

	mu      sync.Mutex
	armedAt int64
	closed  bool
}

const timerIdent = 1

func newPipelineTimer(process *taskpipeline.Pipeline, now func() int64) *pipelineTimer {
	kq, err := unix.Kqueue()
	if err != nil {
		kq = -1
	}

	pt := &pipelineTimer{process: process, now: now, kq: kq}
	if kq >= 0 {
		go pt.poll()
	}
	return pt
}

func (pt *pipelineTimer) arm(deadlineNS int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.closed || pt.kq < 0 {
		return
	}
	pt.armedAt = deadlineNS

	d := time.Duration(deadlineNS - pt.now())
	if d < 0 {
		d = 0
	}

	ev := unix.Kevent_t{
		Ident:  timerIdent,
		Filter: unix.EVFILT_TIMER,
		Flags:  unix.EV_ADD | unix.EV_ENABLE | unix.EV_ONESHOT,
		Fflags: unix.NOTE_NSECONDS,
		Data:   d.Nanoseconds(),
	}
	_, _ = unix.Kevent(pt.kq, []unix.Kevent_t{ev}, nil, nil)
}

func (pt *pipelineTimer) cancel() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.closed || pt.kq < 0 {
		return
	}
	pt.armedAt = 0
	ev := unix.Kevent_t{
		Ident:  timerIdent,
		Filter: unix.EVFILT_TIMER,
		Flags:  unix.EV_DELETE,
	}
	_, _ = unix.Kevent(pt.kq, []unix.Kevent_t{ev}, nil, nil)
}

func (pt *pipelineTimer) close() error {
	pt.mu.Lock()
	pt.closed = true
	kq := pt.kq
	pt.kq = -1
	pt.mu.Unlock()
	if kq < 0 {
		return nil
	}
	return unix.Close(kq)
}

// poll blocks in kevent and invokes ProcessTasks on every timer firing,
// until the kqueue descriptor is closed.
func (pt *pipelineTimer) poll() {
	events := make([]unix.Kevent_t, 1)
	for {
		n, err := unix.Kevent(pt.kq, nil, events, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}

		pt.mu.Lock()
		closed := pt.closed
		pt.mu.Unlock()
		if closed {
			return
		}

		pt.process.ProcessTasks()
	}
}

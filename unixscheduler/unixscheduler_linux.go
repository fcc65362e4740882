//go:build linux

package unixscheduler

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/audiopipe/taskpipeline"
)

// pipelineTimer owns one timerfd and one poller goroutine, arming/disarming
// the fd instead of spinning up a fresh goroutine on every schedule call.
type pipelineTimer struct {
	process *taskpipeline.Pipeline
	now     func() int64

	fd int

	mu      sync.Mutex
	armedAt int64 // 0 when disarmed
	closed  bool
}

func newPipelineTimer(process *taskpipeline.Pipeline, now func() int64) *pipelineTimer {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		// Fall back to a never-fires fd-less timer; the scheduler bridge's
		// own try_lock/re-arm discipline in Pipeline keeps this merely
		// latent rather than silently losing task processing forever, since
		// ProcessFrameAndTasks also re-arms on every frame boundary.
		fd = -1
	}

	pt := &pipelineTimer{process: process, now: now, fd: fd}
	if fd >= 0 {
		go pt.poll()
	}
	return pt
}

func (pt *pipelineTimer) arm(deadlineNS int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.closed || pt.fd < 0 {
		return
	}
	pt.armedAt = deadlineNS

	d := time.Duration(deadlineNS - pt.now())
	if d < 0 {
		d = 0
	}
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	_ = unix.TimerfdSettime(pt.fd, 0, &spec, nil)
}

func (pt *pipelineTimer) cancel() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.closed || pt.fd < 0 {
		return
	}
	pt.armedAt = 0
	var spec unix.ItimerSpec // zero value disarms
	_ = unix.TimerfdSettime(pt.fd, 0, &spec, nil)
}

func (pt *pipelineTimer) close() error {
	pt.mu.Lock()
	pt.closed = true
	fd := pt.fd
	pt.fd = -1
	pt.mu.Unlock()
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}

// poll blocks in epoll_wait on the timerfd and invokes ProcessTasks on
// every expiry, until the fd is closed.
func (pt *pipelineTimer) poll() {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return
	}
	defer unix.Close(epfd)

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(pt.fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, pt.fd, &ev); err != nil {
		return
	}

	events := make([]unix.EpollEvent, 1)
	buf := make([]byte, 8)
	for {
		n, err := unix.EpollWait(epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}

		if _, err := unix.Read(pt.fd, buf); err != nil {
			if err == unix.EAGAIN {
				continue
			}
			return
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

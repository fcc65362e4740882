package taskpipeline

import (
	"time"

	"github.com/audiopipe/taskpipeline/internal/seqlock"
)

// deadlineClock tracks next_frame_deadline via a seqlock so submitters can
// read the 64-bit nanosecond timestamp without taking pipeline_mutex, and
// computes the window-admission checks used by the coordinator's precise
// task-scheduling policy.
type deadlineClock struct {
	nextFrameDeadline seqlock.Value

	sampleRate  int
	numChannels int

	minSamplesBetweenTasks int64
	maxSamplesBetweenTasks int64
	noTaskProcHalfInterval int64 // nanoseconds

	expectedTaskCostNS int64
}

func newDeadlineClock(cfg Config) *deadlineClock {
	c := &deadlineClock{
		sampleRate:  cfg.SampleRate,
		numChannels: popcount(cfg.ChannelMask),
	}
	// FrameLength is assumed to report interleaved sample counts (per-channel
	// samples * channel count), matching how Roc-style audio frames size
	// themselves; the per-channel duration-based config is scaled up by
	// numChannels to match.
	c.minSamplesBetweenTasks = samplesForDuration(cfg.SampleRate, cfg.MinFrameLengthBetweenTasks) * int64(c.numChannels)
	c.maxSamplesBetweenTasks = samplesForDuration(cfg.SampleRate, cfg.MaxFrameLengthBetweenTasks) * int64(c.numChannels)
	c.noTaskProcHalfInterval = int64(cfg.TaskProcessingProhibitedInterval / 2)
	c.expectedTaskCostNS = int64(cfg.ExpectedTaskCost)
	return c
}

func popcount(mask uint64) int {
	n := 0
	for mask != 0 {
		n += int(mask & 1)
		mask >>= 1
	}
	if n == 0 {
		n = 1
	}
	return n
}

func samplesForDuration(sampleRate int, d time.Duration) int64 {
	if sampleRate <= 0 {
		return 0
	}
	return int64(d) * int64(sampleRate) / int64(nsPerSecond)
}

const nsPerSecond = 1_000_000_000

// updateDeadline records frameStartNS as the observed start of the frame
// just beginning, and publishes the predicted deadline of the *next* frame
// (frameStartNS + the duration of numSamples samples) for submitters to
// read via NextFrameDeadlineNS.
func (c *deadlineClock) updateDeadline(frameStartNS int64, numSamples int) {
	dur := durationForSamples(c.sampleRate, numSamples, c.numChannels)
	c.nextFrameDeadline.Store(uint64(frameStartNS + dur))
}

func durationForSamples(sampleRate, numSamples, numChannels int) int64 {
	if sampleRate <= 0 || numChannels <= 0 {
		return 0
	}
	perChannel := numSamples / numChannels
	return int64(perChannel) * nsPerSecond / int64(sampleRate)
}

// nextFrameDeadlineNS returns the last-published predicted start of the next
// frame, safe to call from any goroutine without pipeline_mutex.
func (c *deadlineClock) nextFrameDeadlineNS() int64 {
	return int64(c.nextFrameDeadline.Load())
}

// insideNoTaskProcWindow reports whether t falls within the exclusion
// interval around the predicted next frame start.
func (c *deadlineClock) insideNoTaskProcWindow(t int64) bool {
	d := t - c.nextFrameDeadlineNS()
	if d < 0 {
		d = -d
	}
	return d <= c.noTaskProcHalfInterval
}

// interframeWindowAdmits reports whether, at time now, there is comfortable
// slack to run one more task before the next predicted frame start: the
// task's pessimistic cost must land the task's finish time strictly before
// next_frame_deadline, and outside the exclusion window around it.
func (c *deadlineClock) interframeWindowAdmits(now int64) bool {
	finish := now + c.expectedTaskCostNS
	return finish < c.nextFrameDeadlineNS() && !c.insideNoTaskProcWindow(finish)
}

// nextInterframeMidpointNS computes the deadline at which schedule_async
// should ask the external scheduler to re-invoke ProcessTasks: halfway
// between now and the start of the exclusion window before the next
// predicted frame. Once now has reached that start, it returns now; it does
// not look past the current exclusion window to the following interframe
// window.
func (c *deadlineClock) nextInterframeMidpointNS(now int64) int64 {
	windowStart := now
	exclusionStart := c.nextFrameDeadlineNS() - c.noTaskProcHalfInterval
	if windowStart > exclusionStart {
		windowStart = exclusionStart
	}
	if windowStart < now {
		windowStart = now
	}
	mid := windowStart + (exclusionStart-windowStart)/2
	if mid < now {
		mid = now
	}
	return mid
}

package taskpipeline

import (
	"testing"
	"time"
)

func TestPopcount(t *testing.T) {
	cases := map[uint64]int{
		0b0:     1, // zero mask treated as mono, not zero channels
		0b1:     1,
		0b11:    2,
		0b1111:  4,
		1 << 63: 1,
	}
	for mask, want := range cases {
		if got := popcount(mask); got != want {
			t.Errorf("popcount(%b) = %d, want %d", mask, got, want)
		}
	}
}

func TestSamplesForDuration(t *testing.T) {
	got := samplesForDuration(48000, 10*time.Millisecond)
	if want := int64(480); got != want {
		t.Fatalf("samplesForDuration(48000, 10ms) = %d, want %d", got, want)
	}
}

func TestSamplesForDuration_ZeroSampleRate(t *testing.T) {
	if got := samplesForDuration(0, time.Second); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestDurationForSamples_RoundTrip(t *testing.T) {
	const sampleRate = 48000
	const channels = 2
	numSamples := 960 // 480 per-channel samples at stereo interleaving

	got := durationForSamples(sampleRate, numSamples, channels)
	want := int64(10 * time.Millisecond)
	if got != want {
		t.Fatalf("durationForSamples = %dns, want %dns", got, want)
	}
}

func TestDeadlineClock_UpdateDeadline_PublishesNextFrameStart(t *testing.T) {
	c := newDeadlineClock(Config{SampleRate: 48000, ChannelMask: 0b11})

	const frameStart = int64(1_000_000_000)
	const numSamples = 960 // 10ms stereo at 48kHz

	c.updateDeadline(frameStart, numSamples)

	want := frameStart + int64(10*time.Millisecond)
	if got := c.nextFrameDeadlineNS(); got != want {
		t.Fatalf("nextFrameDeadlineNS() = %d, want %d", got, want)
	}
}

func TestDeadlineClock_InterframeWindowAdmits(t *testing.T) {
	c := newDeadlineClock(defaultConfig(Config{
		SampleRate:                       48000,
		ChannelMask:                      0b11,
		TaskProcessingProhibitedInterval: 2 * time.Millisecond,
		ExpectedTaskCost:                 1 * time.Millisecond,
	}))
	c.updateDeadline(0, 480*2) // 10ms frame at 48kHz stereo

	deadline := c.nextFrameDeadlineNS()
	exclusionStart := deadline - c.noTaskProcHalfInterval

	// Comfortably before the exclusion window: task's pessimistic cost still
	// fits before it opens.
	if !c.interframeWindowAdmits(exclusionStart - 2*c.expectedTaskCostNS) {
		t.Fatalf("expected admission well before the exclusion window")
	}
	// Right at the edge of the exclusion window: no room left for the task.
	if c.interframeWindowAdmits(exclusionStart) {
		t.Fatalf("expected rejection once inside the exclusion window's lead-in")
	}
}

func TestDeadlineClock_InsideNoTaskProcWindow(t *testing.T) {
	c := newDeadlineClock(defaultConfig(Config{
		SampleRate:                       48000,
		TaskProcessingProhibitedInterval: 2 * time.Millisecond,
	}))
	c.updateDeadline(0, 480)

	deadline := c.nextFrameDeadlineNS()

	if !c.insideNoTaskProcWindow(deadline) {
		t.Fatalf("expected the deadline itself to be inside the window")
	}
	if c.insideNoTaskProcWindow(deadline + 10*int64(time.Millisecond)) {
		t.Fatalf("expected far-future time to be outside the window")
	}
}

func TestDeadlineClock_NextInterframeMidpointNS_NeverBeforeNow(t *testing.T) {
	c := newDeadlineClock(defaultConfig(Config{SampleRate: 48000}))
	c.updateDeadline(0, 480)

	now := c.nextFrameDeadlineNS() + int64(time.Second) // well past the deadline
	mid := c.nextInterframeMidpointNS(now)
	if mid < now {
		t.Fatalf("nextInterframeMidpointNS(%d) = %d, must not be before now", now, mid)
	}
}

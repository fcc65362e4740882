package taskpipeline

import "sync/atomic"

// Stats holds the pipeline's counters. TasksProcessed*/Preemptions are
// mutated only by the coordinator while it holds pipeline_mutex
// (single-writer, so plain fields suffice). SchedulerInvocations/
// SchedulerCancellations are incremented from the scheduler-callback bridge,
// which is deliberately allowed to run outside pipeline_mutex (it is
// serialized by its own scheduler_mutex instead) - those two counters are
// therefore atomics.
//
// Snapshot is documented, per the design, as not safe to call concurrently
// with other pipeline operations; it exists for tests and benchmarks, not a
// hot-path observability loop.
type Stats struct {
	TasksProcessedTotal   uint64
	TasksProcessedInPlace uint64
	TasksProcessedInFrame uint64
	Preemptions           uint64

	schedulerInvocations   atomic.Uint64
	schedulerCancellations atomic.Uint64

	metricsEnabled bool
	latency        *pSquareMultiQuantile // task execution latency, nanoseconds
	subframeUtil   *pSquareMultiQuantile // fraction of sub-frame window consumed by tasks
}

// percentiles tracked when metrics are enabled via WithMetrics.
var statsPercentiles = []float64{0.50, 0.90, 0.99}

func newStats(metricsEnabled bool) *Stats {
	s := &Stats{metricsEnabled: metricsEnabled}
	if metricsEnabled {
		s.latency = newPSquareMultiQuantile(statsPercentiles...)
		s.subframeUtil = newPSquareMultiQuantile(statsPercentiles...)
	}
	return s
}

func (s *Stats) recordTaskProcessed(inPlace bool, latencyNS int64) {
	s.TasksProcessedTotal++
	if inPlace {
		s.TasksProcessedInPlace++
	} else {
		s.TasksProcessedInFrame++
	}
	if s.metricsEnabled {
		s.latency.Update(float64(latencyNS))
	}
}

func (s *Stats) recordPreemption() {
	s.Preemptions++
}

func (s *Stats) recordSchedulerInvocation() {
	s.schedulerInvocations.Add(1)
}

func (s *Stats) recordSchedulerCancellation() {
	s.schedulerCancellations.Add(1)
}

func (s *Stats) recordSubframeUtilization(fraction float64) {
	if s.metricsEnabled {
		s.subframeUtil.Update(fraction)
	}
}

// LatencyPercentiles returns the current {P50, P90, P99} task execution
// latency estimate, in nanoseconds. All zero if WithMetrics was not enabled.
func (s *Stats) LatencyPercentiles() (p50, p90, p99 float64) {
	if !s.metricsEnabled {
		return 0, 0, 0
	}
	return s.latency.Quantile(0), s.latency.Quantile(1), s.latency.Quantile(2)
}

// SubframeUtilizationPercentiles returns the current {P50, P90, P99}
// estimate of the fraction of each sub-frame task window consumed by task
// processing, in [0, 1]. All zero if WithMetrics was not enabled or no
// sub-frame window has drained yet.
func (s *Stats) SubframeUtilizationPercentiles() (p50, p90, p99 float64) {
	if !s.metricsEnabled {
		return 0, 0, 0
	}
	return s.subframeUtil.Quantile(0), s.subframeUtil.Quantile(1), s.subframeUtil.Quantile(2)
}

// StatsSnapshot is a point-in-time copy of Stats' counters, safe to read
// after the copy without further synchronization.
type StatsSnapshot struct {
	TasksProcessedTotal    uint64
	TasksProcessedInPlace  uint64
	TasksProcessedInFrame  uint64
	Preemptions            uint64
	SchedulerInvocations   uint64
	SchedulerCancellations uint64
	LatencyP50NS           float64
	LatencyP90NS           float64
	LatencyP99NS           float64
	SubframeUtilP50        float64
	SubframeUtilP90        float64
	SubframeUtilP99        float64
}

// Snapshot copies the counters. Not safe to call concurrently with any
// pipeline operation that might still be mutating Stats under
// pipeline_mutex - callers should quiesce the pipeline first, as documented.
func (s *Stats) Snapshot() StatsSnapshot {
	p50, p90, p99 := s.LatencyPercentiles()
	up50, up90, up99 := s.SubframeUtilizationPercentiles()
	return StatsSnapshot{
		TasksProcessedTotal:    s.TasksProcessedTotal,
		TasksProcessedInPlace:  s.TasksProcessedInPlace,
		TasksProcessedInFrame:  s.TasksProcessedInFrame,
		Preemptions:            s.Preemptions,
		SchedulerInvocations:   s.schedulerInvocations.Load(),
		SchedulerCancellations: s.schedulerCancellations.Load(),
		LatencyP50NS:           p50,
		LatencyP90NS:           p90,
		LatencyP99NS:           p99,
		SubframeUtilP50:        up50,
		SubframeUtilP90:        up90,
		SubframeUtilP99:        up99,
	}
}

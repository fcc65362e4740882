// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskpipeline

import (
	"time"

	"github.com/joeycumines/go-catrate"
)

// Config carries the construction-time parameters that convert time-based
// tuning into the sample-based constants the clock model uses.
type Config struct {
	// SampleRate is the pipeline's sample rate in Hz. Required.
	SampleRate int

	// ChannelMask identifies which channels are active; only its population
	// count is used (to size the sample-to-duration conversion when frames
	// are measured in interleaved samples rather than per-channel samples).
	ChannelMask uint64

	// EnablePreciseTaskScheduling turns on frame sub-splitting and
	// inter/sub-frame task windows. When false, frame and task processing
	// simply compete for pipeline_mutex (the "simple" variant).
	EnablePreciseTaskScheduling bool

	// MinFrameLengthBetweenTasks is the minimum elapsed frame-time before
	// in-frame task windows open (tasks are suppressed below this, to
	// amortize per-task overhead).
	MinFrameLengthBetweenTasks time.Duration

	// MaxFrameLengthBetweenTasks is the maximum sub-frame length; frames
	// longer than this are split to give tasks more opportunities to run.
	MaxFrameLengthBetweenTasks time.Duration

	// TaskProcessingProhibitedInterval is the full width of the exclusion
	// window centered on each predicted frame start, during which tasks
	// must not run.
	TaskProcessingProhibitedInterval time.Duration

	// ExpectedTaskCost is the pessimistic per-task execution bound used by
	// window admission checks. See SPEC_FULL.md's resolution of the "expected
	// task cost" open question for the rationale behind the default.
	ExpectedTaskCost time.Duration
}

// defaultConfig returns a Config with the documented defaults applied to
// ExpectedTaskCost, TaskProcessingProhibitedInterval and
// MaxFrameLengthBetweenTasks when they are zero. MinFrameLengthBetweenTasks,
// SampleRate and ChannelMask are left as given (zero SampleRate disables the
// sample-based conversions).
func defaultConfig(cfg Config) Config {
	if cfg.ExpectedTaskCost == 0 {
		cfg.ExpectedTaskCost = time.Millisecond
	}
	if cfg.TaskProcessingProhibitedInterval == 0 {
		cfg.TaskProcessingProhibitedInterval = 2 * time.Millisecond
	}
	if cfg.MaxFrameLengthBetweenTasks == 0 {
		cfg.MaxFrameLengthBetweenTasks = 20 * time.Millisecond
	}
	return cfg
}

// pipelineOptions holds the functional-option-configurable extras: ambient
// logging/metrics/rate-limiting, layered on top of Config.
type pipelineOptions struct {
	logger           Logger
	metricsEnabled   bool
	rateLimiter      *catrate.Limiter
	expectedTaskCost *time.Duration
}

// PipelineOption configures a Pipeline at construction time, following the
// same applyX-interface functional-options idiom as the teacher's
// LoopOption.
type PipelineOption interface {
	applyPipeline(*pipelineOptions) error
}

type pipelineOptionFunc struct {
	f func(*pipelineOptions) error
}

func (o *pipelineOptionFunc) applyPipeline(opts *pipelineOptions) error {
	return o.f(opts)
}

// WithLogger attaches a structured Logger. The default is a no-op logger.
func WithLogger(logger Logger) PipelineOption {
	return &pipelineOptionFunc{func(opts *pipelineOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMetrics enables latency/utilization percentile tracking on Stats.
// Disabled by default to keep the hot path allocation- and branch-free.
func WithMetrics(enabled bool) PipelineOption {
	return &pipelineOptionFunc{func(opts *pipelineOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithExpectedTaskCost overrides Config.ExpectedTaskCost, the pessimistic
// per-task execution bound used by window admission checks. Equivalent to
// setting the Config field directly; provided as a PipelineOption so
// callers that otherwise configure a Pipeline entirely through options
// (logger, metrics, rate limiter) don't need to fall back to the struct
// literal for this one setting.
func WithExpectedTaskCost(d time.Duration) PipelineOption {
	return &pipelineOptionFunc{func(opts *pipelineOptions) error {
		opts.expectedTaskCost = &d
		return nil
	}}
}

// WithRateLimiter attaches a catrate.Limiter used to cap the volume of
// repeated warning-level log entries (task execution failures, preemptions)
// under sustained load. If unset, a default category-scoped limiter allowing
// 1 event per category per second and 10 per category per minute is used.
func WithRateLimiter(limiter *catrate.Limiter) PipelineOption {
	return &pipelineOptionFunc{func(opts *pipelineOptions) error {
		opts.rateLimiter = limiter
		return nil
	}}
}

func resolvePipelineOptions(opts []PipelineOption) (*pipelineOptions, error) {
	cfg := &pipelineOptions{
		logger: NewNoOpLogger(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyPipeline(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.rateLimiter == nil {
		cfg.rateLimiter = catrate.NewLimiter(map[time.Duration]int{
			time.Second: 1,
			time.Minute: 10,
		})
	}
	return cfg, nil
}

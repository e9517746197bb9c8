package scheduler

import "time"

// AdaptiveSizer maintains currentBatchSize per spec.md §4.5: after every
// committed batch it looks at that batch's (duration, peak resident-memory
// delta) and grows or shrinks the next batch size accordingly. This is the
// pipeline's sole load-shedding mechanism — there is deliberately no
// separate circuit breaker layered on top (see DESIGN.md's Open Question
// decisions).
type AdaptiveSizer struct {
	min, max, current int

	targetBatchDuration time.Duration
	highWatermarkBytes  int64
	lowWatermarkBytes   int64
	requiredConsecutive int

	consecutiveGood int
	paused          bool
}

// AdaptiveSizerConfig carries spec.md §4.5's tunables, with its defaults
// (500 / 2 000 / 8 000 batch sizes, 4s target, 2GB high watermark, 3
// consecutive good batches) applied by DefaultAdaptiveSizerConfig.
type AdaptiveSizerConfig struct {
	MinBatch            int
	MaxBatch            int
	InitialBatch        int
	TargetBatchDuration time.Duration
	HighWatermarkBytes  int64
	LowWatermarkBytes   int64
	RequiredConsecutive int
}

// DefaultAdaptiveSizerConfig returns spec.md §4.5's stated defaults.
func DefaultAdaptiveSizerConfig() AdaptiveSizerConfig {
	return AdaptiveSizerConfig{
		MinBatch:            500,
		MaxBatch:            8000,
		InitialBatch:        2000,
		TargetBatchDuration: 4 * time.Second,
		HighWatermarkBytes:  2 * 1024 * 1024 * 1024,
		LowWatermarkBytes:   1 * 1024 * 1024 * 1024,
		RequiredConsecutive: 3,
	}
}

// NewAdaptiveSizer builds a sizer from cfg.
func NewAdaptiveSizer(cfg AdaptiveSizerConfig) *AdaptiveSizer {
	return &AdaptiveSizer{
		min:                 cfg.MinBatch,
		max:                 cfg.MaxBatch,
		current:             cfg.InitialBatch,
		targetBatchDuration: cfg.TargetBatchDuration,
		highWatermarkBytes:  cfg.HighWatermarkBytes,
		lowWatermarkBytes:   cfg.LowWatermarkBytes,
		requiredConsecutive: cfg.RequiredConsecutive,
	}
}

// Current returns the batch size the scheduler should use for its next
// dispatch.
func (a *AdaptiveSizer) Current() int {
	return a.current
}

// Paused reports whether dispatch should stall until memory drops below the
// low watermark, per spec.md §4.5's "pauses dispatch until live memory drops
// below the low watermark."
func (a *AdaptiveSizer) Paused() bool {
	return a.paused
}

// PollMemory re-checks a pause against the live resident-memory delta,
// independent of any batch completing. The scheduler calls this on a short
// timer while paused, since ObserveBatch only runs after a dispatch and
// dispatch is exactly what pausing blocks.
func (a *AdaptiveSizer) PollMemory(currentDeltaBytes int64) {
	if a.paused && currentDeltaBytes < a.lowWatermarkBytes {
		a.paused = false
	}
}

// ObserveBatch feeds the previous batch's duration and peak resident-memory
// delta into the sizer, adjusting Current() and Paused() for the next
// dispatch.
func (a *AdaptiveSizer) ObserveBatch(duration time.Duration, peakMemDeltaBytes int64) {
	if peakMemDeltaBytes >= a.highWatermarkBytes {
		a.current = max(a.current/2, a.min)
		a.consecutiveGood = 0
		a.paused = true
		return
	}

	if a.paused {
		if peakMemDeltaBytes < a.lowWatermarkBytes {
			a.paused = false
		}
		return
	}

	if duration < a.targetBatchDuration && peakMemDeltaBytes < a.lowWatermarkBytes {
		a.consecutiveGood++
		if a.consecutiveGood >= a.requiredConsecutive {
			a.current = min(a.current*2, a.max)
			a.consecutiveGood = 0
		}
		return
	}

	a.consecutiveGood = 0
}

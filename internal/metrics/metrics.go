// Package metrics implements Metrics & Progress (C9): the run's
// docs/sec EWMA, batch-duration percentiles, memory, dead-letter and
// per-rule counters, and the periodic structured-log emission that
// surfaces them. Counters are atomics; the duration window is guarded by
// a small dedicated mutex, matching spec.md §5's "atomic counters /
// lock-free additions; histograms guarded by a fine-grained lock."
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"phimask.dev/internal/rules"
)

// ewmaAlpha weights the most recent batch's rate against the running
// average; 0.3 gives a few-batches settling time without being too jumpy.
const ewmaAlpha = 0.3

// durationWindowCap bounds how many recent batch durations are kept for
// percentile computation, so the window doesn't grow unbounded over a
// multi-hour run.
const durationWindowCap = 1000

// Aggregator accumulates a run's stats and can emit them as a structured
// log line on a fixed interval.
type Aggregator struct {
	docsProcessed   int64
	deadLetterCount int64
	typeMismatches  int64

	mu               sync.Mutex
	ewmaDocsPerSec   float64
	durations        []time.Duration
	ruleSuccess      map[rules.Type]int64
	ruleFailure      map[rules.Type]int64
	peakMemDeltaSeen int64
}

// NewAggregator returns an empty Aggregator ready to record batches.
func NewAggregator() *Aggregator {
	return &Aggregator{
		ruleSuccess: make(map[rules.Type]int64),
		ruleFailure: make(map[rules.Type]int64),
	}
}

// RecordBatch folds one completed batch's outcome into the aggregator:
// docs processed, its wall-clock duration (for the EWMA and the
// percentile window), and the peak resident-memory delta observed while
// it ran (for C5's adaptive signal, surfaced via PeakMemDelta).
func (a *Aggregator) RecordBatch(docCount int, duration time.Duration, peakMemDeltaBytes int64) {
	atomic.AddInt64(&a.docsProcessed, int64(docCount))

	rate := float64(docCount) / duration.Seconds()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ewmaDocsPerSec == 0 {
		a.ewmaDocsPerSec = rate
	} else {
		a.ewmaDocsPerSec = ewmaAlpha*rate + (1-ewmaAlpha)*a.ewmaDocsPerSec
	}

	a.durations = append(a.durations, duration)
	if len(a.durations) > durationWindowCap {
		a.durations = a.durations[len(a.durations)-durationWindowCap:]
	}

	if peakMemDeltaBytes > a.peakMemDeltaSeen {
		a.peakMemDeltaSeen = peakMemDeltaBytes
	}
}

// RecordRuleOutcome tallies one field-level mask attempt's success/failure
// for C9's per-rule counters.
func (a *Aggregator) RecordRuleOutcome(ruleType rules.Type, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ok {
		a.ruleSuccess[ruleType]++
	} else {
		a.ruleFailure[ruleType]++
	}
}

// RecordTypeMismatch tallies one occurrence of C2's "coerce, mask,
// re-coerce failed" fail-open edge case.
func (a *Aggregator) RecordTypeMismatch() {
	atomic.AddInt64(&a.typeMismatches, 1)
}

// RecordDeadLetter tallies one id that exhausted its solo-retry budget.
func (a *Aggregator) RecordDeadLetter() {
	atomic.AddInt64(&a.deadLetterCount, 1)
}

// Snapshot is a point-in-time read of the aggregator's state, suitable
// for logging or for driving C5's adaptive-sizing decisions.
type Snapshot struct {
	DocsProcessed   int64
	DocsPerSecEWMA  float64
	P50BatchMillis  int64
	P95BatchMillis  int64
	DeadLetterCount int64
	TypeMismatches  int64
	PeakMemDelta    int64
	RuleSuccess     map[rules.Type]int64
	RuleFailure     map[rules.Type]int64
}

// Snapshot computes the current Snapshot.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	p50, p95 := percentiles(a.durations)

	ruleSuccess := make(map[rules.Type]int64, len(a.ruleSuccess))
	for k, v := range a.ruleSuccess {
		ruleSuccess[k] = v
	}
	ruleFailure := make(map[rules.Type]int64, len(a.ruleFailure))
	for k, v := range a.ruleFailure {
		ruleFailure[k] = v
	}

	return Snapshot{
		DocsProcessed:   atomic.LoadInt64(&a.docsProcessed),
		DocsPerSecEWMA:  a.ewmaDocsPerSec,
		P50BatchMillis:  p50.Milliseconds(),
		P95BatchMillis:  p95.Milliseconds(),
		DeadLetterCount: atomic.LoadInt64(&a.deadLetterCount),
		TypeMismatches:  atomic.LoadInt64(&a.typeMismatches),
		PeakMemDelta:    a.peakMemDeltaSeen,
		RuleSuccess:     ruleSuccess,
		RuleFailure:     ruleFailure,
	}
}

// percentiles returns the p50/p95 of a sorted copy of durations.
func percentiles(durations []time.Duration) (p50, p95 time.Duration) {
	if len(durations) == 0 {
		return 0, 0
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	p50 = sorted[(len(sorted)-1)*50/100]
	p95 = sorted[(len(sorted)-1)*95/100]
	return p50, p95
}

// LogEvery emits a Snapshot as a structured log line every interval until
// stop is closed. It blocks in the caller's goroutine; callers that want it
// in the background start it with `go`.
func (a *Aggregator) LogEvery(stop <-chan struct{}, interval time.Duration, collection string, log *logrus.Entry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.logSnapshot(collection, log)
		}
	}
}

func (a *Aggregator) logSnapshot(collection string, log *logrus.Entry) {
	s := a.Snapshot()
	log.WithFields(logrus.Fields{
		"evt":             "progress",
		"collection":      collection,
		"docsProcessed":   s.DocsProcessed,
		"docsPerSec":      s.DocsPerSecEWMA,
		"p50BatchMillis":  s.P50BatchMillis,
		"p95BatchMillis":  s.P95BatchMillis,
		"deadLetterCount": s.DeadLetterCount,
		"typeMismatches":  s.TypeMismatches,
	}).Info("progress")
}

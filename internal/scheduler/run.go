package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"phimask.dev/internal/checkpoint"
	"phimask.dev/internal/deadletter"
	"phimask.dev/internal/metrics"
	"phimask.dev/internal/retry"
	"phimask.dev/internal/rules"
	"phimask.dev/internal/store"
	"phimask.dev/internal/workerpool"
)

// defaultMaxSoloRetries bounds the per-id solo-retry path before an id is
// dead-lettered, per spec.md §4.7's default of 3.
const defaultMaxSoloRetries = 3

// memPausePollInterval is how often the scheduler re-samples resident
// memory while dispatch is paused for the high watermark.
const memPausePollInterval = 200 * time.Millisecond

// RunConfig wires every collaborator the scheduler drives, per spec.md
// §4.5's contract run(source, workerPool, sink, checkpoint) -> Stats.
type RunConfig struct {
	CollectionName string
	RunID          string

	Source  store.Source
	Sink    store.Sink
	Pool    *workerpool.Pool
	RuleSet *rules.RuleSet

	Checkpoints    *checkpoint.Store
	Metrics        *metrics.Aggregator
	MemWatcher     *metrics.MemWatcher
	CoverageReport *metrics.CoverageReport
	DeadLetters    *deadletter.Writer

	RetryPolicy    retry.Policy
	Adaptive       AdaptiveSizerConfig
	MaxSoloRetries int

	// CopyMode selects store.Sink.CommitInserts (write masked documents to a
	// destination collection) over CommitUpdates (mask in place), per
	// spec.md §6's in-situ/copy mode switch.
	CopyMode bool

	Limit  int
	DryRun bool

	Log *logrus.Entry
}

// Stats summarizes a completed run, per spec.md §4.5's `-> Stats` return.
type Stats struct {
	DocsProcessed   int64
	DeadLetterCount int64
	LastCommittedID string
	FinalState      State
}

// Scheduler drives the INIT -> DISPATCH -> INFLIGHT -> COMMIT ->
// CHECKPOINTED -> DISPATCH loop spec.md §4.5 diagrams, one batch's full
// round trip at a time: the scheduler hands a batch to the worker pool,
// where a single worker masks all of its documents, waits for that batch's
// result, commits it, advances the checkpoint, and only then dispatches
// the next. This keeps the scheduler's own state machine a single,
// unambiguous current State matching the diagram literally; with one batch
// in flight, at most one of the pool's workers is busy at a time.
type Scheduler struct {
	cfg     RunConfig
	machine *Machine
	sizer   *AdaptiveSizer
	log     *logrus.Entry
}

// NewScheduler builds a Scheduler from cfg, filling in defaults for
// anything left zero.
func NewScheduler(cfg RunConfig) *Scheduler {
	if cfg.MaxSoloRetries <= 0 {
		cfg.MaxSoloRetries = defaultMaxSoloRetries
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.CoverageReport != nil && cfg.RuleSet != nil {
		cfg.CoverageReport.RecordFromRuleSet(cfg.RuleSet)
	}

	return &Scheduler{
		cfg:     cfg,
		machine: NewMachine(),
		sizer:   NewAdaptiveSizer(cfg.Adaptive),
		log:     cfg.Log.WithField("collection", cfg.CollectionName),
	}
}

// State exposes the scheduler's current machine state, for callers that
// want to report it (e.g. a signal handler logging "draining...").
func (s *Scheduler) State() State {
	return s.machine.State()
}

// Run executes the scheduler's full state-machine loop until the cursor
// is exhausted, a fatal error occurs, or ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) (Stats, error) {
	resumeKey, err := s.loadResumePoint()
	if err != nil {
		return Stats{}, err
	}

	cur, err := s.cfg.Source.Open(ctx, resumeKey)
	if err != nil {
		s.fail()
		return Stats{}, fmt.Errorf("scheduler: opening cursor: %w", err)
	}
	defer cur.Close(ctx)

	if err := s.machine.TransitionTo(StateDispatch); err != nil {
		return Stats{}, err
	}

	var (
		lastCommitted string
		docsProcessed int64
		deadLetters   int64
	)

	for {
		if ctx.Err() != nil {
			break
		}
		if s.cfg.Limit > 0 && docsProcessed >= int64(s.cfg.Limit) {
			break
		}
		if s.sizer.Paused() {
			// Spec.md §4.5: dispatch stalls until memory drops below the
			// low watermark. Nothing else will re-evaluate the pause (no
			// batch is inflight to call ObserveBatch), so poll memory
			// directly on a short timer instead of busy-spinning.
			var delta int64
			if s.cfg.MemWatcher != nil {
				delta, _ = s.cfg.MemWatcher.Delta(0)
			}
			s.sizer.PollMemory(delta)
			if s.sizer.Paused() {
				select {
				case <-ctx.Done():
				case <-time.After(memPausePollInterval):
				}
			}
			continue
		}

		batchSize := s.sizer.Current()
		if s.cfg.Limit > 0 {
			if remaining := int64(s.cfg.Limit) - docsProcessed; int64(batchSize) > remaining {
				batchSize = int(remaining)
			}
		}

		docs, err := cur.Next(ctx, batchSize)
		if err != nil {
			s.fail()
			return Stats{}, fmt.Errorf("scheduler: reading batch: %w", err)
		}
		if len(docs) == 0 {
			break
		}

		if err := s.machine.TransitionTo(StateInflight); err != nil {
			return Stats{}, err
		}

		batchID := fmt.Sprintf("%s-%d", s.cfg.RunID, docsProcessed)
		var memBaseline int64
		if s.cfg.MemWatcher != nil {
			memBaseline, _ = s.cfg.MemWatcher.ResidentBytes()
		}
		start := time.Now()
		result := <-s.cfg.Pool.Submit(ctx, workerpool.Batch{BatchID: batchID, Docs: docs})
		duration := time.Since(start)

		if len(result.Docs) != len(docs) {
			// ctx was cancelled before a worker took the batch: nothing in it
			// was masked, so it is neither committed nor checkpointed.
			for _, next := range []State{StateCommit, StateCheckpointed, StateDispatch} {
				if err := s.machine.TransitionTo(next); err != nil {
					return Stats{}, err
				}
			}
			break
		}

		// The delta is sampled once, when the batch returns, against the
		// resident size just before dispatch; it is not a running peak.
		var memDelta int64
		if s.cfg.MemWatcher != nil {
			memDelta, _ = s.cfg.MemWatcher.Delta(memBaseline)
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordBatch(len(docs), duration, memDelta)
		}
		s.recordRuleOutcomes(result)
		s.recordCoverage(result, len(docs))
		s.sizer.ObserveBatch(duration, memDelta)

		if err := s.machine.TransitionTo(StateCommit); err != nil {
			return Stats{}, err
		}

		deadLettered, err := s.commitBatch(ctx, result)
		if err != nil {
			s.fail()
			return Stats{}, err
		}
		docsProcessed += int64(len(docs))
		deadLetters += int64(deadLettered)
		lastCommitted = docs[len(docs)-1].ID

		if err := s.machine.TransitionTo(StateCheckpointed); err != nil {
			return Stats{}, err
		}
		if !s.cfg.DryRun {
			if err := s.saveCheckpoint(lastCommitted, docsProcessed, false); err != nil {
				s.fail()
				return Stats{}, err
			}
		}

		if err := s.machine.TransitionTo(StateDispatch); err != nil {
			return Stats{}, err
		}
	}

	if err := s.machine.TransitionTo(StateDrain); err != nil {
		return Stats{}, err
	}
	if !s.cfg.DryRun {
		if err := s.saveCheckpoint(lastCommitted, docsProcessed, ctx.Err() == nil); err != nil {
			s.fail()
			return Stats{}, err
		}
	}
	if err := s.machine.TransitionTo(StateDone); err != nil {
		return Stats{}, err
	}

	return Stats{
		DocsProcessed:   docsProcessed,
		DeadLetterCount: deadLetters,
		LastCommittedID: lastCommitted,
		FinalState:      s.machine.State(),
	}, nil
}

func (s *Scheduler) recordRuleOutcomes(result workerpool.Result) {
	if s.cfg.Metrics == nil {
		return
	}
	for _, f := range result.Fails {
		s.cfg.Metrics.RecordRuleOutcome(f.RuleType, false)
		if f.Err != nil && f.Err.Error() == "type_mismatch" {
			s.cfg.Metrics.RecordTypeMismatch()
		}
	}
}

// recordCoverage feeds --dry-run's rule-coverage histogram: every rule in
// the set was evaluated against every document in the batch, and a path
// only shows up on the changed side when some document's UpdateOp actually
// touched it.
func (s *Scheduler) recordCoverage(result workerpool.Result, batchDocs int) {
	if s.cfg.CoverageReport == nil || s.cfg.RuleSet == nil {
		return
	}
	for _, rule := range s.cfg.RuleSet.Rules {
		s.cfg.CoverageReport.RecordEvaluationBatch(rule.Path, batchDocs)
	}
	for _, op := range result.Updates {
		for _, path := range op.ChangedPaths {
			s.cfg.CoverageReport.RecordChange(path)
		}
	}
}

// commitBatch writes a worker's updates to the sink, routing any
// partial-bulk-failure ids through the solo-retry-then-dead-letter path
// per spec.md §4.7. It returns the count of ids dead-lettered.
func (s *Scheduler) commitBatch(ctx context.Context, result workerpool.Result) (int, error) {
	if s.cfg.DryRun {
		return 0, nil
	}
	if s.cfg.CopyMode {
		return s.commitCopy(ctx, result)
	}
	if len(result.Updates) == 0 {
		return 0, nil
	}

	var ack store.Ack
	err := s.cfg.RetryPolicy.Do(ctx, func() error {
		var commitErr error
		ack, commitErr = s.cfg.Sink.CommitUpdates(ctx, result.Updates)
		return commitErr
	})
	if err != nil {
		return 0, fmt.Errorf("scheduler: committing batch: %w", err)
	}

	deadLettered := 0
	for _, failed := range ack.Failed {
		op := findOp(result.Updates, failed.ID)
		if op == nil {
			continue
		}

		soloErr := s.soloRetry(ctx, *op)
		if soloErr == nil {
			continue
		}
		deadLettered++
		s.deadLetter(op.ID, soloErr)
	}

	return deadLettered, nil
}

// commitCopy is commitBatch's copy-mode counterpart: it inserts each
// worker's full masked Document into the destination collection rather
// than updating the source in place.
func (s *Scheduler) commitCopy(ctx context.Context, result workerpool.Result) (int, error) {
	if len(result.Docs) == 0 {
		return 0, nil
	}

	var ack store.Ack
	err := s.cfg.RetryPolicy.Do(ctx, func() error {
		var commitErr error
		ack, commitErr = s.cfg.Sink.CommitInserts(ctx, result.Docs)
		return commitErr
	})
	if err != nil {
		return 0, fmt.Errorf("scheduler: committing batch: %w", err)
	}

	deadLettered := 0
	for _, failed := range ack.Failed {
		doc := findDoc(result.Docs, failed.ID)
		if doc == nil {
			continue
		}

		soloErr := s.soloRetryInsert(ctx, *doc)
		if soloErr == nil {
			continue
		}
		deadLettered++
		s.deadLetter(doc.ID, soloErr)
	}

	return deadLettered, nil
}

// deadLetter records and logs one id that exhausted its solo-retry budget,
// shared by both the in-situ and copy commit paths.
func (s *Scheduler) deadLetter(id string, cause error) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordDeadLetter()
	}
	if s.cfg.DeadLetters != nil {
		_ = s.cfg.DeadLetters.Write(deadletter.Entry{
			CollectionName: s.cfg.CollectionName,
			RunID:          s.cfg.RunID,
			DocID:          id,
			Reason:         cause.Error(),
			Timestamp:      timeNow(),
		})
	}
	s.log.WithFields(logrus.Fields{
		"evt":   "dead_letter",
		"docId": id,
	}).Warn("id exhausted solo-retry budget")
}

// soloRetry attempts op alone, up to MaxSoloRetries times under the
// configured backoff policy.
func (s *Scheduler) soloRetry(ctx context.Context, op store.UpdateOp) error {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxSoloRetries; attempt++ {
		err := s.cfg.RetryPolicy.Do(ctx, func() error {
			ack, commitErr := s.cfg.Sink.CommitUpdates(ctx, []store.UpdateOp{op})
			if commitErr != nil {
				return commitErr
			}
			for _, f := range ack.Failed {
				if f.ID == op.ID {
					return f.Err
				}
			}
			return nil
		})
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// soloRetryInsert is soloRetry's copy-mode counterpart.
func (s *Scheduler) soloRetryInsert(ctx context.Context, doc store.Document) error {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxSoloRetries; attempt++ {
		err := s.cfg.RetryPolicy.Do(ctx, func() error {
			ack, commitErr := s.cfg.Sink.CommitInserts(ctx, []store.Document{doc})
			if commitErr != nil {
				return commitErr
			}
			for _, f := range ack.Failed {
				if f.ID == doc.ID {
					return f.Err
				}
			}
			return nil
		})
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func findOp(ops []store.UpdateOp, id string) *store.UpdateOp {
	for i := range ops {
		if ops[i].ID == id {
			return &ops[i]
		}
	}
	return nil
}

func findDoc(docs []store.Document, id string) *store.Document {
	for i := range docs {
		if docs[i].ID == id {
			return &docs[i]
		}
	}
	return nil
}

func (s *Scheduler) loadResumePoint() (any, error) {
	if s.cfg.Checkpoints == nil {
		return nil, nil
	}

	cp, err := s.cfg.Checkpoints.Load(s.cfg.CollectionName, s.cfg.RunID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: loading checkpoint: %w", err)
	}
	if cp == nil {
		return nil, nil
	}
	return cp.LastKey, nil
}

func (s *Scheduler) saveCheckpoint(lastKey string, count int64, done bool) error {
	if s.cfg.Checkpoints == nil {
		return nil
	}
	return s.cfg.Checkpoints.Save(s.cfg.RunID, checkpoint.Checkpoint{
		CollectionName: s.cfg.CollectionName,
		LastKey:        lastKey,
		Count:          int(count),
		Done:           done,
		CreatedAt:      timeNow(),
	})
}

func (s *Scheduler) fail() {
	_ = s.machine.TransitionTo(StateFailed)
}

// timeNow is a seam so tests that compare Checkpoint.CreatedAt don't need
// wall-clock time; production code always calls time.Now.
var timeNow = func() time.Time { return time.Now() }

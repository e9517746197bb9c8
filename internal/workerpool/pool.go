// Package workerpool implements the Worker Pool (C6): a fixed set of
// goroutines that each own a PRNG and independently mask batches of
// documents. Grounded on the teacher's worker/pool.go Pool/Worker
// start/stop lifecycle, generalized from its named-queue job model to
// spec.md §4.6's batch-in/updates-out model (Submit(batch) → <-chan Result).
package workerpool

import (
	"context"
	"math/rand"
	"runtime"

	"phimask.dev/internal/maskdoc"
	"phimask.dev/internal/rules"
	"phimask.dev/internal/store"
	"phimask.dev/internal/transform"
)

// Batch is the unit of work handed to one worker; it mirrors the
// BatchEnvelope data-model entry, owned by exactly one worker for its
// lifetime.
type Batch struct {
	BatchID string
	Docs    []store.Document
}

// Result is what a worker produces for one Batch: the UpdateOps ready for
// the sink, plus any per-rule Failures for C9's counters. Updates whose
// ChangedPaths is empty are no-ops the sink should skip.
type Result struct {
	BatchID string
	Updates []store.UpdateOp
	Docs    []store.Document
	Fails   []transform.Failure
}

// Pool runs N workers, each with its own *rand.Rand seeded from
// (runID, workerIndex), never shared across goroutines. Workers share
// nothing but the RuleSet (read-only once loaded, per C1's ownership rule).
type Pool struct {
	jobs    chan job
	stop    chan struct{}
	ruleSet *rules.RuleSet
}

type job struct {
	batch  Batch
	result chan<- Result
}

// DefaultWorkerCount returns min(logical_cores, 32) per spec.md §4.6.
func DefaultWorkerCount() int {
	n := runtime.NumCPU()
	if n > 32 {
		return 32
	}
	if n < 1 {
		return 1
	}
	return n
}

// New starts a pool of workerCount goroutines masking documents against
// ruleSet, each seeded deterministically from (runID, workerIndex).
func New(ctx context.Context, runID string, ruleSet *rules.RuleSet, workerCount int) *Pool {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount()
	}

	p := &Pool{
		jobs:    make(chan job),
		stop:    make(chan struct{}),
		ruleSet: ruleSet,
	}

	for i := 0; i < workerCount; i++ {
		rng := maskdoc.NewWorkerRand(runID, i)
		go p.runWorker(ctx, rng)
	}

	return p
}

func (p *Pool) runWorker(ctx context.Context, rng *rand.Rand) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			j.result <- p.process(j.batch, rng)
		}
	}
}

func (p *Pool) process(batch Batch, rng *rand.Rand) Result {
	result := Result{BatchID: batch.BatchID}
	result.Updates = make([]store.UpdateOp, 0, len(batch.Docs))
	result.Docs = make([]store.Document, 0, len(batch.Docs))

	for _, doc := range batch.Docs {
		newDoc, op, failures := transform.Apply(doc, p.ruleSet, rng)
		result.Docs = append(result.Docs, newDoc)
		if len(op.ChangedPaths) > 0 {
			result.Updates = append(result.Updates, op)
		}
		result.Fails = append(result.Fails, failures...)
	}
	return result
}

// Submit hands batch to a free worker and returns a channel that receives
// exactly one Result once processing completes. If ctx is done before a
// worker takes the batch, the channel instead receives a Result carrying
// only the BatchID, with no Docs or Updates. Submit blocks if every
// worker is busy, providing the natural backpressure spec.md §4.5 asks the
// scheduler to layer a bounded channel on top of.
func (p *Pool) Submit(ctx context.Context, batch Batch) <-chan Result {
	resultCh := make(chan Result, 1)
	select {
	case p.jobs <- job{batch: batch, result: resultCh}:
	case <-ctx.Done():
		resultCh <- Result{BatchID: batch.BatchID}
		close(resultCh)
	}
	return resultCh
}

// Stop signals every worker goroutine to exit. It does not wait for
// in-flight Submits; callers drain their outstanding result channels first.
func (p *Pool) Stop() {
	close(p.stop)
}

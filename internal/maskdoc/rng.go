package maskdoc

import (
	"hash/fnv"
	"math/rand"
)

// SeedForWorker derives a deterministic *rand.Rand seed from (runID,
// workerID) per spec §4.2: "One PRNG per worker, seeded from (runId,
// workerId); surrogates must not be derivable from original values." Using
// a hash of the run/worker pair (rather than the original value) is what
// makes surrogates independent of the PHI they replace.
func SeedForWorker(runID string, workerID int) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(runID))
	_, _ = h.Write([]byte{byte(workerID), byte(workerID >> 8), byte(workerID >> 16), byte(workerID >> 24)})
	return int64(h.Sum64())
}

// NewWorkerRand builds the per-worker PRNG. Workers never share *rand.Rand
// instances — each owns one for its entire lifetime, so no locking is
// needed around draws.
func NewWorkerRand(runID string, workerID int) *rand.Rand {
	return rand.New(rand.NewSource(SeedForWorker(runID, workerID)))
}

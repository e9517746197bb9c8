package metrics

import (
	"sort"
	"sync"

	"phimask.dev/internal/rules"
)

// CoverageReport tallies, per rule path, how many documents actually had
// that path present and changed versus how many the rule was evaluated
// against. It backs --dry-run's rule-coverage histogram, since a dry run
// skips C7 entirely and this is the only signal an operator gets about
// whether their rule file actually matches the data.
type CoverageReport struct {
	mu        sync.Mutex
	evaluated map[string]int64
	changed   map[string]int64
}

// NewCoverageReport returns an empty report.
func NewCoverageReport() *CoverageReport {
	return &CoverageReport{
		evaluated: make(map[string]int64),
		changed:   make(map[string]int64),
	}
}

// RecordEvaluation tallies one rule path being considered for one
// document, whether or not it ultimately changed the value.
func (c *CoverageReport) RecordEvaluation(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evaluated[path]++
}

// RecordEvaluationBatch tallies path being considered for n documents at
// once, the batch-sized equivalent of calling RecordEvaluation n times.
func (c *CoverageReport) RecordEvaluationBatch(path string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evaluated[path] += int64(n)
}

// RecordChange tallies one rule path actually producing a changed value.
func (c *CoverageReport) RecordChange(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changed[path]++
}

// CoverageEntry is one row of the rule-coverage histogram.
type CoverageEntry struct {
	Path      string
	Evaluated int64
	Changed   int64
}

// Rows returns the histogram sorted by path, for deterministic reporting.
func (c *CoverageReport) Rows() []CoverageEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	paths := make(map[string]struct{}, len(c.evaluated))
	for p := range c.evaluated {
		paths[p] = struct{}{}
	}
	for p := range c.changed {
		paths[p] = struct{}{}
	}

	rows := make([]CoverageEntry, 0, len(paths))
	for p := range paths {
		rows = append(rows, CoverageEntry{Path: p, Evaluated: c.evaluated[p], Changed: c.changed[p]})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Path < rows[j].Path })
	return rows
}

// RecordFromRuleSet seeds the evaluated side of the report with every
// path in ruleSet, so a path that never matched any document still shows
// up as a zero row rather than being silently absent from the report.
func (c *CoverageReport) RecordFromRuleSet(ruleSet *rules.RuleSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range ruleSet.Rules {
		if _, ok := c.evaluated[r.Path]; !ok {
			c.evaluated[r.Path] = 0
		}
	}
}

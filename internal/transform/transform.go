// Package transform implements the Document Transformer (C3): a depth-first
// walker that applies a RuleSet to one Document and reports which field
// paths actually changed. Grounded on the teacher's db/couchdb_jsonld.go
// recursive map-walking style, generalized from JSON-LD term expansion to
// rule-path-driven field masking.
package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strconv"

	"phimask.dev/internal/maskdoc"
	"phimask.dev/internal/rules"
	"phimask.dev/internal/store"
)

// Failure records a rule that could not be applied at a specific path,
// without aborting the rest of the document. Fed to C9 for its
// type-mismatch / per-rule-failure counters.
type Failure struct {
	DocID    string
	Path     string
	RuleType rules.Type
	Err      error
}

type applyState struct {
	root      map[string]any
	changes   []string
	newValues map[string]any
	failures  []Failure
}

// Apply runs every rule in ruleSet against doc in registry order and returns
// a deep-copied, masked Document plus an UpdateOp describing exactly which
// paths changed (sorted, per I4). The input Document is never mutated. A
// rule whose path resolves through a missing intermediate segment is simply
// skipped (I2's "no field is created" for nulls); a rule whose Variant fails
// open, or whose application panics, is recorded as a Failure and the
// original value at that path is left in place.
func Apply(doc store.Document, ruleSet *rules.RuleSet, rng *rand.Rand) (store.Document, store.UpdateOp, []Failure) {
	newFields, _ := deepCopyValue(doc.Fields).(map[string]any)
	if newFields == nil {
		newFields = map[string]any{}
	}

	state := &applyState{root: newFields, newValues: map[string]any{}}

	for _, rule := range ruleSet.Rules {
		segs := splitPath(rule.Path)
		applyRuleSafely(state, newFields, segs, nil, nil, rule, rng, doc.ID)
	}

	sort.Strings(state.changes)
	newValues := make([]any, len(state.changes))
	for i, p := range state.changes {
		newValues[i] = state.newValues[p]
	}

	op := store.UpdateOp{
		ID:           doc.ID,
		ChangedPaths: state.changes,
		NewValues:    newValues,
		OriginalHash: hashDocument(doc.Fields),
	}
	return store.Document{ID: doc.ID, Fields: newFields}, op, state.failures
}

// applyRuleSafely recovers a panic from anywhere inside one rule's
// application so that one bad rule/value combination never aborts the rest
// of the document.
func applyRuleSafely(state *applyState, container any, segs []segment, trail []string, indices []int, rule rules.Rule, rng *rand.Rand, docID string) {
	defer func() {
		if r := recover(); r != nil {
			state.failures = append(state.failures, Failure{
				DocID:    docID,
				Path:     rule.Path,
				RuleType: rule.Type,
				Err:      fmt.Errorf("panic applying rule: %v", r),
			})
		}
	}()
	apply(state, container, segs, trail, indices, rule, rng, docID)
}

func apply(state *applyState, container any, segs []segment, trail []string, indices []int, rule rules.Rule, rng *rand.Rand, docID string) {
	if len(segs) == 0 {
		return
	}
	seg, rest := segs[0], segs[1:]

	switch seg.kind {
	case segmentKey:
		m, ok := container.(map[string]any)
		if !ok {
			return
		}
		val, present := m[seg.key]
		if !present {
			return
		}
		nextTrail := append(append([]string{}, trail...), seg.key)
		if len(rest) == 0 {
			applyLeaf(state, m, seg.key, val, nextTrail, indices, rule, rng, docID)
			return
		}
		apply(state, val, rest, nextTrail, indices, rule, rng, docID)

	case segmentWildcard:
		arr, ok := container.([]any)
		if !ok {
			return
		}
		for i, elem := range arr {
			nextTrail := append(append([]string{}, trail...), strconv.Itoa(i))
			nextIndices := append(append([]int{}, indices...), i)
			if len(rest) == 0 {
				applyLeafArray(state, arr, i, elem, nextTrail, nextIndices, rule, rng, docID)
				continue
			}
			apply(state, elem, rest, nextTrail, nextIndices, rule, rng, docID)
		}
	}
}

func applyLeaf(state *applyState, m map[string]any, key string, val any, trail []string, indices []int, rule rules.Rule, rng *rand.Rand, docID string) {
	if rule.Condition != nil && !evaluateCondition(state.root, rule.Condition, rule.Path, indices) {
		return
	}
	result := maskdoc.Mask(val, rule, rng)
	recordResult(state, result, func(newVal any) { m[key] = newVal }, trail, rule, docID)
}

func applyLeafArray(state *applyState, arr []any, idx int, val any, trail []string, indices []int, rule rules.Rule, rng *rand.Rand, docID string) {
	if rule.Condition != nil && !evaluateCondition(state.root, rule.Condition, rule.Path, indices) {
		return
	}
	result := maskdoc.Mask(val, rule, rng)
	recordResult(state, result, func(newVal any) { arr[idx] = newVal }, trail, rule, docID)
}

func recordResult(state *applyState, result maskdoc.Result, assign func(any), trail []string, rule rules.Rule, docID string) {
	if !result.AppliedOk {
		if result.Reason != "" {
			state.failures = append(state.failures, Failure{
				DocID:    docID,
				Path:     joinPath(trail),
				RuleType: rule.Type,
				Err:      fmt.Errorf("%s", result.Reason),
			})
		}
		return
	}
	if !result.Changed {
		return
	}
	path := joinPath(trail)
	assign(result.Value)
	state.changes = append(state.changes, path)
	state.newValues[path] = result.Value
}

// evaluateCondition resolves a Condition's path against root, substituting
// indices positionally into any wildcard segments the condition path
// contains, up to however many indices the triggering rule path already
// consumed. A condition path with more wildcards than that falls back to
// index 0, which keeps evaluation deterministic without needing a separate
// sub-traversal.
func evaluateCondition(root map[string]any, cond *rules.Condition, rulePath string, indices []int) bool {
	path := cond.Path
	if path == "" {
		path = rulePath
	}
	segs := splitPath(path)

	var node any = root
	idxCursor := 0
	for _, seg := range segs {
		switch seg.kind {
		case segmentKey:
			m, ok := node.(map[string]any)
			if !ok {
				return cond.Exists != nil && !*cond.Exists
			}
			val, present := m[seg.key]
			if !present {
				return cond.Exists != nil && !*cond.Exists
			}
			node = val
		case segmentWildcard:
			arr, ok := node.([]any)
			if !ok {
				return cond.Exists != nil && !*cond.Exists
			}
			i := 0
			if idxCursor < len(indices) {
				i = indices[idxCursor]
				idxCursor++
			}
			if i >= len(arr) {
				return cond.Exists != nil && !*cond.Exists
			}
			node = arr[i]
		}
	}

	if cond.Exists != nil && !*cond.Exists {
		return false
	}
	if cond.Equals != nil {
		return fmt.Sprintf("%v", node) == fmt.Sprintf("%v", cond.Equals)
	}
	return true
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(t))
		for k, vv := range t {
			cp[k] = deepCopyValue(vv)
		}
		return cp
	case []any:
		cp := make([]any, len(t))
		for i, vv := range t {
			cp[i] = deepCopyValue(vv)
		}
		return cp
	default:
		return v
	}
}

// hashDocument produces a stable content hash of a document's original
// fields. Go's encoding/json sorts map keys on Marshal, so this is
// deterministic regardless of the map's iteration order, following the same
// approach as the teacher's NormalizeJSONLD canonicalization.
func hashDocument(fields map[string]any) string {
	data, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Registry loads rule files keyed by collection name and caches the
// resolved RuleSets. It is safe for concurrent reads after Load has been
// called for the collections a run needs; the underlying map is built once
// and never mutated afterward, matching C1's "read-only after load"
// contract.
type Registry struct {
	mappingFile string
	rulesDir    string
	log         *logrus.Entry

	mu       sync.RWMutex
	mapping  map[string]string // collectionName -> rule file path
	cache    map[string]*RuleSet
}

// NewRegistry builds a Registry that resolves a collection's rule file via
// the sibling mapping file (collectionName -> ruleGroupFile), with rule
// files resolved relative to rulesDir when the mapping value is not already
// absolute.
func NewRegistry(mappingFile, rulesDir string, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		mappingFile: mappingFile,
		rulesDir:    rulesDir,
		log:         log.WithField("component", "rules"),
		cache:       make(map[string]*RuleSet),
	}
}

// loadMapping lazily reads and parses the collection->file mapping JSON.
func (r *Registry) loadMapping() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mapping != nil {
		return nil
	}

	data, err := os.ReadFile(r.mappingFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: mapping file %s", ErrConfigNotFound, r.mappingFile)
		}
		return fmt.Errorf("rules: reading mapping file %s: %w", r.mappingFile, err)
	}

	var mapping map[string]string
	if err := json.Unmarshal(data, &mapping); err != nil {
		return fmt.Errorf("rules: parsing mapping file %s: %w", r.mappingFile, err)
	}

	r.mapping = mapping
	return nil
}

// Load reads the rule file bound to collectionName (via the mapping file),
// validates it, and returns the resolved RuleSet. Repeated calls for the
// same collection return the cached, immutable result.
func (r *Registry) Load(collectionName string) (*RuleSet, error) {
	if err := r.loadMapping(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	if rs, ok := r.cache[collectionName]; ok {
		r.mu.RUnlock()
		return rs, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check after acquiring the write lock in case of a concurrent Load.
	if rs, ok := r.cache[collectionName]; ok {
		return rs, nil
	}

	ruleFile, ok := r.mapping[collectionName]
	if !ok {
		return nil, fmt.Errorf("%w: no rule file mapped for collection %q", ErrConfigNotFound, collectionName)
	}
	if !filepath.IsAbs(ruleFile) {
		ruleFile = filepath.Join(r.rulesDir, ruleFile)
	}

	rs, err := loadRuleFile(collectionName, ruleFile)
	if err != nil {
		return nil, err
	}
	r.cache[collectionName] = rs
	return rs, nil
}

// LoadFile bypasses the mapping file entirely and loads collectionName's
// rule set directly from ruleFile, for the CLI's `--rules <file>` override
// of the default mapping-driven lookup. The result is cached exactly as
// Load's is.
func (r *Registry) LoadFile(collectionName, ruleFile string) (*RuleSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rs, ok := r.cache[collectionName]; ok {
		return rs, nil
	}

	rs, err := loadRuleFile(collectionName, ruleFile)
	if err != nil {
		return nil, err
	}
	r.cache[collectionName] = rs
	return rs, nil
}

func loadRuleFile(collectionName, ruleFile string) (*RuleSet, error) {
	data, err := os.ReadFile(ruleFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: rule file %s", ErrConfigNotFound, ruleFile)
		}
		return nil, fmt.Errorf("rules: reading rule file %s: %w", ruleFile, err)
	}

	var raw []Rule
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalidRule, ruleFile, err)
	}

	if err := validate(raw); err != nil {
		return nil, err
	}

	return &RuleSet{CollectionName: collectionName, Rules: raw}, nil
}

// validate enforces C1's load-time invariants: every path is unique, every
// type is known, and "[*]" only occurs as its own array segment.
func validate(rs []Rule) error {
	seen := make(map[string]int, len(rs))
	for i, rule := range rs {
		if !KnownTypes[rule.Type] {
			return fmt.Errorf("%w: rule %d has unknown type %q", ErrInvalidRule, i, rule.Type)
		}
		if rule.Path == "" {
			return fmt.Errorf("%w: rule %d has empty path", ErrInvalidRule, i)
		}
		if err := validateWildcardPlacement(rule.Path); err != nil {
			return fmt.Errorf("%w: rule %d: %v", ErrInvalidRule, i, err)
		}
		if prev, dup := seen[rule.Path]; dup {
			return fmt.Errorf("%w: path %q used by rules %d and %d", ErrAmbiguousOrder, rule.Path, prev, i)
		}
		seen[rule.Path] = i
	}
	return nil
}

// validateWildcardPlacement requires "[*]" to occupy its own dotted
// segment, e.g. "contacts[*].email", never fused into an identifier like
// "contacts[*]s".
func validateWildcardPlacement(path string) error {
	for _, seg := range strings.Split(path, ".") {
		if strings.Contains(seg, "[*]") && seg != "[*]" && !strings.HasSuffix(seg, "[*]") {
			return fmt.Errorf("malformed wildcard segment %q in path %q", seg, path)
		}
	}
	return nil
}

// Descriptor builds the CollectionDescriptor for a loaded RuleSet: the
// ruleSetRef is the collection name itself (one rule set per collection),
// and phiPathsOfInterest is the sorted union of rule paths. The scheduler
// does not read it; batch sizing uses batch duration and memory only.
func (r *Registry) Descriptor(collectionName string) (*CollectionDescriptor, error) {
	rs, err := r.Load(collectionName)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(rs.Rules))
	for _, rule := range rs.Rules {
		paths = append(paths, rule.Path)
	}
	sort.Strings(paths)

	return &CollectionDescriptor{
		CollectionName:     collectionName,
		RuleSetRef:         collectionName,
		PHIPathsOfInterest: paths,
	}, nil
}

// WarnUnusedPaths logs (but does not fail) when rule paths don't match any
// field name observed across a sample of documents. This implements the
// open question from spec §9: stale-looking rules are a warning, not a load
// failure, since schema tolerance may be intentional.
func (r *Registry) WarnUnusedPaths(collectionName string, observedPaths map[string]bool) {
	rs, err := r.Load(collectionName)
	if err != nil {
		return
	}
	for _, rule := range rs.Rules {
		root := strings.SplitN(rule.Path, ".", 2)[0]
		root = strings.TrimSuffix(root, "[*]")
		if !observedPaths[root] {
			r.log.WithFields(logrus.Fields{
				"evt":        "rule_path_unused",
				"collection": collectionName,
				"path":       rule.Path,
			}).Warn("rule path not observed in sampled documents")
		}
	}
}

// Package rules loads and resolves the declarative masking rule sets that
// drive the de-identification pipeline. A RuleSet binds a collection name to
// an ordered list of field-level Rules; the registry is read-only once
// loaded, matching the pipeline's ownership model (C1 owns rule sets
// immutably for the run).
package rules

import "fmt"

// Type enumerates the closed set of masking rule variants the Field Masker
// understands. The set is fixed at compile time per the "duck-typed rule
// dispatch becomes a closed set of rule variants" redesign note.
type Type string

const (
	TypeFullName      Type = "fullName"
	TypeGivenName     Type = "givenName"
	TypeFamilyName    Type = "familyName"
	TypeEmail         Type = "email"
	TypePhone         Type = "phone"
	TypeFax           Type = "fax"
	TypeSSN           Type = "ssn"
	TypeStreetAddress Type = "streetAddress"
	TypeCity          Type = "city"
	TypeStateCode     Type = "stateCode"
	TypeZip           Type = "zip"
	TypeDOB           Type = "dob"
	TypeUserName      Type = "userName"
	TypeFreeText      Type = "freeText"
	TypeIDToken       Type = "idToken"
	TypeLiteral       Type = "literal"
)

// KnownTypes is the closed set of rule types the registry accepts at load
// time. Anything outside this set is an InvalidRule error.
var KnownTypes = map[Type]bool{
	TypeFullName: true, TypeGivenName: true, TypeFamilyName: true,
	TypeEmail: true, TypePhone: true, TypeFax: true, TypeSSN: true,
	TypeStreetAddress: true, TypeCity: true, TypeStateCode: true,
	TypeZip: true, TypeDOB: true, TypeUserName: true, TypeFreeText: true,
	TypeIDToken: true, TypeLiteral: true,
}

// Options carries the type-specific knobs for a Rule. Only the fields
// relevant to a rule's Type are consulted; all are optional.
type Options struct {
	JitterDays      int      `json:"jitterDays,omitempty"`
	Patterns        []string `json:"patterns,omitempty"`
	PreserveNull    bool     `json:"preserveNull,omitempty"`
	PreserveEmpty   bool     `json:"preserveEmpty,omitempty"`
	CaseInsensitive bool     `json:"caseInsensitive,omitempty"`
	Value           any      `json:"value,omitempty"`
}

// Condition is an optional presence/value predicate that, when it evaluates
// false against a document, causes the rule to be skipped entirely for that
// document.
type Condition struct {
	// Path is the dotted address to test. Defaults to the rule's own Path
	// when empty.
	Path string `json:"path,omitempty"`
	// Exists, when non-nil, requires the tested path to be present (true)
	// or absent (false).
	Exists *bool `json:"exists,omitempty"`
	// Equals, when non-nil, requires the tested path's value to equal it.
	Equals any `json:"equals,omitempty"`
}

// Rule is a single named declarative transform bound to a dotted field
// address. See spec §3 Invariant R1: a Rule deterministically maps
// (original_value, rng_seed) to a surrogate of the same semantic type.
type Rule struct {
	Path      string     `json:"path"`
	Type      Type       `json:"type"`
	Options   Options    `json:"options,omitempty"`
	Condition *Condition `json:"condition,omitempty"`
}

// RuleSet is the ordered list of Rules bound to one collection. Order only
// matters when two rules address the same path — the second rule wins — and
// the registry refuses to load a RuleSet where that happens, per
// AmbiguousRuleOrder.
type RuleSet struct {
	CollectionName string
	Rules          []Rule
}

// CollectionDescriptor is the union of a RuleSet reference with the set of
// PHI paths of interest. The scheduler does not read it; batch sizing uses
// batch duration and memory only.
type CollectionDescriptor struct {
	CollectionName    string
	RuleSetRef        string
	PHIPathsOfInterest []string
}

// Error kinds surfaced by Load. These are sentinel-wrapped with fmt.Errorf's
// %w verb so callers can errors.Is against them.
var (
	ErrConfigNotFound    = fmt.Errorf("rules: config not found")
	ErrInvalidRule       = fmt.Errorf("rules: invalid rule")
	ErrAmbiguousOrder    = fmt.Errorf("rules: ambiguous rule order")
)

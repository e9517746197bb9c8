// Package maskdoc implements the Field Masker (C2): one entry point that
// dispatches a value to a rule-type-specific Variant and returns a
// same-semantic-type surrogate. The variant set is a closed map fixed at
// package init, per the "duck-typed rule dispatch becomes a closed set of
// rule variants" redesign note in spec §9.
package maskdoc

import (
	"math/rand"
	"reflect"

	"phimask.dev/internal/rules"
)

// Result carries the outcome of applying one rule to one value, replacing
// exception-for-control-flow around type mismatches with an explicit
// {value, appliedOk, reason} result (spec §9).
type Result struct {
	Value     any
	Changed   bool
	AppliedOk bool
	Reason    string
}

// Variant is implemented once per rules.Type.
type Variant interface {
	Apply(value any, opts rules.Options, rng *rand.Rand) Result
}

// variants is the closed dispatch table, populated at init.
var variants = map[rules.Type]Variant{
	rules.TypeFullName:      fullNameVariant{},
	rules.TypeGivenName:     givenNameVariant{},
	rules.TypeFamilyName:    familyNameVariant{},
	rules.TypeEmail:         emailVariant{},
	rules.TypePhone:         phoneVariant{fax: false},
	rules.TypeFax:           phoneVariant{fax: true},
	rules.TypeSSN:           ssnVariant{},
	rules.TypeStreetAddress: streetAddressVariant{},
	rules.TypeCity:          cityVariant{},
	rules.TypeStateCode:     stateCodeVariant{},
	rules.TypeZip:           zipVariant{},
	rules.TypeDOB:           dobVariant{},
	rules.TypeUserName:      userNameVariant{},
	rules.TypeFreeText:      freeTextVariant{},
	rules.TypeIDToken:       idTokenVariant{},
	rules.TypeLiteral:       literalVariant{},
}

// Mask applies rule to value using rng, honoring I2 (masking a null/absent
// value yields the same absence) and the preserveNull/preserveEmpty
// options. Mask never panics: variant implementations that encounter an
// uncoercible type return {AppliedOk: false}, leaving the original value in
// place (fail-open, per spec §4.2 edge cases).
func Mask(value any, rule rules.Rule, rng *rand.Rand) Result {
	if value == nil {
		return Result{Value: nil, Changed: false, AppliedOk: true}
	}
	if rule.Options.PreserveNull && isNullish(value) {
		return Result{Value: value, Changed: false, AppliedOk: true}
	}
	if rule.Options.PreserveEmpty && isEmptyString(value) {
		return Result{Value: value, Changed: false, AppliedOk: true}
	}

	variant, ok := variants[rule.Type]
	if !ok {
		// Unreachable in practice: the registry rejects unknown types at
		// load time. Fail open rather than panic if it ever happens.
		return Result{Value: value, Changed: false, AppliedOk: false, Reason: "unknown_rule_type"}
	}

	result := variant.Apply(value, rule.Options, rng)
	if result.AppliedOk && !valuesEqual(result.Value, value) {
		result.Changed = true
	}
	return result
}

func isNullish(v any) bool {
	return v == nil
}

func isEmptyString(v any) bool {
	s, ok := v.(string)
	return ok && s == ""
}

// valuesEqual compares a surrogate with the original value. Most variants
// return scalars, but literal returns its configured value as-is, which may
// be a slice or map; reflect.DeepEqual handles those without the panic a
// plain == would raise on uncomparable types.
func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

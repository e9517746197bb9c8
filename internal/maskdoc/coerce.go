package maskdoc

import (
	"fmt"
	"strconv"
)

// asString coerces a JSON-decoded value (string, float64, bool) to its
// string form. ok is false when the value's type cannot reasonably be
// coerced (e.g. a map or slice), per spec §4.2's "if coercion is impossible,
// the rule fails open" edge case.
func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	case fmt.Stringer:
		return t.String(), true
	default:
		return "", false
	}
}

// finalizeSurrogate implements the "coerce to string, mask, then re-coerce"
// edge case from spec §4.2: when original was already a string, the
// surrogate is used verbatim. When original was a non-string scalar (a
// phone number stored as a number, say), the surrogate is parsed back into
// that type; if it can't be (e.g. a dash-formatted phone string can't
// become a float64), the rule fails open and the original value is kept.
func finalizeSurrogate(original any, surrogate string) Result {
	if _, ok := original.(string); ok {
		return Result{Value: surrogate, AppliedOk: true}
	}
	recoerced, ok := reparseAs(original, surrogate)
	if !ok {
		return Result{Value: original, AppliedOk: false, Reason: "type_mismatch"}
	}
	return Result{Value: recoerced, AppliedOk: true}
}

// reparseAs parses masked back into the runtime type of original.
func reparseAs(original any, masked string) (any, bool) {
	switch original.(type) {
	case float64:
		f, err := strconv.ParseFloat(masked, 64)
		if err != nil {
			return nil, false
		}
		return f, true
	case bool:
		b, err := strconv.ParseBool(masked)
		if err != nil {
			return nil, false
		}
		return b, true
	default:
		return nil, false
	}
}

// digitCount returns the number of base-10 digits in the integer part of a
// numeric value's magnitude, used by the idToken variant to preserve digit
// count.
func digitCount(n int64) int {
	if n < 0 {
		n = -n
	}
	if n == 0 {
		return 1
	}
	count := 0
	for n > 0 {
		count++
		n /= 10
	}
	return count
}

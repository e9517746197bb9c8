package maskdoc

import (
	"fmt"
	"math/rand"
	"regexp"
	"time"
	"unicode"

	"phimask.dev/internal/maskdoc/corpus"
	"phimask.dev/internal/rules"
)

const tokenAlphabetLower = "abcdefghijklmnopqrstuvwxyz"
const tokenDigits = "0123456789"

func randomToken(rng *rand.Rand, alphabet string, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return string(b)
}

// --- fullName / givenName / familyName ---

type fullNameVariant struct{}

func (fullNameVariant) Apply(value any, _ rules.Options, rng *rand.Rand) Result {
	if !isStringValue(value) {
		return Result{Value: value, AppliedOk: false, Reason: "type_mismatch"}
	}
	given := corpus.GivenNames[rng.Intn(len(corpus.GivenNames))]
	family := corpus.FamilyNames[rng.Intn(len(corpus.FamilyNames))]
	return Result{Value: given + " " + family, AppliedOk: true}
}

type givenNameVariant struct{}

func (givenNameVariant) Apply(value any, _ rules.Options, rng *rand.Rand) Result {
	return applyCorpusToken(value, corpus.GivenNames, rng)
}

type familyNameVariant struct{}

func (familyNameVariant) Apply(value any, _ rules.Options, rng *rand.Rand) Result {
	return applyCorpusToken(value, corpus.FamilyNames, rng)
}

func applyCorpusToken(value any, words []string, rng *rand.Rand) Result {
	if !isStringValue(value) {
		return Result{Value: value, AppliedOk: false, Reason: "type_mismatch"}
	}
	return Result{Value: words[rng.Intn(len(words))], AppliedOk: true}
}

// isStringValue reports whether value is already a string. Name-shaped
// rules (fullName, givenName, familyName, city, stateCode) only accept
// string input — re-coercing a number into a name makes no semantic sense,
// so these fail open on anything else.
func isStringValue(value any) bool {
	_, ok := value.(string)
	return ok
}

// --- email ---

type emailVariant struct{}

func (emailVariant) Apply(value any, _ rules.Options, rng *rand.Rand) Result {
	if _, ok := asString(value); !ok {
		return Result{Value: value, AppliedOk: false, Reason: "type_mismatch"}
	}
	local := randomToken(rng, tokenAlphabetLower, 8)
	tld := corpus.EmailTLDs[rng.Intn(len(corpus.EmailTLDs))]
	return finalizeSurrogate(value, fmt.Sprintf("%s@example.%s", local, tld))
}

// --- phone / fax ---

type phoneVariant struct {
	fax bool
}

func (phoneVariant) Apply(value any, _ rules.Options, rng *rand.Rand) Result {
	if _, ok := asString(value); !ok {
		return Result{Value: value, AppliedOk: false, Reason: "type_mismatch"}
	}
	digit29 := func() int { return 2 + rng.Intn(8) }
	surrogate := fmt.Sprintf("%d%02d-%d%02d-%04d",
		digit29(), rng.Intn(100),
		digit29(), rng.Intn(100),
		rng.Intn(10000))
	return finalizeSurrogate(value, surrogate)
}

// --- ssn ---

type ssnVariant struct{}

func (ssnVariant) Apply(value any, _ rules.Options, rng *rand.Rand) Result {
	if _, ok := asString(value); !ok {
		return Result{Value: value, AppliedOk: false, Reason: "type_mismatch"}
	}
	surrogate := fmt.Sprintf("%03d-%02d-%04d", rng.Intn(1000), rng.Intn(100), rng.Intn(10000))
	return finalizeSurrogate(value, surrogate)
}

// --- streetAddress ---

type streetAddressVariant struct{}

func (streetAddressVariant) Apply(value any, _ rules.Options, rng *rand.Rand) Result {
	if _, ok := asString(value); !ok {
		return Result{Value: value, AppliedOk: false, Reason: "type_mismatch"}
	}
	num := 100 + rng.Intn(9900)
	word := corpus.StreetWords[rng.Intn(len(corpus.StreetWords))]
	suffix := corpus.StreetSuffixes[rng.Intn(len(corpus.StreetSuffixes))]
	surrogate := fmt.Sprintf("%d %s %s", num, word, suffix)
	return finalizeSurrogate(value, surrogate)
}

// --- city ---

type cityVariant struct{}

func (cityVariant) Apply(value any, _ rules.Options, rng *rand.Rand) Result {
	return applyCorpusToken(value, corpus.Cities, rng)
}

// --- stateCode ---

type stateCodeVariant struct{}

func (stateCodeVariant) Apply(value any, _ rules.Options, rng *rand.Rand) Result {
	return applyCorpusToken(value, corpus.StateCodes, rng)
}

// --- zip ---

var ninedigitZip = regexp.MustCompile(`^\d{5}-?\d{4}$`)

type zipVariant struct{}

func (zipVariant) Apply(value any, _ rules.Options, rng *rand.Rand) Result {
	s, ok := asString(value)
	if !ok {
		return Result{Value: value, AppliedOk: false, Reason: "type_mismatch"}
	}
	base := fmt.Sprintf("%05d", rng.Intn(100000))
	if ninedigitZip.MatchString(s) {
		base = fmt.Sprintf("%s-%04d", base, rng.Intn(10000))
	}
	return finalizeSurrogate(value, base)
}

// --- dob ---

type dobVariant struct{}

const defaultJitterDays = 180

func (dobVariant) Apply(value any, opts rules.Options, rng *rand.Rand) Result {
	jitter := opts.JitterDays
	if jitter == 0 {
		jitter = defaultJitterDays
	}

	t, layout, ok := parseDOB(value)
	if !ok {
		return Result{Value: value, AppliedOk: false, Reason: "type_mismatch"}
	}

	// Uniform offset in [-jitter, +jitter], inclusive.
	offset := rng.Intn(2*jitter+1) - jitter
	shifted := t.AddDate(0, 0, offset)

	switch value.(type) {
	case time.Time:
		return Result{Value: shifted, AppliedOk: true}
	default:
		return Result{Value: shifted.Format(layout), AppliedOk: true}
	}
}

// parseDOB accepts a time.Time directly (as BSON-backed documents would
// carry) or an RFC3339/date-only string, preserving timezone and
// time-of-day by reformatting with the same layout it was parsed with.
func parseDOB(value any) (time.Time, string, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, "", true
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, time.RFC3339, true
		}
		if t, err := time.Parse("2006-01-02", v); err == nil {
			return t, "2006-01-02", true
		}
		return time.Time{}, "", false
	default:
		return time.Time{}, "", false
	}
}

// --- userName ---

type userNameVariant struct{}

func (userNameVariant) Apply(value any, _ rules.Options, rng *rand.Rand) Result {
	if _, ok := asString(value); !ok {
		return Result{Value: value, AppliedOk: false, Reason: "type_mismatch"}
	}
	surrogate := randomToken(rng, tokenAlphabetLower+tokenDigits, 10)
	return finalizeSurrogate(value, surrogate)
}

// --- freeText ---

type freeTextVariant struct{}

func (freeTextVariant) Apply(value any, opts rules.Options, _ *rand.Rand) Result {
	s, ok := asString(value)
	if !ok {
		return Result{Value: value, AppliedOk: false, Reason: "type_mismatch"}
	}
	out := s
	for _, pat := range opts.Patterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return Result{Value: value, AppliedOk: false, Reason: "bad_pattern"}
		}
		out = re.ReplaceAllString(out, "[REDACTED]")
	}
	return Result{Value: out, AppliedOk: true}
}

// --- idToken ---

type idTokenVariant struct{}

func (idTokenVariant) Apply(value any, _ rules.Options, rng *rand.Rand) Result {
	switch v := value.(type) {
	case float64:
		n := int64(v)
		d := digitCount(n)
		lo := int64(1)
		for i := 1; i < d; i++ {
			lo *= 10
		}
		hi := lo*10 - 1
		if d == 1 {
			lo = 0
		}
		span := hi - lo + 1
		surrogate := lo + int64(rng.Int63n(span))
		return Result{Value: float64(surrogate), AppliedOk: true}
	case string:
		out := make([]rune, 0, len(v))
		for _, r := range v {
			switch {
			case unicode.IsDigit(r):
				out = append(out, rune(tokenDigits[rng.Intn(len(tokenDigits))]))
			case unicode.IsUpper(r):
				out = append(out, unicode.ToUpper(rune(tokenAlphabetLower[rng.Intn(len(tokenAlphabetLower))])))
			case unicode.IsLower(r):
				out = append(out, rune(tokenAlphabetLower[rng.Intn(len(tokenAlphabetLower))]))
			default:
				out = append(out, r)
			}
		}
		return Result{Value: string(out), AppliedOk: true}
	default:
		return Result{Value: value, AppliedOk: false, Reason: "type_mismatch"}
	}
}

// --- literal ---

type literalVariant struct{}

func (literalVariant) Apply(_ any, opts rules.Options, _ *rand.Rand) Result {
	return Result{Value: opts.Value, AppliedOk: true}
}

// Package tags implements the tag maps carried by every entity and the single
// normalizer applied to tag values arriving from any external source
// (metadata files, CLI arguments, tag filters).
package tags

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Tags is a map of tag key to scalar value. Values are one of
// string, bool, int64, float64, or nil after normalization.
type Tags map[string]interface{}

// Clone returns a shallow copy. Values are scalars, so a shallow copy is a
// full copy.
func (t Tags) Clone() Tags {
	out := make(Tags, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Merge copies every entry of other into t, overwriting existing keys.
func (t Tags) Merge(other Tags) {
	for k, v := range other {
		t[k] = v
	}
}

// Equal reports whether two tag maps hold the same normalized entries.
func (t Tags) Equal(other Tags) bool {
	if len(t) != len(other) {
		return false
	}
	for k, v := range t {
		ov, ok := other[k]
		if !ok || NormalizeValue(v) != NormalizeValue(ov) {
			return false
		}
	}
	return true
}

// Normalize returns a copy of t with every value normalized. Applying it
// twice yields the same result as applying it once.
func Normalize(t Tags) Tags {
	out := make(Tags, len(t))
	for k, v := range t {
		out[k] = NormalizeValue(v)
	}
	return out
}

// NormalizeValue coerces an incoming tag value to its canonical scalar form.
// Case-insensitive "true"/"false" become bool, "none"/"null" become nil, and
// pure-numeric strings become int64 or float64. Everything else passes
// through unchanged.
func NormalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case bool, int64:
		return val
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint:
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		return int64(val)
	case float32:
		return normalizeFloat(float64(val))
	case float64:
		// JSON decoding turns every number into float64; fold exact
		// integers back so a persisted int tag reloads equal.
		return normalizeFloat(val)
	case string:
		return normalizeString(val)
	default:
		return val
	}
}

func normalizeFloat(f float64) interface{} {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

func normalizeString(s string) interface{} {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		return true
	case "false":
		return false
	case "none", "null":
		return nil
	}

	// Decimal parsing distinguishes exact integers from floats without the
	// precision loss a direct float64 round-trip would introduce.
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return s
	}
	if d.IsInteger() {
		if i := d.IntPart(); d.Equal(decimal.NewFromInt(i)) {
			return i
		}
	}
	f, _ := d.Float64()
	return f
}

// Predicate is a filter over a single normalized tag value.
type Predicate func(value interface{}) bool

// Filter matches entities by their tags, either by equality or by predicate.
type Filter struct {
	equals     map[string]interface{}
	predicates map[string]Predicate
}

// NewFilter returns an empty filter that matches everything.
func NewFilter() *Filter {
	return &Filter{
		equals:     make(map[string]interface{}),
		predicates: make(map[string]Predicate),
	}
}

// WhereEqual requires tag key to equal the normalized value.
func (f *Filter) WhereEqual(key string, value interface{}) *Filter {
	f.equals[key] = NormalizeValue(value)
	return f
}

// Where requires tag key to satisfy the predicate. The predicate receives
// the normalized value, or nil when the key is absent.
func (f *Filter) Where(key string, p Predicate) *Filter {
	f.predicates[key] = p
	return f
}

// Matches reports whether the given tag map satisfies every condition.
func (f *Filter) Matches(t Tags) bool {
	for k, want := range f.equals {
		got, ok := t[k]
		if !ok || NormalizeValue(got) != want {
			return false
		}
	}
	for k, p := range f.predicates {
		if !p(NormalizeValue(t[k])) {
			return false
		}
	}
	return true
}

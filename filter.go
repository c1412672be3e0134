package vecfs

import (
	"github.com/vecfs/vecfs/model"
)

// Condition matches one payload field against a value, or delegates to a
// nested Should group. When Should is non-empty the condition passes if
// any member passes and Field/Match are ignored.
type Condition struct {
	Field  string      `json:"field,omitempty"`
	Match  any         `json:"match,omitempty"`
	Should []Condition `json:"should,omitempty"`
}

// FilterConditions restricts search results by payload fields such as
// language or path. Must conditions are ANDed; a point matching any
// MustNot condition is excluded no matter what Must says.
type FilterConditions struct {
	Must    []Condition `json:"must,omitempty"`
	MustNot []Condition `json:"must_not,omitempty"`
}

// Matches reports whether a payload passes the filter. A nil filter
// passes everything.
func (f *FilterConditions) Matches(payload model.Payload) bool {
	if f == nil {
		return true
	}
	for _, c := range f.MustNot {
		if c.matches(payload) {
			return false
		}
	}
	for _, c := range f.Must {
		if !c.matches(payload) {
			return false
		}
	}
	return true
}

func (c *Condition) matches(payload model.Payload) bool {
	if len(c.Should) > 0 {
		for i := range c.Should {
			if c.Should[i].matches(payload) {
				return true
			}
		}
		return false
	}

	value, ok := payload[c.Field]
	if !ok {
		return false
	}
	return valueEqual(value, c.Match)
}

// valueEqual compares payload values loosely across numeric types, since
// JSON round-trips turn every number into float64.
func valueEqual(a, b any) bool {
	if af, aok := asFloat64(a); aok {
		bf, bok := asFloat64(b)
		return bok && af == bf
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	default:
		return false
	}
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Package rules evaluates declarative metadata rules.
//
// A rule compares the string value of one metadata tag against a configured
// value using one of a closed set of operations. A RuleSet matches a record
// when every rule matches. Evaluation never fails loudly: malformed values,
// bad patterns and unknown operations simply do not match, so a single odd
// file can not abort a directory scan.
//
// Rules are usually loaded from a task file:
//
//	processing:
//	  swi_pattern:
//	    rules:
//	      - tag: SeriesDescription
//	        operation: contains
//	        value: SWI
//	      - tag: EchoTime
//	        operation: range
//	        value: {min: 15, max: 40}
//	        required: false
package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// Operation names a comparison.
type Operation string

const (
	Equals      Operation = "equals"
	NotEquals   Operation = "not_equals"
	Contains    Operation = "contains"
	NotContains Operation = "not_contains"
	ContainsAll Operation = "contains_all"
	ContainsAny Operation = "contains_any"
	StartsWith  Operation = "starts_with"
	EndsWith    Operation = "ends_with"
	Regex       Operation = "regex"
	Range       Operation = "range"
	GreaterThan Operation = "greater_than"
	LessThan    Operation = "less_than"
)

// Operations lists every supported operation.
var Operations = []Operation{
	Equals, NotEquals, Contains, NotContains, ContainsAll, ContainsAny,
	StartsWith, EndsWith, Regex, Range, GreaterThan, LessThan,
}

// Valid reports whether op is one of the supported operations.
func (op Operation) Valid() bool {
	for _, known := range Operations {
		if op == known {
			return true
		}
	}
	return false
}

// Rule compares one metadata tag against Value.
type Rule struct {
	Tag       string    `yaml:"tag" json:"tag"`
	Operation Operation `yaml:"operation" json:"operation"`
	Value     any       `yaml:"value" json:"value"`
	// Required defaults to true. A rule that is not required matches records
	// lacking the tag.
	Required *bool `yaml:"required,omitempty" json:"required,omitempty"`
}

// IsRequired reports the effective required flag.
func (r Rule) IsRequired() bool {
	return r.Required == nil || *r.Required
}

func (r Rule) String() string {
	return fmt.Sprintf("%s %s %v", r.Tag, r.Operation, r.Value)
}

// Optional returns a pointer suitable for Rule.Required.
func Optional() *bool {
	f := false
	return &f
}

// valueString renders a scalar configured value the way a user typed it.
func valueString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// valueStrings accepts a list or a scalar.
func valueStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, len(t))
		for i, item := range t {
			out[i] = valueString(item)
		}
		return out
	default:
		return []string{valueString(v)}
	}
}

// valueFloat converts a configured numeric value.
func valueFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// bounds extracts an inclusive [min, max] from a range value.
func bounds(v any) (lo, hi float64, ok bool) {
	var m map[string]any
	switch t := v.(type) {
	case map[string]any:
		m = t
	case map[string]float64:
		m = make(map[string]any, len(t))
		for k, f := range t {
			m[k] = f
		}
	case map[any]any:
		m = make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = val
		}
	default:
		return 0, 0, false
	}

	lo, hi = negInf, posInf
	if raw, present := m["min"]; present && raw != nil {
		if lo, ok = valueFloat(raw); !ok {
			return 0, 0, false
		}
	}
	if raw, present := m["max"]; present && raw != nil {
		if hi, ok = valueFloat(raw); !ok {
			return 0, 0, false
		}
	}
	return lo, hi, true
}

package rules

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"flairstar/pkg/logging"
)

var (
	negInf = math.Inf(-1)
	posInf = math.Inf(1)
)

// fold returns the case-folded form of s. A Caser is stateful, so each call
// gets its own.
func fold(s string) string {
	return cases.Fold().String(s)
}

// Evaluate applies rule to one tag value. It never panics and returns false
// for anything it can not interpret.
func Evaluate(tagValue string, rule Rule) bool {
	switch rule.Operation {
	case Equals:
		return fold(tagValue) == fold(valueString(rule.Value))
	case NotEquals:
		return fold(tagValue) != fold(valueString(rule.Value))
	case Contains:
		return strings.Contains(fold(tagValue), fold(valueString(rule.Value)))
	case NotContains:
		return !strings.Contains(fold(tagValue), fold(valueString(rule.Value)))
	case ContainsAll:
		v := fold(tagValue)
		for _, want := range valueStrings(rule.Value) {
			if !strings.Contains(v, fold(want)) {
				return false
			}
		}
		return true
	case ContainsAny:
		v := fold(tagValue)
		for _, want := range valueStrings(rule.Value) {
			if strings.Contains(v, fold(want)) {
				return true
			}
		}
		return false
	case StartsWith:
		return strings.HasPrefix(fold(tagValue), fold(valueString(rule.Value)))
	case EndsWith:
		return strings.HasSuffix(fold(tagValue), fold(valueString(rule.Value)))
	case Regex:
		pattern := valueString(rule.Value)
		re, err := regexp.Compile(pattern)
		if err != nil {
			logger := logging.GetLogger("rules")
			logger.Error().Err(err).Str("pattern", pattern).Msg("Invalid regex pattern")
			return false
		}
		return re.MatchString(tagValue)
	case Range:
		v, ok := parseNumber(tagValue)
		if !ok {
			return false
		}
		lo, hi, ok := bounds(rule.Value)
		return ok && lo <= v && v <= hi
	case GreaterThan:
		v, ok := parseNumber(tagValue)
		want, wok := valueFloat(rule.Value)
		return ok && wok && v > want
	case LessThan:
		v, ok := parseNumber(tagValue)
		want, wok := valueFloat(rule.Value)
		return ok && wok && v < want
	default:
		logger := logging.GetLogger("rules")
		logger.Warn().Str("operation", string(rule.Operation)).Msg("Unknown operation")
		return false
	}
}

func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

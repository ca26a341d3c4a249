package rules

import (
	"fmt"
	"regexp"
	"sort"

	"flairstar/pkg/errors"
)

// IdentifierTag is the metadata tag that names a series.
const IdentifierTag = "SeriesInstanceUID"

// Getter is the read capability rules need from a metadata record.
type Getter interface {
	TryGet(tag string) (string, bool)
}

// RuleSet is an AND of rules.
type RuleSet struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

// Match evaluates every rule against record. The reason is empty on success
// and names the first failing rule otherwise. An empty rule set never matches.
func Match(record Getter, set RuleSet) (bool, string) {
	if len(set.Rules) == 0 {
		return false, "no rules defined"
	}
	for _, rule := range set.Rules {
		if !matchRule(record, rule) {
			return false, fmt.Sprintf("failed rule: %s", rule)
		}
	}
	return true, ""
}

// matchRule treats an optional rule on an absent tag as satisfied whatever
// its operation or value.
func matchRule(record Getter, rule Rule) bool {
	if rule.Tag == "" {
		return false
	}
	value, ok := record.TryGet(rule.Tag)
	if !ok {
		return !rule.IsRequired()
	}
	if rule.Operation == "" || rule.Value == nil {
		return false
	}
	return Evaluate(value, rule)
}

// IdentifierLiteral reports whether the set is the single rule
// "SeriesInstanceUID equals <literal>" and returns the literal.
func (s RuleSet) IdentifierLiteral() (string, bool) {
	if len(s.Rules) != 1 {
		return "", false
	}
	r := s.Rules[0]
	if r.Tag != IdentifierTag || r.Operation != Equals {
		return "", false
	}
	literal := valueString(r.Value)
	if literal == "" {
		return "", false
	}
	return literal, true
}

// Validate checks the set is usable before any scan starts.
func (s RuleSet) Validate() error {
	if len(s.Rules) == 0 {
		return errors.New(errors.ErrConfigValid, "rule set has no rules")
	}
	for i, r := range s.Rules {
		if err := r.validate(); err != nil {
			return errors.Wrapf(err, errors.ErrConfigValid, "rule %d", i)
		}
	}
	return nil
}

func (r Rule) validate() error {
	switch {
	case r.Tag == "":
		return fmt.Errorf("missing tag")
	case r.Operation == "":
		return fmt.Errorf("missing operation")
	case r.Value == nil:
		return fmt.Errorf("missing value")
	case !r.Operation.Valid():
		return fmt.Errorf("unknown operation %q", r.Operation)
	}

	switch r.Operation {
	case Range:
		if _, _, ok := bounds(r.Value); !ok {
			return fmt.Errorf("range value must be a mapping with numeric min/max")
		}
	case GreaterThan, LessThan:
		if _, ok := valueFloat(r.Value); !ok {
			return fmt.Errorf("%s value must be numeric", r.Operation)
		}
	case Regex:
		if _, err := regexp.Compile(valueString(r.Value)); err != nil {
			return fmt.Errorf("invalid regex: %w", err)
		}
	case ContainsAll, ContainsAny:
		if m, ok := r.Value.(map[string]any); ok && m != nil {
			return fmt.Errorf("%s value must be a list", r.Operation)
		}
	}
	return nil
}

// ValidateRoles validates every role's rule set. A role without rules is a
// configuration error.
func ValidateRoles(roles map[string]RuleSet) error {
	if len(roles) == 0 {
		return errors.New(errors.ErrConfigValid, "no roles configured")
	}
	names := make([]string, 0, len(roles))
	for role := range roles {
		names = append(names, role)
	}
	sort.Strings(names)
	for _, role := range names {
		if err := roles[role].Validate(); err != nil {
			return errors.Wrapf(err, errors.ErrConfigValid, "role %q", role)
		}
	}
	return nil
}

package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/SteelMorgan/logwatch/internal/domain"
)

// RegexPrefix marks a rule as a regular expression instead of a literal substring
const RegexPrefix = "re:"

// Rule is a compiled filter rule
type Rule struct {
	Text  string // Original rule text, reported as the matched pattern
	regex *regexp.Regexp
	lit   string
}

// IsRegex reports whether the rule is evaluated as a regular expression
func (r Rule) IsRegex() bool {
	return r.regex != nil
}

// Matches reports whether the line satisfies the rule
func (r Rule) Matches(line string) bool {
	if r.regex != nil {
		return r.regex.MatchString(line)
	}
	return strings.Contains(line, r.lit)
}

// Set is an ordered, duplicate-free list of compiled rules
type Set struct {
	rules []Rule
}

// Compile validates all rules and prepares regexes.
// Duplicate rule texts collapse to the first occurrence; declaration order is kept.
func Compile(defs []string) (*Set, error) {
	seen := make(map[string]struct{}, len(defs))
	compiled := make([]Rule, 0, len(defs))

	for _, def := range defs {
		if _, dup := seen[def]; dup {
			continue
		}
		seen[def] = struct{}{}

		rule, err := compileRule(def)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, rule)
	}

	return &Set{rules: compiled}, nil
}

func compileRule(def string) (Rule, error) {
	if expr, ok := strings.CutPrefix(def, RegexPrefix); ok {
		if expr == "" {
			return Rule{}, fmt.Errorf("%w: rule %q has an empty expression", domain.ErrInvalidPattern, def)
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: compile %q: %v", domain.ErrInvalidPattern, def, err)
		}
		return Rule{Text: def, regex: re}, nil
	}

	if def == "" {
		return Rule{}, fmt.Errorf("%w: empty rule", domain.ErrInvalidPattern)
	}
	return Rule{Text: def, lit: def}, nil
}

// Match returns the first rule, in declaration order, that the line satisfies
func (s *Set) Match(line string) (Rule, bool) {
	if s == nil {
		return Rule{}, false
	}
	for _, rule := range s.rules {
		if rule.Matches(line) {
			return rule, true
		}
	}
	return Rule{}, false
}

// Len returns the number of distinct rules
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Texts returns the original rule texts in evaluation order
func (s *Set) Texts() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Text
	}
	return out
}

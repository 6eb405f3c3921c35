package routing

import (
	"fmt"
	"strings"
)

// Table is an ordered, read-only list of rules. It is built once and can be
// shared across goroutines without locking.
type Table struct {
	rules []*Rule
}

// Match is the result of a successful lookup.
type Match struct {
	Rule *Rule
	Path string // request path with the rule prefix stripped
}

// NewTable validates the configured rules and freezes them in order.
func NewTable(configs []RuleConfig) (*Table, error) {
	seen := make(map[string]bool, len(configs))
	rules := make([]*Rule, 0, len(configs))
	for i, c := range configs {
		rule, err := NewRule(c)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if seen[rule.Prefix] {
			return nil, fmt.Errorf("rule %d: duplicate prefix %q", i, rule.Prefix)
		}
		seen[rule.Prefix] = true
		rules = append(rules, rule)
	}
	return &Table{rules: rules}, nil
}

// Match returns the first rule, in table order, whose prefix starts path.
func (t *Table) Match(path string) (Match, bool) {
	for _, r := range t.rules {
		if r.Matches(path) {
			return Match{Rule: r, Path: r.StripPrefix(path)}, true
		}
	}
	return Match{}, false
}

// Rules returns a copy of the rule list in table order.
func (t *Table) Rules() []*Rule {
	out := make([]*Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Len returns the number of rules.
func (t *Table) Len() int {
	return len(t.rules)
}

// Overlap is a pair of prefixes where one is a string prefix of the other.
// Paths carrying both go to First, the earlier rule in the table.
type Overlap struct {
	First, Second string
}

// Overlaps lists prefix pairs that can both match the same path, in table order.
func (t *Table) Overlaps() []Overlap {
	var out []Overlap
	for i := 0; i < len(t.rules); i++ {
		for j := i + 1; j < len(t.rules); j++ {
			a, b := t.rules[i].Prefix, t.rules[j].Prefix
			if strings.HasPrefix(a, b) || strings.HasPrefix(b, a) {
				out = append(out, Overlap{First: a, Second: b})
			}
		}
	}
	return out
}

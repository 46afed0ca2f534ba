package rule

import (
	"fmt"
	"sort"
)

// RuleSet is a validated, priority-sorted collection of rules for one
// namespace/tenant pair. The core only ever consumes a RuleSet built
// by Compile — it never parses a surface syntax itself (spec.md
// §4.3's "the core accepts compiled rules only").
type RuleSet struct {
	Rules []Rule
}

// Compile validates a slice of already-compiled rules (produced by an
// external frontend from YAML/textual policy) and returns a RuleSet
// sorted by ascending priority, stable on ties by original order.
// Grounded on the teacher's prg.Compiler, which performed the same
// deterministic-ordering step ahead of evaluation.
func Compile(rules []Rule) (*RuleSet, error) {
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("rule: rule at priority %d has no name", r.Priority)
		}
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("rule: duplicate rule name %q", r.Name)
		}
		seen[r.Name] = struct{}{}
		if r.Condition == nil {
			return nil, fmt.Errorf("rule: rule %q has no condition", r.Name)
		}
	}

	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	return &RuleSet{Rules: ordered}, nil
}

package reconcile

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/kgerg2/backup/internal/config"
)

// cloudOnlyRule is a compiled CloudOnlyRule: a target pattern over paths plus
// criterion templates that reference the target's named capture groups.
type cloudOnlyRule struct {
	target   *regexp.Regexp
	criteria []string
}

func compileCloudOnlyRules(rules []config.CloudOnlyRule) ([]cloudOnlyRule, error) {
	compiled := make([]cloudOnlyRule, 0, len(rules))
	for _, r := range rules {
		target, err := regexp.Compile(r.Target)
		if err != nil {
			return nil, fmt.Errorf("cloud-only rule %q: %w", r.Target, err)
		}
		criteria := make([]string, len(r.Criteria))
		for i, c := range r.Criteria {
			criteria[i] = canonicalCriterion(c, target)
		}
		compiled = append(compiled, cloudOnlyRule{target: target, criteria: criteria})
	}
	return compiled, nil
}

var groupRef = regexp.MustCompile(`\$?\{[A-Za-z_][A-Za-z0-9_]*\}`)

// canonicalCriterion rewrites {name} group references into the $-prefixed
// form Expand understands; ${name} is accepted as written. Only the target's
// group names are rewritten, so regex quantifiers like {4} or {2,3} pass
// through untouched.
func canonicalCriterion(criterion string, target *regexp.Regexp) string {
	groups := make(map[string]bool)
	for _, name := range target.SubexpNames() {
		if name != "" {
			groups[name] = true
		}
	}
	return groupRef.ReplaceAllStringFunc(criterion, func(ref string) string {
		if ref[0] == '$' || !groups[ref[1:len(ref)-1]] {
			return ref
		}
		return "$" + ref
	})
}

// FilterCloudOnly splits candidates into the paths that match a cloud-only
// rule and the rest. A candidate matches when a rule's target matches it and
// either the rule has no criteria or at least one criterion (expanded with
// the target's captures) matches some path in the universe: everything the
// index knows plus the candidates themselves.
func FilterCloudOnly(rules []config.CloudOnlyRule, candidates, known []string) (matched, rest []string, err error) {
	compiled, err := compileCloudOnlyRules(rules)
	if err != nil {
		return nil, nil, err
	}
	if len(compiled) == 0 {
		return nil, candidates, nil
	}

	universe := make([]string, 0, len(known)+len(candidates))
	universe = append(universe, known...)
	universe = append(universe, candidates...)

	for _, path := range candidates {
		if matchesAnyRule(compiled, path, universe) {
			matched = append(matched, path)
		} else {
			rest = append(rest, path)
		}
	}
	return matched, rest, nil
}

func matchesAnyRule(rules []cloudOnlyRule, path string, universe []string) bool {
	for _, rule := range rules {
		m := rule.target.FindStringSubmatchIndex(path)
		if m == nil {
			continue
		}
		if len(rule.criteria) == 0 {
			return true
		}
		for _, criterion := range rule.criteria {
			expanded := string(rule.target.ExpandString(nil, criterion, path, m))
			re, err := regexp.Compile(expanded)
			if err != nil {
				slog.Warn("cloud-only criterion does not compile after expansion",
					"criterion", criterion, "expanded", expanded, "error", err)
				continue
			}
			for _, other := range universe {
				if other != path && re.MatchString(other) {
					return true
				}
			}
		}
	}
	return false
}

// Package policy decides clearance requests before the operator sees them.
// Rules are glob patterns over the request's file path; the first matching
// rule wins, and an unmatched request falls through to the operator.
package policy

import (
	"fmt"
	"os"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/adamavenir/intercom/internal/types"
)

// Rule actions.
const (
	ActionApprove = "approve"
	ActionDeny    = "deny"
	ActionAsk     = "ask"
)

// Risk levels, in ascending order.
const (
	RiskLow      = "low"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

var riskRank = map[string]int{
	RiskLow:      0,
	RiskHigh:     1,
	RiskCritical: 2,
}

// Verdict is the policy's answer for one clearance request.
type Verdict struct {
	Action  string // approve | deny | ask
	Pattern string // the rule that matched, empty for the default
}

type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Pattern string `yaml:"pattern"`
	Action  string `yaml:"action"`
	MaxRisk string `yaml:"max_risk,omitempty"`
}

type rule struct {
	pattern string
	matcher glob.Glob
	action  string
	maxRisk int
}

// RuleSet is an immutable compiled policy. Evaluate is safe for concurrent
// use; reloads swap whole rule sets.
type RuleSet struct {
	rules []rule
}

// Compile parses and validates YAML rule text. Invalid actions, unknown
// risk levels, bad globs, and duplicate patterns are load-time errors.
func Compile(text []byte) (*RuleSet, error) {
	var file ruleFile
	if err := yaml.Unmarshal(text, &file); err != nil {
		return nil, fmt.Errorf("%w: parse policy: %v", types.ErrConfig, err)
	}

	seen := make(map[string]bool)
	rules := make([]rule, 0, len(file.Rules))
	for i, spec := range file.Rules {
		if spec.Pattern == "" {
			return nil, fmt.Errorf("%w: rule %d: empty pattern", types.ErrConfig, i)
		}
		if seen[spec.Pattern] {
			return nil, fmt.Errorf("%w: duplicate pattern %q", types.ErrConfig, spec.Pattern)
		}
		seen[spec.Pattern] = true

		switch spec.Action {
		case ActionApprove, ActionDeny, ActionAsk:
		default:
			return nil, fmt.Errorf("%w: rule %q: unknown action %q", types.ErrConfig, spec.Pattern, spec.Action)
		}

		maxRisk := riskRank[RiskCritical]
		if spec.MaxRisk != "" {
			rank, ok := riskRank[spec.MaxRisk]
			if !ok {
				return nil, fmt.Errorf("%w: rule %q: unknown risk level %q", types.ErrConfig, spec.Pattern, spec.MaxRisk)
			}
			maxRisk = rank
		}

		matcher, err := glob.Compile(spec.Pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("%w: rule %q: %v", types.ErrConfig, spec.Pattern, err)
		}
		rules = append(rules, rule{
			pattern: spec.Pattern,
			matcher: matcher,
			action:  spec.Action,
			maxRisk: maxRisk,
		})
	}
	return &RuleSet{rules: rules}, nil
}

// Load compiles the policy file at path. A missing path yields the empty
// rule set: everything goes to the operator.
func Load(path string) (*RuleSet, error) {
	if path == "" {
		return &RuleSet{}, nil
	}
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read policy %s: %v", types.ErrConfig, path, err)
	}
	return Compile(text)
}

// Evaluate runs the request through the rules. An approve rule whose
// max_risk is below the request's risk level degrades to ask: automation
// never green-lights something riskier than the rule allows.
func (rs *RuleSet) Evaluate(filePath, riskLevel string) Verdict {
	risk, ok := riskRank[riskLevel]
	if !ok {
		// Unknown risk is treated as the worst case.
		risk = riskRank[RiskCritical]
	}
	for _, r := range rs.rules {
		if !r.matcher.Match(filePath) {
			continue
		}
		if r.action == ActionApprove && risk > r.maxRisk {
			return Verdict{Action: ActionAsk, Pattern: r.pattern}
		}
		return Verdict{Action: r.action, Pattern: r.pattern}
	}
	return Verdict{Action: ActionAsk}
}

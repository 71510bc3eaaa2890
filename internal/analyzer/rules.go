package analyzer

import (
	"fmt"
	"regexp"

	"github.com/edvin/snapbackup/internal/model"
)

// Rule is a compiled classification rule. Patterns match case-insensitively.
type Rule struct {
	model.Rule
	re *regexp.Regexp
}

// RuleSet is an ordered rule table.
type RuleSet []Rule

// Compile compiles rules in order.
func Compile(rules []model.Rule) (RuleSet, error) {
	set := make(RuleSet, 0, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Category, err)
		}
		set = append(set, Rule{Rule: r, re: re})
	}
	return set, nil
}

// Classify returns the classification of message. Every rule is evaluated
// and the last match wins, so later, narrower rules override broader ones.
// An unmatched message is unknown, medium and actionable.
func (s RuleSet) Classify(message string) model.ErrorClassification {
	c := model.ErrorClassification{
		Category:   model.CategoryUnknown,
		Severity:   model.SeverityMedium,
		Actionable: true,
	}
	for _, r := range s {
		if r.re.MatchString(message) {
			c.Category = r.Category
			c.Severity = r.Severity
			c.Actionable = r.Actionable
			c.Retryable = r.Retryable
		}
	}
	return c
}

// DefaultRules is the built-in table: transient faults first, then the
// conditions that need an operator.
func DefaultRules() []model.Rule {
	return []model.Rule{
		{Pattern: `timeout|timed out|deadline exceeded`, Category: "network", Severity: model.SeverityHigh, Actionable: false, Retryable: true},
		{Pattern: `connection (refused|reset)|no route to host|network is unreachable|broken pipe|unexpected eof`, Category: "network", Severity: model.SeverityHigh, Actionable: false, Retryable: true},
		{Pattern: `no such host|name resolution|dns`, Category: "dns", Severity: model.SeverityHigh, Actionable: false, Retryable: true},
		{Pattern: `repository is already locked|unable to create lock|lock .*(held|exists)|lock is held`, Category: "lock", Severity: model.SeverityHigh, Actionable: false, Retryable: true},
		{Pattern: `restart budget exhausted`, Category: "budget", Severity: model.SeverityHigh, Actionable: true, Retryable: false},
		{Pattern: `permission denied|access denied|operation not permitted|unauthori[sz]ed|forbidden|wrong password|invalid credentials|invalidaccesskeyid|signaturedoesnotmatch|no aws credentials`, Category: "permission", Severity: model.SeverityHigh, Actionable: true, Retryable: false},
		{Pattern: `no space left|disk full|quota exceeded|out of memory|cannot allocate memory`, Category: "capacity", Severity: model.SeverityCritical, Actionable: true, Retryable: false},
		{Pattern: `checksum mismatch|ciphertext verification failed|(pack|blob|tree|object) .*(not found|missing)|missing (pack|blob|tree|object)|corrupt`, Category: "corruption", Severity: model.SeverityCritical, Actionable: true, Retryable: false},
		{Pattern: `snapshot disappeared|dataset has no snapshot|share a mountpoint`, Category: "snapshot", Severity: model.SeverityHigh, Actionable: true, Retryable: false},
		{Pattern: `sampled files failed to restore|snapshot contains no regular files|repository has no snapshots`, Category: "restore", Severity: model.SeverityHigh, Actionable: true, Retryable: false},
	}
}

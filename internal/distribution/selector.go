package distribution

import (
	"github.com/bissquit/notification-distributor/internal/domain"
)

// HasSelectors reports whether a and b agree on every label.
// Two nil maps agree; a nil and a non-nil map never do.
func HasSelectors(labels []string, a, b map[string]any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}

	for _, label := range labels {
		if !strictEqual(a[label], b[label]) {
			return false
		}
	}
	return true
}

// SelectRule picks the first non-default rule whose metadata matches on the
// event's labels, falling back to the default rule.
func SelectRule(rules []domain.DistributionRule, labels []string, metadata map[string]any) (*domain.DistributionRule, error) {
	var fallback *domain.DistributionRule

	for i := range rules {
		rule := &rules[i]
		if rule.IsDefault() {
			if fallback == nil {
				fallback = rule
			}
			continue
		}
		if HasSelectors(labels, rule.Metadata, metadata) {
			return rule, nil
		}
	}

	if fallback == nil {
		return nil, ErrMissingDefaultRule
	}
	return fallback, nil
}

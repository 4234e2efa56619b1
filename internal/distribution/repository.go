package distribution

import (
	"context"

	"github.com/bissquit/notification-distributor/internal/domain"
)

// RuleSet is everything the pipeline needs to know about one distribution event.
type RuleSet struct {
	Event         domain.DistributionEvent  `json:"event"`
	Rules         []domain.DistributionRule `json:"rules"`
	Subscriptions []domain.Subscription     `json:"subscriptions"`
}

// RuleRepository loads distribution events with their rules and subscriptions.
type RuleRepository interface {
	// FindRuleSet returns ErrNotFound when no event matches queue and eventType.
	// Rules are returned in declaration order.
	FindRuleSet(ctx context.Context, queue, eventType string) (*RuleSet, error)
}

// SubscriberResolver turns subscriptions into addressable recipients.
// Subscribers unknown upstream are omitted from the result.
type SubscriberResolver interface {
	Resolve(ctx context.Context, subs []domain.Subscription) ([]domain.Recipient, error)
}

// JobQueue accepts notification jobs for downstream delivery workers.
type JobQueue interface {
	// EnqueueBulk returns the ids of the jobs accepted before any error.
	EnqueueBulk(ctx context.Context, jobs []domain.NotificationJob) ([]string, error)
}

// AttemptStore persists the processing log of messages.
type AttemptStore interface {
	Upsert(ctx context.Context, attempt domain.Attempt) error
}

package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/notification-distributor/internal/domain"
	"github.com/bissquit/notification-distributor/internal/pkg/ctxlog"
)

// Stage is a state of the message processing state machine.
type Stage string

// Processing stages, in order. COMPLETED and FAILED are terminal.
const (
	StageReceived            Stage = "RECEIVED"
	StageValidated           Stage = "VALIDATED"
	StageRuleResolved        Stage = "RULE_RESOLVED"
	StageSubscribersResolved Stage = "SUBSCRIBERS_RESOLVED"
	StageJobsBuilt           Stage = "JOBS_BUILT"
	StageCompleted           Stage = "COMPLETED"
	StageFailed              Stage = "FAILED"
)

// Outcome describes how far a message got and what it produced.
type Outcome struct {
	Stage      Stage    `json:"stage"`
	Reached    Stage    `json:"reached"`
	EventID    string   `json:"eventId,omitempty"`
	RuleID     string   `json:"ruleId,omitempty"`
	Recipients int      `json:"recipients"`
	JobIDs     []string `json:"jobIds,omitempty"`
	// Skipped names the reason a completed message produced no jobs.
	Skipped string `json:"skipped,omitempty"`
}

// Result encodes the outcome for the attempt log.
func (o *Outcome) Result() []byte {
	data, err := json.Marshal(o)
	if err != nil {
		return nil
	}
	return data
}

// PipelineConfig contains pipeline configuration.
type PipelineConfig struct {
	PatternCacheSize int
	// Now overrides the clock used for delivery windows and job timestamps.
	Now func() time.Time
}

// Pipeline turns one distribution message into notification jobs.
type Pipeline struct {
	rules    RuleRepository
	resolver SubscriberResolver
	jobs     JobQueue
	filters  *FilterEvaluator
	windows  WindowEvaluator
	now      func() time.Time
}

// NewPipeline creates a new processing pipeline.
func NewPipeline(rules RuleRepository, resolver SubscriberResolver, jobs JobQueue, config PipelineConfig) *Pipeline {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		rules:    rules,
		resolver: resolver,
		jobs:     jobs,
		filters:  NewFilterEvaluator(config.PatternCacheSize),
		now:      now,
	}
}

// Process runs msg through validation, rule selection, recipient resolution,
// job construction and enqueueing. The returned outcome is never nil; on
// failure its Reached stage is the last one completed and err is a *ProcessingError.
func (p *Pipeline) Process(ctx context.Context, queue string, msg *domain.DistributionMessage) (*Outcome, error) {
	out := &Outcome{Stage: StageReceived, Reached: StageReceived}
	fail := func(err error) (*Outcome, error) {
		out.Stage = StageFailed
		return out, newProcessingError(out.Reached, err)
	}
	advance := func(s Stage) {
		out.Stage = s
		out.Reached = s
	}
	logger := ctxlog.FromContext(ctx)

	if err := ValidateMessage(msg); err != nil {
		return fail(err)
	}
	advance(StageValidated)

	set, err := p.rules.FindRuleSet(ctx, queue, msg.Type)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fail(fmt.Errorf("%w: queue %q, type %q", ErrNotFound, queue, msg.Type))
		}
		return fail(fmt.Errorf("find rule set: %w", err))
	}
	out.EventID = set.Event.ID

	rule, err := SelectRule(set.Rules, set.Event.MetadataLabels, msg.Metadata)
	if err != nil {
		return fail(fmt.Errorf("event %s: %w", set.Event.ID, err))
	}
	out.RuleID = rule.ID
	advance(StageRuleResolved)

	logger.Debug("rule selected",
		"event_id", set.Event.ID,
		"rule_id", rule.ID,
		"default", rule.IsDefault(),
		"bypass_subscriptions", rule.BypassSubscriptions,
	)

	recipients, err := p.recipients(ctx, rule, set.Subscriptions, msg)
	if err != nil {
		return fail(err)
	}
	out.Recipients = len(recipients)
	advance(StageSubscribersResolved)

	if len(recipients) == 0 {
		out.Skipped = "no recipients"
		advance(StageCompleted)
		return out, nil
	}

	jobs, err := BuildJobs(rule, recipients, JobSpec{
		MessageID: msg.ID,
		Payload:   msg.Payload,
		TimeZone:  msg.TimeZone,
		Now:       p.now(),
	})
	if err != nil {
		return fail(err)
	}
	advance(StageJobsBuilt)

	if len(jobs) == 0 {
		out.Skipped = "no deliverable channels"
		advance(StageCompleted)
		return out, nil
	}

	ids, err := p.jobs.EnqueueBulk(ctx, jobs)
	out.JobIDs = ids
	if err != nil {
		return fail(fmt.Errorf("enqueue jobs: %w", err))
	}

	for channel, count := range countByChannel(jobs) {
		recordJobsEnqueued(string(channel), count)
	}
	advance(StageCompleted)
	return out, nil
}

func (p *Pipeline) recipients(ctx context.Context, rule *domain.DistributionRule, subs []domain.Subscription, msg *domain.DistributionMessage) ([]domain.Recipient, error) {
	if rule.BypassSubscriptions {
		return msg.Recipients, nil
	}

	matched := p.filters.FilterSubscriptions(ctx, subs, msg.Payload)
	if len(matched) == 0 {
		return nil, nil
	}

	resolved, err := p.resolver.Resolve(ctx, matched)
	if err != nil {
		if errors.Is(err, ErrUpstreamLookup) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrUpstreamLookup, err)
	}

	return p.windows.Filter(ctx, rule.CheckDeliveryWindow, resolved, p.now()), nil
}

func countByChannel(jobs []domain.NotificationJob) map[domain.DeliveryMethod]int {
	counts := make(map[domain.DeliveryMethod]int)
	for _, j := range jobs {
		counts[j.Channel]++
	}
	return counts
}

// Handle adapts the pipeline to the Handler signature.
func (p *Pipeline) Handle(ctx context.Context, d Delivery) (*Outcome, error) {
	return p.Process(ctx, d.Queue, d.Message)
}

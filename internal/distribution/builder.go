package distribution

import (
	"fmt"
	"time"

	"github.com/bissquit/notification-distributor/internal/domain"
	"github.com/google/uuid"
)

// jobNamespace scopes the name-based UUIDs of notification jobs.
var jobNamespace = uuid.MustParse("6f1b7e2c-4a1d-5c8e-9b3f-2d7a0e4c8b15")

// JobID derives a stable job id from the message, channel and address, so a
// redelivered message yields the same ids and the job stream's duplicate
// window drops the repeats. Without a message id a random id is returned.
func JobID(messageID string, method domain.DeliveryMethod, to string) string {
	if messageID == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(jobNamespace, []byte(messageID+"|"+string(method)+"|"+to)).String()
}

// JobSpec carries the message-level inputs of BuildJobs.
type JobSpec struct {
	MessageID string
	Payload   any
	// TimeZone overrides the recipient's time zone when set.
	TimeZone *string
	Now      time.Time
}

type channelTarget struct {
	to        string
	recipient domain.Recipient
}

// channelTargets is an insertion-ordered set of addresses per channel.
type channelTargets struct {
	order   []domain.DeliveryMethod
	targets map[domain.DeliveryMethod][]channelTarget
	seen    map[domain.DeliveryMethod]map[string]struct{}
}

func newChannelTargets() *channelTargets {
	return &channelTargets{
		targets: make(map[domain.DeliveryMethod][]channelTarget),
		seen:    make(map[domain.DeliveryMethod]map[string]struct{}),
	}
}

func (c *channelTargets) addChannel(m domain.DeliveryMethod) {
	if _, ok := c.seen[m]; ok {
		return
	}
	c.order = append(c.order, m)
	c.seen[m] = make(map[string]struct{})
}

func (c *channelTargets) add(m domain.DeliveryMethod, to string, r domain.Recipient) {
	if _, dup := c.seen[m][to]; dup {
		return
	}
	c.seen[m][to] = struct{}{}
	c.targets[m] = append(c.targets[m], channelTarget{to: to, recipient: r})
}

// BuildJobs produces one job per distinct address per enabled channel of rule.
// Jobs are ordered by the rule's channel order, then by first-seen recipient.
func BuildJobs(rule *domain.DistributionRule, recipients []domain.Recipient, params JobSpec) ([]domain.NotificationJob, error) {
	targets := newChannelTargets()

	for _, method := range rule.DeliveryMethods {
		if !method.IsValid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, method)
		}
		targets.addChannel(method)

		for _, r := range recipients {
			to, ok := r.ResolveChannel(method)
			if !ok {
				continue
			}
			targets.add(method, to, r)
		}
	}

	createdAt := params.Now
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var jobs []domain.NotificationJob
	for _, method := range targets.order {
		template := rule.Templates[method]
		for _, t := range targets.targets[method] {
			tz := t.recipient.TimeZone
			if params.TimeZone != nil {
				tz = *params.TimeZone
			}
			jobs = append(jobs, domain.NotificationJob{
				ID:           JobID(params.MessageID, method, t.to),
				MessageID:    params.MessageID,
				Channel:      method,
				To:           t.to,
				SubscriberID: t.recipient.SubscriberID,
				Template:     template,
				Context:      params.Payload,
				TimeZone:     tz,
				CreatedAt:    createdAt,
			})
		}
	}

	return jobs, nil
}

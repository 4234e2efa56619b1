// Package jobqueue publishes notification jobs for channel delivery workers.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bissquit/notification-distributor/internal/distribution"
	"github.com/bissquit/notification-distributor/internal/domain"
	"github.com/bissquit/notification-distributor/internal/pkg/pubsub"
)

// Queue publishes each job on a per-channel subject, e.g. "email".
// Job ids are published as message ids. distribution.JobID keeps them stable
// across redeliveries, so repeats within the stream's duplicate window are dropped.
type Queue struct {
	publisher pubsub.Publisher
}

// New creates a Queue backed by publisher.
func New(publisher pubsub.Publisher) *Queue {
	return &Queue{publisher: publisher}
}

// EnqueueBulk publishes jobs in order and stops at the first failure.
func (q *Queue) EnqueueBulk(ctx context.Context, jobs []domain.NotificationJob) ([]string, error) {
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		data, err := json.Marshal(job)
		if err != nil {
			return ids, distribution.NewPermanentError(fmt.Errorf("encode job %s: %w", job.ID, err))
		}

		if err := q.publisher.PublishWithID(ctx, Subject(job.Channel), job.ID, data); err != nil {
			return ids, fmt.Errorf("enqueue job %s: %w", job.ID, err)
		}
		ids = append(ids, job.ID)
	}
	return ids, nil
}

// Subject returns the subject jobs of channel are published on.
func Subject(channel domain.DeliveryMethod) string {
	return strings.ToLower(string(channel))
}

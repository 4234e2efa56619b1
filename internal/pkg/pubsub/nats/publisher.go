package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/notification-distributor/internal/pkg/pubsub"
	"github.com/nats-io/nats.go/jetstream"
)

// jetStreamPublisher implements pubsub.Publisher using NATS JetStream.
type jetStreamPublisher struct {
	js   JetStream
	opts pubsub.PublisherOptions
}

// NewPublisher creates a new Publisher backed by NATS JetStream and makes
// sure its stream exists.
func NewPublisher(ctx context.Context, js JetStream, opts pubsub.PublisherOptions) (pubsub.Publisher, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream cannot be nil")
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = opts.StreamName
	}

	if opts.StreamName != "" {
		if err := ensureStream(ctx, js, opts.StreamName, opts.SubjectPrefix+".>", opts.Storage); err != nil {
			return nil, err
		}
	}

	return &jetStreamPublisher{js: js, opts: opts}, nil
}

// Publish sends a message to the specified subject.
func (p *jetStreamPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.publish(ctx, subject, data)
}

// PublishWithID sends a message carrying a Nats-Msg-Id header.
func (p *jetStreamPublisher) PublishWithID(ctx context.Context, subject, id string, data []byte) error {
	return p.publish(ctx, subject, data, jetstream.WithMsgID(id))
}

func (p *jetStreamPublisher) publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) error {
	start := time.Now()

	fullSubject := subject
	if p.opts.SubjectPrefix != "" {
		fullSubject = p.opts.SubjectPrefix + "." + subject
	}

	if p.opts.RetryAttempts > 0 {
		opts = append(opts, jetstream.WithRetryAttempts(p.opts.RetryAttempts))
	}

	_, err := p.js.Publish(ctx, fullSubject, data, opts...)

	if p.opts.OnPublish != nil {
		p.opts.OnPublish(fullSubject, err, time.Since(start))
	}

	if err != nil {
		return fmt.Errorf("publish to %s: %w", fullSubject, err)
	}
	return nil
}

// Close is a no-op; the connection is owned by the caller.
func (p *jetStreamPublisher) Close() error {
	return nil
}

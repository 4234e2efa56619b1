package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bissquit/notification-distributor/internal/pkg/pubsub"
	"github.com/nats-io/nats.go/jetstream"
)

// jetStreamConsumer implements pubsub.Consumer using a durable JetStream consumer.
type jetStreamConsumer struct {
	js     JetStream
	opts   pubsub.ConsumerOptions
	logger *slog.Logger
}

// NewConsumer creates a new Consumer backed by NATS JetStream.
func NewConsumer(js JetStream, opts pubsub.ConsumerOptions, logger *slog.Logger) (pubsub.Consumer, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream cannot be nil")
	}
	if opts.StreamName == "" {
		return nil, fmt.Errorf("stream name is required")
	}

	defaults := pubsub.DefaultConsumerOptions()
	if opts.ChannelBufSize <= 0 {
		opts.ChannelBufSize = defaults.ChannelBufSize
	}
	if opts.ConsumerName == "" {
		opts.ConsumerName = defaults.ConsumerName
	}
	if opts.FilterSubject == "" {
		opts.FilterSubject = opts.StreamName + ".>"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &jetStreamConsumer{js: js, opts: opts, logger: logger}, nil
}

// Subscribe starts consuming messages and returns a channel.
func (c *jetStreamConsumer) Subscribe(ctx context.Context) (<-chan pubsub.Message, error) {
	if err := ensureStream(ctx, c.js, c.opts.StreamName, c.opts.StreamName+".>", c.opts.Storage); err != nil {
		return nil, err
	}

	consumer, err := c.js.CreateOrUpdateConsumer(ctx, c.opts.StreamName, jetstream.ConsumerConfig{
		Durable:       c.opts.ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: c.opts.FilterSubject,
		AckWait:       c.opts.AckWait,
		MaxAckPending: c.opts.MaxAckPending,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", c.opts.ConsumerName, err)
	}

	gate := newDeliveryGate(c.opts.ChannelBufSize)

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		gate.deliver(ctx, msg)
	})
	if err != nil {
		gate.close()
		return nil, fmt.Errorf("start consumer %s: %w", c.opts.ConsumerName, err)
	}

	c.logger.Info("consumer subscribed",
		"stream", c.opts.StreamName,
		"consumer", c.opts.ConsumerName,
		"filter", c.opts.FilterSubject,
	)

	go func() {
		<-ctx.Done()
		cc.Stop()
		gate.close()
		c.logger.Info("consumer stopped", "stream", c.opts.StreamName)
	}()

	return gate.ch, nil
}

// deliveryGate hands consumed messages to the subscriber channel. Sends and
// close are serialised so a callback running during shutdown never sends on a
// closed channel; messages arriving after close are Nak'd.
type deliveryGate struct {
	mu     sync.RWMutex
	closed bool
	ch     chan pubsub.Message
}

func newDeliveryGate(size int) *deliveryGate {
	return &deliveryGate{ch: make(chan pubsub.Message, size)}
}

func (g *deliveryGate) deliver(ctx context.Context, msg jetstream.Msg) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.closed {
		_ = msg.Nak()
		return
	}
	select {
	case g.ch <- WrapMessage(msg):
	case <-ctx.Done():
		_ = msg.Nak()
	}
}

// close waits for in-flight sends. A send blocked on a full channel gives up
// once its context is done.
func (g *deliveryGate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.closed {
		g.closed = true
		close(g.ch)
	}
}

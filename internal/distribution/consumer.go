package distribution

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bissquit/notification-distributor/internal/domain"
	"github.com/bissquit/notification-distributor/internal/pkg/pubsub"
)

// ConsumerConfig contains consumer configuration.
type ConsumerConfig struct {
	NumWorkers int
	// SubjectPrefix is stripped from message subjects to get the queue name.
	SubjectPrefix   string
	MessageTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConsumerConfig returns default consumer configuration.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		NumWorkers:      8,
		MessageTimeout:  30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Consumer feeds transport messages through a Handler and settles each one
// according to the retry policy.
type Consumer struct {
	config  ConsumerConfig
	source  pubsub.Consumer
	handler Handler
	policy  RetryPolicy
	logger  *slog.Logger

	cancel  context.CancelFunc
	closing atomic.Bool
	wg      sync.WaitGroup
}

// NewConsumer creates a new message consumer.
func NewConsumer(config ConsumerConfig, source pubsub.Consumer, handler Handler, policy RetryPolicy, logger *slog.Logger) *Consumer {
	defaults := DefaultConsumerConfig()
	if config.NumWorkers <= 0 {
		config.NumWorkers = defaults.NumWorkers
	}
	if config.MessageTimeout <= 0 {
		config.MessageTimeout = defaults.MessageTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		config:  config,
		source:  source,
		handler: handler,
		policy:  policy,
		logger:  logger,
	}
}

// Start subscribes to the source and launches worker goroutines.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	msgs, err := c.source.Subscribe(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe: %w", err)
	}
	c.cancel = cancel

	c.logger.Info("starting distribution consumer",
		"workers", c.config.NumWorkers,
		"max_attempts", c.policy.MaxAttempts,
	)

	for i := 0; i < c.config.NumWorkers; i++ {
		c.wg.Add(1)
		go c.run(ctx, i, msgs)
	}
	return nil
}

// Stop stops receiving, waits for in-flight messages and returns an error
// if they do not finish within the shutdown timeout.
func (c *Consumer) Stop() error {
	c.closing.Store(true)
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("distribution consumer stopped")
		return nil
	case <-time.After(c.config.ShutdownTimeout):
		return fmt.Errorf("consumer shutdown timed out after %s", c.config.ShutdownTimeout)
	}
}

func (c *Consumer) run(ctx context.Context, workerID int, msgs <-chan pubsub.Message) {
	defer c.wg.Done()

	// In-flight messages finish even after ctx is cancelled.
	baseCtx := context.WithoutCancel(ctx)

	for msg := range msgs {
		if c.closing.Load() {
			if err := msg.Nak(); err != nil {
				c.logger.Warn("failed to nak message during shutdown", "worker", workerID, "error", err)
			}
			continue
		}
		c.process(baseCtx, workerID, msg)
	}
}

func (c *Consumer) process(ctx context.Context, workerID int, msg pubsub.Message) {
	queue := c.queueOf(msg.Subject())

	var m domain.DistributionMessage
	if err := json.Unmarshal(msg.Data(), &m); err != nil {
		c.logger.Error("dropping undecodable message",
			"worker", workerID,
			"subject", msg.Subject(),
			"error", err,
		)
		recordMessageProcessed(queue, "undecodable", 0)
		c.settle(queue, msg, Decision{Action: ActionTerminate})
		return
	}

	redeliveries := 0
	if md, err := msg.Metadata(); err == nil && md.NumDelivered > 0 {
		redeliveries = int(md.NumDelivered) - 1
	} else if err != nil {
		c.logger.Warn("message metadata unavailable, assuming first delivery",
			"message_id", m.ID,
			"error", err,
		)
	}

	d := Delivery{Queue: queue, Message: &m, Redeliveries: redeliveries}

	msgCtx, cancel := context.WithTimeout(ctx, c.config.MessageTimeout)
	defer cancel()

	_, err := c.handler(msgCtx, d)
	decision := c.policy.Decide(err, d.Attempt())

	if decision.Action == ActionTerminate {
		c.logger.Warn("message terminated",
			"message_id", m.ID,
			"queue", queue,
			"attempt", d.Attempt(),
			"unrecoverable", IsUnrecoverable(err),
		)
	}
	c.settle(queue, msg, decision)
}

func (c *Consumer) settle(queue string, msg pubsub.Message, decision Decision) {
	var err error
	switch decision.Action {
	case ActionAck:
		err = msg.Ack()
	case ActionRetry:
		err = msg.NakWithDelay(decision.Delay)
	case ActionTerminate:
		err = msg.Term()
	}
	recordDecision(queue, decision.Action)

	if err != nil {
		c.logger.Error("failed to settle message",
			"action", decision.Action.String(),
			"subject", msg.Subject(),
			"error", err,
		)
	}
}

func (c *Consumer) queueOf(subject string) string {
	if c.config.SubjectPrefix == "" {
		return subject
	}
	return strings.TrimPrefix(subject, c.config.SubjectPrefix+".")
}

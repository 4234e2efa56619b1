package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/notification-distributor/internal/domain"
	"github.com/bissquit/notification-distributor/internal/pkg/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockMessage struct {
	mock.Mock
	data    []byte
	subject string
	md      pubsub.MessageMetadata
	mdErr   error
	settled chan string
}

func newMockMessage(subject string, data []byte, numDelivered uint64) *mockMessage {
	return &mockMessage{
		subject: subject,
		data:    data,
		md:      pubsub.MessageMetadata{NumDelivered: numDelivered},
		settled: make(chan string, 1),
	}
}

func (m *mockMessage) Data() []byte    { return m.data }
func (m *mockMessage) Subject() string { return m.subject }

func (m *mockMessage) Metadata() (pubsub.MessageMetadata, error) {
	return m.md, m.mdErr
}

func (m *mockMessage) Ack() error {
	defer func() { m.settled <- "ack" }()
	return m.Called().Error(0)
}

func (m *mockMessage) Nak() error {
	defer func() { m.settled <- "nak" }()
	return m.Called().Error(0)
}

func (m *mockMessage) NakWithDelay(d time.Duration) error {
	defer func() { m.settled <- "nak_delay" }()
	return m.Called(d).Error(0)
}

func (m *mockMessage) Term() error {
	defer func() { m.settled <- "term" }()
	return m.Called().Error(0)
}

func (m *mockMessage) waitSettled(t *testing.T) string {
	t.Helper()
	select {
	case action := <-m.settled:
		return action
	case <-time.After(2 * time.Second):
		t.Fatal("message was not settled")
		return ""
	}
}

type chanSource struct {
	ch chan pubsub.Message
}

func (s *chanSource) Subscribe(ctx context.Context) (<-chan pubsub.Message, error) {
	out := make(chan pubsub.Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-s.ch:
				out <- m
			}
		}
	}()
	return out, nil
}

type failingSource struct{}

func (failingSource) Subscribe(context.Context) (<-chan pubsub.Message, error) {
	return nil, errors.New("nats unavailable")
}

func encodeMessage(t *testing.T, msg domain.DistributionMessage) []byte {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return data
}

func startConsumer(t *testing.T, h Handler) (*chanSource, *Consumer) {
	t.Helper()
	src := &chanSource{ch: make(chan pubsub.Message)}
	c := NewConsumer(ConsumerConfig{NumWorkers: 2, SubjectPrefix: "DISTRIBUTION"}, src, h, RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2,
	}, nil)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop() })
	return src, c
}

func TestConsumer_AcksCompletedMessages(t *testing.T) {
	var mu sync.Mutex
	var got []Delivery
	src, _ := startConsumer(t, func(_ context.Context, d Delivery) (*Outcome, error) {
		mu.Lock()
		got = append(got, d)
		mu.Unlock()
		return &Outcome{Stage: StageCompleted}, nil
	})

	msg := newMockMessage("DISTRIBUTION.orders", encodeMessage(t, domain.DistributionMessage{ID: testMessageID, Type: "order.created"}), 1)
	msg.On("Ack").Return(nil)
	src.ch <- msg

	assert.Equal(t, "ack", msg.waitSettled(t))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "orders", got[0].Queue)
	assert.Equal(t, testMessageID, got[0].Message.ID)
	assert.Equal(t, 1, got[0].Attempt())
}

func TestConsumer_RetriesRecoverableFailures(t *testing.T) {
	src, _ := startConsumer(t, func(_ context.Context, _ Delivery) (*Outcome, error) {
		return &Outcome{Stage: StageFailed}, ErrUpstreamLookup
	})

	// Third delivery: third attempt is still within the budget.
	msg := newMockMessage("DISTRIBUTION.orders", encodeMessage(t, domain.DistributionMessage{ID: testMessageID}), 3)
	msg.On("NakWithDelay", 4*time.Second).Return(nil)
	src.ch <- msg
	assert.Equal(t, "nak_delay", msg.waitSettled(t))

	exhausted := newMockMessage("DISTRIBUTION.orders", encodeMessage(t, domain.DistributionMessage{ID: testMessageID}), 4)
	exhausted.On("Term").Return(nil)
	src.ch <- exhausted
	assert.Equal(t, "term", exhausted.waitSettled(t))
}

func TestConsumer_TerminatesUnrecoverableFailures(t *testing.T) {
	src, _ := startConsumer(t, func(_ context.Context, _ Delivery) (*Outcome, error) {
		return &Outcome{Stage: StageFailed}, ErrValidation
	})

	msg := newMockMessage("DISTRIBUTION.orders", encodeMessage(t, domain.DistributionMessage{ID: testMessageID}), 1)
	msg.On("Term").Return(nil)
	src.ch <- msg
	assert.Equal(t, "term", msg.waitSettled(t))
}

func TestConsumer_TerminatesUndecodableMessages(t *testing.T) {
	called := false
	src, _ := startConsumer(t, func(_ context.Context, _ Delivery) (*Outcome, error) {
		called = true
		return &Outcome{}, nil
	})

	msg := newMockMessage("DISTRIBUTION.orders", []byte("{not json"), 1)
	msg.On("Term").Return(nil)
	src.ch <- msg
	assert.Equal(t, "term", msg.waitSettled(t))
	assert.False(t, called)
}

func TestConsumer_MetadataErrorAssumesFirstDelivery(t *testing.T) {
	attempts := make(chan int, 1)
	src, _ := startConsumer(t, func(_ context.Context, d Delivery) (*Outcome, error) {
		attempts <- d.Attempt()
		return &Outcome{}, nil
	})

	msg := newMockMessage("DISTRIBUTION.orders", encodeMessage(t, domain.DistributionMessage{ID: testMessageID}), 0)
	msg.mdErr = errors.New("not a jetstream message")
	msg.On("Ack").Return(nil)
	src.ch <- msg

	assert.Equal(t, "ack", msg.waitSettled(t))
	assert.Equal(t, 1, <-attempts)
}

func TestConsumer_StartSubscribeError(t *testing.T) {
	c := NewConsumer(ConsumerConfig{}, failingSource{}, nil, DefaultRetryPolicy(), nil)
	assert.ErrorContains(t, c.Start(context.Background()), "nats unavailable")
}

func TestConsumer_StopWaitsForInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	src, c := startConsumer(t, func(ctx context.Context, _ Delivery) (*Outcome, error) {
		close(started)
		<-release
		return &Outcome{}, ctx.Err()
	})

	msg := newMockMessage("DISTRIBUTION.orders", encodeMessage(t, domain.DistributionMessage{ID: testMessageID}), 1)
	msg.On("Ack").Return(nil)
	src.ch <- msg
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop() }()

	select {
	case <-stopped:
		t.Fatal("stop returned before in-flight message finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)
	// Cancellation of the consumer does not reach in-flight handlers.
	assert.Equal(t, "ack", msg.waitSettled(t))
}

func TestConsumer_QueueOf(t *testing.T) {
	c := NewConsumer(ConsumerConfig{SubjectPrefix: "DISTRIBUTION"}, nil, nil, DefaultRetryPolicy(), nil)
	assert.Equal(t, "orders", c.queueOf("DISTRIBUTION.orders"))
	assert.Equal(t, "billing.invoices", c.queueOf("DISTRIBUTION.billing.invoices"))

	c = NewConsumer(ConsumerConfig{}, nil, nil, DefaultRetryPolicy(), nil)
	assert.Equal(t, "orders", c.queueOf("orders"))
}

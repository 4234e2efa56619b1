// Package pubsub provides the message transport abstraction used by the
// distributor for inbound messages and outbound notification jobs.
package pubsub

import (
	"context"
	"time"
)

// Message represents a received message with acknowledgment controls.
type Message interface {
	// Data returns the raw message payload.
	Data() []byte

	// Subject returns the message subject.
	Subject() string

	// Ack acknowledges successful processing.
	Ack() error

	// Nak signals processing failure, requesting redelivery.
	Nak() error

	// NakWithDelay requests redelivery after a delay.
	NakWithDelay(delay time.Duration) error

	// Term terminates the message (no redelivery).
	Term() error

	// Metadata returns delivery metadata.
	Metadata() (MessageMetadata, error)
}

// MessageMetadata contains delivery information about a message.
type MessageMetadata struct {
	// NumDelivered is 1 on the first delivery.
	NumDelivered uint64
	Timestamp    time.Time
	Subject      string
	Stream       string
	Consumer     string
}

// Publisher publishes messages to a stream.
type Publisher interface {
	// Publish sends a message to the specified subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishWithID sends a message the server deduplicates by id.
	PublishWithID(ctx context.Context, subject, id string, data []byte) error

	// Close releases resources.
	Close() error
}

// Consumer consumes messages from a stream.
type Consumer interface {
	// Subscribe starts consuming messages and returns a channel.
	// The channel is closed when the context is cancelled.
	// Caller is responsible for calling Ack/Nak/Term on each message.
	Subscribe(ctx context.Context) (<-chan Message, error)
}

// StorageType defines the storage backend for streams.
type StorageType int

const (
	// FileStorage stores data on disk (default).
	FileStorage StorageType = iota
	// MemoryStorage stores data in memory.
	MemoryStorage
)

// PublisherOptions configures publisher behavior.
type PublisherOptions struct {
	// StreamName is the name of the stream to publish to.
	StreamName string

	// SubjectPrefix is prepended to all subjects. Defaults to StreamName.
	SubjectPrefix string

	// RetryAttempts is the number of retry attempts for publishing.
	RetryAttempts int

	Storage StorageType

	// OnPublish is called after each publish attempt.
	OnPublish func(subject string, err error, latency time.Duration)
}

// ConsumerOptions configures consumer behavior.
type ConsumerOptions struct {
	// StreamName is the name of the stream to consume from.
	StreamName string

	// ConsumerName is the durable consumer name shared by competing consumers.
	ConsumerName string

	// FilterSubject filters messages by subject pattern. Defaults to "<stream>.>".
	FilterSubject string

	// AckWait is how long the server waits for an ack before redelivering.
	AckWait time.Duration

	// MaxAckPending bounds unacknowledged messages across all subscribers.
	MaxAckPending int

	// ChannelBufSize is the buffer size for the message channel.
	ChannelBufSize int

	Storage StorageType
}

// DefaultConsumerOptions returns ConsumerOptions with sensible defaults.
func DefaultConsumerOptions() ConsumerOptions {
	return ConsumerOptions{
		ConsumerName:   "distributor",
		AckWait:        30 * time.Second,
		MaxAckPending:  1000,
		ChannelBufSize: 100,
	}
}

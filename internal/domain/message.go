package domain

import "time"

// DistributionMessage is the inbound unit of work published by producers.
type DistributionMessage struct {
	ID         string         `json:"id" validate:"required,uuid"`
	Type       string         `json:"type" validate:"required"`
	Payload    any            `json:"payload"`
	Metadata   map[string]any `json:"metadata"`
	AddedAt    time.Time      `json:"addedAt" validate:"required"`
	TimeZone   *string        `json:"timeZone,omitempty" validate:"omitempty,timezone"`
	Recipients []Recipient    `json:"recipients,omitempty" validate:"dive"`
}

// AttemptState is the lifecycle state of one processing attempt.
type AttemptState string

// Attempt states.
const (
	AttemptStateActive    AttemptState = "ACTIVE"
	AttemptStateCompleted AttemptState = "COMPLETED"
	AttemptStateFailed    AttemptState = "FAILED"
)

// Attempt records one physical processing try of a message on a queue.
type Attempt struct {
	MessageID   string       `json:"messageId"`
	Queue       string       `json:"queue"`
	Number      int          `json:"attempt"`
	State       AttemptState `json:"state"`
	ProcessedAt time.Time    `json:"processedAt"`
	FinishedAt  *time.Time   `json:"finishedAt,omitempty"`
	Result      []byte       `json:"result,omitempty"`
	Error       []byte       `json:"error,omitempty"`
}

// NotificationJob is a per-channel, per-recipient unit of outbound work.
type NotificationJob struct {
	ID           string         `json:"id"`
	MessageID    string         `json:"messageId"`
	Channel      DeliveryMethod `json:"channel"`
	To           string         `json:"to"`
	SubscriberID string         `json:"subscriberId,omitempty"`
	Template     Template       `json:"template"`
	Context      any            `json:"context"`
	TimeZone     string         `json:"timeZone,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

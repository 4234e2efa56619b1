package distribution

import "time"

// Action is what the transport does with a delivery after processing.
type Action int

// Transport actions.
const (
	// ActionAck acknowledges a processed message.
	ActionAck Action = iota
	// ActionRetry requeues the message after Decision.Delay.
	ActionRetry
	// ActionTerminate acknowledges a failed message without requeue.
	ActionTerminate
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionRetry:
		return "retry"
	case ActionTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// Decision is the transport decision for one delivery.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// RetryPolicy contains retry configuration.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryPolicy returns default retry configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// ShouldRetry reports whether a failed attempt is requeued. Unrecoverable
// errors never are; recoverable ones are while attemptsMade <= maxAttempts.
func ShouldRetry(err error, attemptsMade, maxAttempts int) bool {
	return !IsUnrecoverable(err) && attemptsMade <= maxAttempts
}

// Decide maps the result of attempt to a transport decision.
func (p RetryPolicy) Decide(err error, attempt int) Decision {
	if err == nil {
		return Decision{Action: ActionAck}
	}
	if !ShouldRetry(err, attempt, p.MaxAttempts) {
		return Decision{Action: ActionTerminate}
	}
	return Decision{Action: ActionRetry, Delay: p.Backoff(attempt)}
}

// Backoff returns the requeue delay after attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= p.BackoffMultiplier
		if backoff > float64(p.MaxBackoff) {
			break
		}
	}

	if p.MaxBackoff > 0 && backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}

	return time.Duration(backoff)
}

package distribution

import (
	"context"
	"log/slog"
	"time"

	"github.com/bissquit/notification-distributor/internal/domain"
	"github.com/bissquit/notification-distributor/internal/pkg/ctxlog"
)

// Delivery is one transport delivery of a message.
type Delivery struct {
	Queue   string
	Message *domain.DistributionMessage
	// Redeliveries counts earlier deliveries of the same message.
	Redeliveries int
}

// Attempt returns the 1-based attempt number of the delivery.
func (d Delivery) Attempt() int {
	return AttemptsMade(d.Redeliveries)
}

func (d Delivery) messageID() string {
	if d.Message == nil {
		return ""
	}
	return d.Message.ID
}

// AttemptsMade converts a redelivery count into the number of attempts made,
// counting the current one.
func AttemptsMade(redeliveries int) int {
	if redeliveries < 0 {
		redeliveries = 0
	}
	return 1 + redeliveries
}

// Handler processes one delivery.
type Handler func(ctx context.Context, d Delivery) (*Outcome, error)

// Middleware decorates a Handler.
type Middleware func(Handler) Handler

// Chain wraps h with mw. The first middleware is the outermost.
func Chain(h Handler, mw ...Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// WithLogging attaches a per-message logger to the context and logs the outcome.
func WithLogging(logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, d Delivery) (*Outcome, error) {
			msgLogger := logger.With(
				"message_id", d.messageID(),
				"queue", d.Queue,
				"attempt", d.Attempt(),
			)
			ctx = ctxlog.WithLogger(ctx, msgLogger)

			start := time.Now()
			out, err := next(ctx, d)
			duration := time.Since(start)

			if err != nil {
				level := slog.LevelWarn
				if IsUnrecoverable(err) {
					level = slog.LevelError
				}
				msgLogger.Log(ctx, level, "message processing failed",
					"reached", reached(out),
					"kind", KindOf(err),
					"duration", duration,
					"error", err,
				)
				recordMessageProcessed(d.Queue, "failed", duration)
				return out, err
			}

			msgLogger.Info("message processed",
				"rule_id", out.RuleID,
				"recipients", out.Recipients,
				"jobs", len(out.JobIDs),
				"skipped", out.Skipped,
				"duration", duration,
			)
			if out.Skipped != "" {
				recordMessageProcessed(d.Queue, "skipped", duration)
			} else {
				recordMessageProcessed(d.Queue, "completed", duration)
			}
			return out, nil
		}
	}
}

// WithAttemptTracking records every attempt in store. Write failures are
// logged and never change the handler's result.
func WithAttemptTracking(store AttemptStore, now func() time.Time) Middleware {
	if now == nil {
		now = time.Now
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, d Delivery) (*Outcome, error) {
			attempt := domain.Attempt{
				MessageID:   d.messageID(),
				Queue:       d.Queue,
				Number:      d.Attempt(),
				State:       domain.AttemptStateActive,
				ProcessedAt: now(),
			}
			writeAttempt(ctx, store, attempt)

			out, err := next(ctx, d)

			finished := now()
			attempt.FinishedAt = &finished
			if err != nil {
				attempt.State = domain.AttemptStateFailed
				attempt.Error = SerializeError(err)
			} else {
				attempt.State = domain.AttemptStateCompleted
				attempt.Result = out.Result()
			}
			writeAttempt(ctx, store, attempt)

			return out, err
		}
	}
}

func writeAttempt(ctx context.Context, store AttemptStore, attempt domain.Attempt) {
	if attempt.MessageID == "" {
		return
	}
	if err := store.Upsert(ctx, attempt); err != nil {
		ctxlog.FromContext(ctx).Warn("failed to write attempt log",
			"state", attempt.State,
			"error", err,
		)
		recordAttemptWriteFailure(string(attempt.State))
	}
}

func reached(out *Outcome) Stage {
	if out == nil {
		return StageReceived
	}
	return out.Reached
}

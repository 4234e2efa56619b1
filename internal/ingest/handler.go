// Package ingest accepts distribution messages from producers over HTTP and
// publishes them on the inbound stream.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bissquit/notification-distributor/internal/distribution"
	"github.com/bissquit/notification-distributor/internal/domain"
	"github.com/bissquit/notification-distributor/internal/pkg/ctxlog"
	"github.com/bissquit/notification-distributor/internal/pkg/httputil"
	"github.com/bissquit/notification-distributor/internal/pkg/pubsub"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

// Handler handles HTTP requests for message ingestion.
type Handler struct {
	publisher pubsub.Publisher
	now       func() time.Time
}

// NewHandler creates a new ingest handler.
func NewHandler(publisher pubsub.Publisher) *Handler {
	return &Handler{publisher: publisher, now: time.Now}
}

// RegisterRoutes registers ingest routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/queues/{queue}/messages", h.Publish)
}

// PublishResponse is returned for an accepted message.
type PublishResponse struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
}

// Publish handles POST /queues/{queue}/messages.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	ctx := ctxlog.With(r.Context(), "queue", queue)

	msg, err := h.accept(ctx, w, r, queue)
	switch {
	case errors.Is(err, distribution.ErrValidation):
		httputil.ValidationError(w, err)
	case err != nil:
		httputil.WriteError(ctx, w, err)
	default:
		ctxlog.FromContext(ctx).Info("message accepted", "message_id", msg.ID, "type", msg.Type)
		httputil.Success(w, http.StatusAccepted, PublishResponse{ID: msg.ID, Queue: queue})
	}
}

func (h *Handler) accept(ctx context.Context, w http.ResponseWriter, r *http.Request, queue string) (*domain.DistributionMessage, error) {
	if !validQueue(queue) {
		return nil, httputil.NewStatusError(http.StatusBadRequest, "invalid queue name", nil)
	}
	if producer, ok := httputil.GetProducer(ctx); ok && !producer.CanPublish(queue) {
		return nil, httputil.NewStatusError(http.StatusForbidden, "producer may not publish to this queue", nil)
	}

	var msg domain.DistributionMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&msg); err != nil {
		return nil, httputil.NewStatusError(http.StatusBadRequest, "invalid json", err)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.AddedAt.IsZero() {
		msg.AddedAt = h.now().UTC()
	}
	if err := distribution.ValidateMessage(&msg); err != nil {
		return nil, err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if err := h.publisher.PublishWithID(ctx, queue, msg.ID, data); err != nil {
		return nil, httputil.NewStatusError(http.StatusServiceUnavailable, "message stream unavailable",
			fmt.Errorf("publish message %s: %w", msg.ID, err))
	}
	return &msg, nil
}

// validQueue accepts names usable as a single subject token.
func validQueue(queue string) bool {
	if queue == "" || len(queue) > 128 {
		return false
	}
	for _, c := range queue {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

package httputil

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/bissquit/notification-distributor/internal/pkg/ctxlog"
)

type contextKey string

// ProducerKey is the context key of the authenticated Producer.
const ProducerKey contextKey = "producer"

// AnyQueue grants a producer access to every queue.
const AnyQueue = "*"

// Producer is the authenticated caller of the ingest API.
type Producer struct {
	ID     string
	Queues []string
}

// CanPublish reports whether the producer may publish to queue.
func (p Producer) CanPublish(queue string) bool {
	return slices.Contains(p.Queues, AnyQueue) || slices.Contains(p.Queues, queue)
}

// TokenValidator interface for validating tokens.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (Producer, error)
}

// AuthMiddleware creates authentication middleware.
func AuthMiddleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				Error(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			scheme, token, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
				Error(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			producer, err := validator.ValidateToken(r.Context(), token)
			if err != nil {
				ctxlog.FromContext(r.Context()).Debug("token rejected", "error", err)
				Error(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), ProducerKey, producer)
			ctx = ctxlog.With(ctx, "producer", producer.ID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetProducer extracts the authenticated producer from context.
func GetProducer(ctx context.Context) (Producer, bool) {
	producer, ok := ctx.Value(ProducerKey).(Producer)
	return producer, ok
}

package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/notification-distributor/internal/pkg/ctxlog"
)

// StatusError is an error reported to the client with a fixed status and message.
// Err, when set, is logged but never exposed.
type StatusError struct {
	Status  int
	Message string
	Err     error
}

// NewStatusError creates a StatusError.
func NewStatusError(status int, message string, err error) *StatusError {
	return &StatusError{Status: status, Message: message, Err: err}
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// WriteError writes err as an error envelope. A StatusError keeps its status
// and message; anything else is logged and reported as 500.
func WriteError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := ctxlog.FromContext(ctx)

	var se *StatusError
	if !errors.As(err, &se) {
		logger.Error("internal error", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	if se.Status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", se.Status, "error", err)
	} else if se.Err != nil {
		logger.Debug("request rejected", "status", se.Status, "error", err)
	}
	Error(w, se.Status, se.Message)
}

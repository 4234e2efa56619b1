package distribution

import (
	"encoding/json"
	"errors"
)

// Processing errors.
var (
	ErrValidation         = errors.New("invalid distribution message")
	ErrNotFound           = errors.New("distribution event not found")
	ErrMissingDefaultRule = errors.New("distribution event has no default rule")
	ErrUpstreamLookup     = errors.New("subscriber lookup failed")
	ErrUnknownChannel     = errors.New("unknown delivery channel")
	ErrTypeMismatch       = errors.New("filter query type mismatch")
)

// Error kinds written to the attempt log.
const (
	KindValidation         = "ValidationError"
	KindNotFound           = "NotFoundError"
	KindMissingDefaultRule = "MissingDefaultRuleError"
	KindUpstreamLookup     = "UpstreamLookupError"
	KindUnknownChannel     = "UnknownChannelError"
	KindTypeMismatch       = "TypeMismatchError"
	KindInternal           = "Error"
)

var unrecoverable = []error{
	ErrValidation,
	ErrNotFound,
	ErrMissingDefaultRule,
	ErrUnknownChannel,
	ErrTypeMismatch,
}

// ProcessingError wraps a failure of a pipeline stage.
type ProcessingError struct {
	Stage Stage
	Kind  string
	Err   error
}

func (e *ProcessingError) Error() string {
	return string(e.Stage) + ": " + e.Err.Error()
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Recoverable reports whether retrying the message may succeed.
func (e *ProcessingError) Recoverable() bool {
	return !IsUnrecoverable(e.Err)
}

func newProcessingError(stage Stage, err error) *ProcessingError {
	return &ProcessingError{Stage: stage, Kind: KindOf(err), Err: err}
}

// IsUnrecoverable checks if retrying err cannot change the result.
// Errors not classified by a sentinel are treated as recoverable.
func IsUnrecoverable(err error) bool {
	if err == nil {
		return false
	}

	type permanent interface {
		Permanent() bool
	}
	var p permanent
	if errors.As(err, &p) && p.Permanent() {
		return true
	}

	return isUnrecoverableSentinel(err)
}

func isUnrecoverableSentinel(err error) bool {
	for _, target := range unrecoverable {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// KindOf returns the attempt-log kind of err.
func KindOf(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrMissingDefaultRule):
		return KindMissingDefaultRule
	case errors.Is(err, ErrUpstreamLookup):
		return KindUpstreamLookup
	case errors.Is(err, ErrUnknownChannel):
		return KindUnknownChannel
	case errors.Is(err, ErrTypeMismatch):
		return KindTypeMismatch
	default:
		return KindInternal
	}
}

type serializedError struct {
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	Stage       Stage  `json:"stage,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// SerializeError encodes err for the attempt log.
func SerializeError(err error) []byte {
	if err == nil {
		return nil
	}

	se := serializedError{
		Kind:        KindOf(err),
		Message:     err.Error(),
		Recoverable: !IsUnrecoverable(err),
	}
	var pe *ProcessingError
	if errors.As(err, &pe) {
		se.Stage = pe.Stage
	}

	data, marshalErr := json.Marshal(se)
	if marshalErr != nil {
		return []byte(`{"kind":"Error"}`)
	}
	return data
}

// PermanentError marks a collaborator failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent always returns true.
func (e *PermanentError) Permanent() bool {
	return true
}

// NewPermanentError wraps err as non-retryable.
func NewPermanentError(err error) *PermanentError {
	return &PermanentError{Err: err}
}

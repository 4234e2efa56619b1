package distribution

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/bissquit/notification-distributor/internal/domain"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// invalidMessageError matches both ErrValidation and validator.ValidationErrors.
type invalidMessageError struct {
	err error
}

func (e *invalidMessageError) Error() string {
	return ErrValidation.Error() + ": " + describeValidation(e.err)
}

func (e *invalidMessageError) Unwrap() []error {
	return []error{ErrValidation, e.err}
}

// ValidateMessage checks the structural constraints of an inbound message.
func ValidateMessage(msg *domain.DistributionMessage) error {
	if msg == nil {
		return fmt.Errorf("%w: empty message", ErrValidation)
	}
	if err := validate.Struct(msg); err != nil {
		return &invalidMessageError{err: err}
	}
	if msg.AddedAt.IsZero() {
		return fmt.Errorf("%w: addedAt is required", ErrValidation)
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

package workflow

import (
	"errors"
	"fmt"

	"github.com/banshee-data/callaudit/internal/batching"
	"github.com/banshee-data/callaudit/internal/labels"
)

var (
	// ErrInvalidInput marks a request rejected before touching state.
	ErrInvalidInput = errors.New("invalid input")
	// ErrForbidden marks an operation not allowed for the session's mode or user.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound marks a reference to a missing user, task item, config or batch.
	ErrNotFound = errors.New("not found")
	// ErrStaleSubmission is returned when a sample already carries two other
	// formal annotators at write time.
	ErrStaleSubmission = errors.New("submission blocked: sample already completed by two other annotators")
)

// invalid wraps err as ErrInvalidInput when it is one of the validation
// errors raised by the labels or batching packages.
func invalid(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, labels.ErrInvalidLabel),
		errors.Is(err, labels.ErrUnknownTaskType),
		errors.Is(err, labels.ErrUnknownMode),
		errors.Is(err, batching.ErrInvalidBatchSize):
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return err
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

package protect

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotAuthorized is returned from a write when the acting user lacks
// write permission on the target model type. The local mutation is
// reverted before this is returned.
var ErrNotAuthorized = errors.New("acting user is not authorized to write this model type")

// ErrConnectInFlight is returned by Connect when another connect attempt
// already holds the connect lock. The caller's attempt was not started.
var ErrConnectInFlight = errors.New("connect already in flight")

// ReadOnlyFieldError reports a write that touched fields in the model
// type's read-only set. The local mutation is reverted before this is
// returned.
type ReadOnlyFieldError struct {
	Model  ModelType
	Fields []string
}

func (e *ReadOnlyFieldError) Error() string {
	return fmt.Sprintf("read-only fields changed on %s: %s", e.Model, strings.Join(e.Fields, ", "))
}

// IsReadOnlyField reports whether err is a ReadOnlyFieldError.
func IsReadOnlyField(err error) bool {
	var roe *ReadOnlyFieldError
	return errors.As(err, &roe)
}

// ValidationError wraps a payload that does not fit the target entity's
// schema. The reconciler isolates these per entity via the self-heal
// refetch; they never fail the packet stream.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "validating entity payload: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientError wraps an error that is likely temporary and safe to
// retry, such as a REST transport failure.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

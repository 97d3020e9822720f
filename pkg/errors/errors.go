// Package errors defines the typed error values shared by every datakit
// component. Each failure class the pipeline can surface has a dedicated
// error type so callers can branch with errors.As, while sentinel values
// cover the recurring low-level causes (empty data, singular matrices,
// zero variance) for errors.Is checks through arbitrarily deep wraps.
//
// All messages carry the "datakit: " prefix. Construction goes through the
// New* helpers; the structs are exported so errors.As targets are usable.
package errors

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Message prefix for all datakit errors.
const prefix = "datakit: "

// Sentinel errors for common failure causes. These are wrapped by the typed
// errors below and remain detectable with errors.Is.
var (
	// ErrEmptyData indicates an operation received zero rows or columns.
	ErrEmptyData = errors.New("empty data")

	// ErrSingularMatrix indicates a matrix inversion or solve failed.
	ErrSingularMatrix = errors.New("singular matrix")

	// ErrZeroVariance indicates a column with no variation where variation
	// is required (scaling, correlation, R²).
	ErrZeroVariance = errors.New("zero variance")

	// ErrNotImplemented indicates a contract method with no meaningful
	// implementation for the given algorithm.
	ErrNotImplemented = errors.New("not implemented")
)

// ValidationError reports a request parameter or column precondition that
// failed before any computation started.
type ValidationError struct {
	Field   string      // parameter key or column name
	Message string      // what was expected
	Value   interface{} // offending value, nil if not applicable
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: message, Value: value}
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("%sinvalid %s: %s (got %v)", prefix, e.Field, e.Message, e.Value)
	}
	return fmt.Sprintf("%sinvalid %s: %s", prefix, e.Field, e.Message)
}

// DimensionError reports a shape mismatch between related matrices or
// between fitted and supplied feature counts.
type DimensionError struct {
	Op       string // operation that detected the mismatch
	Expected int
	Got      int
	Axis     int // 0 = rows, 1 = columns
}

// NewDimensionError creates a DimensionError for the given operation.
func NewDimensionError(op string, expected, got, axis int) *DimensionError {
	return &DimensionError{Op: op, Expected: expected, Got: got, Axis: axis}
}

func (e *DimensionError) Error() string {
	axis := "rows"
	if e.Axis == 1 {
		axis = "columns"
	}
	return fmt.Sprintf("%s%s: dimension mismatch on %s: expected %d, got %d",
		prefix, e.Op, axis, e.Expected, e.Got)
}

// ValueError reports an invalid argument value detected inside an operation.
type ValueError struct {
	Op      string
	Message string
}

// NewValueError creates a ValueError for the given operation.
func NewValueError(op, message string) *ValueError {
	return &ValueError{Op: op, Message: message}
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("%s%s: %s", prefix, e.Op, e.Message)
}

// NotFittedError reports use of an estimator before Fit succeeded.
type NotFittedError struct {
	ModelName string
	Method    string
}

// NewNotFittedError creates a NotFittedError for the given model and method.
func NewNotFittedError(modelName, method string) *NotFittedError {
	return &NotFittedError{ModelName: modelName, Method: method}
}

func (e *NotFittedError) Error() string {
	return fmt.Sprintf("%s%s is not fitted; call Fit before %s", prefix, e.ModelName, e.Method)
}

// InsufficientDataError reports a row or series count below the statistical
// minimum an operation requires.
type InsufficientDataError struct {
	Op       string
	Required int
	Got      int
}

// NewInsufficientDataError creates an InsufficientDataError for the given
// operation.
func NewInsufficientDataError(op string, required, got int) *InsufficientDataError {
	return &InsufficientDataError{Op: op, Required: required, Got: got}
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%s%s: insufficient data: need at least %d rows, got %d",
		prefix, e.Op, e.Required, e.Got)
}

// ConvergenceError reports an iterative algorithm that exhausted its
// iteration budget without stabilizing.
type ConvergenceError struct {
	Op         string
	Iterations int
	Message    string
}

// NewConvergenceError creates a ConvergenceError for the given operation.
func NewConvergenceError(op string, iterations int, message string) *ConvergenceError {
	return &ConvergenceError{Op: op, Iterations: iterations, Message: message}
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("%s%s: did not converge within %d iterations: %s",
		prefix, e.Op, e.Iterations, e.Message)
}

// UnknownModelError reports a (task, model) pairing absent from the registry.
type UnknownModelError struct {
	Task       string
	Model      string
	Registered []string // names registered for Task, sorted
}

// NewUnknownModelError creates an UnknownModelError listing the registered
// alternatives for the task.
func NewUnknownModelError(task, model string, registered []string) *UnknownModelError {
	return &UnknownModelError{Task: task, Model: model, Registered: registered}
}

func (e *UnknownModelError) Error() string {
	if len(e.Registered) == 0 {
		return fmt.Sprintf("%sunknown model %q for task %q", prefix, e.Model, e.Task)
	}
	return fmt.Sprintf("%sunknown model %q for task %q (registered: %s)",
		prefix, e.Model, e.Task, strings.Join(e.Registered, ", "))
}

// NumericError reports a degenerate numeric condition detected mid-algorithm:
// singular systems, zero variance where forbidden, non-finite intermediates.
// It also wraps recovered panics (see Recover).
type NumericError struct {
	Op      string
	Message string
	Err     error // underlying cause, may be nil
}

// NewNumericError creates a NumericError wrapping cause (which may be nil).
func NewNumericError(op, message string, cause error) *NumericError {
	return &NumericError{Op: op, Message: message, Err: cause}
}

func (e *NumericError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s%s: %s: %v", prefix, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s%s: %s", prefix, e.Op, e.Message)
}

// Unwrap returns the underlying cause.
func (e *NumericError) Unwrap() error { return e.Err }

// CancelledError reports that a cancellation or deadline signal was observed
// between iteration steps. It wraps the context error so
// errors.Is(err, context.Canceled) keeps working.
type CancelledError struct {
	Op  string
	Err error
}

// NewCancelledError creates a CancelledError for the given operation.
func NewCancelledError(op string, cause error) *CancelledError {
	return &CancelledError{Op: op, Err: cause}
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s%s: cancelled: %v", prefix, e.Op, e.Err)
}

// Unwrap returns the context error.
func (e *CancelledError) Unwrap() error { return e.Err }

// ModelError reports a model-level failure with an underlying cause,
// typically one of the sentinel errors above.
type ModelError struct {
	Op      string
	Message string
	Err     error
}

// NewModelError creates a ModelError wrapping cause.
func NewModelError(op, message string, cause error) *ModelError {
	return &ModelError{Op: op, Message: message, Err: cause}
}

func (e *ModelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s%s: %s: %v", prefix, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s%s: %s", prefix, e.Op, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ModelError) Unwrap() error { return e.Err }

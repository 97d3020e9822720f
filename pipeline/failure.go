package pipeline

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"

	dkErrors "github.com/ezoic/datakit/pkg/errors"
)

// FailureKind classifies what went wrong with a request. The set is closed;
// anything that does not map onto a more specific kind is a NumericFailure.
type FailureKind string

const (
	// ValidationFailure marks a precondition that did not hold: bad shape,
	// missing column, out-of-range or unrecognized parameter.
	ValidationFailure FailureKind = "validation"
	// InsufficientData marks a row or series count below the operation's
	// statistical minimum.
	InsufficientData FailureKind = "insufficient_data"
	// ConvergenceFailure marks an iterative algorithm that exhausted its
	// budget without stabilizing.
	ConvergenceFailure FailureKind = "convergence"
	// UnknownModel marks a task/model pairing absent from the registry.
	UnknownModel FailureKind = "unknown_model"
	// NumericFailure marks faults detected mid-computation: singular
	// matrices, zero variance, degenerate input, or any unclassified fault.
	NumericFailure FailureKind = "numeric"
	// Cancelled marks a deadline or cancellation signal observed between
	// iteration steps.
	Cancelled FailureKind = "cancelled"
)

// Failure is the error surface of the orchestrator: a failure kind, the
// operation that produced it, and the underlying error chain.
type Failure struct {
	Kind    FailureKind
	Op      OperationKind
	Message string
	Err     error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s %s: %s", f.Op, f.Kind, f.Message)
}

// Unwrap exposes the underlying error so errors.Is/As keep working through
// a Failure.
func (f *Failure) Unwrap() error { return f.Err }

// classifyFailure maps the typed errors of pkg/errors onto the closed
// failure set. Cancellation is checked first so a wrapped context error is
// never misfiled.
func classifyFailure(op OperationKind, err error) *Failure {
	f := &Failure{Op: op, Message: err.Error(), Err: err}

	var (
		cancelled    *dkErrors.CancelledError
		unknown      *dkErrors.UnknownModelError
		convergence  *dkErrors.ConvergenceError
		insufficient *dkErrors.InsufficientDataError
		validation   *dkErrors.ValidationError
		dimension    *dkErrors.DimensionError
		value        *dkErrors.ValueError
		notFitted    *dkErrors.NotFittedError
	)
	switch {
	case errors.As(err, &cancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		f.Kind = Cancelled
	case errors.As(err, &unknown):
		f.Kind = UnknownModel
	case errors.As(err, &convergence):
		f.Kind = ConvergenceFailure
	case errors.As(err, &insufficient),
		errors.Is(err, dkErrors.ErrEmptyData):
		f.Kind = InsufficientData
	case errors.As(err, &validation),
		errors.As(err, &dimension),
		errors.As(err, &value),
		errors.As(err, &notFitted):
		f.Kind = ValidationFailure
	default:
		f.Kind = NumericFailure
	}
	return f
}

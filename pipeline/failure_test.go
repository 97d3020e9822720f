package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"

	dkErrors "github.com/ezoic/datakit/pkg/errors"
)

func TestClassifyFailure_Kinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"cancelled error", dkErrors.NewCancelledError("KMeans.Fit", context.Canceled), Cancelled},
		{"bare context cancellation", context.Canceled, Cancelled},
		{"wrapped deadline", errors.Wrap(context.DeadlineExceeded, "fit aborted"), Cancelled},
		{"unknown model", dkErrors.NewUnknownModelError("regression", "gradient_boost", []string{"linear_regression"}), UnknownModel},
		{"convergence", dkErrors.NewConvergenceError("LogisticRegression.Fit", 100, "L-BFGS hit the iteration limit"), ConvergenceFailure},
		{"insufficient data", dkErrors.NewInsufficientDataError("Trainer.Train", 10, 3), InsufficientData},
		{"empty data sentinel", errors.Wrap(dkErrors.ErrEmptyData, "no complete rows"), InsufficientData},
		{"validation", dkErrors.NewValidationError("label", "unknown column", "y"), ValidationFailure},
		{"dimension", dkErrors.NewDimensionError("LinearRegression.Predict", 3, 2, 1), ValidationFailure},
		{"value", dkErrors.NewValueError("analysis.DecomposeTrend", "period must be at least 2"), ValidationFailure},
		{"not fitted", dkErrors.NewNotFittedError("KMeans", "Predict"), ValidationFailure},
		{"numeric", dkErrors.NewNumericError("insight.ComputePCA", "SVD did not converge", nil), NumericFailure},
		{"plain error", errors.New("somebody divided by zero"), NumericFailure},
	}
	for _, tt := range tests {
		f := classifyFailure(OpClustering, tt.err)
		if f == nil {
			t.Fatalf("%s: classifyFailure returned nil", tt.name)
		}
		if f.Kind != tt.want {
			t.Errorf("%s: classified as %s, want %s", tt.name, f.Kind, tt.want)
		}
		if f.Op != OpClustering {
			t.Errorf("%s: Op = %s, want clustering", tt.name, f.Op)
		}
		if f.Message == "" {
			t.Errorf("%s: empty failure message", tt.name)
		}
	}
}

// A cancellation wrapped inside another pipeline error still classifies as
// Cancelled, not as the wrapper's family.
func TestClassifyFailure_WrappedCancellationWins(t *testing.T) {
	err := dkErrors.NewModelError("Trainer.Train", "fit failed",
		dkErrors.NewCancelledError("KMeans.Fit", context.Canceled))
	f := classifyFailure(OpClustering, err)
	if f.Kind != Cancelled {
		t.Fatalf("wrapped cancellation classified as %s, want %s", f.Kind, Cancelled)
	}
}

func TestFailure_ErrorChain(t *testing.T) {
	cause := dkErrors.NewCancelledError("KMeans.Fit", context.Canceled)
	f := classifyFailure(OpClustering, cause)

	if !errors.Is(f, context.Canceled) {
		t.Error("Failure does not unwrap to context.Canceled")
	}
	var ce *dkErrors.CancelledError
	if !errors.As(f, &ce) {
		t.Error("Failure does not unwrap to *CancelledError")
	}

	msg := f.Error()
	if !strings.Contains(msg, "clustering") || !strings.Contains(msg, "cancelled") {
		t.Errorf("Error() = %q, want the operation and the failure kind in it", msg)
	}
}

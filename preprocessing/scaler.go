// Package preprocessing provides the feature transforms the training
// pipeline applies internally:
//
//   - StandardScaler: standardizes features to zero mean and unit variance
//   - LabelEncoder: maps categorical labels to dense integer indices in
//     sorted category order
//
// Both follow the Fit/Transform pattern and guard against use before
// fitting. The trainer fits them on training data only and carries their
// state inside the ModelArtifact so scoring new data reproduces the exact
// training-time transform.
package preprocessing

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/ezoic/datakit/core/model"
	dkErrors "github.com/ezoic/datakit/pkg/errors"
)

// StandardScaler standardizes features by removing the mean and scaling to
// unit variance: X_scaled = (X - mean) / scale.
type StandardScaler struct {
	state *model.StateManager

	// Mean holds the per-feature mean computed during Fit.
	Mean []float64

	// Scale holds the per-feature standard deviation computed during Fit.
	// Near-constant features get scale 1 to avoid division by zero.
	Scale []float64

	// NFeatures is the feature count seen during Fit.
	NFeatures int

	// WithMean controls whether the mean is removed (default true).
	WithMean bool

	// WithStd controls whether values are divided by the standard
	// deviation (default true).
	WithStd bool
}

// NewStandardScaler creates a StandardScaler.
//
// Parameters:
//   - withMean: whether to center the data at zero by removing the mean
//   - withStd: whether to scale to unit variance
//
// Example:
//
//	scaler := preprocessing.NewStandardScaler(true, true)
//	scaled, err := scaler.FitTransform(XTrain)
func NewStandardScaler(withMean, withStd bool) *StandardScaler {
	return &StandardScaler{
		state:    model.NewStateManager(),
		WithMean: withMean,
		WithStd:  withStd,
	}
}

// NewStandardScalerDefault creates a StandardScaler with both centering and
// scaling enabled.
func NewStandardScalerDefault() *StandardScaler {
	return NewStandardScaler(true, true)
}

// NewStandardScalerFromState rebuilds a fitted scaler from artifact state,
// so new data is scaled exactly as the training data was.
func NewStandardScalerFromState(st *model.ScalerState) (*StandardScaler, error) {
	if st == nil || len(st.Mean) == 0 || len(st.Mean) != len(st.Std) {
		return nil, dkErrors.NewValueError("NewStandardScalerFromState", "invalid scaler state")
	}
	s := NewStandardScalerDefault()
	s.Mean = append([]float64(nil), st.Mean...)
	s.Scale = append([]float64(nil), st.Std...)
	s.NFeatures = len(st.Mean)
	s.state.SetFitted()
	s.state.SetDimensions(s.NFeatures, 0)
	return s, nil
}

// ExportState returns the fitted statistics for artifact storage.
func (s *StandardScaler) ExportState() (*model.ScalerState, error) {
	if !s.IsFitted() {
		return nil, dkErrors.NewNotFittedError("StandardScaler", "ExportState")
	}
	return &model.ScalerState{
		Mean: append([]float64(nil), s.Mean...),
		Std:  append([]float64(nil), s.Scale...),
	}, nil
}

// Fit computes the per-feature mean and standard deviation.
//
// Errors:
//   - ErrEmptyData: if X is empty
func (s *StandardScaler) Fit(X mat.Matrix) (err error) {
	defer dkErrors.Recover(&err, "StandardScaler.Fit")
	r, c := X.Dims()
	if r == 0 || c == 0 {
		return dkErrors.NewModelError("StandardScaler.Fit", "empty data", dkErrors.ErrEmptyData)
	}

	s.NFeatures = c
	s.Mean = make([]float64, c)
	s.Scale = make([]float64, c)

	if s.WithMean {
		for j := 0; j < c; j++ {
			sum := 0.0
			for i := 0; i < r; i++ {
				sum += X.At(i, j)
			}
			s.Mean[j] = sum / float64(r)
		}
	}

	if s.WithStd {
		for j := 0; j < c; j++ {
			sumSquares := 0.0
			for i := 0; i < r; i++ {
				diff := X.At(i, j) - s.Mean[j]
				sumSquares += diff * diff
			}
			variance := sumSquares / float64(r)
			s.Scale[j] = math.Sqrt(variance)

			// Constant features would divide by zero; leave them unscaled.
			if math.Abs(s.Scale[j]) < 1e-8 {
				s.Scale[j] = 1.0
			}
		}
	} else {
		for j := 0; j < c; j++ {
			s.Scale[j] = 1.0
		}
	}

	s.state.SetFitted()
	s.state.SetDimensions(c, r)
	return nil
}

// Transform applies standardization using the fitted statistics.
//
// Errors:
//   - NotFittedError: if the scaler hasn't been fitted yet
//   - DimensionError: if X doesn't match the fitted feature count
func (s *StandardScaler) Transform(X mat.Matrix) (_ mat.Matrix, err error) {
	defer dkErrors.Recover(&err, "StandardScaler.Transform")
	if !s.IsFitted() {
		return nil, dkErrors.NewNotFittedError("StandardScaler", "Transform")
	}

	r, c := X.Dims()
	if c != s.NFeatures {
		return nil, dkErrors.NewDimensionError("StandardScaler.Transform", s.NFeatures, c, 1)
	}

	result := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			result.Set(i, j, (X.At(i, j)-s.Mean[j])/s.Scale[j])
		}
	}

	return result, nil
}

// FitTransform fits the scaler and transforms the same data in one step.
func (s *StandardScaler) FitTransform(X mat.Matrix) (_ mat.Matrix, err error) {
	defer dkErrors.Recover(&err, "StandardScaler.FitTransform")
	if err := s.Fit(X); err != nil {
		return nil, err
	}
	return s.Transform(X)
}

// InverseTransform maps standardized data back to the original scale:
// X_orig = X_scaled * scale + mean. Used to report cluster centers in the
// caller's feature space.
func (s *StandardScaler) InverseTransform(X mat.Matrix) (_ mat.Matrix, err error) {
	defer dkErrors.Recover(&err, "StandardScaler.InverseTransform")
	if !s.IsFitted() {
		return nil, dkErrors.NewNotFittedError("StandardScaler", "InverseTransform")
	}

	r, c := X.Dims()
	if c != s.NFeatures {
		return nil, dkErrors.NewDimensionError("StandardScaler.InverseTransform", s.NFeatures, c, 1)
	}

	result := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			result.Set(i, j, X.At(i, j)*s.Scale[j]+s.Mean[j])
		}
	}

	return result, nil
}

// IsFitted reports whether Fit has completed.
func (s *StandardScaler) IsFitted() bool {
	return s.state.IsFitted()
}

// String returns a readable description of the scaler configuration.
func (s *StandardScaler) String() string {
	if !s.IsFitted() {
		return fmt.Sprintf("StandardScaler(with_mean=%t, with_std=%t)", s.WithMean, s.WithStd)
	}
	return fmt.Sprintf("StandardScaler(with_mean=%t, with_std=%t, n_features=%d)",
		s.WithMean, s.WithStd, s.NFeatures)
}

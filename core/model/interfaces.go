package model

import (
	"context"
	"encoding/json"

	"gonum.org/v1/gonum/mat"
)

// Predictor is the supervised estimator contract. Fit must observe ctx
// between iteration steps of any iterative optimization and return a
// CancelledError when the signal fires; Predict operates on the fitted
// state only and needs no context.
type Predictor interface {
	Fit(ctx context.Context, X, y mat.Matrix) error
	Predict(X mat.Matrix) (mat.Matrix, error)
	IsFitted() bool
}

// Clusterer is the unsupervised partitioner contract. Labels returns the
// per-row cluster assignment from the fitting data; Predict assigns new
// rows to the learned structure.
type Clusterer interface {
	Fit(ctx context.Context, X mat.Matrix) error
	Labels() []int
	Predict(X mat.Matrix) ([]int, error)
	IsFitted() bool
}

// Transformer is a fitted feature transform (scaling, encoding).
type Transformer interface {
	Fit(X mat.Matrix) error
	Transform(X mat.Matrix) (mat.Matrix, error)
	FitTransform(X mat.Matrix) (mat.Matrix, error)
}

// ParamsCodec is implemented by estimators whose learned state round-trips
// through an Artifact's params payload.
type ParamsCodec interface {
	ExportParams() (json.RawMessage, error)
	ImportParams(raw json.RawMessage) error
}

// Package linear provides the linear models the training pipeline registers:
//
//   - LinearRegression: ordinary least squares via the normal equations, with
//     an automatic ridge fallback when the Gram matrix is singular
//   - LogisticRegression: binary sigmoid classifier with one-vs-rest
//     multiclass, trained by L-BFGS with a gradient-descent fallback
//
// Both models follow the standard estimator contract: Fit trains on a
// feature matrix and target vector, Predict scores new rows, and the learned
// parameters round-trip through ExportParams/ImportParams for artifact
// storage. Training respects context cancellation.
//
// Example usage:
//
//	lr := linear.NewLinearRegression()
//	err := lr.Fit(ctx, X, y) // X: features, y: target values
//	if err != nil {
//		log.Fatal(err)
//	}
//	predictions, err := lr.Predict(XTest)
package linear

import (
	"context"
	"encoding/json"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/ezoic/datakit/core/model"
	"github.com/ezoic/datakit/core/parallel"
	dkErrors "github.com/ezoic/datakit/pkg/errors"
	"github.com/ezoic/datakit/pkg/log"
)

// ridgeLambda is the relative regularization strength applied to the Gram
// matrix diagonal when plain OLS hits a singular matrix.
const ridgeLambda = 1e-8

// LinearRegression is an ordinary least squares regression model.
type LinearRegression struct {
	State     *model.StateManager // State manager (composition instead of embedding)
	Weights   *mat.VecDense       // Model weights (coefficients)
	Intercept float64             // Model intercept
	NFeatures int                 // Number of features
	logger    log.Logger          // Logger instance
}

// NewLinearRegression creates a new linear regression model for ordinary
// least squares regression.
//
// The model solves the normal equations and falls back to a small ridge
// penalty when the feature matrix is rank-deficient. The returned model must
// be trained using the Fit method before making predictions.
//
// Returns:
//   - *LinearRegression: A new untrained linear regression model
//
// Example:
//
//	lr := linear.NewLinearRegression()
//	err := lr.Fit(ctx, X, y)
//	predictions, err := lr.Predict(XTest)
func NewLinearRegression() *LinearRegression {
	lr := &LinearRegression{
		State: model.NewStateManager(),
	}

	// Set up logger with model context
	lr.logger = log.GetLoggerWithName("linear").With(
		log.ModelNameKey, "LinearRegression",
		log.ComponentKey, "linear",
	)

	return lr
}

// Fit trains the linear regression model using the provided training data.
//
// The method solves the normal equation (X^T * X)w = X^T * y. If X^T * X is
// singular, it retries once with a small ridge term added to the diagonal;
// only when that also fails does Fit report a numeric failure. After
// successful training, the model's fitted state is set to true.
//
// Parameters:
//   - ctx: Context checked before training starts
//   - X: Feature matrix of shape (n_samples, n_features)
//   - y: Target vector of shape (n_samples, 1)
//
// Returns:
//   - error: nil if training succeeds, otherwise an error describing the failure
//
// Errors:
//   - ErrEmptyData: if X or y are empty
//   - DimensionError: if the number of samples in X and y don't match
//   - NumericError: if X^T * X stays singular even with the ridge fallback
//   - CancelledError: if ctx is already cancelled
func (lr *LinearRegression) Fit(ctx context.Context, X, y mat.Matrix) (err error) {
	defer dkErrors.Recover(&err, "LinearRegression.Fit")

	if err := ctx.Err(); err != nil {
		return dkErrors.NewCancelledError("LinearRegression.Fit", err)
	}

	startTime := time.Now()
	r, c := X.Dims()
	ry, cy := y.Dims()

	if lr.logger != nil {
		lr.logger.Info("Training started",
			log.OperationKey, log.OperationFit,
			log.PhaseKey, log.PhaseTraining,
			log.SamplesKey, r,
			log.FeaturesKey, c,
		)
	}

	if r == 0 || c == 0 {
		return dkErrors.NewModelError("LinearRegression.Fit", "empty data", dkErrors.ErrEmptyData)
	}

	if ry != r {
		return dkErrors.NewDimensionError("LinearRegression.Fit", r, ry, 0)
	}

	if cy != 1 {
		return dkErrors.NewValueError("LinearRegression.Fit", "y must be a column vector")
	}

	lr.NFeatures = c

	// Add column of 1s to X for intercept term
	// X_with_intercept = [1, X]
	XWithIntercept := mat.NewDense(r, c+1, nil)

	// Parallelization threshold (use sequential processing for row counts below this value)
	const parallelThreshold = 1000

	parallel.ParallelizeWithThreshold(r, parallelThreshold, func(start, end int) {
		for i := start; i < end; i++ {
			XWithIntercept.Set(i, 0, 1.0) // Intercept term
			for j := 0; j < c; j++ {
				XWithIntercept.Set(i, j+1, X.At(i, j))
			}
		}
	})

	// Solve normal equations
	// (X^T * X)^(-1) * X^T * y
	var XT mat.Dense
	XT.CloneFrom(XWithIntercept.T())

	var XTX mat.Dense
	XTX.Mul(&XT, XWithIntercept)

	var XTXInv mat.Dense
	if invErr := XTXInv.Inverse(&XTX); invErr != nil {
		// Rank-deficient features: retry with a ridge term scaled to the
		// Gram matrix diagonal so collinear columns still get a solution.
		lambda := ridgeLambda * mat.Trace(&XTX) / float64(c+1)
		if lambda <= 0 {
			lambda = ridgeLambda
		}
		for j := 0; j <= c; j++ {
			XTX.Set(j, j, XTX.At(j, j)+lambda)
		}
		if invErr = XTXInv.Inverse(&XTX); invErr != nil {
			return dkErrors.NewNumericError("LinearRegression.Fit", "singular feature matrix", dkErrors.ErrSingularMatrix)
		}
		if lr.logger != nil {
			lr.logger.Warn("Singular matrix, solved with ridge fallback",
				log.OperationKey, log.OperationFit,
				"lambda", lambda,
			)
		}
	}

	// Calculate X^T * y
	yVec := mat.NewVecDense(r, nil)
	for i := 0; i < r; i++ {
		yVec.SetVec(i, y.At(i, 0))
	}

	var XTy mat.VecDense
	XTy.MulVec(&XT, yVec)

	// Calculate weights: (X^T * X)^(-1) * X^T * y
	weights := mat.NewVecDense(c+1, nil)
	weights.MulVec(&XTXInv, &XTy)

	// Separate intercept and weights
	lr.Intercept = weights.AtVec(0)
	lr.Weights = mat.NewVecDense(c, nil)
	for i := 0; i < c; i++ {
		lr.Weights.SetVec(i, weights.AtVec(i+1))
	}

	lr.State.SetFitted()
	lr.State.SetDimensions(lr.NFeatures, r)

	duration := time.Since(startTime)
	if lr.logger != nil {
		lr.logger.Info("Training completed",
			log.OperationKey, log.OperationFit,
			log.PhaseKey, log.PhaseTraining,
			log.DurationMsKey, duration.Milliseconds(),
			log.SamplesKey, r,
			log.FeaturesKey, c,
		)
	}

	return nil
}

// Predict generates predictions for the input feature matrix using the trained model.
//
// The method computes predictions using the learned weights and intercept:
// y_pred = X * weights + intercept. The model must be fitted before calling
// this method, otherwise it returns an error.
//
// Parameters:
//   - X: Feature matrix of shape (n_samples, n_features) for prediction
//
// Returns:
//   - mat.Matrix: Prediction matrix of shape (n_samples, 1) containing predicted values
//   - error: nil if prediction succeeds, otherwise an error describing the failure
//
// Errors:
//   - NotFittedError: if the model hasn't been trained yet
//   - DimensionError: if X has a different number of features than the training data
func (lr *LinearRegression) Predict(X mat.Matrix) (_ mat.Matrix, err error) {
	defer dkErrors.Recover(&err, "LinearRegression.Predict")
	if !lr.State.IsFitted() {
		return nil, dkErrors.NewNotFittedError("LinearRegression", "Predict")
	}

	r, c := X.Dims()
	if c != lr.NFeatures {
		return nil, dkErrors.NewDimensionError("LinearRegression.Predict", lr.NFeatures, c, 1)
	}

	if lr.logger != nil {
		lr.logger.Debug("Prediction started",
			log.OperationKey, log.OperationPredict,
			log.PhaseKey, log.PhaseInference,
			log.SamplesKey, r,
			log.FeaturesKey, c,
		)
	}

	// Prediction: y = X * weights + intercept
	predictions := mat.NewDense(r, 1, nil)

	for i := 0; i < r; i++ {
		pred := lr.Intercept
		for j := 0; j < c; j++ {
			pred += X.At(i, j) * lr.Weights.AtVec(j)
		}
		predictions.Set(i, 0, pred)
	}

	if lr.logger != nil {
		lr.logger.Debug("Prediction completed",
			log.OperationKey, log.OperationPredict,
			log.PredsKey, r,
		)
	}

	return predictions, nil
}

// GetWeights returns the learned weights (coefficients)
func (lr *LinearRegression) GetWeights() []float64 {
	if lr.Weights == nil {
		return nil
	}

	weights := make([]float64, lr.Weights.Len())
	for i := 0; i < lr.Weights.Len(); i++ {
		weights[i] = lr.Weights.AtVec(i)
	}
	return weights
}

// GetIntercept returns the learned intercept
func (lr *LinearRegression) GetIntercept() float64 {
	if !lr.State.IsFitted() {
		return 0
	}
	return lr.Intercept
}

// Score calculates the coefficient of determination (R²) of the model
func (lr *LinearRegression) Score(X, y mat.Matrix) (_ float64, err error) {
	defer dkErrors.Recover(&err, "LinearRegression.Score")
	if !lr.State.IsFitted() {
		return 0, dkErrors.NewNotFittedError("LinearRegression", "Score")
	}

	yPred, err := lr.Predict(X)
	if err != nil {
		return 0, err
	}

	r, _ := y.Dims()

	var yMean float64
	for i := 0; i < r; i++ {
		yMean += y.At(i, 0)
	}
	yMean /= float64(r)

	// Total sum of squares (TSS) and residual sum of squares (RSS)
	var tss, rss float64
	for i := 0; i < r; i++ {
		yTrue := y.At(i, 0)
		yPredVal := yPred.At(i, 0)

		tss += (yTrue - yMean) * (yTrue - yMean)
		rss += (yTrue - yPredVal) * (yTrue - yPredVal)
	}

	// R² = 1 - RSS/TSS
	if tss == 0 {
		return 0, dkErrors.NewModelError("LinearRegression.Score", "constant target", dkErrors.ErrZeroVariance)
	}

	return 1 - rss/tss, nil
}

// linearParams is the JSON shape of the learned parameters inside an artifact.
type linearParams struct {
	Weights   []float64 `json:"weights"`
	Intercept float64   `json:"intercept"`
	NFeatures int       `json:"n_features"`
}

// ExportParams returns the learned parameters for artifact storage.
func (lr *LinearRegression) ExportParams() (json.RawMessage, error) {
	if !lr.State.IsFitted() {
		return nil, dkErrors.NewNotFittedError("LinearRegression", "ExportParams")
	}
	return json.Marshal(linearParams{
		Weights:   lr.GetWeights(),
		Intercept: lr.Intercept,
		NFeatures: lr.NFeatures,
	})
}

// ImportParams restores learned parameters exported by ExportParams. The
// model reports fitted afterwards; the training sample count is unknown.
func (lr *LinearRegression) ImportParams(raw json.RawMessage) (err error) {
	defer dkErrors.Recover(&err, "LinearRegression.ImportParams")

	var params linearParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return dkErrors.NewModelError("LinearRegression.ImportParams", "invalid params payload", err)
	}
	if params.NFeatures <= 0 || len(params.Weights) != params.NFeatures {
		return dkErrors.NewValueError("LinearRegression.ImportParams", "weight count does not match n_features")
	}

	lr.NFeatures = params.NFeatures
	lr.Intercept = params.Intercept
	lr.Weights = mat.NewVecDense(len(params.Weights), append([]float64(nil), params.Weights...))

	lr.State.SetFitted()
	lr.State.SetDimensions(lr.NFeatures, 0)
	return nil
}

// IsFitted returns whether the model has been fitted.
func (lr *LinearRegression) IsFitted() bool {
	return lr.State.IsFitted()
}

// GetParams returns the model's hyperparameters.
func (lr *LinearRegression) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"n_features": lr.NFeatures,
		"fitted":     lr.State.IsFitted(),
	}
}

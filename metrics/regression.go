// Package metrics provides the evaluation metrics the training pipeline
// reports.
//
// Regression metrics:
//   - MSE: Mean Squared Error for measuring prediction accuracy
//   - RMSE: Root Mean Squared Error (square root of MSE)
//   - MAE: Mean Absolute Error for robust error measurement
//   - R²: R-squared coefficient of determination
//
// Classification metrics:
//   - Accuracy, macro-averaged precision/recall/F1
//   - Confusion matrix in sorted label order
//
// Clustering metrics:
//   - Silhouette score measuring cohesion vs separation
//
// Regression metrics take gonum vectors; classification metrics take the
// encoded integer labels produced by preprocessing.LabelEncoder. All
// functions validate their inputs and return typed errors on misuse.
package metrics

import (
	"math"

	"gonum.org/v1/gonum/mat"

	dkErrors "github.com/ezoic/datakit/pkg/errors"
)

// MSE calculates the Mean Squared Error between true and predicted values.
//
// MSE measures the average squared differences between predictions and actual
// values. Lower values indicate better model performance. MSE is sensitive to
// outliers due to the squared differences.
//
// Parameters:
//   - yTrue: True target values as a vector
//   - yPred: Predicted values as a vector
//
// Returns:
//   - float64: MSE value (non-negative)
//   - error: nil if successful, otherwise an error describing the failure
//
// Example:
//
//	mse, err := metrics.MSE(yTrue, yPred)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("MSE: %.4f\n", mse)
func MSE(yTrue, yPred *mat.VecDense) (float64, error) {
	// Input validation
	n := yTrue.Len()
	if n == 0 {
		return 0, dkErrors.NewValueError("MSE", "empty vector")
	}

	if yPred.Len() != n {
		return 0, dkErrors.NewDimensionError("MSE", n, yPred.Len(), 0)
	}

	// MSE = (1/n) * Σ(yTrue - yPred)²
	var sum float64
	for i := 0; i < n; i++ {
		diff := yTrue.AtVec(i) - yPred.AtVec(i)
		sum += diff * diff
	}

	return sum / float64(n), nil
}

// RMSE calculates the Root Mean Squared Error between true and predicted
// values, providing error measurement in the same units as the target.
func RMSE(yTrue, yPred *mat.VecDense) (float64, error) {
	mse, err := MSE(yTrue, yPred)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(mse), nil
}

// MAE calculates the Mean Absolute Error between true and predicted values.
//
// MAE is more robust to outliers than MSE as differences are not squared.
// Lower values indicate better model performance.
func MAE(yTrue, yPred *mat.VecDense) (float64, error) {
	// Input validation
	n := yTrue.Len()
	if n == 0 {
		return 0, dkErrors.NewValueError("MAE", "empty vector")
	}

	if yPred.Len() != n {
		return 0, dkErrors.NewDimensionError("MAE", n, yPred.Len(), 0)
	}

	// MAE = (1/n) * Σ|yTrue - yPred|
	var sum float64
	for i := 0; i < n; i++ {
		sum += math.Abs(yTrue.AtVec(i) - yPred.AtVec(i))
	}

	return sum / float64(n), nil
}

// R2Score calculates the coefficient of determination (R²) score.
//
// R² represents the proportion of variance in the target variable that is
// predictable from the input features. The best possible score is 1.0; a
// score of 0 means predictions are no better than the mean, and negative
// values mean worse than the mean.
//
// Returns a NumericError-classifiable zero-variance failure when all yTrue
// values are identical, since R² is undefined there.
func R2Score(yTrue, yPred *mat.VecDense) (float64, error) {
	// Input validation
	n := yTrue.Len()
	if n == 0 {
		return 0, dkErrors.NewValueError("R2Score", "empty vector")
	}

	if yPred.Len() != n {
		return 0, dkErrors.NewDimensionError("R2Score", n, yPred.Len(), 0)
	}

	// Calculate mean of yTrue
	var yMean float64
	for i := 0; i < n; i++ {
		yMean += yTrue.AtVec(i)
	}
	yMean /= float64(n)

	// Calculate Total Sum of Squares (TSS) and Residual Sum of Squares (RSS)
	var tss, rss float64
	for i := 0; i < n; i++ {
		yTrueVal := yTrue.AtVec(i)
		yPredVal := yPred.AtVec(i)

		tss += (yTrueVal - yMean) * (yTrueVal - yMean)
		rss += (yTrueVal - yPredVal) * (yTrueVal - yPredVal)
	}

	// When TSS is zero (all yTrue values are identical)
	if tss == 0 {
		return 0, dkErrors.NewModelError("R2Score", "no variance in yTrue", dkErrors.ErrZeroVariance)
	}

	// R² = 1 - RSS/TSS
	return 1 - rss/tss, nil
}

package linear

import (
	"context"
	"encoding/json"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/ezoic/datakit/core/model"
	dkErrors "github.com/ezoic/datakit/pkg/errors"
)

const (
	binaryClassCount   = 2
	epsilonSmall       = 1e-15
	regularizationHalf = 0.5
)

// Solvers accepted by LogisticRegression.
const (
	SolverLBFGS = "lbfgs"
	SolverGD    = "gd"
)

// LogisticRegression implements L2-regularized logistic regression. Binary
// problems train a single sigmoid classifier; multiclass problems train one
// classifier per class (one-vs-rest) and predict the highest-scoring class.
type LogisticRegression struct {
	state *model.StateManager

	// Hyperparameters
	c            float64 // Inverse regularization strength (1/lambda)
	fitIntercept bool    // Whether to fit intercept
	solver       string  // "lbfgs" (default, falls back to "gd") or "gd"
	maxIter      int     // Maximum iterations per class
	tol          float64 // Gradient norm tolerance for stopping
	seed         int64   // Seed for weight initialization

	// Model parameters
	coef_      [][]float64 // Coefficients (1 x n_features for binary, n_classes x n_features for OVR)
	intercept_ []float64   // Intercept terms
	classes_   []int       // Unique class labels, sorted
	nClasses_  int         // Number of classes
	nFeatures_ int         // Number of features
	nIter_     []int       // Actual iterations per class
}

// LogisticRegressionOption is a functional option for LogisticRegression
type LogisticRegressionOption func(*LogisticRegression)

// NewLogisticRegression creates a new LogisticRegression classifier
func NewLogisticRegression(opts ...LogisticRegressionOption) *LogisticRegression {
	lr := &LogisticRegression{
		state:        model.NewStateManager(),
		c:            1.0,
		fitIntercept: true,
		solver:       SolverLBFGS,
		maxIter:      100,
		tol:          1e-4,
		seed:         42,
	}

	for _, opt := range opts {
		opt(lr)
	}

	return lr
}

// WithLogisticC sets the inverse regularization strength
func WithLogisticC(c float64) LogisticRegressionOption {
	return func(lr *LogisticRegression) {
		lr.c = c
	}
}

// WithLogisticFitIntercept sets whether to fit an intercept
func WithLogisticFitIntercept(fit bool) LogisticRegressionOption {
	return func(lr *LogisticRegression) {
		lr.fitIntercept = fit
	}
}

// WithLogisticSolver sets the optimization solver
func WithLogisticSolver(solver string) LogisticRegressionOption {
	return func(lr *LogisticRegression) {
		lr.solver = solver
	}
}

// WithLogisticMaxIter sets the maximum number of iterations per class
func WithLogisticMaxIter(maxIter int) LogisticRegressionOption {
	return func(lr *LogisticRegression) {
		lr.maxIter = maxIter
	}
}

// WithLogisticTol sets the gradient tolerance for stopping
func WithLogisticTol(tol float64) LogisticRegressionOption {
	return func(lr *LogisticRegression) {
		lr.tol = tol
	}
}

// WithLogisticSeed sets the seed for weight initialization
func WithLogisticSeed(seed int64) LogisticRegressionOption {
	return func(lr *LogisticRegression) {
		lr.seed = seed
	}
}

// stableSigmoid computes sigmoid(z) in a numerically stable way.
func stableSigmoid(z float64) float64 {
	if z >= 0 {
		ez := math.Exp(-z)
		return 1.0 / (1.0 + ez)
	}
	ez := math.Exp(z)
	return ez / (1.0 + ez)
}

// clampProbability clamps probability to avoid log(0).
func clampProbability(p float64) float64 {
	if p < epsilonSmall {
		return epsilonSmall
	}
	if p > 1-epsilonSmall {
		return 1 - epsilonSmall
	}
	return p
}

// sigmoid computes the sigmoid function
func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}

// Fit trains the logistic regression model.
//
// Labels in y are integer-valued class ids (one column). Binary problems
// train a single classifier against the larger class id; multiclass trains
// one-vs-rest. The context is polled between per-class fits and between
// optimizer iterations.
//
// Errors:
//   - ErrEmptyData / DimensionError / ValueError: on invalid input shapes
//   - ConvergenceError: if the iteration budget runs out before the gradient
//     norm reaches the tolerance
//   - CancelledError: if ctx is cancelled mid-fit
func (lr *LogisticRegression) Fit(ctx context.Context, X, y mat.Matrix) (err error) {
	defer dkErrors.Recover(&err, "LogisticRegression.Fit")

	if err := ctx.Err(); err != nil {
		return dkErrors.NewCancelledError("LogisticRegression.Fit", err)
	}

	nSamples, nFeatures := X.Dims()
	yRows, yCols := y.Dims()

	if nSamples == 0 || nFeatures == 0 {
		return dkErrors.NewModelError("LogisticRegression.Fit", "empty data", dkErrors.ErrEmptyData)
	}
	if nSamples != yRows {
		return dkErrors.NewDimensionError("LogisticRegression.Fit", nSamples, yRows, 0)
	}
	if yCols != 1 {
		return dkErrors.NewValueError("LogisticRegression.Fit", "y must be a column vector")
	}

	lr.extractClasses(y)
	if lr.nClasses_ < binaryClassCount {
		return dkErrors.NewValueError("LogisticRegression.Fit", "need at least two classes")
	}
	lr.nFeatures_ = nFeatures
	lr.initializeWeights(nFeatures)

	xD := mat.DenseCopyOf(X)

	if lr.nClasses_ == binaryClassCount {
		// Single classifier: positive class is classes_[1]
		yBinary := lr.binaryTargets(y, lr.classes_[1])
		if err := lr.fitClass(ctx, xD, yBinary, 0); err != nil {
			return err
		}
	} else {
		// One-vs-rest: one classifier per class
		for classIdx, class := range lr.classes_ {
			if err := ctx.Err(); err != nil {
				return dkErrors.NewCancelledError("LogisticRegression.Fit", err)
			}
			yBinary := lr.binaryTargets(y, class)
			if err := lr.fitClass(ctx, xD, yBinary, classIdx); err != nil {
				return errors.Wrapf(err, "class %d", class)
			}
		}
	}

	lr.state.SetFitted()
	lr.state.SetDimensions(nFeatures, nSamples)
	return nil
}

// extractClasses identifies unique class labels in sorted order
func (lr *LogisticRegression) extractClasses(y mat.Matrix) {
	rows, _ := y.Dims()
	classMap := make(map[int]bool)

	for i := 0; i < rows; i++ {
		classMap[int(y.At(i, 0))] = true
	}

	lr.classes_ = make([]int, 0, len(classMap))
	for class := range classMap {
		lr.classes_ = append(lr.classes_, class)
	}
	sort.Ints(lr.classes_)

	lr.nClasses_ = len(lr.classes_)
}

// initializeWeights seeds model weights with small deterministic noise
func (lr *LogisticRegression) initializeWeights(nFeatures int) {
	nClassifiers := 1
	if lr.nClasses_ > binaryClassCount {
		nClassifiers = lr.nClasses_
	}

	lr.coef_ = make([][]float64, nClassifiers)
	lr.intercept_ = make([]float64, nClassifiers)
	lr.nIter_ = make([]int, nClassifiers)

	rng := rand.New(rand.NewPCG(uint64(lr.seed), uint64(lr.seed)))
	for i := range lr.coef_ {
		lr.coef_[i] = make([]float64, nFeatures)
		for j := range lr.coef_[i] {
			lr.coef_[i][j] = rng.NormFloat64() * 0.01
		}
	}
}

// binaryTargets converts labels to 0/1 against the given positive class
func (lr *LogisticRegression) binaryTargets(y mat.Matrix, posClass int) []float64 {
	rows, _ := y.Dims()
	targets := make([]float64, rows)
	for i := 0; i < rows; i++ {
		if int(y.At(i, 0)) == posClass {
			targets[i] = 1.0
		}
	}
	return targets
}

// fitClass trains one binary classifier. L-BFGS runs first; hard optimizer
// failures (line search breakdown, non-finite loss) fall back to gradient
// descent. Exhausting the iteration budget under either solver is a
// convergence failure, not a fallback.
func (lr *LogisticRegression) fitClass(ctx context.Context, X *mat.Dense, yBinary []float64, classIdx int) error {
	if lr.solver == SolverGD {
		return lr.fitClassGD(ctx, X, yBinary, classIdx)
	}

	err := lr.fitClassLBFGS(ctx, X, yBinary, classIdx)
	if err == nil {
		return nil
	}
	var cancelled *dkErrors.CancelledError
	var convergence *dkErrors.ConvergenceError
	if errors.As(err, &cancelled) || errors.As(err, &convergence) {
		return err
	}
	return lr.fitClassGD(ctx, X, yBinary, classIdx)
}

// fitClassLBFGS fits one binary classifier using gonum's L-BFGS optimizer.
func (lr *LogisticRegression) fitClassLBFGS(ctx context.Context, X *mat.Dense, yBinary []float64, classIdx int) error {
	nSamples, nFeatures := X.Dims()

	// Parameter vector: [w0..w_{d-1}, b] if fitIntercept else only weights
	pDim := nFeatures
	if lr.fitIntercept {
		pDim++
	}
	x0 := make([]float64, pDim)
	copy(x0[:nFeatures], lr.coef_[classIdx])
	if lr.fitIntercept {
		x0[nFeatures] = lr.intercept_[classIdx]
	}

	if lr.c <= 0 {
		return dkErrors.NewValueError("LogisticRegression.Fit", "C must be > 0")
	}
	lambda := 1.0 / lr.c

	prob := optimize.Problem{
		Func: func(theta []float64) float64 {
			// loss = mean NLL + 0.5*lambda*||w||^2
			w := theta[:nFeatures]
			var b float64
			if lr.fitIntercept {
				b = theta[nFeatures]
			}
			loss := 0.0
			for i := 0; i < nSamples; i++ {
				z := b
				for j := 0; j < nFeatures; j++ {
					z += w[j] * X.At(i, j)
				}
				p := clampProbability(stableSigmoid(z))
				loss += -yBinary[i]*math.Log(p) - (1.0-yBinary[i])*math.Log(1.0-p)
			}
			loss /= float64(nSamples)
			reg := 0.0
			for j := 0; j < nFeatures; j++ {
				reg += w[j] * w[j]
			}
			return loss + regularizationHalf*lambda*reg
		},
		Grad: func(grad, theta []float64) {
			w := theta[:nFeatures]
			var b float64
			if lr.fitIntercept {
				b = theta[nFeatures]
			}
			for j := range grad {
				grad[j] = 0
			}
			for i := 0; i < nSamples; i++ {
				z := b
				for j := 0; j < nFeatures; j++ {
					z += w[j] * X.At(i, j)
				}
				diff := stableSigmoid(z) - yBinary[i]
				for j := 0; j < nFeatures; j++ {
					grad[j] += diff * X.At(i, j)
				}
				if lr.fitIntercept {
					grad[nFeatures] += diff
				}
			}
			invN := 1.0 / float64(nSamples)
			for j := range grad {
				grad[j] *= invN
			}
			for j := 0; j < nFeatures; j++ {
				grad[j] += lambda * w[j]
			}
		},
		Status: func() (optimize.Status, error) {
			// Polled between major iterations so cancellation interrupts
			// long optimizations.
			if err := ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			return optimize.NotTerminated, nil
		},
	}

	settings := optimize.Settings{
		GradientThreshold: lr.tol,
		MajorIterations:   lr.maxIter,
	}
	result, err := optimize.Minimize(prob, x0, &settings, &optimize.LBFGS{})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return dkErrors.NewCancelledError("LogisticRegression.Fit", ctxErr)
		}
		return errors.Wrap(err, "lbfgs optimization failed")
	}
	if result.Status == optimize.IterationLimit {
		return dkErrors.NewConvergenceError("LogisticRegression.Fit", lr.maxIter,
			"gradient norm did not reach tolerance")
	}

	theta := result.X
	copy(lr.coef_[classIdx], theta[:nFeatures])
	if lr.fitIntercept {
		lr.intercept_[classIdx] = theta[nFeatures]
	}
	lr.nIter_[classIdx] = result.Stats.MajorIterations
	return nil
}

// fitClassGD fits one binary classifier using gradient descent with a
// decaying learning rate.
func (lr *LogisticRegression) fitClassGD(ctx context.Context, X *mat.Dense, yBinary []float64, classIdx int) error {
	nSamples, nFeatures := X.Dims()
	weights := lr.coef_[classIdx]
	intercept := &lr.intercept_[classIdx]

	if lr.c <= 0 {
		return dkErrors.NewValueError("LogisticRegression.Fit", "C must be > 0")
	}
	lambda := 1.0 / lr.c
	baseLearningRate := 1.0
	converged := false

	for iter := 0; iter < lr.maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return dkErrors.NewCancelledError("LogisticRegression.Fit", err)
		}

		gradWeights := make([]float64, nFeatures)
		gradIntercept := 0.0

		for i := 0; i < nSamples; i++ {
			z := *intercept
			for j := 0; j < nFeatures; j++ {
				z += X.At(i, j) * weights[j]
			}
			diff := stableSigmoid(z) - yBinary[i]
			gradIntercept += diff
			for j := 0; j < nFeatures; j++ {
				gradWeights[j] += diff * X.At(i, j)
			}
		}

		for j := range gradWeights {
			gradWeights[j] = gradWeights[j]/float64(nSamples) + lambda*weights[j]
		}
		gradIntercept /= float64(nSamples)

		learningRate := baseLearningRate / (1.0 + 0.1*float64(iter))

		for j := range weights {
			weights[j] -= learningRate * gradWeights[j]
		}
		if lr.fitIntercept {
			*intercept -= learningRate * gradIntercept
		}

		lr.nIter_[classIdx] = iter + 1

		maxGrad := math.Abs(gradIntercept)
		for _, g := range gradWeights {
			if math.Abs(g) > maxGrad {
				maxGrad = math.Abs(g)
			}
		}
		if maxGrad < lr.tol {
			converged = true
			break
		}
	}

	if !converged {
		return dkErrors.NewConvergenceError("LogisticRegression.Fit", lr.maxIter,
			"gradient norm did not reach tolerance")
	}
	return nil
}

// Predict returns the predicted class id for each row as an (n_samples, 1)
// matrix.
func (lr *LogisticRegression) Predict(X mat.Matrix) (_ mat.Matrix, err error) {
	defer dkErrors.Recover(&err, "LogisticRegression.Predict")
	if !lr.state.IsFitted() {
		return nil, dkErrors.NewNotFittedError("LogisticRegression", "Predict")
	}

	nSamples, nFeatures := X.Dims()
	if nFeatures != lr.nFeatures_ {
		return nil, dkErrors.NewDimensionError("LogisticRegression.Predict", lr.nFeatures_, nFeatures, 1)
	}

	predictions := mat.NewDense(nSamples, 1, nil)

	if lr.nClasses_ == binaryClassCount {
		for i := 0; i < nSamples; i++ {
			z := lr.intercept_[0]
			for j := 0; j < lr.nFeatures_; j++ {
				z += X.At(i, j) * lr.coef_[0][j]
			}
			if sigmoid(z) >= 0.5 {
				predictions.Set(i, 0, float64(lr.classes_[1]))
			} else {
				predictions.Set(i, 0, float64(lr.classes_[0]))
			}
		}
	} else {
		// Highest one-vs-rest score wins
		for i := 0; i < nSamples; i++ {
			maxScore := math.Inf(-1)
			bestClass := 0
			for classIdx := 0; classIdx < lr.nClasses_; classIdx++ {
				score := lr.intercept_[classIdx]
				for j := 0; j < lr.nFeatures_; j++ {
					score += X.At(i, j) * lr.coef_[classIdx][j]
				}
				if score > maxScore {
					maxScore = score
					bestClass = classIdx
				}
			}
			predictions.Set(i, 0, float64(lr.classes_[bestClass]))
		}
	}

	return predictions, nil
}

// PredictProba returns probability estimates for each class, columns ordered
// by sorted class id. Binary problems use the sigmoid directly; one-vs-rest
// scores go through a softmax.
func (lr *LogisticRegression) PredictProba(X mat.Matrix) (_ mat.Matrix, err error) {
	defer dkErrors.Recover(&err, "LogisticRegression.PredictProba")
	if !lr.state.IsFitted() {
		return nil, dkErrors.NewNotFittedError("LogisticRegression", "PredictProba")
	}

	nSamples, nFeatures := X.Dims()
	if nFeatures != lr.nFeatures_ {
		return nil, dkErrors.NewDimensionError("LogisticRegression.PredictProba", lr.nFeatures_, nFeatures, 1)
	}

	probas := mat.NewDense(nSamples, lr.nClasses_, nil)

	if lr.nClasses_ == binaryClassCount {
		for i := 0; i < nSamples; i++ {
			z := lr.intercept_[0]
			for j := 0; j < lr.nFeatures_; j++ {
				z += X.At(i, j) * lr.coef_[0][j]
			}
			prob1 := stableSigmoid(z)
			probas.Set(i, 0, 1.0-prob1)
			probas.Set(i, 1, prob1)
		}
	} else {
		for i := 0; i < nSamples; i++ {
			scores := make([]float64, lr.nClasses_)
			maxScore := math.Inf(-1)
			for classIdx := 0; classIdx < lr.nClasses_; classIdx++ {
				score := lr.intercept_[classIdx]
				for j := 0; j < lr.nFeatures_; j++ {
					score += X.At(i, j) * lr.coef_[classIdx][j]
				}
				scores[classIdx] = score
				if score > maxScore {
					maxScore = score
				}
			}
			sum := 0.0
			for classIdx := range scores {
				scores[classIdx] = math.Exp(scores[classIdx] - maxScore)
				sum += scores[classIdx]
			}
			for classIdx := range scores {
				probas.Set(i, classIdx, scores[classIdx]/sum)
			}
		}
	}

	return probas, nil
}

// Classes returns the class ids seen during Fit, sorted.
func (lr *LogisticRegression) Classes() []int {
	return append([]int(nil), lr.classes_...)
}

// Coefficients returns a copy of the learned weights, one row per
// classifier.
func (lr *LogisticRegression) Coefficients() [][]float64 {
	out := make([][]float64, len(lr.coef_))
	for i, row := range lr.coef_ {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

// Iterations returns the iterations each per-class fit actually ran.
func (lr *LogisticRegression) Iterations() []int {
	return append([]int(nil), lr.nIter_...)
}

// IsFitted returns whether the model has been fitted.
func (lr *LogisticRegression) IsFitted() bool {
	return lr.state.IsFitted()
}

// logisticParams is the JSON shape of the learned parameters inside an
// artifact.
type logisticParams struct {
	Coef      [][]float64 `json:"coef"`
	Intercept []float64   `json:"intercept"`
	Classes   []int       `json:"classes"`
	NFeatures int         `json:"n_features"`
}

// ExportParams returns the learned parameters for artifact storage.
func (lr *LogisticRegression) ExportParams() (json.RawMessage, error) {
	if !lr.state.IsFitted() {
		return nil, dkErrors.NewNotFittedError("LogisticRegression", "ExportParams")
	}
	return json.Marshal(logisticParams{
		Coef:      lr.Coefficients(),
		Intercept: append([]float64(nil), lr.intercept_...),
		Classes:   lr.Classes(),
		NFeatures: lr.nFeatures_,
	})
}

// ImportParams restores learned parameters exported by ExportParams.
func (lr *LogisticRegression) ImportParams(raw json.RawMessage) (err error) {
	defer dkErrors.Recover(&err, "LogisticRegression.ImportParams")

	var params logisticParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return dkErrors.NewModelError("LogisticRegression.ImportParams", "invalid params payload", err)
	}
	if params.NFeatures <= 0 || len(params.Classes) < binaryClassCount {
		return dkErrors.NewValueError("LogisticRegression.ImportParams", "invalid class or feature count")
	}
	nClassifiers := 1
	if len(params.Classes) > binaryClassCount {
		nClassifiers = len(params.Classes)
	}
	if len(params.Coef) != nClassifiers || len(params.Intercept) != nClassifiers {
		return dkErrors.NewValueError("LogisticRegression.ImportParams", "coefficient shape does not match classes")
	}
	for _, row := range params.Coef {
		if len(row) != params.NFeatures {
			return dkErrors.NewValueError("LogisticRegression.ImportParams", "weight count does not match n_features")
		}
	}

	lr.classes_ = append([]int(nil), params.Classes...)
	lr.nClasses_ = len(params.Classes)
	lr.nFeatures_ = params.NFeatures
	lr.coef_ = make([][]float64, len(params.Coef))
	for i, row := range params.Coef {
		lr.coef_[i] = append([]float64(nil), row...)
	}
	lr.intercept_ = append([]float64(nil), params.Intercept...)
	lr.nIter_ = make([]int, nClassifiers)

	lr.state.SetFitted()
	lr.state.SetDimensions(lr.nFeatures_, 0)
	return nil
}

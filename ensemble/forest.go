package ensemble

import (
	"context"
	"encoding/json"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/ezoic/datakit/core/model"
	"github.com/ezoic/datakit/core/parallel"
	dkErrors "github.com/ezoic/datakit/pkg/errors"
	"github.com/ezoic/datakit/pkg/log"
)

// RandomForest is a bagged ensemble of decision trees. Each tree trains on a
// bootstrap sample drawn with a per-tree seed (base seed + tree index), so a
// given seed always produces the same forest no matter how many goroutines
// build it. Regression averages tree outputs; classification takes a
// majority vote with ties going to the lowest class id.
type RandomForest struct {
	state  *model.StateManager
	logger log.Logger

	// Hyperparameters
	task            TreeTask
	nEstimators     int   // Number of trees
	maxDepth        int   // Per-tree depth limit (0 = unlimited)
	minSamplesSplit int   // Minimum samples to split a node
	minSamplesLeaf  int   // Minimum samples in a leaf
	maxFeatures     int   // Features per split (0 = sqrt for classification, all for regression)
	seed            int64 // Base seed

	// Learned state
	trees_              []*DecisionTree
	classes_            []int
	nFeatures_          int
	featureImportances_ []float64
}

// RandomForestOption is a functional option for RandomForest
type RandomForestOption func(*RandomForest)

// NewRandomForest creates a random forest for the given task.
func NewRandomForest(task TreeTask, opts ...RandomForestOption) *RandomForest {
	rf := &RandomForest{
		state:           model.NewStateManager(),
		task:            task,
		nEstimators:     100,
		maxDepth:        0,
		minSamplesSplit: 2,
		minSamplesLeaf:  1,
		maxFeatures:     0,
		seed:            42,
	}

	for _, opt := range opts {
		opt(rf)
	}

	rf.logger = log.GetLoggerWithName("ensemble").With(
		log.ModelNameKey, "RandomForest",
		log.ComponentKey, "ensemble",
	)

	return rf
}

// WithForestEstimators sets the number of trees
func WithForestEstimators(n int) RandomForestOption {
	return func(rf *RandomForest) {
		rf.nEstimators = n
	}
}

// WithForestMaxDepth sets the per-tree depth limit (0 = unlimited)
func WithForestMaxDepth(depth int) RandomForestOption {
	return func(rf *RandomForest) {
		rf.maxDepth = depth
	}
}

// WithForestMinSamplesSplit sets the minimum samples needed to split
func WithForestMinSamplesSplit(n int) RandomForestOption {
	return func(rf *RandomForest) {
		rf.minSamplesSplit = n
	}
}

// WithForestMinSamplesLeaf sets the minimum samples in a leaf
func WithForestMinSamplesLeaf(n int) RandomForestOption {
	return func(rf *RandomForest) {
		rf.minSamplesLeaf = n
	}
}

// WithForestMaxFeatures sets features considered per split (0 = auto)
func WithForestMaxFeatures(n int) RandomForestOption {
	return func(rf *RandomForest) {
		rf.maxFeatures = n
	}
}

// WithForestSeed sets the base seed
func WithForestSeed(seed int64) RandomForestOption {
	return func(rf *RandomForest) {
		rf.seed = seed
	}
}

// effectiveMaxFeatures resolves the auto setting: sqrt(d) for
// classification, all features for regression.
func (rf *RandomForest) effectiveMaxFeatures(nFeatures int) int {
	if rf.maxFeatures > 0 {
		return rf.maxFeatures
	}
	if rf.task == TaskClassification {
		return int(math.Ceil(math.Sqrt(float64(nFeatures))))
	}
	return nFeatures
}

// Fit trains the forest. Tree construction runs in parallel; the context is
// polled between trees and cancellation aborts the remaining work.
//
// Errors:
//   - ErrEmptyData / DimensionError / ValueError: on invalid input shapes
//   - CancelledError: if ctx is cancelled mid-fit
func (rf *RandomForest) Fit(ctx context.Context, X, y mat.Matrix) (err error) {
	defer dkErrors.Recover(&err, "RandomForest.Fit")

	if err := ctx.Err(); err != nil {
		return dkErrors.NewCancelledError("RandomForest.Fit", err)
	}

	startTime := time.Now()
	nSamples, nFeatures := X.Dims()
	yRows, yCols := y.Dims()

	if nSamples == 0 || nFeatures == 0 {
		return dkErrors.NewModelError("RandomForest.Fit", "empty data", dkErrors.ErrEmptyData)
	}
	if nSamples != yRows {
		return dkErrors.NewDimensionError("RandomForest.Fit", nSamples, yRows, 0)
	}
	if yCols != 1 {
		return dkErrors.NewValueError("RandomForest.Fit", "y must be a column vector")
	}
	if rf.nEstimators <= 0 {
		return dkErrors.NewValueError("RandomForest.Fit", "n_estimators must be positive")
	}

	rf.nFeatures_ = nFeatures

	if rf.task == TaskClassification {
		rf.extractClasses(y)
	} else {
		rf.classes_ = nil
	}

	if rf.logger != nil {
		rf.logger.Info("Training started",
			log.OperationKey, log.OperationFit,
			log.PhaseKey, log.PhaseTraining,
			log.SamplesKey, nSamples,
			log.FeaturesKey, nFeatures,
			"trees", rf.nEstimators,
		)
	}

	xD := mat.DenseCopyOf(X)
	yD := mat.DenseCopyOf(y)

	trees := make([]*DecisionTree, rf.nEstimators)
	var stopped atomic.Bool
	var mu sync.Mutex
	var firstErr error

	parallel.Parallelize(rf.nEstimators, func(start, end int) {
		for t := start; t < end; t++ {
			if stopped.Load() {
				return
			}
			if ctx.Err() != nil {
				stopped.Store(true)
				return
			}

			tree, buildErr := rf.buildBootstrapTree(t, xD, yD, nSamples)
			if buildErr != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = buildErr
				}
				mu.Unlock()
				stopped.Store(true)
				return
			}
			trees[t] = tree
		}
	})

	if ctxErr := ctx.Err(); ctxErr != nil {
		return dkErrors.NewCancelledError("RandomForest.Fit", ctxErr)
	}
	if firstErr != nil {
		return firstErr
	}

	rf.trees_ = trees
	rf.aggregateImportances()

	rf.state.SetFitted()
	rf.state.SetDimensions(nFeatures, nSamples)

	if rf.logger != nil {
		rf.logger.Info("Training completed",
			log.OperationKey, log.OperationFit,
			log.PhaseKey, log.PhaseTraining,
			log.DurationMsKey, time.Since(startTime).Milliseconds(),
			"trees", rf.nEstimators,
		)
	}

	return nil
}

// buildBootstrapTree draws a bootstrap sample with the tree's own seed and
// fits one tree on it.
func (rf *RandomForest) buildBootstrapTree(treeIdx int, X, y *mat.Dense, nSamples int) (*DecisionTree, error) {
	treeSeed := rf.seed + int64(treeIdx)
	rng := rand.New(rand.NewPCG(uint64(treeSeed), uint64(treeSeed)))

	bootX := mat.NewDense(nSamples, rf.nFeatures_, nil)
	bootY := mat.NewDense(nSamples, 1, nil)
	for i := 0; i < nSamples; i++ {
		src := rng.IntN(nSamples)
		for j := 0; j < rf.nFeatures_; j++ {
			bootX.Set(i, j, X.At(src, j))
		}
		bootY.Set(i, 0, y.At(src, 0))
	}

	opts := []DecisionTreeOption{
		WithTreeMaxDepth(rf.maxDepth),
		WithTreeMinSamplesSplit(rf.minSamplesSplit),
		WithTreeMinSamplesLeaf(rf.minSamplesLeaf),
		WithTreeMaxFeatures(rf.effectiveMaxFeatures(rf.nFeatures_)),
		WithTreeSeed(treeSeed),
	}
	if rf.task == TaskClassification {
		opts = append(opts, withTreeClasses(rf.classes_))
	}

	tree := NewDecisionTree(rf.task, opts...)
	if err := tree.Fit(bootX, bootY); err != nil {
		return nil, err
	}
	return tree, nil
}

// extractClasses identifies unique class labels in sorted order
func (rf *RandomForest) extractClasses(y mat.Matrix) {
	rows, _ := y.Dims()
	classMap := make(map[int]bool)
	for i := 0; i < rows; i++ {
		classMap[int(y.At(i, 0))] = true
	}

	rf.classes_ = make([]int, 0, len(classMap))
	for class := range classMap {
		rf.classes_ = append(rf.classes_, class)
	}
	sort.Ints(rf.classes_)
}

// aggregateImportances averages per-tree importances and renormalizes
func (rf *RandomForest) aggregateImportances() {
	rf.featureImportances_ = make([]float64, rf.nFeatures_)
	for _, tree := range rf.trees_ {
		for j, imp := range tree.FeatureImportances() {
			rf.featureImportances_[j] += imp
		}
	}
	sum := 0.0
	for _, imp := range rf.featureImportances_ {
		sum += imp
	}
	if sum > 0 {
		for j := range rf.featureImportances_ {
			rf.featureImportances_[j] /= sum
		}
	}
}

// Predict returns the forest prediction for each row: the tree-mean for
// regression, the majority-vote class id for classification.
func (rf *RandomForest) Predict(X mat.Matrix) (_ mat.Matrix, err error) {
	defer dkErrors.Recover(&err, "RandomForest.Predict")
	if !rf.state.IsFitted() {
		return nil, dkErrors.NewNotFittedError("RandomForest", "Predict")
	}

	nSamples, nFeatures := X.Dims()
	if nFeatures != rf.nFeatures_ {
		return nil, dkErrors.NewDimensionError("RandomForest.Predict", rf.nFeatures_, nFeatures, 1)
	}

	predictions := mat.NewDense(nSamples, 1, nil)

	if rf.task == TaskRegression {
		for i := 0; i < nSamples; i++ {
			sum := 0.0
			for _, tree := range rf.trees_ {
				leaf := tree.traverse(X, i)
				sum += leaf.Value
			}
			predictions.Set(i, 0, sum/float64(len(rf.trees_)))
		}
		return predictions, nil
	}

	for i := 0; i < nSamples; i++ {
		votes := make([]int, len(rf.classes_))
		for _, tree := range rf.trees_ {
			leaf := tree.traverse(X, i)
			votes[leaf.PredictClass]++
		}
		// Strictly-greater comparison keeps the lowest class id on ties
		best, bestVotes := 0, -1
		for classIdx, v := range votes {
			if v > bestVotes {
				bestVotes = v
				best = classIdx
			}
		}
		predictions.Set(i, 0, float64(rf.classes_[best]))
	}

	return predictions, nil
}

// PredictProba returns class probabilities as the average of the per-tree
// leaf distributions, columns ordered by sorted class id.
func (rf *RandomForest) PredictProba(X mat.Matrix) (_ mat.Matrix, err error) {
	defer dkErrors.Recover(&err, "RandomForest.PredictProba")
	if !rf.state.IsFitted() {
		return nil, dkErrors.NewNotFittedError("RandomForest", "PredictProba")
	}
	if rf.task != TaskClassification {
		return nil, dkErrors.NewValueError("RandomForest.PredictProba", "probabilities require a classification forest")
	}

	nSamples, nFeatures := X.Dims()
	if nFeatures != rf.nFeatures_ {
		return nil, dkErrors.NewDimensionError("RandomForest.PredictProba", rf.nFeatures_, nFeatures, 1)
	}

	probas := mat.NewDense(nSamples, len(rf.classes_), nil)
	for i := 0; i < nSamples; i++ {
		acc := make([]float64, len(rf.classes_))
		for _, tree := range rf.trees_ {
			counts := tree.leafCounts(X, i)
			total := 0
			for _, c := range counts {
				total += c
			}
			if total == 0 {
				continue
			}
			for j, c := range counts {
				acc[j] += float64(c) / float64(total)
			}
		}
		for j := range acc {
			probas.Set(i, j, acc[j]/float64(len(rf.trees_)))
		}
	}
	return probas, nil
}

// FeatureImportances returns the normalized mean impurity-decrease
// importances across all trees.
func (rf *RandomForest) FeatureImportances() []float64 {
	if rf.featureImportances_ == nil {
		return nil
	}
	return append([]float64(nil), rf.featureImportances_...)
}

// Classes returns the class ids seen during Fit (classification only).
func (rf *RandomForest) Classes() []int {
	return append([]int(nil), rf.classes_...)
}

// NumTrees returns the number of fitted trees.
func (rf *RandomForest) NumTrees() int {
	return len(rf.trees_)
}

// IsFitted returns whether the forest has been fitted.
func (rf *RandomForest) IsFitted() bool {
	return rf.state.IsFitted()
}

// forestParams is the JSON shape of the learned state inside an artifact.
type forestParams struct {
	Task        string      `json:"task"`
	Classes     []int       `json:"classes,omitempty"`
	NFeatures   int         `json:"n_features"`
	Importances []float64   `json:"importances"`
	Roots       []*TreeNode `json:"trees"`
}

const (
	forestTaskRegression     = "regression"
	forestTaskClassification = "classification"
)

// ExportParams returns the learned trees and importances for artifact
// storage.
func (rf *RandomForest) ExportParams() (json.RawMessage, error) {
	if !rf.state.IsFitted() {
		return nil, dkErrors.NewNotFittedError("RandomForest", "ExportParams")
	}

	taskName := forestTaskRegression
	if rf.task == TaskClassification {
		taskName = forestTaskClassification
	}

	roots := make([]*TreeNode, len(rf.trees_))
	for i, tree := range rf.trees_ {
		roots[i] = tree.Root()
	}

	return json.Marshal(forestParams{
		Task:        taskName,
		Classes:     rf.Classes(),
		NFeatures:   rf.nFeatures_,
		Importances: rf.FeatureImportances(),
		Roots:       roots,
	})
}

// ImportParams restores a forest exported by ExportParams.
func (rf *RandomForest) ImportParams(raw json.RawMessage) (err error) {
	defer dkErrors.Recover(&err, "RandomForest.ImportParams")

	var params forestParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return dkErrors.NewModelError("RandomForest.ImportParams", "invalid params payload", err)
	}
	if params.NFeatures <= 0 || len(params.Roots) == 0 {
		return dkErrors.NewValueError("RandomForest.ImportParams", "missing trees or feature count")
	}

	switch params.Task {
	case forestTaskRegression:
		rf.task = TaskRegression
	case forestTaskClassification:
		rf.task = TaskClassification
		if len(params.Classes) < 2 {
			return dkErrors.NewValueError("RandomForest.ImportParams", "classification forest needs at least two classes")
		}
	default:
		return dkErrors.NewValueError("RandomForest.ImportParams", "unknown task "+params.Task)
	}

	rf.nFeatures_ = params.NFeatures
	rf.classes_ = append([]int(nil), params.Classes...)
	rf.featureImportances_ = append([]float64(nil), params.Importances...)
	rf.nEstimators = len(params.Roots)

	rf.trees_ = make([]*DecisionTree, len(params.Roots))
	for i, root := range params.Roots {
		if root == nil {
			return dkErrors.NewValueError("RandomForest.ImportParams", "nil tree in payload")
		}
		tree := NewDecisionTree(rf.task)
		tree.tree_ = root
		tree.nFeatures_ = params.NFeatures
		tree.classes_ = rf.Classes()
		tree.nClasses_ = len(params.Classes)
		tree.state.SetFitted()
		tree.state.SetDimensions(params.NFeatures, 0)
		rf.trees_[i] = tree
	}

	rf.state.SetFitted()
	rf.state.SetDimensions(rf.nFeatures_, 0)
	return nil
}

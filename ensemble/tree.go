// Package ensemble provides tree-based models: a CART decision tree that
// handles both regression and classification, and a bootstrap-aggregated
// random forest built on top of it. Forest training parallelizes tree
// construction with deterministic per-tree seeds, so results are reproducible
// regardless of GOMAXPROCS.
package ensemble

import (
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/ezoic/datakit/core/model"
	dkErrors "github.com/ezoic/datakit/pkg/errors"
)

// TreeTask selects what a tree predicts.
type TreeTask int

const (
	// TaskRegression grows trees that minimize variance and predict leaf means.
	TaskRegression TreeTask = iota
	// TaskClassification grows trees that minimize Gini impurity and predict
	// the leaf majority class.
	TaskClassification
)

// TreeNode represents a node in a decision tree. Exported fields serialize
// into model artifacts.
type TreeNode struct {
	IsLeaf       bool      `json:"leaf"`
	Feature      int       `json:"feature,omitempty"`    // Split feature index (internal nodes)
	Threshold    float64   `json:"threshold,omitempty"`  // Split threshold (internal nodes)
	Left         *TreeNode `json:"left,omitempty"`       // Values <= threshold
	Right        *TreeNode `json:"right,omitempty"`      // Values > threshold
	Value        float64   `json:"value"`                // Leaf mean (regression)
	ClassCounts  []int     `json:"counts,omitempty"`     // Leaf class counts (classification)
	PredictClass int       `json:"class,omitempty"`      // Leaf majority class index (classification)
	NSamples     int       `json:"n,omitempty"`          // Samples at this node
}

// DecisionTree is a CART tree for regression or classification. Splits are
// chosen by exhaustive scan over candidate features and midpoint thresholds;
// regression minimizes weighted variance, classification weighted Gini.
type DecisionTree struct {
	state *model.StateManager

	// Hyperparameters
	task            TreeTask
	maxDepth        int   // Maximum depth (0 = unlimited)
	minSamplesSplit int   // Minimum samples to split a node
	minSamplesLeaf  int   // Minimum samples in a leaf
	maxFeatures     int   // Features considered per split (0 = all)
	seed            int64 // Seed for feature subsampling

	// Tree structure
	tree_      *TreeNode
	nClasses_  int
	nFeatures_ int
	classes_   []int

	// Accumulated impurity decrease per feature
	featureImportances_ []float64

	rng *rand.Rand
}

// DecisionTreeOption is a functional option for DecisionTree
type DecisionTreeOption func(*DecisionTree)

// NewDecisionTree creates a decision tree for the given task.
func NewDecisionTree(task TreeTask, opts ...DecisionTreeOption) *DecisionTree {
	dt := &DecisionTree{
		state:           model.NewStateManager(),
		task:            task,
		maxDepth:        0, // Unlimited
		minSamplesSplit: 2,
		minSamplesLeaf:  1,
		maxFeatures:     0, // All features
		seed:            42,
	}

	for _, opt := range opts {
		opt(dt)
	}

	return dt
}

// WithTreeMaxDepth sets the maximum tree depth (0 = unlimited)
func WithTreeMaxDepth(depth int) DecisionTreeOption {
	return func(dt *DecisionTree) {
		dt.maxDepth = depth
	}
}

// WithTreeMinSamplesSplit sets the minimum samples needed to split
func WithTreeMinSamplesSplit(n int) DecisionTreeOption {
	return func(dt *DecisionTree) {
		dt.minSamplesSplit = n
	}
}

// WithTreeMinSamplesLeaf sets the minimum samples in a leaf
func WithTreeMinSamplesLeaf(n int) DecisionTreeOption {
	return func(dt *DecisionTree) {
		dt.minSamplesLeaf = n
	}
}

// WithTreeMaxFeatures sets how many features each split considers (0 = all)
func WithTreeMaxFeatures(n int) DecisionTreeOption {
	return func(dt *DecisionTree) {
		dt.maxFeatures = n
	}
}

// WithTreeSeed sets the seed for feature subsampling
func WithTreeSeed(seed int64) DecisionTreeOption {
	return func(dt *DecisionTree) {
		dt.seed = seed
	}
}

// withTreeClasses forces the class label set, so trees fitted on bootstrap
// samples that miss a class still produce aligned count vectors.
func withTreeClasses(classes []int) DecisionTreeOption {
	return func(dt *DecisionTree) {
		dt.classes_ = append([]int(nil), classes...)
		dt.nClasses_ = len(classes)
	}
}

// Fit trains the tree on the given features and targets. For classification
// y holds integer class ids; for regression continuous values.
func (dt *DecisionTree) Fit(X, y mat.Matrix) (err error) {
	defer dkErrors.Recover(&err, "DecisionTree.Fit")

	nSamples, nFeatures := X.Dims()
	yRows, yCols := y.Dims()

	if nSamples == 0 || nFeatures == 0 {
		return dkErrors.NewModelError("DecisionTree.Fit", "empty data", dkErrors.ErrEmptyData)
	}
	if nSamples != yRows {
		return dkErrors.NewDimensionError("DecisionTree.Fit", nSamples, yRows, 0)
	}
	if yCols != 1 {
		return dkErrors.NewValueError("DecisionTree.Fit", "y must be a column vector")
	}

	dt.nFeatures_ = nFeatures
	dt.featureImportances_ = make([]float64, nFeatures)
	dt.rng = rand.New(rand.NewPCG(uint64(dt.seed), uint64(dt.seed)))

	targets := make([]float64, nSamples)
	for i := 0; i < nSamples; i++ {
		targets[i] = y.At(i, 0)
	}

	if dt.task == TaskClassification {
		if dt.classes_ == nil {
			dt.extractClasses(targets)
		}
		// Map labels to class indices
		idx := make(map[int]int, dt.nClasses_)
		for j, class := range dt.classes_ {
			idx[class] = j
		}
		for i, v := range targets {
			classIdx, ok := idx[int(v)]
			if !ok {
				return dkErrors.NewValueError("DecisionTree.Fit", "label outside fixed class set")
			}
			targets[i] = float64(classIdx)
		}
	}

	indices := make([]int, nSamples)
	for i := range indices {
		indices[i] = i
	}

	xD := mat.DenseCopyOf(X)
	dt.tree_ = dt.buildTree(xD, targets, indices, 0)
	dt.normalizeFeatureImportances()

	dt.state.SetFitted()
	dt.state.SetDimensions(nFeatures, nSamples)
	return nil
}

// extractClasses identifies unique class labels in sorted order
func (dt *DecisionTree) extractClasses(targets []float64) {
	classMap := make(map[int]bool)
	for _, v := range targets {
		classMap[int(v)] = true
	}

	dt.classes_ = make([]int, 0, len(classMap))
	for class := range classMap {
		dt.classes_ = append(dt.classes_, class)
	}
	sort.Ints(dt.classes_)
	dt.nClasses_ = len(dt.classes_)
}

// buildTree recursively grows the tree over the rows in indices.
func (dt *DecisionTree) buildTree(X *mat.Dense, targets []float64, indices []int, depth int) *TreeNode {
	node := &TreeNode{NSamples: len(indices)}

	var impurity float64
	if dt.task == TaskClassification {
		counts := dt.countClasses(targets, indices)
		node.ClassCounts = counts
		node.PredictClass = majorityClass(counts)
		impurity = giniImpurity(counts, len(indices))
	} else {
		mean, variance := meanVariance(targets, indices)
		node.Value = mean
		impurity = variance
	}

	if dt.shouldStop(len(indices), impurity, depth) {
		node.IsLeaf = true
		return node
	}

	feature, threshold, decrease := dt.findBestSplit(X, targets, indices, impurity)
	if feature == -1 {
		node.IsLeaf = true
		return node
	}

	var left, right []int
	for _, i := range indices {
		if X.At(i, feature) <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) < dt.minSamplesLeaf || len(right) < dt.minSamplesLeaf {
		node.IsLeaf = true
		return node
	}

	node.Feature = feature
	node.Threshold = threshold

	dt.featureImportances_[feature] += decrease * float64(len(indices))

	node.Left = dt.buildTree(X, targets, left, depth+1)
	node.Right = dt.buildTree(X, targets, right, depth+1)
	return node
}

// shouldStop checks the stopping criteria
func (dt *DecisionTree) shouldStop(nSamples int, impurity float64, depth int) bool {
	if dt.maxDepth > 0 && depth >= dt.maxDepth {
		return true
	}
	if nSamples < dt.minSamplesSplit {
		return true
	}
	return impurity == 0.0
}

// findBestSplit scans candidate features for the split with the largest
// weighted impurity decrease. Candidates are a seeded random subset when
// maxFeatures is set, scanned in ascending order so ties resolve the same
// way on every run.
func (dt *DecisionTree) findBestSplit(X *mat.Dense, targets []float64, indices []int, parentImpurity float64) (int, float64, float64) {
	n := len(indices)
	bestFeature := -1
	bestThreshold := 0.0
	bestDecrease := 0.0

	for _, feature := range dt.candidateFeatures() {
		order := make([]int, n)
		copy(order, indices)
		sort.Slice(order, func(a, b int) bool {
			return X.At(order[a], feature) < X.At(order[b], feature)
		})

		var threshold, decrease float64
		var ok bool
		if dt.task == TaskClassification {
			threshold, decrease, ok = dt.bestClassSplit(X, targets, order, feature, parentImpurity)
		} else {
			threshold, decrease, ok = dt.bestRegressionSplit(X, targets, order, feature, parentImpurity)
		}
		if ok && decrease > bestDecrease {
			bestDecrease = decrease
			bestFeature = feature
			bestThreshold = threshold
		}
	}

	return bestFeature, bestThreshold, bestDecrease
}

// candidateFeatures returns the features considered for the next split.
func (dt *DecisionTree) candidateFeatures() []int {
	if dt.maxFeatures <= 0 || dt.maxFeatures >= dt.nFeatures_ {
		features := make([]int, dt.nFeatures_)
		for i := range features {
			features[i] = i
		}
		return features
	}

	// Seeded partial Fisher-Yates draw of maxFeatures distinct features
	pool := make([]int, dt.nFeatures_)
	for i := range pool {
		pool[i] = i
	}
	for i := 0; i < dt.maxFeatures; i++ {
		j := i + dt.rng.IntN(dt.nFeatures_-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	chosen := pool[:dt.maxFeatures]
	sort.Ints(chosen)
	return chosen
}

// bestClassSplit sweeps sorted rows once, moving class counts from right to
// left, and evaluates the Gini decrease at each distinct-value boundary.
func (dt *DecisionTree) bestClassSplit(X *mat.Dense, targets []float64, order []int, feature int, parentImpurity float64) (float64, float64, bool) {
	n := len(order)
	leftCounts := make([]int, dt.nClasses_)
	rightCounts := make([]int, dt.nClasses_)
	for _, i := range order {
		rightCounts[int(targets[i])]++
	}

	bestThreshold := 0.0
	bestDecrease := 0.0
	found := false

	for pos := 0; pos < n-1; pos++ {
		c := int(targets[order[pos]])
		leftCounts[c]++
		rightCounts[c]--

		v, next := X.At(order[pos], feature), X.At(order[pos+1], feature)
		if v == next {
			continue
		}

		nLeft, nRight := pos+1, n-pos-1
		if nLeft < dt.minSamplesLeaf || nRight < dt.minSamplesLeaf {
			continue
		}

		weighted := (float64(nLeft)*giniImpurity(leftCounts, nLeft) +
			float64(nRight)*giniImpurity(rightCounts, nRight)) / float64(n)
		decrease := parentImpurity - weighted
		if decrease > bestDecrease {
			bestDecrease = decrease
			bestThreshold = (v + next) / 2.0
			found = true
		}
	}

	return bestThreshold, bestDecrease, found
}

// bestRegressionSplit sweeps sorted rows once with running sums and evaluates
// the variance decrease at each distinct-value boundary.
func (dt *DecisionTree) bestRegressionSplit(X *mat.Dense, targets []float64, order []int, feature int, parentImpurity float64) (float64, float64, bool) {
	n := len(order)
	var leftSum, leftSq float64
	var rightSum, rightSq float64
	for _, i := range order {
		rightSum += targets[i]
		rightSq += targets[i] * targets[i]
	}

	bestThreshold := 0.0
	bestDecrease := 0.0
	found := false

	for pos := 0; pos < n-1; pos++ {
		t := targets[order[pos]]
		leftSum += t
		leftSq += t * t
		rightSum -= t
		rightSq -= t * t

		v, next := X.At(order[pos], feature), X.At(order[pos+1], feature)
		if v == next {
			continue
		}

		nLeft, nRight := pos+1, n-pos-1
		if nLeft < dt.minSamplesLeaf || nRight < dt.minSamplesLeaf {
			continue
		}

		leftVar := varianceFromSums(leftSum, leftSq, nLeft)
		rightVar := varianceFromSums(rightSum, rightSq, nRight)
		weighted := (float64(nLeft)*leftVar + float64(nRight)*rightVar) / float64(n)
		decrease := parentImpurity - weighted
		if decrease > bestDecrease {
			bestDecrease = decrease
			bestThreshold = (v + next) / 2.0
			found = true
		}
	}

	return bestThreshold, bestDecrease, found
}

// countClasses tallies class indices over the given rows
func (dt *DecisionTree) countClasses(targets []float64, indices []int) []int {
	counts := make([]int, dt.nClasses_)
	for _, i := range indices {
		counts[int(targets[i])]++
	}
	return counts
}

// normalizeFeatureImportances scales importances to sum to 1
func (dt *DecisionTree) normalizeFeatureImportances() {
	sum := 0.0
	for _, imp := range dt.featureImportances_ {
		sum += imp
	}
	if sum > 0 {
		for i := range dt.featureImportances_ {
			dt.featureImportances_[i] /= sum
		}
	}
}

// Predict returns the tree prediction for each row: the leaf mean for
// regression, the majority class id for classification.
func (dt *DecisionTree) Predict(X mat.Matrix) (_ mat.Matrix, err error) {
	defer dkErrors.Recover(&err, "DecisionTree.Predict")
	if !dt.state.IsFitted() {
		return nil, dkErrors.NewNotFittedError("DecisionTree", "Predict")
	}

	nSamples, nFeatures := X.Dims()
	if nFeatures != dt.nFeatures_ {
		return nil, dkErrors.NewDimensionError("DecisionTree.Predict", dt.nFeatures_, nFeatures, 1)
	}

	predictions := mat.NewDense(nSamples, 1, nil)
	for i := 0; i < nSamples; i++ {
		leaf := dt.traverse(X, i)
		if dt.task == TaskClassification {
			predictions.Set(i, 0, float64(dt.classes_[leaf.PredictClass]))
		} else {
			predictions.Set(i, 0, leaf.Value)
		}
	}
	return predictions, nil
}

// leafCounts returns the leaf class-count vector for one row.
func (dt *DecisionTree) leafCounts(X mat.Matrix, row int) []int {
	return dt.traverse(X, row).ClassCounts
}

// traverse walks a row down to its leaf
func (dt *DecisionTree) traverse(X mat.Matrix, row int) *TreeNode {
	node := dt.tree_
	for !node.IsLeaf {
		if X.At(row, node.Feature) <= node.Threshold {
			node = node.Left
		} else {
			node = node.Right
		}
	}
	return node
}

// FeatureImportances returns normalized impurity-decrease importances.
func (dt *DecisionTree) FeatureImportances() []float64 {
	if dt.featureImportances_ == nil {
		return nil
	}
	return append([]float64(nil), dt.featureImportances_...)
}

// Classes returns the class ids seen during Fit (classification only).
func (dt *DecisionTree) Classes() []int {
	return append([]int(nil), dt.classes_...)
}

// Depth returns the maximum depth of the fitted tree.
func (dt *DecisionTree) Depth() int {
	return maxDepth(dt.tree_)
}

// NumLeaves returns the number of leaf nodes.
func (dt *DecisionTree) NumLeaves() int {
	return countLeaves(dt.tree_)
}

// IsFitted returns whether the tree has been fitted.
func (dt *DecisionTree) IsFitted() bool {
	return dt.state.IsFitted()
}

// Root exposes the fitted tree structure for artifact serialization.
func (dt *DecisionTree) Root() *TreeNode {
	return dt.tree_
}

// Helpers shared by tree and forest.

func giniImpurity(counts []int, total int) float64 {
	if total == 0 {
		return 0.0
	}
	sumSquared := 0.0
	for _, count := range counts {
		if count > 0 {
			p := float64(count) / float64(total)
			sumSquared += p * p
		}
	}
	return 1.0 - sumSquared
}

func majorityClass(counts []int) int {
	best, bestCount := 0, -1
	for i, count := range counts {
		if count > bestCount {
			bestCount = count
			best = i
		}
	}
	return best
}

func meanVariance(targets []float64, indices []int) (float64, float64) {
	n := float64(len(indices))
	if n == 0 {
		return 0, 0
	}
	var sum, sq float64
	for _, i := range indices {
		sum += targets[i]
		sq += targets[i] * targets[i]
	}
	mean := sum / n
	variance := sq/n - mean*mean
	if variance < 0 {
		variance = 0 // float round-off on constant targets
	}
	return mean, variance
}

func varianceFromSums(sum, sq float64, n int) float64 {
	fn := float64(n)
	mean := sum / fn
	v := sq/fn - mean*mean
	if v < 0 {
		return 0
	}
	return v
}

func maxDepth(node *TreeNode) int {
	if node == nil || node.IsLeaf {
		return 0
	}
	l := maxDepth(node.Left)
	r := maxDepth(node.Right)
	if l > r {
		return l + 1
	}
	return r + 1
}

func countLeaves(node *TreeNode) int {
	if node == nil {
		return 0
	}
	if node.IsLeaf {
		return 1
	}
	return countLeaves(node.Left) + countLeaves(node.Right)
}

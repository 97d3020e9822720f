// Package cluster provides unsupervised clustering estimators: KMeans
// (full-batch Lloyd iterations with k-means++ initialization) and DBSCAN
// (density-based clustering with noise detection). Both are deterministic
// for a fixed seed and expose their learned state for artifact round-trips.
package cluster

import (
	"context"
	"encoding/json"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/ezoic/datakit/core/model"
	dkErrors "github.com/ezoic/datakit/pkg/errors"
	"github.com/ezoic/datakit/pkg/log"
)

// KMeans partitions rows into k clusters by Lloyd's algorithm: assign every
// row to its nearest center, recompute centers as cluster means, repeat until
// the assignments stop changing. Initialization is k-means++ from a seeded
// generator, so a fixed seed always yields the same clustering.
type KMeans struct {
	state  *model.StateManager
	logger log.Logger

	// Hyperparameters
	nClusters int   // Number of clusters
	maxIter   int   // Maximum number of full sweeps
	seed      int64 // Random seed for k-means++ initialization

	// Learned state
	centers_   [][]float64 // Cluster centers (nClusters x nFeatures)
	labels_    []int       // Cluster label for each training row
	inertia_   float64     // Within-cluster sum of squared distances
	nIter_     int         // Sweeps executed before convergence
	nFeatures_ int
}

// KMeansOption is a functional option for KMeans
type KMeansOption func(*KMeans)

// NewKMeans creates a KMeans estimator with 3 clusters the caller usually
// overrides via WithKMeansClusters.
func NewKMeans(opts ...KMeansOption) *KMeans {
	km := &KMeans{
		state:     model.NewStateManager(),
		nClusters: 3,
		maxIter:   300,
		seed:      42,
	}

	for _, opt := range opts {
		opt(km)
	}

	km.logger = log.GetLoggerWithName("cluster").With(
		log.ModelNameKey, "KMeans",
		log.ComponentKey, "cluster",
	)

	return km
}

// WithKMeansClusters sets the number of clusters
func WithKMeansClusters(k int) KMeansOption {
	return func(km *KMeans) {
		km.nClusters = k
	}
}

// WithKMeansMaxIter sets the sweep budget
func WithKMeansMaxIter(maxIter int) KMeansOption {
	return func(km *KMeans) {
		km.maxIter = maxIter
	}
}

// WithKMeansSeed sets the seed for k-means++ initialization
func WithKMeansSeed(seed int64) KMeansOption {
	return func(km *KMeans) {
		km.seed = seed
	}
}

// Fit clusters X. The context is polled before every sweep; cancellation
// returns a CancelledError with the partial state discarded.
//
// Errors:
//   - InsufficientDataError: fewer rows than clusters
//   - ConvergenceError: assignments still changing when the sweep budget ends
//   - CancelledError: ctx cancelled between sweeps
func (km *KMeans) Fit(ctx context.Context, X mat.Matrix) (err error) {
	defer dkErrors.Recover(&err, "KMeans.Fit")

	rows, cols := X.Dims()
	if rows == 0 || cols == 0 {
		return dkErrors.NewModelError("KMeans.Fit", "empty data", dkErrors.ErrEmptyData)
	}
	if km.nClusters < 1 {
		return dkErrors.NewValueError("KMeans.Fit", "number of clusters must be positive")
	}
	if rows < km.nClusters {
		return dkErrors.NewInsufficientDataError("KMeans.Fit", km.nClusters, rows)
	}

	startTime := time.Now()
	km.nFeatures_ = cols

	if km.logger != nil {
		km.logger.Info("Training started",
			log.OperationKey, log.OperationFit,
			log.PhaseKey, log.PhaseTraining,
			log.SamplesKey, rows,
			log.FeaturesKey, cols,
			log.ClustersKey, km.nClusters,
		)
	}

	rng := rand.New(rand.NewPCG(uint64(km.seed), uint64(km.seed)))
	centers := km.initKMeansPlusPlus(X, rng)

	labels := make([]int, rows)
	for i := range labels {
		labels[i] = -1
	}

	converged := false
	sweeps := 0

	for iter := 0; iter < km.maxIter; iter++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return dkErrors.NewCancelledError("KMeans.Fit", ctxErr)
		}
		sweeps = iter + 1

		// Assignment sweep
		changed := false
		for i := 0; i < rows; i++ {
			sample := mat.Row(nil, i, X)
			nearest := nearestCenter(sample, centers)
			if nearest != labels[i] {
				changed = true
				labels[i] = nearest
			}
		}

		if !changed {
			converged = true
			break
		}

		// Update sweep: centers become cluster means
		counts := make([]int, km.nClusters)
		next := make([][]float64, km.nClusters)
		for c := range next {
			next[c] = make([]float64, cols)
		}
		for i := 0; i < rows; i++ {
			c := labels[i]
			counts[c]++
			for j := 0; j < cols; j++ {
				next[c][j] += X.At(i, j)
			}
		}
		for c := 0; c < km.nClusters; c++ {
			if counts[c] == 0 {
				// Relocate an empty cluster to the row farthest from its
				// current center so every cluster keeps at least one member.
				next[c] = km.farthestRow(X, centers, labels)
				continue
			}
			for j := 0; j < cols; j++ {
				next[c][j] /= float64(counts[c])
			}
		}
		centers = next
	}

	if !converged {
		return dkErrors.NewConvergenceError("KMeans.Fit", km.maxIter, "cluster assignments did not stabilize")
	}

	km.centers_ = centers
	km.labels_ = labels
	km.nIter_ = sweeps
	km.inertia_ = computeInertia(X, centers, labels)

	km.state.SetFitted()
	km.state.SetDimensions(cols, rows)

	if km.logger != nil {
		km.logger.Info("Training completed",
			log.OperationKey, log.OperationFit,
			log.PhaseKey, log.PhaseTraining,
			log.ClustersKey, km.nClusters,
			log.IterationsKey, km.nIter_,
			log.DurationMsKey, time.Since(startTime).Milliseconds(),
		)
	}

	return nil
}

// initKMeansPlusPlus seeds the centers: the first uniformly at random, each
// subsequent one with probability proportional to its squared distance from
// the nearest already-chosen center.
func (km *KMeans) initKMeansPlusPlus(X mat.Matrix, rng *rand.Rand) [][]float64 {
	rows, cols := X.Dims()
	centers := make([][]float64, km.nClusters)

	centers[0] = mat.Row(nil, rng.IntN(rows), X)

	for c := 1; c < km.nClusters; c++ {
		weights := make([]float64, rows)
		total := 0.0
		for i := 0; i < rows; i++ {
			sample := mat.Row(nil, i, X)
			minDist := math.Inf(1)
			for j := 0; j < c; j++ {
				if d := euclideanSquared(sample, centers[j]); d < minDist {
					minDist = d
				}
			}
			weights[i] = minDist
			total += minDist
		}

		// All remaining rows coincide with chosen centers; fall back to a
		// uniform draw.
		selected := rng.IntN(rows)
		if total > 0 {
			target := rng.Float64() * total
			cumSum := 0.0
			for i := 0; i < rows; i++ {
				cumSum += weights[i]
				if cumSum >= target {
					selected = i
					break
				}
			}
		}

		centers[c] = make([]float64, cols)
		copy(centers[c], mat.Row(nil, selected, X))
	}

	return centers
}

// farthestRow returns a copy of the row with the largest squared distance to
// its assigned center.
func (km *KMeans) farthestRow(X mat.Matrix, centers [][]float64, labels []int) []float64 {
	rows, _ := X.Dims()
	worstDist := -1.0
	worstIdx := 0
	for i := 0; i < rows; i++ {
		sample := mat.Row(nil, i, X)
		if d := euclideanSquared(sample, centers[labels[i]]); d > worstDist {
			worstDist = d
			worstIdx = i
		}
	}
	return mat.Row(nil, worstIdx, X)
}

// Predict assigns each row of X to its nearest learned center.
func (km *KMeans) Predict(X mat.Matrix) (mat.Matrix, error) {
	if !km.state.IsFitted() {
		return nil, dkErrors.NewNotFittedError("KMeans", "Predict")
	}

	rows, cols := X.Dims()
	if cols != km.nFeatures_ {
		return nil, dkErrors.NewDimensionError("KMeans.Predict", km.nFeatures_, cols, 1)
	}

	predictions := mat.NewDense(rows, 1, nil)
	for i := 0; i < rows; i++ {
		sample := mat.Row(nil, i, X)
		predictions.Set(i, 0, float64(nearestCenter(sample, km.centers_)))
	}

	return predictions, nil
}

// Transform converts rows into distances to every cluster center.
func (km *KMeans) Transform(X mat.Matrix) (mat.Matrix, error) {
	if !km.state.IsFitted() {
		return nil, dkErrors.NewNotFittedError("KMeans", "Transform")
	}

	rows, cols := X.Dims()
	if cols != km.nFeatures_ {
		return nil, dkErrors.NewDimensionError("KMeans.Transform", km.nFeatures_, cols, 1)
	}

	distances := mat.NewDense(rows, km.nClusters, nil)
	for i := 0; i < rows; i++ {
		sample := mat.Row(nil, i, X)
		for c := 0; c < km.nClusters; c++ {
			distances.Set(i, c, math.Sqrt(euclideanSquared(sample, km.centers_[c])))
		}
	}

	return distances, nil
}

// ClusterCenters returns a copy of the learned centers.
func (km *KMeans) ClusterCenters() [][]float64 {
	centers := make([][]float64, len(km.centers_))
	for i := range km.centers_ {
		centers[i] = make([]float64, len(km.centers_[i]))
		copy(centers[i], km.centers_[i])
	}
	return centers
}

// Labels returns cluster labels for the training rows.
func (km *KMeans) Labels() []int {
	if km.labels_ == nil {
		return nil
	}
	labels := make([]int, len(km.labels_))
	copy(labels, km.labels_)
	return labels
}

// Inertia returns the within-cluster sum of squared distances.
func (km *KMeans) Inertia() float64 {
	return km.inertia_
}

// Iterations returns the number of sweeps executed before convergence.
func (km *KMeans) Iterations() int {
	return km.nIter_
}

// NumClusters returns the configured cluster count.
func (km *KMeans) NumClusters() int {
	return km.nClusters
}

// IsFitted returns whether the model has been fitted
func (km *KMeans) IsFitted() bool {
	return km.state.IsFitted()
}

// kmeansParams is the serialized learned state.
type kmeansParams struct {
	Centers   [][]float64 `json:"centers"`
	Inertia   float64     `json:"inertia"`
	NFeatures int         `json:"n_features"`
}

// ExportParams serializes the centers for artifact storage.
func (km *KMeans) ExportParams() (json.RawMessage, error) {
	if !km.state.IsFitted() {
		return nil, dkErrors.NewNotFittedError("KMeans", "ExportParams")
	}
	return json.Marshal(kmeansParams{
		Centers:   km.centers_,
		Inertia:   km.inertia_,
		NFeatures: km.nFeatures_,
	})
}

// ImportParams restores a fitted model from serialized centers. Training
// labels and iteration counts do not survive the round trip; the restored
// model only scores.
func (km *KMeans) ImportParams(raw json.RawMessage) error {
	var params kmeansParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return dkErrors.NewModelError("KMeans.ImportParams", "invalid params payload", err)
	}
	if len(params.Centers) == 0 {
		return dkErrors.NewValueError("KMeans.ImportParams", "params contain no centers")
	}
	for c, center := range params.Centers {
		if len(center) != params.NFeatures {
			return dkErrors.NewDimensionError("KMeans.ImportParams", params.NFeatures, len(center), c)
		}
	}

	km.nClusters = len(params.Centers)
	km.centers_ = params.Centers
	km.inertia_ = params.Inertia
	km.nFeatures_ = params.NFeatures
	km.labels_ = nil
	km.nIter_ = 0

	km.state.SetFitted()
	km.state.SetDimensions(params.NFeatures, 0)
	return nil
}

// nearestCenter returns the index of the closest center by squared distance.
func nearestCenter(sample []float64, centers [][]float64) int {
	minDist := math.Inf(1)
	nearest := 0
	for c, center := range centers {
		if d := euclideanSquared(sample, center); d < minDist {
			minDist = d
			nearest = c
		}
	}
	return nearest
}

// computeInertia sums squared distances from each row to its assigned center.
func computeInertia(X mat.Matrix, centers [][]float64, labels []int) float64 {
	rows, _ := X.Dims()
	inertia := 0.0
	for i := 0; i < rows; i++ {
		sample := mat.Row(nil, i, X)
		inertia += euclideanSquared(sample, centers[labels[i]])
	}
	return inertia
}

// euclideanSquared is the squared Euclidean distance between equal-length
// vectors.
func euclideanSquared(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return sum
}

package cluster

import (
	"context"
	"encoding/json"

	"gonum.org/v1/gonum/mat"

	"github.com/ezoic/datakit/core/model"
	dkErrors "github.com/ezoic/datakit/pkg/errors"
)

// dbscanNoise marks rows not reachable from any core point.
const dbscanNoise = -1

// dbscanUnvisited marks rows the expansion has not reached yet.
const dbscanUnvisited = -2

// DBSCAN groups rows that are density-reachable from core points: a row is a
// core point when at least minSamples rows (itself included) lie within eps
// of it. Rows reachable from no core point are labeled noise (-1). Cluster
// ids follow discovery order over the rows, so the labeling is deterministic
// without a seed.
type DBSCAN struct {
	state *model.StateManager

	// Hyperparameters
	eps        float64 // Neighborhood radius
	minSamples int     // Rows within eps required for a core point

	// Learned state
	labels_      []int
	nClusters_   int
	nFeatures_   int
	coreSamples_ [][]float64 // Coordinates of core points
	coreLabels_  []int       // Cluster id of each core point
}

// DBSCANOption is a functional option for DBSCAN
type DBSCANOption func(*DBSCAN)

// NewDBSCAN creates a DBSCAN estimator with eps 0.5 and minSamples 5.
func NewDBSCAN(opts ...DBSCANOption) *DBSCAN {
	db := &DBSCAN{
		state:      model.NewStateManager(),
		eps:        0.5,
		minSamples: 5,
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// WithDBSCANEps sets the neighborhood radius
func WithDBSCANEps(eps float64) DBSCANOption {
	return func(db *DBSCAN) {
		db.eps = eps
	}
}

// WithDBSCANMinSamples sets the core-point density threshold
func WithDBSCANMinSamples(n int) DBSCANOption {
	return func(db *DBSCAN) {
		db.minSamples = n
	}
}

// Fit labels every row of X with a cluster id or noise. The context is
// polled between row expansions.
func (db *DBSCAN) Fit(ctx context.Context, X mat.Matrix) (err error) {
	defer dkErrors.Recover(&err, "DBSCAN.Fit")

	rows, cols := X.Dims()
	if rows == 0 || cols == 0 {
		return dkErrors.NewModelError("DBSCAN.Fit", "empty data", dkErrors.ErrEmptyData)
	}
	if db.eps <= 0 {
		return dkErrors.NewValueError("DBSCAN.Fit", "eps must be positive")
	}
	if db.minSamples < 1 {
		return dkErrors.NewValueError("DBSCAN.Fit", "min_samples must be at least 1")
	}

	db.nFeatures_ = cols
	epsSquared := db.eps * db.eps

	samples := make([][]float64, rows)
	for i := 0; i < rows; i++ {
		samples[i] = mat.Row(nil, i, X)
	}

	labels := make([]int, rows)
	for i := range labels {
		labels[i] = dbscanUnvisited
	}
	isCore := make([]bool, rows)

	clusterID := 0
	for i := 0; i < rows; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return dkErrors.NewCancelledError("DBSCAN.Fit", ctxErr)
		}
		if labels[i] != dbscanUnvisited {
			continue
		}

		neighbors := regionQuery(samples, i, epsSquared)
		if len(neighbors) < db.minSamples {
			labels[i] = dbscanNoise
			continue
		}

		// Core point found: grow a new cluster over everything
		// density-reachable from it.
		isCore[i] = true
		labels[i] = clusterID
		queue := append([]int(nil), neighbors...)
		for head := 0; head < len(queue); head++ {
			q := queue[head]
			if labels[q] == dbscanNoise {
				labels[q] = clusterID // border point
				continue
			}
			if labels[q] != dbscanUnvisited {
				continue
			}
			labels[q] = clusterID

			qNeighbors := regionQuery(samples, q, epsSquared)
			if len(qNeighbors) >= db.minSamples {
				isCore[q] = true
				queue = append(queue, qNeighbors...)
			}
		}
		clusterID++
	}

	db.labels_ = labels
	db.nClusters_ = clusterID
	db.coreSamples_ = nil
	db.coreLabels_ = nil
	for i := 0; i < rows; i++ {
		if isCore[i] {
			db.coreSamples_ = append(db.coreSamples_, samples[i])
			db.coreLabels_ = append(db.coreLabels_, labels[i])
		}
	}

	db.state.SetFitted()
	db.state.SetDimensions(cols, rows)
	return nil
}

// regionQuery returns indices (ascending, including idx itself) of rows
// within the radius of row idx.
func regionQuery(samples [][]float64, idx int, epsSquared float64) []int {
	var neighbors []int
	for i := range samples {
		if euclideanSquared(samples[idx], samples[i]) <= epsSquared {
			neighbors = append(neighbors, i)
		}
	}
	return neighbors
}

// Predict assigns rows to the cluster of the nearest core point within eps,
// or noise when none is close enough. This mirrors how the training
// expansion would have labeled the row as a border point.
func (db *DBSCAN) Predict(X mat.Matrix) (mat.Matrix, error) {
	if !db.state.IsFitted() {
		return nil, dkErrors.NewNotFittedError("DBSCAN", "Predict")
	}

	rows, cols := X.Dims()
	if cols != db.nFeatures_ {
		return nil, dkErrors.NewDimensionError("DBSCAN.Predict", db.nFeatures_, cols, 1)
	}

	epsSquared := db.eps * db.eps
	predictions := mat.NewDense(rows, 1, nil)
	for i := 0; i < rows; i++ {
		sample := mat.Row(nil, i, X)
		label := dbscanNoise
		best := epsSquared
		for c, core := range db.coreSamples_ {
			if d := euclideanSquared(sample, core); d <= best {
				best = d
				label = db.coreLabels_[c]
			}
		}
		predictions.Set(i, 0, float64(label))
	}

	return predictions, nil
}

// Labels returns the cluster label of each training row, -1 for noise.
func (db *DBSCAN) Labels() []int {
	if db.labels_ == nil {
		return nil
	}
	labels := make([]int, len(db.labels_))
	copy(labels, db.labels_)
	return labels
}

// NumClusters returns the number of clusters discovered (noise excluded).
func (db *DBSCAN) NumClusters() int {
	return db.nClusters_
}

// NumNoise returns how many training rows were labeled noise.
func (db *DBSCAN) NumNoise() int {
	n := 0
	for _, l := range db.labels_ {
		if l == dbscanNoise {
			n++
		}
	}
	return n
}

// Eps returns the configured neighborhood radius.
func (db *DBSCAN) Eps() float64 {
	return db.eps
}

// MinSamples returns the configured density threshold.
func (db *DBSCAN) MinSamples() int {
	return db.minSamples
}

// IsFitted returns whether the model has been fitted
func (db *DBSCAN) IsFitted() bool {
	return db.state.IsFitted()
}

// dbscanParams is the serialized learned state. Core points carry enough
// information to score new rows after a reload.
type dbscanParams struct {
	Eps         float64     `json:"eps"`
	MinSamples  int         `json:"min_samples"`
	NClusters   int         `json:"n_clusters"`
	NFeatures   int         `json:"n_features"`
	CoreSamples [][]float64 `json:"core_samples"`
	CoreLabels  []int       `json:"core_labels"`
}

// ExportParams serializes the core points for artifact storage.
func (db *DBSCAN) ExportParams() (json.RawMessage, error) {
	if !db.state.IsFitted() {
		return nil, dkErrors.NewNotFittedError("DBSCAN", "ExportParams")
	}
	return json.Marshal(dbscanParams{
		Eps:         db.eps,
		MinSamples:  db.minSamples,
		NClusters:   db.nClusters_,
		NFeatures:   db.nFeatures_,
		CoreSamples: db.coreSamples_,
		CoreLabels:  db.coreLabels_,
	})
}

// ImportParams restores a scoring-capable model from serialized core points.
func (db *DBSCAN) ImportParams(raw json.RawMessage) error {
	var params dbscanParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return dkErrors.NewModelError("DBSCAN.ImportParams", "invalid params payload", err)
	}
	if params.Eps <= 0 {
		return dkErrors.NewValueError("DBSCAN.ImportParams", "eps must be positive")
	}
	if len(params.CoreSamples) != len(params.CoreLabels) {
		return dkErrors.NewDimensionError("DBSCAN.ImportParams", len(params.CoreSamples), len(params.CoreLabels), 0)
	}
	for c, core := range params.CoreSamples {
		if len(core) != params.NFeatures {
			return dkErrors.NewDimensionError("DBSCAN.ImportParams", params.NFeatures, len(core), c)
		}
	}

	db.eps = params.Eps
	db.minSamples = params.MinSamples
	db.nClusters_ = params.NClusters
	db.nFeatures_ = params.NFeatures
	db.coreSamples_ = params.CoreSamples
	db.coreLabels_ = params.CoreLabels
	db.labels_ = nil

	db.state.SetFitted()
	db.state.SetDimensions(params.NFeatures, 0)
	return nil
}

package analysis

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/ezoic/datakit/core/parallel"
	"github.com/ezoic/datakit/core/table"
	dkErrors "github.com/ezoic/datakit/pkg/errors"
	"github.com/ezoic/datakit/pkg/log"
	"github.com/ezoic/datakit/result"
)

const (
	isolationTrees       = 100
	maxSubsample         = 256
	defaultContamination = 0.1
	defaultTopAnomalies  = 10
	minAnomalyRows       = 10

	eulerMascheroni = 0.5772156649015329
)

// AnomalyOption configures DetectAnomalies.
type AnomalyOption func(*anomalyConfig)

type anomalyConfig struct {
	columns       []string
	contamination float64
	topK          int
	seed          int64
}

// WithAnomalyColumns restricts scoring to the named numeric columns. The
// default uses every numeric column.
func WithAnomalyColumns(cols ...string) AnomalyOption {
	return func(cfg *anomalyConfig) {
		cfg.columns = cols
	}
}

// WithContamination sets the expected anomaly share, in (0, 0.5). It places
// the flagging threshold at the (1-contamination) quantile of the scores.
func WithContamination(c float64) AnomalyOption {
	return func(cfg *anomalyConfig) {
		cfg.contamination = c
	}
}

// WithAnomalyTopK sets how many flagged rows are detailed with their feature
// values.
func WithAnomalyTopK(k int) AnomalyOption {
	return func(cfg *anomalyConfig) {
		cfg.topK = k
	}
}

// WithAnomalySeed sets the seed for subsampling and split selection.
func WithAnomalySeed(seed int64) AnomalyOption {
	return func(cfg *anomalyConfig) {
		cfg.seed = seed
	}
}

// DetectAnomalies scores every complete row with an isolation forest:
// shorter average isolation paths mean easier separation from the bulk and a
// score nearer 1. Rows at or above the (1-contamination) score quantile are
// flagged. Scores attach to row identities, so they stay meaningful however
// the caller reorders rows.
//
// Trees build in parallel, each from its own seed (base seed + tree index),
// so a fixed seed gives one forest regardless of core count. The context is
// polled between trees.
func DetectAnomalies(ctx context.Context, view *table.View, opts ...AnomalyOption) (res *result.AnomalyResult, err error) {
	defer dkErrors.Recover(&err, "analysis.DetectAnomalies")

	cfg := anomalyConfig{
		contamination: defaultContamination,
		topK:          defaultTopAnomalies,
		seed:          42,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.contamination <= 0 || cfg.contamination >= 0.5 {
		return nil, dkErrors.NewValueError("analysis.DetectAnomalies", "contamination must be in (0, 0.5)")
	}
	if cfg.topK < 1 {
		return nil, dkErrors.NewValueError("analysis.DetectAnomalies", "top k must be at least 1")
	}

	startTime := time.Now()

	X, positions, err := view.NumericMatrix(cfg.columns...)
	if err != nil {
		return nil, err
	}
	n, d := X.Dims()
	if n < minAnomalyRows {
		return nil, dkErrors.NewInsufficientDataError("analysis.DetectAnomalies", minAnomalyRows, n)
	}
	columns := cfg.columns
	if len(columns) == 0 {
		columns = view.NumericColumns()
	}

	logger := log.GetLoggerWithName("analysis").With(log.ComponentKey, "anomaly")
	logger.Info("Anomaly scoring started",
		log.OperationKey, log.OperationAnalyze,
		log.PhaseKey, log.PhaseAnalysis,
		log.RowsKey, n,
		log.FeaturesKey, d,
		"trees", isolationTrees,
	)

	subsample := n
	if subsample > maxSubsample {
		subsample = maxSubsample
	}
	maxDepth := int(math.Ceil(math.Log2(float64(subsample))))

	trees := make([]*isoNode, isolationTrees)
	var stopped atomic.Bool
	parallel.Parallelize(isolationTrees, func(start, end int) {
		for t := start; t < end; t++ {
			if stopped.Load() {
				return
			}
			if ctx.Err() != nil {
				stopped.Store(true)
				return
			}
			treeSeed := cfg.seed + int64(t)
			rng := rand.New(rand.NewPCG(uint64(treeSeed), uint64(treeSeed)))
			trees[t] = buildIsoTree(X, drawSubsample(rng, n, subsample), 0, maxDepth, rng)
		}
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, dkErrors.NewCancelledError("analysis.DetectAnomalies", ctxErr)
	}

	// Average path length over the forest, normalized to a (0,1] score
	c := avgPathLength(subsample)
	scores := make([]float64, n)
	parallel.ParallelizeWithThreshold(n, 1000, func(start, end int) {
		row := make([]float64, d)
		for i := start; i < end; i++ {
			mat.Row(row, i, X)
			total := 0.0
			for _, tree := range trees {
				total += pathLength(row, tree, 0)
			}
			scores[i] = math.Exp2(-(total / float64(isolationTrees)) / c)
		}
	})

	sorted := make([]float64, n)
	copy(sorted, scores)
	sort.Float64s(sorted)
	threshold := quantileSorted(1-cfg.contamination, sorted)

	out := &result.AnomalyResult{
		Threshold:     threshold,
		Contamination: cfg.contamination,
		Scores:        make([]result.AnomalyScore, n),
	}
	for i := 0; i < n; i++ {
		flagged := scores[i] >= threshold
		if flagged {
			out.FlaggedCount++
		}
		out.Scores[i] = result.AnomalyScore{
			RowID:   view.RowID(positions[i]),
			Score:   scores[i],
			Flagged: flagged,
		}
	}

	// Highest-scoring flagged rows with their original feature values
	flaggedIdx := make([]int, 0, out.FlaggedCount)
	for i := range scores {
		if out.Scores[i].Flagged {
			flaggedIdx = append(flaggedIdx, i)
		}
	}
	sort.SliceStable(flaggedIdx, func(a, b int) bool {
		return scores[flaggedIdx[a]] > scores[flaggedIdx[b]]
	})
	if len(flaggedIdx) > cfg.topK {
		flaggedIdx = flaggedIdx[:cfg.topK]
	}
	for _, i := range flaggedIdx {
		features, err := view.RowValues(positions[i], columns)
		if err != nil {
			return nil, err
		}
		out.TopAnomalies = append(out.TopAnomalies, result.AnomalyDetail{
			RowID:    view.RowID(positions[i]),
			Score:    scores[i],
			Features: features,
		})
	}

	logger.Info("Anomaly scoring completed",
		log.OperationKey, log.OperationAnalyze,
		log.PhaseKey, log.PhaseAnalysis,
		log.RowsKey, n,
		"flagged", out.FlaggedCount,
		log.DurationMsKey, time.Since(startTime).Milliseconds(),
	)

	return out, nil
}

// isoNode is one node of an isolation tree. Leaves record how many subsample
// rows they absorbed so path lengths can be adjusted with the expected
// depth of an unbuilt subtree.
type isoNode struct {
	feature int
	split   float64
	left    *isoNode
	right   *isoNode
	size    int
	leaf    bool
}

// drawSubsample picks count distinct row indices by partial Fisher-Yates.
func drawSubsample(rng *rand.Rand, n, count int) []int {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	for i := 0; i < count; i++ {
		j := i + rng.IntN(n-i)
		indices[i], indices[j] = indices[j], indices[i]
	}
	return indices[:count]
}

// buildIsoTree grows one isolation tree: each node splits a uniformly chosen
// feature at a uniform value within the subsample's range for that feature.
func buildIsoTree(X *mat.Dense, indices []int, depth, maxDepth int, rng *rand.Rand) *isoNode {
	if depth >= maxDepth || len(indices) <= 1 {
		return &isoNode{leaf: true, size: len(indices)}
	}

	_, d := X.Dims()
	candidates := make([]int, 0, d)
	mins := make([]float64, d)
	maxs := make([]float64, d)
	for j := 0; j < d; j++ {
		mins[j] = math.Inf(1)
		maxs[j] = math.Inf(-1)
		for _, i := range indices {
			v := X.At(i, j)
			if v < mins[j] {
				mins[j] = v
			}
			if v > maxs[j] {
				maxs[j] = v
			}
		}
		if mins[j] < maxs[j] {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return &isoNode{leaf: true, size: len(indices)}
	}

	feature := candidates[rng.IntN(len(candidates))]
	split := mins[feature] + rng.Float64()*(maxs[feature]-mins[feature])

	var left, right []int
	for _, i := range indices {
		if X.At(i, feature) < split {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isoNode{leaf: true, size: len(indices)}
	}

	return &isoNode{
		feature: feature,
		split:   split,
		left:    buildIsoTree(X, left, depth+1, maxDepth, rng),
		right:   buildIsoTree(X, right, depth+1, maxDepth, rng),
	}
}

// pathLength walks one row down a tree, adding the expected depth of the
// truncated subtree at the leaf.
func pathLength(row []float64, node *isoNode, depth int) float64 {
	if node.leaf {
		return float64(depth) + avgPathLength(node.size)
	}
	if row[node.feature] < node.split {
		return pathLength(row, node.left, depth+1)
	}
	return pathLength(row, node.right, depth+1)
}

// avgPathLength is c(m), the expected search path length in a binary tree of
// m rows: 2H(m-1) - 2(m-1)/m with H the harmonic number approximated via
// the Euler-Mascheroni constant.
func avgPathLength(m int) float64 {
	if m <= 1 {
		return 0
	}
	h := math.Log(float64(m-1)) + eulerMascheroni
	return 2*h - 2*float64(m-1)/float64(m)
}

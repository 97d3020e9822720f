package analysis

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/ezoic/datakit/core/table"
	dkErrors "github.com/ezoic/datakit/pkg/errors"
	"github.com/ezoic/datakit/result"
)

// defaultTopPairs caps the strongest-correlation listing.
const defaultTopPairs = 5

// CorrelateOption configures Correlate.
type CorrelateOption func(*correlateConfig)

type correlateConfig struct {
	topPairs int
}

// WithTopPairs sets how many of the strongest absolute correlations are
// listed alongside the matrix.
func WithTopPairs(n int) CorrelateOption {
	return func(cfg *correlateConfig) {
		cfg.topPairs = n
	}
}

// Correlate computes the Pearson correlation matrix over the view's numeric
// columns. Each pair uses the rows complete in both of its columns, so one
// column's gaps never shrink another pair's sample. Zero-variance columns
// stay in the matrix with all their entries (diagonal included) forced to 0
// and are listed in ZeroVarianceColumns; every produced number is finite.
func Correlate(view *table.View, opts ...CorrelateOption) (res *result.CorrelationResult, err error) {
	defer dkErrors.Recover(&err, "analysis.Correlate")

	cfg := correlateConfig{topPairs: defaultTopPairs}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.topPairs < 1 {
		return nil, dkErrors.NewValueError("analysis.Correlate", "top pairs must be at least 1")
	}

	cols := view.NumericColumns()
	if len(cols) < 2 {
		return nil, dkErrors.NewInsufficientDataError("analysis.Correlate", 2, len(cols))
	}
	if view.NumRows() < 2 {
		return nil, dkErrors.NewInsufficientDataError("analysis.Correlate", 2, view.NumRows())
	}

	// Zero-variance detection runs per column over its own complete values.
	zeroVar := make([]bool, len(cols))
	var zeroVarNames []string
	for j, name := range cols {
		values, err := view.NumericValues(name)
		if err != nil {
			return nil, err
		}
		if !hasVariance(values) {
			zeroVar[j] = true
			zeroVarNames = append(zeroVarNames, name)
		}
	}

	k := len(cols)
	matrix := make([][]float64, k)
	for i := range matrix {
		matrix[i] = make([]float64, k)
	}

	var pairs []result.CorrelationPair
	for i := 0; i < k; i++ {
		if !zeroVar[i] {
			matrix[i][i] = 1.0
		}
		for j := i + 1; j < k; j++ {
			r := 0.0
			if !zeroVar[i] && !zeroVar[j] {
				r, err = pairwiseCorrelation(view, cols[i], cols[j])
				if err != nil {
					return nil, err
				}
			}
			matrix[i][j] = r
			matrix[j][i] = r
			pairs = append(pairs, result.CorrelationPair{ColumnA: cols[i], ColumnB: cols[j], R: r})
		}
	}

	// Strongest first; equal strengths keep column order
	sort.SliceStable(pairs, func(a, b int) bool {
		return math.Abs(pairs[a].R) > math.Abs(pairs[b].R)
	})
	if len(pairs) > cfg.topPairs {
		pairs = pairs[:cfg.topPairs]
	}

	return &result.CorrelationResult{
		Columns:             cols,
		Matrix:              matrix,
		ZeroVarianceColumns: zeroVarNames,
		TopPairs:            pairs,
	}, nil
}

// pairwiseCorrelation computes Pearson r over the rows complete in both
// columns. Degenerate pairs (under two shared rows, or a column constant on
// the shared rows) yield 0 rather than NaN.
func pairwiseCorrelation(view *table.View, colA, colB string) (float64, error) {
	positions, err := view.CompleteRows(colA, colB)
	if err != nil {
		return 0, err
	}
	if len(positions) < 2 {
		return 0, nil
	}

	a, err := view.NumericValuesAt(colA, positions)
	if err != nil {
		return 0, err
	}
	b, err := view.NumericValuesAt(colB, positions)
	if err != nil {
		return 0, err
	}

	r := stat.Correlation(a, b, nil)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0, nil
	}
	return r, nil
}

// hasVariance reports whether the non-missing values take at least two
// distinct values.
func hasVariance(values []float64) bool {
	first := math.NaN()
	for _, x := range values {
		if math.IsNaN(x) {
			continue
		}
		if math.IsNaN(first) {
			first = x
			continue
		}
		if x != first {
			return true
		}
	}
	return false
}

// Package insight implements the model-inspection operations: PCA
// projection, t-SNE embedding, and feature-importance ranking from trained
// artifacts or by permutation.
package insight

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/ezoic/datakit/core/table"
	dkErrors "github.com/ezoic/datakit/pkg/errors"
	"github.com/ezoic/datakit/result"
)

// defaultComponents is the projection dimensionality when none is requested.
const defaultComponents = 2

// PCAOption configures ComputePCA.
type PCAOption func(*pcaConfig)

type pcaConfig struct {
	columns    []string
	components int
}

// WithPCAColumns restricts the projection to the named numeric columns. The
// default uses every numeric column.
func WithPCAColumns(cols ...string) PCAOption {
	return func(cfg *pcaConfig) {
		cfg.columns = cols
	}
}

// WithComponents sets how many principal components are kept.
func WithComponents(k int) PCAOption {
	return func(cfg *pcaConfig) {
		cfg.components = k
	}
}

// ComputePCA projects the complete numeric rows onto their top principal
// components. Data is centered per column, components come from the
// covariance eigendecomposition, and each explained-variance ratio is that
// component's eigenvalue over the sum of all of them, so the reported ratios
// are non-negative, non-increasing and sum to at most 1.
func ComputePCA(view *table.View, opts ...PCAOption) (res *result.InsightResult, err error) {
	defer dkErrors.Recover(&err, "insight.ComputePCA")

	cfg := pcaConfig{components: defaultComponents}
	for _, opt := range opts {
		opt(&cfg)
	}

	X, positions, err := view.NumericMatrix(cfg.columns...)
	if err != nil {
		return nil, err
	}
	n, d := X.Dims()
	if n < 2 {
		return nil, dkErrors.NewInsufficientDataError("insight.ComputePCA", 2, n)
	}
	maxComponents := d
	if n < d {
		maxComponents = n
	}
	if cfg.components < 1 || cfg.components > maxComponents {
		return nil, dkErrors.NewValueError("insight.ComputePCA", "components out of range [1, min(rows, features)]")
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(X, nil); !ok {
		return nil, dkErrors.NewNumericError("insight.ComputePCA", "covariance decomposition failed", nil)
	}

	vars := pc.VarsTo(nil)
	total := 0.0
	for _, v := range vars {
		total += v
	}
	if total <= 0 {
		return nil, dkErrors.NewNumericError("insight.ComputePCA", "all selected columns have zero variance", dkErrors.ErrZeroVariance)
	}
	ratios := make([]float64, cfg.components)
	for i := range ratios {
		ratios[i] = vars[i] / total
	}

	// Project the centered data onto the leading component directions
	centered := centerColumns(X)
	var vec mat.Dense
	pc.VectorsTo(&vec)
	var proj mat.Dense
	proj.Mul(centered, vec.Slice(0, d, 0, cfg.components))

	coords := make([][]float64, n)
	for i := 0; i < n; i++ {
		coords[i] = mat.Row(nil, i, &proj)
	}

	return &result.InsightResult{
		Method:                 result.MethodPCA,
		Components:             cfg.components,
		Projection:             coords,
		ProjectionRowIDs:       view.RowIDsAt(positions),
		ExplainedVarianceRatio: ratios,
	}, nil
}

// centerColumns returns a copy of X with each column shifted to mean zero.
func centerColumns(X *mat.Dense) *mat.Dense {
	n, d := X.Dims()
	centered := mat.NewDense(n, d, nil)
	col := make([]float64, n)
	for j := 0; j < d; j++ {
		mat.Col(col, j, X)
		mean := stat.Mean(col, nil)
		for i := 0; i < n; i++ {
			centered.Set(i, j, col[i]-mean)
		}
	}
	return centered
}

package insight

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/ezoic/datakit/core/model"
	"github.com/ezoic/datakit/core/table"
	"github.com/ezoic/datakit/ensemble"
	"github.com/ezoic/datakit/linear"
	"github.com/ezoic/datakit/metrics"
	dkErrors "github.com/ezoic/datakit/pkg/errors"
	"github.com/ezoic/datakit/pkg/log"
	"github.com/ezoic/datakit/preprocessing"
	"github.com/ezoic/datakit/result"
	"github.com/ezoic/datakit/train"
)

const (
	permutationRepeats = 5
	minImportanceRows  = 10
)

// ImportanceOption configures ComputeImportance.
type ImportanceOption func(*importanceConfig)

type importanceConfig struct {
	columns []string
	label   string
	seed    int64
}

// WithImportanceColumns restricts the permutation path to the named numeric
// feature columns. The default uses every numeric column except the label.
func WithImportanceColumns(cols ...string) ImportanceOption {
	return func(cfg *importanceConfig) {
		cfg.columns = cols
	}
}

// WithImportanceLabel names the target column for permutation importance. A
// numeric label scores with R2, a categorical one with accuracy.
func WithImportanceLabel(col string) ImportanceOption {
	return func(cfg *importanceConfig) {
		cfg.label = col
	}
}

// WithImportanceSeed sets the seed for the split, the surrogate forest and
// the permutations.
func WithImportanceSeed(seed int64) ImportanceOption {
	return func(cfg *importanceConfig) {
		cfg.seed = seed
	}
}

// ComputeImportance ranks feature columns by their contribution to a model.
//
// With an artifact, importances come straight from the restored estimator:
// absolute coefficients for linear models (per-class mean for the one-vs-rest
// logistic), normalized split-gain importances for forests. Clustering
// artifacts carry no per-feature signal and are rejected.
//
// Without an artifact a surrogate random forest is fitted on a seeded 80/20
// split of the view and each column's importance is the mean drop in held-out
// score (R2 or accuracy) over 5 within-column permutations. Negative drops
// are reported as-is; they mean the column is noise to the surrogate.
//
// Importances sort descending; equal scores keep their column order.
func ComputeImportance(ctx context.Context, view *table.View, artifact *model.Artifact, opts ...ImportanceOption) (res *result.InsightResult, err error) {
	defer dkErrors.Recover(&err, "insight.ComputeImportance")

	cfg := importanceConfig{seed: 42}
	for _, opt := range opts {
		opt(&cfg)
	}

	if artifact != nil {
		return importanceFromArtifact(artifact)
	}
	return permutationImportance(ctx, view, cfg)
}

// importanceFromArtifact restores the estimator named by the artifact and
// reads its native importances. Scores reattach to columns by name through
// the artifact's recorded column order.
func importanceFromArtifact(artifact *model.Artifact) (*result.InsightResult, error) {
	if err := artifact.Validate(); err != nil {
		return nil, err
	}

	var scores []float64
	var source string
	switch artifact.Model {
	case model.ModelLinearRegression:
		est := linear.NewLinearRegression()
		if err := est.ImportParams(artifact.Params); err != nil {
			return nil, err
		}
		scores = est.GetWeights()
		for i, w := range scores {
			scores[i] = math.Abs(w)
		}
		source = result.SourceCoefficients
	case model.ModelLogisticRegression:
		est := linear.NewLogisticRegression()
		if err := est.ImportParams(artifact.Params); err != nil {
			return nil, err
		}
		coefs := est.Coefficients()
		if len(coefs) == 0 {
			return nil, dkErrors.NewValueError("insight.ComputeImportance", "artifact has no coefficients")
		}
		scores = make([]float64, len(coefs[0]))
		for _, classRow := range coefs {
			for j, w := range classRow {
				scores[j] += math.Abs(w)
			}
		}
		for j := range scores {
			scores[j] /= float64(len(coefs))
		}
		source = result.SourceCoefficients
	case model.ModelRandomForest:
		est := ensemble.NewRandomForest(ensemble.TaskRegression) // task comes from the payload
		if err := est.ImportParams(artifact.Params); err != nil {
			return nil, err
		}
		scores = est.FeatureImportances()
		source = result.SourceSplitGain
	default:
		return nil, dkErrors.NewValueError("insight.ComputeImportance",
			"model "+artifact.Model+" exposes no per-feature importances")
	}

	if len(scores) != len(artifact.FeatureColumns) {
		return nil, dkErrors.NewDimensionError("insight.ComputeImportance",
			len(artifact.FeatureColumns), len(scores), 1)
	}

	return &result.InsightResult{
		Method:           result.MethodImportance,
		Model:            artifact.Model,
		ImportanceSource: source,
		Importances:      rankImportances(artifact.FeatureColumns, scores),
	}, nil
}

// permutationImportance fits a surrogate forest and measures each column's
// mean held-out score drop under within-column shuffling.
func permutationImportance(ctx context.Context, view *table.View, cfg importanceConfig) (*result.InsightResult, error) {
	if cfg.label == "" {
		return nil, dkErrors.NewValueError("insight.ComputeImportance", "a label column is required without an artifact")
	}
	labelCol, ok := view.Column(cfg.label)
	if !ok {
		return nil, dkErrors.NewValueError("insight.ComputeImportance", "unknown label column "+cfg.label)
	}

	features := cfg.columns
	if len(features) == 0 {
		for _, name := range view.NumericColumns() {
			if name != cfg.label {
				features = append(features, name)
			}
		}
	} else {
		for _, name := range features {
			if name == cfg.label {
				return nil, dkErrors.NewValueError("insight.ComputeImportance", "label column cannot be a feature")
			}
		}
	}
	if len(features) == 0 {
		return nil, dkErrors.NewValueError("insight.ComputeImportance", "no numeric feature columns")
	}

	startTime := time.Now()

	cols := make([]string, 0, len(features)+1)
	cols = append(cols, features...)
	cols = append(cols, cfg.label)
	positions, err := view.CompleteRows(cols...)
	if err != nil {
		return nil, err
	}
	n := len(positions)
	if n < minImportanceRows {
		return nil, dkErrors.NewInsufficientDataError("insight.ComputeImportance", minImportanceRows, n)
	}

	X, err := view.NumericMatrixAt(positions, features...)
	if err != nil {
		return nil, err
	}

	var task string
	var y []float64
	var forestTask ensemble.TreeTask
	switch labelCol.Kind {
	case table.Numeric:
		task = model.TaskRegression
		forestTask = ensemble.TaskRegression
		if y, err = view.NumericValuesAt(cfg.label, positions); err != nil {
			return nil, err
		}
	case table.Categorical:
		task = model.TaskClassification
		forestTask = ensemble.TaskClassification
		labels, err := view.CategoricalValuesAt(cfg.label, positions)
		if err != nil {
			return nil, err
		}
		encoded, err := preprocessing.NewLabelEncoder().FitTransform(labels)
		if err != nil {
			return nil, err
		}
		y = make([]float64, len(encoded))
		for i, class := range encoded {
			y[i] = float64(class)
		}
	default:
		return nil, dkErrors.NewValueError("insight.ComputeImportance", "label column must be numeric or categorical")
	}

	d := len(features)
	logger := log.GetLoggerWithName("insight").With(log.ComponentKey, "importance")
	logger.Info("Permutation importance started",
		log.OperationKey, log.OperationAnalyze,
		log.PhaseKey, log.PhaseAnalysis,
		log.RowsKey, n,
		log.FeaturesKey, d,
		"task", task,
	)

	trainIdx, testIdx, err := train.Split(n, train.DefaultTestFraction, cfg.seed)
	if err != nil {
		return nil, err
	}
	Xtrain := subsetRows(X, trainIdx)
	Xtest := subsetRows(X, testIdx)
	yTrain := subsetValues(y, trainIdx)
	yTest := subsetValues(y, testIdx)

	rf := ensemble.NewRandomForest(forestTask, ensemble.WithForestSeed(cfg.seed))
	if err := rf.Fit(ctx, Xtrain, mat.NewDense(len(trainIdx), 1, yTrain)); err != nil {
		return nil, err
	}

	baseline, err := forestScore(rf, Xtest, yTest, task)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewPCG(uint64(cfg.seed), uint64(cfg.seed)))
	perm := mat.DenseCopyOf(Xtest)
	scores := make([]float64, d)
	orig := make([]float64, len(testIdx))
	shuffled := make([]float64, len(testIdx))
	for j := 0; j < d; j++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, dkErrors.NewCancelledError("insight.ComputeImportance", ctxErr)
		}
		mat.Col(orig, j, Xtest)
		drop := 0.0
		for r := 0; r < permutationRepeats; r++ {
			copy(shuffled, orig)
			rng.Shuffle(len(shuffled), func(a, b int) {
				shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
			})
			perm.SetCol(j, shuffled)
			score, err := forestScore(rf, perm, yTest, task)
			if err != nil {
				return nil, err
			}
			drop += baseline - score
		}
		scores[j] = drop / permutationRepeats
		perm.SetCol(j, orig)
	}

	logger.Info("Permutation importance completed",
		log.OperationKey, log.OperationAnalyze,
		log.PhaseKey, log.PhaseAnalysis,
		log.FeaturesKey, d,
		log.DurationMsKey, time.Since(startTime).Milliseconds(),
	)

	return &result.InsightResult{
		Method:           result.MethodImportance,
		Model:            model.ModelRandomForest,
		ImportanceSource: result.SourcePermutation,
		Importances:      rankImportances(features, scores),
	}, nil
}

// rankImportances pairs columns with scores and sorts descending, keeping
// the original column order for ties.
func rankImportances(cols []string, scores []float64) []result.FeatureImportance {
	ranked := make([]result.FeatureImportance, len(cols))
	for i := range cols {
		ranked[i] = result.FeatureImportance{Column: cols[i], Importance: scores[i]}
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].Importance > ranked[b].Importance
	})
	return ranked
}

// forestScore evaluates held-out predictions: R2 for regression, accuracy
// for classification.
func forestScore(rf *ensemble.RandomForest, X *mat.Dense, yTrue []float64, task string) (float64, error) {
	pred, err := rf.Predict(X)
	if err != nil {
		return 0, err
	}
	n := len(yTrue)
	if task == model.TaskClassification {
		t := make([]int, n)
		p := make([]int, n)
		for i := 0; i < n; i++ {
			t[i] = int(yTrue[i])
			p[i] = int(pred.At(i, 0))
		}
		return metrics.Accuracy(t, p)
	}
	yt := mat.NewVecDense(n, append([]float64(nil), yTrue...))
	yp := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		yp.SetVec(i, pred.At(i, 0))
	}
	return metrics.R2Score(yt, yp)
}

// subsetRows copies the indexed rows of X into a new matrix.
func subsetRows(X *mat.Dense, idx []int) *mat.Dense {
	_, d := X.Dims()
	out := mat.NewDense(len(idx), d, nil)
	row := make([]float64, d)
	for i, p := range idx {
		mat.Row(row, p, X)
		out.SetRow(i, row)
	}
	return out
}

// subsetValues copies the indexed values into a new slice.
func subsetValues(vals []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, p := range idx {
		out[i] = vals[p]
	}
	return out
}

package train

import (
	"context"
	"strconv"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/ezoic/datakit/cluster"
	"github.com/ezoic/datakit/core/model"
	"github.com/ezoic/datakit/core/table"
	"github.com/ezoic/datakit/metrics"
	dkErrors "github.com/ezoic/datakit/pkg/errors"
	"github.com/ezoic/datakit/pkg/log"
	"github.com/ezoic/datakit/preprocessing"
	"github.com/ezoic/datakit/result"
)

// DefaultSeed is the seed a run gets when the caller leaves the choice to
// the pipeline. Train itself uses Spec.Seed verbatim, so zero is a valid
// seed rather than a request for this default.
const DefaultSeed int64 = 42

// Spec describes one training run.
//
// FeatureColumns defaults to every numeric column except the label.
// TestFraction zero means DefaultTestFraction; clustering ignores it and
// fits the full table. Seed is used as given, so equal specs produce
// identical models.
type Spec struct {
	Task           string
	Model          string
	View           *table.View
	FeatureColumns []string
	LabelColumn    string
	Seed           int64
	TestFraction   float64
	Params         Params
}

// Trainer runs training specs against a model registry and reloads the
// artifacts it produces. A Trainer is stateless and safe for concurrent
// use.
type Trainer struct {
	registry *Registry
	logger   log.Logger
}

// TrainerOption configures a Trainer.
type TrainerOption func(*Trainer)

// WithTrainerRegistry swaps the built-in registry, usually to add custom
// model pairings.
func WithTrainerRegistry(r *Registry) TrainerOption {
	return func(t *Trainer) { t.registry = r }
}

// NewTrainer creates a Trainer backed by the built-in registry.
func NewTrainer(opts ...TrainerOption) *Trainer {
	t := &Trainer{
		registry: NewRegistry(),
		logger:   log.GetLoggerWithName("train").With(log.ComponentKey, "trainer"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Train runs one spec end to end: resolve the model, standardize features,
// fit, score the held-out rows (supervised) or the full table (clustering),
// and package the result with a reloadable artifact. Cancellation is
// honored between training iterations through ctx.
func (t *Trainer) Train(ctx context.Context, spec Spec) (res *result.TrainResult, err error) {
	defer dkErrors.Recover(&err, "Trainer.Train")

	if spec.View == nil {
		return nil, dkErrors.NewValueError("Trainer.Train", "spec carries no table")
	}
	factory, err := t.registry.Lookup(spec.Task, spec.Model)
	if err != nil {
		return nil, err
	}
	features, err := resolveFeatures(spec)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	t.logger.Info("Training started",
		log.OperationKey, log.OperationFit,
		log.PhaseKey, log.PhaseTraining,
		log.ModelNameKey, spec.Model,
		"task", spec.Task,
		log.FeaturesKey, len(features),
		"seed", spec.Seed,
	)

	if spec.Task == model.TaskClustering {
		res, err = t.trainClustering(ctx, factory, spec, features)
	} else {
		res, err = t.trainSupervised(ctx, factory, spec, features)
	}
	if err != nil {
		return nil, err
	}

	t.logger.Info("Training completed",
		log.OperationKey, log.OperationFit,
		log.ModelNameKey, spec.Model,
		"task", spec.Task,
		log.DurationMsKey, time.Since(start).Milliseconds(),
	)
	return res, nil
}

// resolveFeatures applies the numeric-columns default and rejects specs
// that list the label among the features.
func resolveFeatures(spec Spec) ([]string, error) {
	features := spec.FeatureColumns
	if len(features) == 0 {
		for _, name := range spec.View.NumericColumns() {
			if name != spec.LabelColumn {
				features = append(features, name)
			}
		}
	}
	if len(features) == 0 {
		return nil, dkErrors.NewModelError("Trainer.Train", "no usable feature columns", dkErrors.ErrEmptyData)
	}
	if spec.LabelColumn != "" {
		for _, name := range features {
			if name == spec.LabelColumn {
				return nil, dkErrors.NewValueError("Trainer.Train",
					"label column "+spec.LabelColumn+" cannot also be a feature")
			}
		}
	}
	return features, nil
}

func (t *Trainer) trainSupervised(ctx context.Context, factory Factory, spec Spec, features []string) (*result.TrainResult, error) {
	view := spec.View
	if spec.LabelColumn == "" {
		return nil, dkErrors.NewValueError("Trainer.Train", spec.Task+" needs a label column")
	}

	cols := make([]string, 0, len(features)+1)
	cols = append(cols, features...)
	cols = append(cols, spec.LabelColumn)
	positions, err := view.CompleteRows(cols...)
	if err != nil {
		return nil, err
	}
	n := len(positions)
	if n < 2 {
		return nil, dkErrors.NewInsufficientDataError("Trainer.Train", 2, n)
	}

	X, err := view.NumericMatrixAt(positions, features...)
	if err != nil {
		return nil, err
	}
	yAll, encoder, err := resolveTarget(spec, positions)
	if err != nil {
		return nil, err
	}

	testFraction := spec.TestFraction
	if testFraction == 0 {
		testFraction = DefaultTestFraction
	}
	trainIdx, testIdx, err := Split(n, testFraction, spec.Seed)
	if err != nil {
		return nil, err
	}
	t.logger.Debug("Split rows",
		log.ModelNameKey, spec.Model,
		log.RowsKey, n,
		"train_rows", len(trainIdx),
		"test_rows", len(testIdx),
	)

	// The scaler sees only training rows so held-out scores stay honest.
	scaler := preprocessing.NewStandardScalerDefault()
	XtrainScaled, err := scaler.FitTransform(subsetRows(X, trainIdx))
	if err != nil {
		return nil, err
	}
	XtestScaled, err := scaler.Transform(subsetRows(X, testIdx))
	if err != nil {
		return nil, err
	}

	est, err := factory(ModelConfig{Seed: spec.Seed, Params: spec.Params})
	if err != nil {
		return nil, err
	}
	sup, ok := est.(SupervisedModel)
	if !ok {
		return nil, dkErrors.NewModelError("Trainer.Train",
			spec.Model+" is not registered as a supervised model", nil)
	}

	yTrain := subsetValues(yAll, trainIdx)
	if err := sup.Fit(ctx, XtrainScaled, mat.NewDense(len(trainIdx), 1, yTrain)); err != nil {
		return nil, err
	}
	predM, err := sup.Predict(XtestScaled)
	if err != nil {
		return nil, err
	}

	yTest := subsetValues(yAll, testIdx)
	yPred := make([]float64, len(testIdx))
	for i := range yPred {
		yPred[i] = predM.At(i, 0)
	}
	rowIDs := view.RowIDsAt(positions)
	testRowIDs := make([]int, len(testIdx))
	for i, r := range testIdx {
		testRowIDs[i] = rowIDs[r]
	}

	res := &result.TrainResult{Task: spec.Task, Model: spec.Model}
	if encoder != nil {
		err = scoreClassification(res, testRowIDs, yTest, yPred, encoder)
	} else {
		err = scoreRegression(res, testRowIDs, yTest, yPred)
	}
	if err != nil {
		return nil, err
	}

	art, err := buildArtifact(spec, features, sup, scaler, res.Metrics)
	if err != nil {
		return nil, err
	}
	if encoder != nil {
		art.Classes = append([]string(nil), encoder.Classes...)
	}
	res.Artifact = art
	return res, nil
}

// resolveTarget reads the label column for supervised training. For
// classification the labels run through a LabelEncoder (numeric labels are
// formatted first), so y holds class indices 0..k-1 and the encoder comes
// back non-nil. Every other task requires a numeric label and returns it
// as-is.
func resolveTarget(spec Spec, positions []int) ([]float64, *preprocessing.LabelEncoder, error) {
	view := spec.View
	col, ok := view.Column(spec.LabelColumn)
	if !ok {
		return nil, nil, dkErrors.NewValueError("Trainer.Train",
			"label column "+spec.LabelColumn+" not found")
	}

	if spec.Task != model.TaskClassification {
		if col.Kind != table.Numeric {
			return nil, nil, dkErrors.NewValueError("Trainer.Train",
				spec.Task+" needs a numeric label, "+spec.LabelColumn+" is "+col.Kind.String())
		}
		y, err := view.NumericValuesAt(spec.LabelColumn, positions)
		if err != nil {
			return nil, nil, err
		}
		return y, nil, nil
	}

	var labels []string
	switch col.Kind {
	case table.Categorical:
		var err error
		labels, err = view.CategoricalValuesAt(spec.LabelColumn, positions)
		if err != nil {
			return nil, nil, err
		}
	case table.Numeric:
		vals, err := view.NumericValuesAt(spec.LabelColumn, positions)
		if err != nil {
			return nil, nil, err
		}
		labels = make([]string, len(vals))
		for i, v := range vals {
			labels[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
	default:
		return nil, nil, dkErrors.NewValueError("Trainer.Train",
			"classification label "+spec.LabelColumn+" must be categorical or numeric, got "+col.Kind.String())
	}

	encoder := preprocessing.NewLabelEncoder()
	encoded, err := encoder.FitTransform(labels)
	if err != nil {
		return nil, nil, err
	}
	y := make([]float64, len(encoded))
	for i, c := range encoded {
		y[i] = float64(c)
	}
	return y, encoder, nil
}

func scoreRegression(res *result.TrainResult, rowIDs []int, yTest, yPred []float64) error {
	yTrueVec := mat.NewVecDense(len(yTest), yTest)
	yPredVec := mat.NewVecDense(len(yPred), yPred)

	mse, err := metrics.MSE(yTrueVec, yPredVec)
	if err != nil {
		return err
	}
	rmse, err := metrics.RMSE(yTrueVec, yPredVec)
	if err != nil {
		return err
	}
	mae, err := metrics.MAE(yTrueVec, yPredVec)
	if err != nil {
		return err
	}
	r2, err := metrics.R2Score(yTrueVec, yPredVec)
	if err != nil {
		return err
	}

	res.Metrics = map[string]float64{"mse": mse, "rmse": rmse, "mae": mae, "r2": r2}
	res.Predictions = make([]result.Prediction, len(yTest))
	for i := range yTest {
		res.Predictions[i] = result.Prediction{RowID: rowIDs[i], Actual: yTest[i], Predicted: yPred[i]}
	}
	return nil
}

func scoreClassification(res *result.TrainResult, rowIDs []int, yTest, yPred []float64, encoder *preprocessing.LabelEncoder) error {
	yTrue := make([]int, len(yTest))
	yHat := make([]int, len(yPred))
	for i := range yTest {
		yTrue[i] = int(yTest[i])
		yHat[i] = int(yPred[i])
	}

	nClasses := encoder.NumClasses()
	acc, err := metrics.Accuracy(yTrue, yHat)
	if err != nil {
		return err
	}
	prec, rec, f1, err := metrics.PrecisionRecallF1(yTrue, yHat, nClasses)
	if err != nil {
		return err
	}
	cm, err := metrics.ConfusionMatrix(yTrue, yHat, nClasses)
	if err != nil {
		return err
	}
	actualLabels, err := encoder.InverseTransform(yTrue)
	if err != nil {
		return err
	}
	predLabels, err := encoder.InverseTransform(yHat)
	if err != nil {
		return err
	}

	res.Metrics = map[string]float64{"accuracy": acc, "precision": prec, "recall": rec, "f1": f1}
	res.ConfusionMatrix = cm
	res.ClassLabels = append([]string(nil), encoder.Classes...)
	res.Predictions = make([]result.Prediction, len(yTest))
	for i := range yTest {
		res.Predictions[i] = result.Prediction{
			RowID:          rowIDs[i],
			Actual:         yTest[i],
			Predicted:      yPred[i],
			ActualLabel:    actualLabels[i],
			PredictedLabel: predLabels[i],
		}
	}
	return nil
}

func (t *Trainer) trainClustering(ctx context.Context, factory Factory, spec Spec, features []string) (*result.TrainResult, error) {
	view := spec.View
	positions, err := view.CompleteRows(features...)
	if err != nil {
		return nil, err
	}
	n := len(positions)
	if n == 0 {
		return nil, dkErrors.NewModelError("Trainer.Train", "no complete rows to cluster", dkErrors.ErrEmptyData)
	}

	X, err := view.NumericMatrixAt(positions, features...)
	if err != nil {
		return nil, err
	}
	scaler := preprocessing.NewStandardScalerDefault()
	Xs, err := scaler.FitTransform(X)
	if err != nil {
		return nil, err
	}

	est, err := factory(ModelConfig{Seed: spec.Seed, Params: spec.Params})
	if err != nil {
		return nil, err
	}
	clu, ok := est.(ClusteringModel)
	if !ok {
		return nil, dkErrors.NewModelError("Trainer.Train",
			spec.Model+" is not registered as a clustering model", nil)
	}
	if err := clu.Fit(ctx, Xs); err != nil {
		return nil, err
	}

	labels := clu.Labels()
	rowIDs := view.RowIDsAt(positions)
	res := &result.TrainResult{
		Task:        spec.Task,
		Model:       spec.Model,
		Assignments: make([]result.Assignment, n),
	}
	for i, c := range labels {
		res.Assignments[i] = result.Assignment{RowID: rowIDs[i], Cluster: c}
	}

	res.Metrics = map[string]float64{}
	// Degenerate clusterings (a single cluster, or all rows noise) score 0.
	if sil, silErr := metrics.Silhouette(Xs, labels); silErr == nil {
		res.Metrics["silhouette"] = sil
	} else {
		res.Metrics["silhouette"] = 0
	}

	switch m := clu.(type) {
	case *cluster.KMeans:
		res.Metrics["inertia"] = m.Inertia()
		res.Metrics["iterations"] = float64(m.Iterations())
		res.Metrics["n_clusters"] = float64(m.NumClusters())
		centers, err := unscaledCenters(scaler, m.ClusterCenters())
		if err != nil {
			return nil, err
		}
		res.Centers = centers
	case *cluster.DBSCAN:
		res.Metrics["n_clusters"] = float64(m.NumClusters())
		res.Metrics["n_noise"] = float64(m.NumNoise())
	}

	art, err := buildArtifact(spec, features, clu, scaler, res.Metrics)
	if err != nil {
		return nil, err
	}
	res.Artifact = art
	return res, nil
}

// buildArtifact packages a fitted estimator and its scaler into the stored
// form Score and Registry.Load restore from.
func buildArtifact(spec Spec, features []string, est paramsCodec, scaler *preprocessing.StandardScaler, trainMetrics map[string]float64) (*model.Artifact, error) {
	raw, err := est.ExportParams()
	if err != nil {
		return nil, err
	}
	state, err := scaler.ExportState()
	if err != nil {
		return nil, err
	}
	return &model.Artifact{
		SchemaVersion:  model.ArtifactSchemaVersion,
		Task:           spec.Task,
		Model:          spec.Model,
		FeatureColumns: append([]string(nil), features...),
		LabelColumn:    spec.LabelColumn,
		Seed:           spec.Seed,
		Metrics:        trainMetrics,
		Scaler:         state,
		Params:         raw,
	}, nil
}

// unscaledCenters maps cluster centers from the scaler's space back to the
// original feature space.
func unscaledCenters(scaler *preprocessing.StandardScaler, centers [][]float64) ([][]float64, error) {
	if len(centers) == 0 {
		return nil, nil
	}
	d := len(centers[0])
	flat := make([]float64, 0, len(centers)*d)
	for _, c := range centers {
		flat = append(flat, c...)
	}
	orig, err := scaler.InverseTransform(mat.NewDense(len(centers), d, flat))
	if err != nil {
		return nil, err
	}
	out := make([][]float64, len(centers))
	for i := range out {
		row := make([]float64, d)
		mat.Row(row, i, orig)
		out[i] = row
	}
	return out, nil
}

// Score applies a stored artifact to a table: rows complete in the
// artifact's feature columns are scaled with its stored scaler state and
// run through the restored estimator. Supervised artifacts produce
// Predictions, with classification labels decoded through the stored class
// list; clustering artifacts produce Assignments. No metrics are computed
// and Actual stays zero.
func (t *Trainer) Score(artifact *model.Artifact, view *table.View) (res *result.TrainResult, err error) {
	defer dkErrors.Recover(&err, "Trainer.Score")

	if view == nil {
		return nil, dkErrors.NewValueError("Trainer.Score", "no table to score")
	}
	est, err := t.registry.Load(artifact)
	if err != nil {
		return nil, err
	}

	positions, err := view.CompleteRows(artifact.FeatureColumns...)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, dkErrors.NewModelError("Trainer.Score",
			"no rows complete in the artifact's feature columns", dkErrors.ErrEmptyData)
	}
	X, err := view.NumericMatrixAt(positions, artifact.FeatureColumns...)
	if err != nil {
		return nil, err
	}

	var feats mat.Matrix = X
	if artifact.Scaler != nil {
		scaler, err := preprocessing.NewStandardScalerFromState(artifact.Scaler)
		if err != nil {
			return nil, err
		}
		scaled, err := scaler.Transform(X)
		if err != nil {
			return nil, err
		}
		feats = scaled
	}

	rowIDs := view.RowIDsAt(positions)
	res = &result.TrainResult{Task: artifact.Task, Model: artifact.Model, Artifact: artifact}

	if artifact.Task == model.TaskClustering {
		clu, ok := est.(ClusteringModel)
		if !ok {
			return nil, dkErrors.NewModelError("Trainer.Score",
				artifact.Model+" did not restore as a clustering model", nil)
		}
		pred, err := clu.Predict(feats)
		if err != nil {
			return nil, err
		}
		res.Assignments = make([]result.Assignment, len(positions))
		for i := range res.Assignments {
			res.Assignments[i] = result.Assignment{RowID: rowIDs[i], Cluster: int(pred.At(i, 0))}
		}
		return res, nil
	}

	sup, ok := est.(SupervisedModel)
	if !ok {
		return nil, dkErrors.NewModelError("Trainer.Score",
			artifact.Model+" did not restore as a supervised model", nil)
	}
	pred, err := sup.Predict(feats)
	if err != nil {
		return nil, err
	}
	res.Predictions = make([]result.Prediction, len(positions))
	for i := range res.Predictions {
		p := result.Prediction{RowID: rowIDs[i], Predicted: pred.At(i, 0)}
		if idx := int(p.Predicted); len(artifact.Classes) > 0 && idx >= 0 && idx < len(artifact.Classes) {
			p.PredictedLabel = artifact.Classes[idx]
		}
		res.Predictions[i] = p
	}
	return res, nil
}

// subsetRows copies the listed rows of X into a new matrix.
func subsetRows(X *mat.Dense, idx []int) *mat.Dense {
	_, d := X.Dims()
	out := mat.NewDense(len(idx), d, nil)
	for i, r := range idx {
		out.SetRow(i, X.RawRowView(r))
	}
	return out
}

// subsetValues copies the listed elements of vals.
func subsetValues(vals []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, r := range idx {
		out[i] = vals[r]
	}
	return out
}

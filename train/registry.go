package train

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/ezoic/datakit/cluster"
	"github.com/ezoic/datakit/core/model"
	"github.com/ezoic/datakit/ensemble"
	"github.com/ezoic/datakit/linear"
	dkErrors "github.com/ezoic/datakit/pkg/errors"
)

// Params are the numeric hyperparameters of one training run. Keys a model
// does not know are ignored; integer knobs are truncated from the float
// value. The pipeline validator screens keys and domains before a Spec is
// built, so unknown keys never reach a factory through the orchestrator.
type Params map[string]float64

// ModelConfig carries the run-level knobs a factory may honor.
type ModelConfig struct {
	Seed   int64
	Params Params
}

// SupervisedModel is the estimator surface regression and classification
// drive: fit features against a one-column target, predict a column back.
type SupervisedModel interface {
	Fit(ctx context.Context, X, y mat.Matrix) error
	Predict(X mat.Matrix) (mat.Matrix, error)
	ExportParams() (json.RawMessage, error)
	ImportParams(raw json.RawMessage) error
}

// ClusteringModel is the estimator surface clustering drives: fit features,
// read back the fit-time assignments, predict cluster ids for new rows.
type ClusteringModel interface {
	Fit(ctx context.Context, X mat.Matrix) error
	Predict(X mat.Matrix) (mat.Matrix, error)
	Labels() []int
	ExportParams() (json.RawMessage, error)
	ImportParams(raw json.RawMessage) error
}

// paramsCodec is the artifact round-trip surface every estimator shares.
type paramsCodec interface {
	ExportParams() (json.RawMessage, error)
	ImportParams(raw json.RawMessage) error
}

// Factory builds one configured, unfitted estimator. Factories registered
// for regression or classification must return a SupervisedModel, clustering
// ones a ClusteringModel.
type Factory func(cfg ModelConfig) (interface{}, error)

// Registration binds a (task, model) pair to a factory. Extras passed to
// NewRegistry extend the built-ins; re-registering a built-in key replaces
// it.
type Registration struct {
	Task    string
	Model   string
	Factory Factory
}

type registryKey struct {
	task  string
	model string
}

// Registry resolves (task, model) pairs to estimator factories. It is
// immutable once constructed, so one instance serves concurrent runs.
type Registry struct {
	factories map[registryKey]Factory
}

// NewRegistry builds a registry holding the built-in pairings
//
//	regression:     linear_regression, random_forest
//	classification: logistic_regression, random_forest
//	clustering:     kmeans, dbscan
//
// plus any extras.
func NewRegistry(extras ...Registration) *Registry {
	r := &Registry{factories: make(map[registryKey]Factory)}

	r.factories[registryKey{model.TaskRegression, model.ModelLinearRegression}] = func(ModelConfig) (interface{}, error) {
		return linear.NewLinearRegression(), nil
	}
	r.factories[registryKey{model.TaskRegression, model.ModelRandomForest}] = forestFactory(ensemble.TaskRegression)
	r.factories[registryKey{model.TaskClassification, model.ModelLogisticRegression}] = logisticFactory
	r.factories[registryKey{model.TaskClassification, model.ModelRandomForest}] = forestFactory(ensemble.TaskClassification)
	r.factories[registryKey{model.TaskClustering, model.ModelKMeans}] = kmeansFactory
	r.factories[registryKey{model.TaskClustering, model.ModelDBSCAN}] = dbscanFactory

	for _, reg := range extras {
		r.factories[registryKey{reg.Task, reg.Model}] = reg.Factory
	}
	return r
}

// Lookup resolves a factory. Unknown pairings return UnknownModelError
// naming the models registered for the task.
func (r *Registry) Lookup(task, modelName string) (Factory, error) {
	factory, ok := r.factories[registryKey{task, modelName}]
	if !ok {
		return nil, dkErrors.NewUnknownModelError(task, modelName, r.Models(task))
	}
	return factory, nil
}

// Models lists the model names registered for a task, sorted.
func (r *Registry) Models(task string) []string {
	var names []string
	for key := range r.factories {
		if key.task == task {
			names = append(names, key.model)
		}
	}
	sort.Strings(names)
	return names
}

// Load rebuilds a fitted estimator from an artifact: the registered factory
// constructs it with the artifact's seed, then the stored params restore the
// learned state. The caller scales inputs with the artifact's scaler state
// before predicting.
func (r *Registry) Load(artifact *model.Artifact) (interface{}, error) {
	if err := artifact.Validate(); err != nil {
		return nil, err
	}
	factory, err := r.Lookup(artifact.Task, artifact.Model)
	if err != nil {
		return nil, err
	}
	est, err := factory(ModelConfig{Seed: artifact.Seed})
	if err != nil {
		return nil, err
	}
	codec, ok := est.(paramsCodec)
	if !ok {
		return nil, dkErrors.NewModelError("Registry.Load",
			fmt.Sprintf("%s/%s estimator cannot restore params", artifact.Task, artifact.Model), nil)
	}
	if err := codec.ImportParams(artifact.Params); err != nil {
		return nil, err
	}
	return est, nil
}

func forestFactory(task ensemble.TreeTask) Factory {
	return func(cfg ModelConfig) (interface{}, error) {
		opts := []ensemble.RandomForestOption{ensemble.WithForestSeed(cfg.Seed)}
		if v, ok := cfg.Params["n_estimators"]; ok {
			opts = append(opts, ensemble.WithForestEstimators(int(v)))
		}
		if v, ok := cfg.Params["max_depth"]; ok {
			opts = append(opts, ensemble.WithForestMaxDepth(int(v)))
		}
		if v, ok := cfg.Params["max_features"]; ok {
			opts = append(opts, ensemble.WithForestMaxFeatures(int(v)))
		}
		if v, ok := cfg.Params["min_samples_split"]; ok {
			opts = append(opts, ensemble.WithForestMinSamplesSplit(int(v)))
		}
		if v, ok := cfg.Params["min_samples_leaf"]; ok {
			opts = append(opts, ensemble.WithForestMinSamplesLeaf(int(v)))
		}
		return ensemble.NewRandomForest(task, opts...), nil
	}
}

func logisticFactory(cfg ModelConfig) (interface{}, error) {
	opts := []linear.LogisticRegressionOption{linear.WithLogisticSeed(cfg.Seed)}
	if v, ok := cfg.Params["max_iter"]; ok {
		opts = append(opts, linear.WithLogisticMaxIter(int(v)))
	}
	if v, ok := cfg.Params["tol"]; ok {
		opts = append(opts, linear.WithLogisticTol(v))
	}
	if v, ok := cfg.Params["c"]; ok {
		opts = append(opts, linear.WithLogisticC(v))
	}
	return linear.NewLogisticRegression(opts...), nil
}

func kmeansFactory(cfg ModelConfig) (interface{}, error) {
	opts := []cluster.KMeansOption{cluster.WithKMeansSeed(cfg.Seed)}
	if v, ok := cfg.Params["n_clusters"]; ok {
		opts = append(opts, cluster.WithKMeansClusters(int(v)))
	}
	if v, ok := cfg.Params["max_iter"]; ok {
		opts = append(opts, cluster.WithKMeansMaxIter(int(v)))
	}
	return cluster.NewKMeans(opts...), nil
}

func dbscanFactory(cfg ModelConfig) (interface{}, error) {
	opts := []cluster.DBSCANOption{}
	if v, ok := cfg.Params["eps"]; ok {
		opts = append(opts, cluster.WithDBSCANEps(v))
	}
	if v, ok := cfg.Params["min_samples"]; ok {
		opts = append(opts, cluster.WithDBSCANMinSamples(int(v)))
	}
	return cluster.NewDBSCAN(opts...), nil
}

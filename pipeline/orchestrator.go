package pipeline

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/ezoic/datakit/analysis"
	"github.com/ezoic/datakit/core/model"
	"github.com/ezoic/datakit/core/table"
	"github.com/ezoic/datakit/insight"
	dkErrors "github.com/ezoic/datakit/pkg/errors"
	"github.com/ezoic/datakit/pkg/log"
	"github.com/ezoic/datakit/result"
	"github.com/ezoic/datakit/train"
)

// Orchestrator is the single entry point of the pipeline. It validates a
// request, dispatches it to the matching engine, and serializes the outcome,
// so callers deal with one method and one failure shape.
type Orchestrator struct {
	registry *train.Registry
	trainer  *train.Trainer
	logger   log.Logger
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithRegistry swaps the model registry used by training operations, letting
// callers register estimators beyond the built-in pairings.
func WithRegistry(r *train.Registry) Option {
	return func(o *Orchestrator) {
		o.registry = r
	}
}

// New builds an Orchestrator backed by the built-in model registry.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: train.NewRegistry(),
		logger:   log.GetLoggerWithName("pipeline").With(log.ComponentKey, "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.trainer = train.NewTrainer(train.WithTrainerRegistry(o.registry))
	return o
}

// Run executes one request against one table. Exactly one of the returned
// document and failure is non-nil: every error, panic included, comes back
// as a classified Failure rather than propagating to the caller.
func (o *Orchestrator) Run(ctx context.Context, req Request, view *table.View) (doc result.Document, failure *Failure) {
	start := time.Now()
	runID := uuid.NewString()
	logger := o.logger.With(log.RunIDKey, runID)

	defer func() {
		if r := recover(); r != nil {
			err := dkErrors.NewNumericError("Orchestrator.Run", "unexpected internal fault", errors.Newf("panic: %v", r))
			logger.Error("Request panicked", "kind", req.Kind, "error", err)
			doc, failure = nil, classifyFailure(req.Kind, err)
		}
	}()

	logger.Info("Request received", "kind", req.Kind, log.ModelNameKey, req.Model)

	if view == nil {
		err := dkErrors.NewValueError("Orchestrator.Run", "request carries no table")
		logger.Warn("Request rejected", "kind", req.Kind, "error", err)
		return nil, classifyFailure(req.Kind, err)
	}
	if err := validateRequest(req, view); err != nil {
		failure = classifyFailure(req.Kind, err)
		logger.Warn("Request rejected", "kind", req.Kind, "failure", failure.Kind, "error", err)
		return nil, failure
	}
	logger.Debug("Request validated", "kind", req.Kind, log.RowsKey, view.NumRows())

	if err := ctx.Err(); err != nil {
		failure = classifyFailure(req.Kind, dkErrors.NewCancelledError("Orchestrator.Run", err))
		logger.Warn("Request cancelled", "kind", req.Kind)
		return nil, failure
	}

	res, err := o.execute(ctx, req, view)
	if err != nil {
		failure = classifyFailure(req.Kind, err)
		logger.Warn("Request failed", "kind", req.Kind, "failure", failure.Kind, "error", err)
		return nil, failure
	}

	doc, err = result.Encode(res, result.Meta{
		RunID:     runID,
		Operation: string(req.Kind),
		Model:     req.Model,
		Rows:      view.NumRows(),
		ElapsedMS: time.Since(start).Milliseconds(),
	})
	if err != nil {
		failure = classifyFailure(req.Kind, err)
		logger.Warn("Request failed", "kind", req.Kind, "failure", failure.Kind, "error", err)
		return nil, failure
	}

	logger.Info("Request succeeded", "kind", req.Kind, log.DurationMsKey, time.Since(start).Milliseconds())
	return doc, nil
}

// execute routes a validated request to its engine. The switch is the full
// set of operation kinds; validateRequest has already rejected anything else.
func (o *Orchestrator) execute(ctx context.Context, req Request, view *table.View) (result.Result, error) {
	switch req.Kind {
	case OpStats:
		return runStats(req, view)
	case OpCorrelation:
		return runCorrelation(req, view)
	case OpTrend:
		return runTrend(req, view)
	case OpAnomaly:
		return runAnomaly(ctx, req, view)
	case OpRegression, OpClassification, OpClustering:
		return o.runTraining(ctx, req, view)
	case OpPCA:
		return runPCA(req, view)
	case OpTSNE:
		return runEmbedding(ctx, req, view)
	case OpFeatureImportance:
		return runImportance(ctx, req, view)
	}
	return nil, dkErrors.NewValidationError("kind", "unknown operation kind", string(req.Kind))
}

func runStats(req Request, view *table.View) (result.Result, error) {
	var opts []analysis.DescribeOption
	k, present, err := req.intParam("top_k")
	if err != nil {
		return nil, err
	}
	if present {
		opts = append(opts, analysis.WithTopValues(k))
	}
	return analysis.Describe(view, opts...)
}

func runCorrelation(req Request, view *table.View) (result.Result, error) {
	var opts []analysis.CorrelateOption
	n, present, err := req.intParam("top_n")
	if err != nil {
		return nil, err
	}
	if present {
		opts = append(opts, analysis.WithTopPairs(n))
	}
	return analysis.Correlate(view, opts...)
}

func runTrend(req Request, view *table.View) (result.Result, error) {
	timeCol, _, err := req.stringParam("time_column")
	if err != nil {
		return nil, err
	}
	valueCol, _, err := req.stringParam("value_column")
	if err != nil {
		return nil, err
	}
	var opts []analysis.TrendOption
	p, present, err := req.intParam("period")
	if err != nil {
		return nil, err
	}
	if present {
		opts = append(opts, analysis.WithPeriod(p))
	}
	return analysis.DecomposeTrend(view, timeCol, valueCol, opts...)
}

func runAnomaly(ctx context.Context, req Request, view *table.View) (result.Result, error) {
	var opts []analysis.AnomalyOption
	cols, present, err := req.columnsParam("columns")
	if err != nil {
		return nil, err
	}
	if present {
		opts = append(opts, analysis.WithAnomalyColumns(cols...))
	}
	c, present, err := req.numberParam("contamination")
	if err != nil {
		return nil, err
	}
	if present {
		opts = append(opts, analysis.WithContamination(c))
	}
	k, present, err := req.intParam("top_n")
	if err != nil {
		return nil, err
	}
	if present {
		opts = append(opts, analysis.WithAnomalyTopK(k))
	}
	seed, err := req.seedParam()
	if err != nil {
		return nil, err
	}
	opts = append(opts, analysis.WithAnomalySeed(seed))
	return analysis.DetectAnomalies(ctx, view, opts...)
}

// runTraining translates a request into a training spec. Hyperparameters a
// given model does not use are dropped by its factory, so regression and
// classification share one key list without cross-talk.
func (o *Orchestrator) runTraining(ctx context.Context, req Request, view *table.View) (result.Result, error) {
	spec := train.Spec{
		Task:  taskFor(req.Kind),
		Model: req.Model,
		View:  view,
	}
	features, _, err := req.columnsParam("features")
	if err != nil {
		return nil, err
	}
	spec.FeatureColumns = features

	if req.Kind != OpClustering {
		label, _, err := req.stringParam("label")
		if err != nil {
			return nil, err
		}
		spec.LabelColumn = label
		split, present, err := req.numberParam("test_split")
		if err != nil {
			return nil, err
		}
		if present {
			spec.TestFraction = split
		}
	}

	seed, err := req.seedParam()
	if err != nil {
		return nil, err
	}
	spec.Seed = seed

	params := train.Params{}
	for _, key := range modelParamKeys[req.Kind] {
		v, present, err := req.numberParam(key)
		if err != nil {
			return nil, err
		}
		if present {
			params[key] = v
		}
	}
	if len(params) > 0 {
		spec.Params = params
	}
	return o.trainer.Train(ctx, spec)
}

func runPCA(req Request, view *table.View) (result.Result, error) {
	var opts []insight.PCAOption
	cols, present, err := req.columnsParam("columns")
	if err != nil {
		return nil, err
	}
	if present {
		opts = append(opts, insight.WithPCAColumns(cols...))
	}
	k, present, err := req.intParam("n_components")
	if err != nil {
		return nil, err
	}
	if present {
		opts = append(opts, insight.WithComponents(k))
	}
	return insight.ComputePCA(view, opts...)
}

func runEmbedding(ctx context.Context, req Request, view *table.View) (result.Result, error) {
	var opts []insight.EmbeddingOption
	cols, present, err := req.columnsParam("columns")
	if err != nil {
		return nil, err
	}
	if present {
		opts = append(opts, insight.WithEmbeddingColumns(cols...))
	}
	k, present, err := req.intParam("n_components")
	if err != nil {
		return nil, err
	}
	if present {
		opts = append(opts, insight.WithEmbeddingComponents(k))
	}
	p, present, err := req.numberParam("perplexity")
	if err != nil {
		return nil, err
	}
	if present {
		opts = append(opts, insight.WithPerplexity(p))
	}
	seed, err := req.seedParam()
	if err != nil {
		return nil, err
	}
	opts = append(opts, insight.WithEmbeddingSeed(seed))
	return insight.ComputeEmbedding(ctx, view, opts...)
}

func runImportance(ctx context.Context, req Request, view *table.View) (result.Result, error) {
	var opts []insight.ImportanceOption
	cols, present, err := req.columnsParam("features")
	if err != nil {
		return nil, err
	}
	if present {
		opts = append(opts, insight.WithImportanceColumns(cols...))
	}
	label, _, err := req.stringParam("label")
	if err != nil {
		return nil, err
	}
	opts = append(opts, insight.WithImportanceLabel(label))
	seed, err := req.seedParam()
	if err != nil {
		return nil, err
	}
	opts = append(opts, insight.WithImportanceSeed(seed))
	return insight.ComputeImportance(ctx, view, nil, opts...)
}

// taskFor maps a training operation to its registry task identifier.
func taskFor(kind OperationKind) string {
	switch kind {
	case OpRegression:
		return model.TaskRegression
	case OpClassification:
		return model.TaskClassification
	default:
		return model.TaskClustering
	}
}

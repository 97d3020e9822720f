package pipeline

import (
	"fmt"

	"github.com/ezoic/datakit/analysis"
	"github.com/ezoic/datakit/core/table"
	dkErrors "github.com/ezoic/datakit/pkg/errors"
)

// Row minimums screened before dispatch. Engines enforce their own bounds
// again on the rows that survive missing-value drops; these checks reject
// requests that cannot possibly succeed without touching any data.
const (
	minAnomalyRows    = 10
	minSupervisedRows = 10
	minEmbeddingRows  = 20
	minImportanceRows = 10
)

// keySet builds the membership set used by recognizedKeys.
func keySet(keys ...string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}

// supervisedKeys are shared by regression and classification requests.
var supervisedKeys = []string{
	"features", "label", "test_split", "seed",
	"n_estimators", "max_depth", "max_features", "min_samples_split", "min_samples_leaf",
}

// recognizedKeys enumerates the parameter keys each operation accepts. A
// request carrying any other key is rejected; a silently ignored parameter
// is worse than an error.
var recognizedKeys = map[OperationKind]map[string]bool{
	OpStats:             keySet("top_k"),
	OpCorrelation:       keySet("top_n"),
	OpTrend:             keySet("time_column", "value_column", "period"),
	OpAnomaly:           keySet("columns", "contamination", "top_n", "seed"),
	OpRegression:        keySet(supervisedKeys...),
	OpClassification:    keySet(append([]string{"max_iter", "tol", "c"}, supervisedKeys...)...),
	OpClustering:        keySet("features", "n_clusters", "max_iter", "eps", "min_samples", "seed"),
	OpPCA:               keySet("columns", "n_components"),
	OpTSNE:              keySet("columns", "n_components", "perplexity", "seed"),
	OpFeatureImportance: keySet("features", "label", "seed"),
}

// modelParamKeys lists the hyperparameters forwarded verbatim to the model
// factories for each training kind. Keys a given model does not use are
// ignored by its factory.
var modelParamKeys = map[OperationKind][]string{
	OpRegression:     {"n_estimators", "max_depth", "max_features", "min_samples_split", "min_samples_leaf"},
	OpClassification: {"n_estimators", "max_depth", "max_features", "min_samples_split", "min_samples_leaf", "max_iter", "tol", "c"},
	OpClustering:     {"n_clusters", "max_iter", "eps", "min_samples"},
}

// isTrainingKind reports whether the operation dispatches to the trainer.
func isTrainingKind(kind OperationKind) bool {
	switch kind {
	case OpRegression, OpClassification, OpClustering:
		return true
	}
	return false
}

// validateRequest screens a request before any numeric work starts: the
// operation kind, parameter keys and their domains, column existence and
// kinds, and row minimums. It reads only column metadata and the row count,
// so a rejection is cheap and carries the offending field by name.
func validateRequest(req Request, view *table.View) error {
	keys, known := recognizedKeys[req.Kind]
	if !known {
		return dkErrors.NewValidationError("kind", "unknown operation kind", string(req.Kind))
	}
	for key, val := range req.Params {
		if !keys[key] {
			return dkErrors.NewValidationError(key, fmt.Sprintf("parameter not recognized by %s", req.Kind), val)
		}
	}
	if req.Model != "" && !isTrainingKind(req.Kind) {
		return dkErrors.NewValidationError("model", "model selection only applies to training operations", req.Model)
	}

	n := view.NumRows()

	switch req.Kind {
	case OpStats:
		if n < 1 {
			return dkErrors.NewInsufficientDataError("pipeline.Validate", 1, n)
		}
		return checkCount(req, "top_k", 1)

	case OpCorrelation:
		if n < 2 {
			return dkErrors.NewInsufficientDataError("pipeline.Validate", 2, n)
		}
		if len(view.NumericColumns()) < 2 {
			return dkErrors.NewValidationError("columns", "correlation needs at least two numeric columns", len(view.NumericColumns()))
		}
		return checkCount(req, "top_n", 1)

	case OpTrend:
		return validateTrend(req, view, n)

	case OpAnomaly:
		return validateAnomaly(req, view, n)

	case OpRegression, OpClassification:
		return validateSupervised(req, view, n)

	case OpClustering:
		return validateClustering(req, view, n)

	case OpPCA:
		return validateProjection(req, view, n)

	case OpTSNE:
		return validateEmbedding(req, view, n)

	case OpFeatureImportance:
		return validateImportance(req, view, n)
	}
	return nil
}

func validateTrend(req Request, view *table.View, n int) error {
	valueCol, present, err := req.stringParam("value_column")
	if err != nil {
		return err
	}
	if !present || valueCol == "" {
		return dkErrors.NewValidationError("value_column", "trend decomposition needs a value column", nil)
	}
	if err := checkNumericColumns(view, "value_column", []string{valueCol}); err != nil {
		return err
	}

	timeCol, present, err := req.stringParam("time_column")
	if err != nil {
		return err
	}
	if !present || timeCol == "" {
		return dkErrors.NewValidationError("time_column", "trend decomposition needs a time or index column", nil)
	}
	col, ok := view.Column(timeCol)
	if !ok {
		return dkErrors.NewValidationError("time_column", "unknown column", timeCol)
	}
	if col.Kind != table.Datetime && col.Kind != table.Numeric {
		return dkErrors.NewValidationError("time_column", fmt.Sprintf("column %q is %s, want datetime or numeric", timeCol, col.Kind), timeCol)
	}

	period, present, err := req.intParam("period")
	if err != nil {
		return err
	}
	if !present {
		period = analysis.DefaultPeriod
	}
	if period < 2 {
		return dkErrors.NewValidationError("period", "must be at least 2", period)
	}
	if n < 2*period {
		return dkErrors.NewInsufficientDataError("pipeline.Validate", 2*period, n)
	}
	return nil
}

func validateAnomaly(req Request, view *table.View, n int) error {
	if n < minAnomalyRows {
		return dkErrors.NewInsufficientDataError("pipeline.Validate", minAnomalyRows, n)
	}
	cols, _, err := req.columnsParam("columns")
	if err != nil {
		return err
	}
	if err := checkNumericColumns(view, "columns", cols); err != nil {
		return err
	}
	if err := checkFraction(req, "contamination", 0.5); err != nil {
		return err
	}
	if err := checkCount(req, "top_n", 1); err != nil {
		return err
	}
	_, err = req.seedParam()
	return err
}

func validateSupervised(req Request, view *table.View, n int) error {
	if n < minSupervisedRows {
		return dkErrors.NewInsufficientDataError("pipeline.Validate", minSupervisedRows, n)
	}

	label, present, err := req.stringParam("label")
	if err != nil {
		return err
	}
	if !present || label == "" {
		return dkErrors.NewValidationError("label", fmt.Sprintf("%s needs a label column", req.Kind), nil)
	}
	col, ok := view.Column(label)
	if !ok {
		return dkErrors.NewValidationError("label", "unknown column", label)
	}
	switch req.Kind {
	case OpRegression:
		if col.Kind != table.Numeric {
			return dkErrors.NewValidationError("label", fmt.Sprintf("column %q is %s, want numeric", label, col.Kind), label)
		}
	case OpClassification:
		if col.Kind != table.Numeric && col.Kind != table.Categorical {
			return dkErrors.NewValidationError("label", fmt.Sprintf("column %q is %s, want numeric or categorical", label, col.Kind), label)
		}
	}

	if err := checkFeatures(req, view, label); err != nil {
		return err
	}
	if err := checkFraction(req, "test_split", 1); err != nil {
		return err
	}

	if err := checkCount(req, "n_estimators", 1); err != nil {
		return err
	}
	if err := checkCount(req, "max_depth", 1); err != nil {
		return err
	}
	if err := checkCount(req, "max_features", 1); err != nil {
		return err
	}
	if err := checkCount(req, "min_samples_split", 2); err != nil {
		return err
	}
	if err := checkCount(req, "min_samples_leaf", 1); err != nil {
		return err
	}
	if req.Kind == OpClassification {
		if err := checkCount(req, "max_iter", 1); err != nil {
			return err
		}
		if err := checkPositive(req, "tol"); err != nil {
			return err
		}
		if err := checkPositive(req, "c"); err != nil {
			return err
		}
	}
	_, err = req.seedParam()
	return err
}

func validateClustering(req Request, view *table.View, n int) error {
	if err := checkFeatures(req, view, ""); err != nil {
		return err
	}
	k, present, err := req.intParam("n_clusters")
	if err != nil {
		return err
	}
	if present && (k < 1 || k > n) {
		return dkErrors.NewValidationError("n_clusters", fmt.Sprintf("must be between 1 and the row count %d", n), k)
	}
	if err := checkCount(req, "max_iter", 1); err != nil {
		return err
	}
	if err := checkPositive(req, "eps"); err != nil {
		return err
	}
	if err := checkCount(req, "min_samples", 1); err != nil {
		return err
	}
	_, err = req.seedParam()
	return err
}

func validateProjection(req Request, view *table.View, n int) error {
	if n < 2 {
		return dkErrors.NewInsufficientDataError("pipeline.Validate", 2, n)
	}
	cols, _, err := req.columnsParam("columns")
	if err != nil {
		return err
	}
	if err := checkNumericColumns(view, "columns", cols); err != nil {
		return err
	}
	return checkComponents(req, view, n, cols)
}

func validateEmbedding(req Request, view *table.View, n int) error {
	if n < minEmbeddingRows {
		return dkErrors.NewInsufficientDataError("pipeline.Validate", minEmbeddingRows, n)
	}
	cols, _, err := req.columnsParam("columns")
	if err != nil {
		return err
	}
	if err := checkNumericColumns(view, "columns", cols); err != nil {
		return err
	}
	if err := checkComponents(req, view, n, cols); err != nil {
		return err
	}
	p, present, err := req.numberParam("perplexity")
	if err != nil {
		return err
	}
	if present && (p < 1 || p >= float64(n-1)/3) {
		return dkErrors.NewValidationError("perplexity", fmt.Sprintf("must be at least 1 and below (rows-1)/3 = %.1f", float64(n-1)/3), p)
	}
	_, err = req.seedParam()
	return err
}

func validateImportance(req Request, view *table.View, n int) error {
	if n < minImportanceRows {
		return dkErrors.NewInsufficientDataError("pipeline.Validate", minImportanceRows, n)
	}
	label, present, err := req.stringParam("label")
	if err != nil {
		return err
	}
	if !present || label == "" {
		return dkErrors.NewValidationError("label", "feature importance needs a label column", nil)
	}
	col, ok := view.Column(label)
	if !ok {
		return dkErrors.NewValidationError("label", "unknown column", label)
	}
	if col.Kind != table.Numeric && col.Kind != table.Categorical {
		return dkErrors.NewValidationError("label", fmt.Sprintf("column %q is %s, want numeric or categorical", label, col.Kind), label)
	}
	if err := checkFeatures(req, view, label); err != nil {
		return err
	}
	_, err = req.seedParam()
	return err
}

// checkFeatures validates an optional explicit feature list: every named
// column exists, is numeric, and is not the label.
func checkFeatures(req Request, view *table.View, label string) error {
	features, _, err := req.columnsParam("features")
	if err != nil {
		return err
	}
	if err := checkNumericColumns(view, "features", features); err != nil {
		return err
	}
	for _, f := range features {
		if label != "" && f == label {
			return dkErrors.NewValidationError("features", "label column cannot be a feature", f)
		}
	}
	return nil
}

// checkNumericColumns verifies every named column exists and holds numbers.
func checkNumericColumns(view *table.View, key string, names []string) error {
	for _, name := range names {
		col, ok := view.Column(name)
		if !ok {
			return dkErrors.NewValidationError(key, "unknown column", name)
		}
		if col.Kind != table.Numeric {
			return dkErrors.NewValidationError(key, fmt.Sprintf("column %q is %s, want numeric", name, col.Kind), name)
		}
	}
	return nil
}

// checkComponents bounds an optional n_components against the smaller of
// the row count and the width of the projected feature block.
func checkComponents(req Request, view *table.View, n int, cols []string) error {
	width := len(cols)
	if width == 0 {
		width = len(view.NumericColumns())
	}
	if width == 0 {
		return dkErrors.NewValidationError("columns", "table has no numeric columns", nil)
	}
	k, present, err := req.intParam("n_components")
	if err != nil {
		return err
	}
	limit := width
	if n < limit {
		limit = n
	}
	if present && (k < 1 || k > limit) {
		return dkErrors.NewValidationError("n_components", fmt.Sprintf("must be between 1 and %d", limit), k)
	}
	return nil
}

// checkCount validates an optional integer parameter against a lower bound.
func checkCount(req Request, key string, min int) error {
	v, present, err := req.intParam(key)
	if err != nil {
		return err
	}
	if present && v < min {
		return dkErrors.NewValidationError(key, fmt.Sprintf("must be at least %d", min), v)
	}
	return nil
}

// checkPositive validates an optional numeric parameter is greater than 0.
func checkPositive(req Request, key string) error {
	v, present, err := req.numberParam(key)
	if err != nil {
		return err
	}
	if present && v <= 0 {
		return dkErrors.NewValidationError(key, "must be positive", v)
	}
	return nil
}

// checkFraction validates an optional numeric parameter lies strictly
// between 0 and max.
func checkFraction(req Request, key string, max float64) error {
	v, present, err := req.numberParam(key)
	if err != nil {
		return err
	}
	if present && (v <= 0 || v >= max) {
		return dkErrors.NewValidationError(key, fmt.Sprintf("must be between 0 and %g exclusive", max), v)
	}
	return nil
}

// Package pipeline is the entry point of the analysis pipeline. An
// Orchestrator takes one Request against one immutable table view,
// validates it, dispatches to the owning engine, and returns exactly one of
// an encoded result Document or a typed Failure.
package pipeline

import (
	"math"

	dkErrors "github.com/ezoic/datakit/pkg/errors"
	"github.com/ezoic/datakit/train"
)

// OperationKind names one of the ten pipeline operations.
type OperationKind string

const (
	OpStats             OperationKind = "stats"
	OpCorrelation       OperationKind = "correlation"
	OpTrend             OperationKind = "trend"
	OpAnomaly           OperationKind = "anomaly"
	OpRegression        OperationKind = "regression"
	OpClassification    OperationKind = "classification"
	OpClustering        OperationKind = "clustering"
	OpPCA               OperationKind = "pca"
	OpTSNE              OperationKind = "tsne"
	OpFeatureImportance OperationKind = "feature_importance"
)

// Request describes one pipeline invocation. Model names the estimator for
// the training kinds and stays empty otherwise. Params carries the
// operation's knobs; each kind recognizes a fixed key set and anything else
// is rejected during validation. Values may be strings, numbers (integers
// are widened), or lists of column names.
type Request struct {
	Kind   OperationKind
	Model  string
	Params map[string]interface{}
}

// numberParam reads a numeric parameter. Missing keys return ok=false;
// non-numeric values are a validation error.
func (r Request) numberParam(key string) (float64, bool, error) {
	raw, present := r.Params[key]
	if !present {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, true, nil
	case float32:
		return float64(v), true, nil
	case int:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	default:
		return 0, false, dkErrors.NewValidationError(key, "expected a number", raw)
	}
}

// intParam reads an integer parameter, rejecting fractional values.
func (r Request) intParam(key string) (int, bool, error) {
	v, present, err := r.numberParam(key)
	if err != nil || !present {
		return 0, present, err
	}
	if v != math.Trunc(v) {
		return 0, false, dkErrors.NewValidationError(key, "expected an integer", v)
	}
	return int(v), true, nil
}

// stringParam reads a string parameter.
func (r Request) stringParam(key string) (string, bool, error) {
	raw, present := r.Params[key]
	if !present {
		return "", false, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", false, dkErrors.NewValidationError(key, "expected a string", raw)
	}
	return s, true, nil
}

// columnsParam reads a list of column names, accepting either []string or a
// decoded-JSON []interface{} of strings.
func (r Request) columnsParam(key string) ([]string, bool, error) {
	raw, present := r.Params[key]
	if !present {
		return nil, false, nil
	}
	switch v := raw.(type) {
	case []string:
		return v, true, nil
	case []interface{}:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false, dkErrors.NewValidationError(key, "expected a list of column names", raw)
			}
			out[i] = s
		}
		return out, true, nil
	default:
		return nil, false, dkErrors.NewValidationError(key, "expected a list of column names", raw)
	}
}

// seedParam returns the run seed, falling back to the fixed default so
// every operation is reproducible unless the caller overrides it.
func (r Request) seedParam() (int64, error) {
	v, present, err := r.numberParam("seed")
	if err != nil {
		return 0, err
	}
	if !present {
		return train.DefaultSeed, nil
	}
	return int64(v), nil
}

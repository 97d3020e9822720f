package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/ezoic/datakit/pkg/errors"
)

// ArtifactSchemaVersion identifies the artifact layout. Bump on any
// incompatible field change.
const ArtifactSchemaVersion = 1

// Task identifiers stamped into artifacts and used as registry keys.
const (
	TaskRegression     = "regression"
	TaskClassification = "classification"
	TaskClustering     = "clustering"
)

// Model identifiers for the built-in estimators.
const (
	ModelLinearRegression   = "linear_regression"
	ModelLogisticRegression = "logistic_regression"
	ModelRandomForest       = "random_forest"
	ModelKMeans             = "kmeans"
	ModelDBSCAN             = "dbscan"
)

// ScalerState is the fitted standardization state stored alongside a model
// so new data is scaled exactly as the training data was.
type ScalerState struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// Artifact is the serializable fitted state of a trained model: task and
// algorithm identifiers, the feature-column order it was trained on, the
// learned parameters, and the evaluation metrics from training. The caller
// owns the Artifact once returned; the trainer keeps no reference.
//
// Re-loading requires the same feature columns by name — scoring extracts
// values in FeatureColumns order, and a missing column is a validation
// error, never a positional guess.
type Artifact struct {
	SchemaVersion  int                `json:"schema_version"`
	Task           string             `json:"task"`
	Model          string             `json:"model"`
	FeatureColumns []string           `json:"feature_columns"`
	LabelColumn    string             `json:"label_column,omitempty"`
	Classes        []string           `json:"classes,omitempty"`
	Seed           int64              `json:"seed"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
	Scaler         *ScalerState       `json:"scaler,omitempty"`
	Params         json.RawMessage    `json:"params"`
}

// Validate checks structural integrity before an artifact is loaded.
func (a *Artifact) Validate() error {
	if a.SchemaVersion != ArtifactSchemaVersion {
		return errors.NewValidationError("schema_version", "unsupported artifact schema version", a.SchemaVersion)
	}
	if a.Task == "" {
		return errors.NewValidationError("task", "artifact task must be set", nil)
	}
	if a.Model == "" {
		return errors.NewValidationError("model", "artifact model must be set", nil)
	}
	if len(a.FeatureColumns) == 0 {
		return errors.NewValidationError("feature_columns", "artifact must name its training columns", nil)
	}
	if len(a.Params) == 0 {
		return errors.NewValidationError("params", "artifact has no learned parameters", nil)
	}
	if a.Scaler != nil {
		if len(a.Scaler.Mean) != len(a.FeatureColumns) || len(a.Scaler.Std) != len(a.FeatureColumns) {
			return errors.NewDimensionError("Artifact.Validate",
				len(a.FeatureColumns), len(a.Scaler.Mean), 1)
		}
	}
	return nil
}

// SetParams marshals an estimator's learned-state payload into the artifact.
func (a *Artifact) SetParams(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.NewValueError("Artifact.SetParams", err.Error())
	}
	a.Params = raw
	return nil
}

// DecodeParams unmarshals the learned-state payload into v.
func (a *Artifact) DecodeParams(v interface{}) error {
	if len(a.Params) == 0 {
		return errors.NewValueError("Artifact.DecodeParams", "artifact has no params payload")
	}
	if err := json.Unmarshal(a.Params, v); err != nil {
		return errors.NewValueError("Artifact.DecodeParams", err.Error())
	}
	return nil
}

// Fingerprint returns a hex SHA-256 over the artifact's JSON encoding.
// Two training runs with identical data, model, and seed produce identical
// fingerprints, which makes reproducibility checks a string compare.
func (a *Artifact) Fingerprint() (string, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return "", errors.NewValueError("Artifact.Fingerprint", err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

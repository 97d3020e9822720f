package train_test

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/ezoic/datakit/core/model"
	dkErrors "github.com/ezoic/datakit/pkg/errors"
	"github.com/ezoic/datakit/train"
)

// constantModel is a stub estimator for registry extension tests. It
// predicts a fixed value for every row.
type constantModel struct {
	value float64
}

func (m *constantModel) Fit(ctx context.Context, X, y mat.Matrix) error { return nil }

func (m *constantModel) Predict(X mat.Matrix) (mat.Matrix, error) {
	n, _ := X.Dims()
	out := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		out.Set(i, 0, m.value)
	}
	return out, nil
}

func (m *constantModel) ExportParams() (json.RawMessage, error) {
	return json.Marshal(map[string]float64{"value": m.value})
}

func (m *constantModel) ImportParams(raw json.RawMessage) error {
	var p map[string]float64
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	m.value = p["value"]
	return nil
}

func TestRegistry_BuiltInPairings(t *testing.T) {
	r := train.NewRegistry()

	tests := []struct {
		task  string
		model string
	}{
		{model.TaskRegression, model.ModelLinearRegression},
		{model.TaskRegression, model.ModelRandomForest},
		{model.TaskClassification, model.ModelLogisticRegression},
		{model.TaskClassification, model.ModelRandomForest},
		{model.TaskClustering, model.ModelKMeans},
		{model.TaskClustering, model.ModelDBSCAN},
	}
	for _, tt := range tests {
		factory, err := r.Lookup(tt.task, tt.model)
		if err != nil {
			t.Fatalf("Lookup(%s, %s) failed: %v", tt.task, tt.model, err)
		}
		est, err := factory(train.ModelConfig{Seed: 42})
		if err != nil {
			t.Fatalf("factory(%s, %s) failed: %v", tt.task, tt.model, err)
		}
		if tt.task == model.TaskClustering {
			if _, ok := est.(train.ClusteringModel); !ok {
				t.Errorf("%s/%s did not build a ClusteringModel", tt.task, tt.model)
			}
		} else {
			if _, ok := est.(train.SupervisedModel); !ok {
				t.Errorf("%s/%s did not build a SupervisedModel", tt.task, tt.model)
			}
		}
	}
}

func TestRegistry_ModelsSorted(t *testing.T) {
	r := train.NewRegistry()

	got := r.Models(model.TaskClassification)
	want := []string{"logistic_regression", "random_forest"}
	if len(got) != len(want) {
		t.Fatalf("Models = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Models = %v, want %v", got, want)
		}
	}
}

func TestRegistry_UnknownModel(t *testing.T) {
	r := train.NewRegistry()

	_, err := r.Lookup(model.TaskRegression, "gradient_boost")
	var unknown *dkErrors.UnknownModelError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownModelError, got %v", err)
	}
	if unknown.Task != model.TaskRegression || unknown.Model != "gradient_boost" {
		t.Errorf("error names %s/%s, want regression/gradient_boost", unknown.Task, unknown.Model)
	}
	wantRegistered := []string{"linear_regression", "random_forest"}
	if len(unknown.Registered) != len(wantRegistered) {
		t.Fatalf("Registered = %v, want %v", unknown.Registered, wantRegistered)
	}
	for i := range wantRegistered {
		if unknown.Registered[i] != wantRegistered[i] {
			t.Fatalf("Registered = %v, want %v", unknown.Registered, wantRegistered)
		}
	}

	_, err = r.Lookup("ranking", "lambdamart")
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownModelError for unknown task, got %v", err)
	}
	if len(unknown.Registered) != 0 {
		t.Errorf("unknown task lists %v, want none", unknown.Registered)
	}
}

func TestRegistry_Extras(t *testing.T) {
	extra := train.Registration{
		Task:  model.TaskRegression,
		Model: "constant",
		Factory: func(cfg train.ModelConfig) (interface{}, error) {
			return &constantModel{value: 3}, nil
		},
	}
	r := train.NewRegistry(extra)

	factory, err := r.Lookup(model.TaskRegression, "constant")
	if err != nil {
		t.Fatalf("Lookup for extra failed: %v", err)
	}
	est, err := factory(train.ModelConfig{})
	if err != nil {
		t.Fatalf("extra factory failed: %v", err)
	}
	if _, ok := est.(*constantModel); !ok {
		t.Fatalf("extra factory built %T, want *constantModel", est)
	}

	// Built-ins survive alongside extras.
	if _, err := r.Lookup(model.TaskRegression, model.ModelLinearRegression); err != nil {
		t.Errorf("built-in lookup failed after extras: %v", err)
	}

	models := r.Models(model.TaskRegression)
	want := []string{"constant", "linear_regression", "random_forest"}
	if len(models) != len(want) {
		t.Fatalf("Models = %v, want %v", models, want)
	}
	for i := range want {
		if models[i] != want[i] {
			t.Fatalf("Models = %v, want %v", models, want)
		}
	}
}

func TestRegistry_ExtraOverridesBuiltIn(t *testing.T) {
	override := train.Registration{
		Task:  model.TaskRegression,
		Model: model.ModelLinearRegression,
		Factory: func(cfg train.ModelConfig) (interface{}, error) {
			return &constantModel{value: 9}, nil
		},
	}
	r := train.NewRegistry(override)

	factory, err := r.Lookup(model.TaskRegression, model.ModelLinearRegression)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	est, err := factory(train.ModelConfig{})
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	if _, ok := est.(*constantModel); !ok {
		t.Fatalf("override did not replace the built-in factory, got %T", est)
	}
}

func TestRegistry_Load(t *testing.T) {
	r := train.NewRegistry()

	art := &model.Artifact{
		SchemaVersion:  model.ArtifactSchemaVersion,
		Task:           model.TaskRegression,
		Model:          model.ModelLinearRegression,
		FeatureColumns: []string{"x"},
		Seed:           42,
		Params:         json.RawMessage(`{"weights":[2],"intercept":1,"n_features":1}`),
	}
	est, err := r.Load(art)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	sup, ok := est.(train.SupervisedModel)
	if !ok {
		t.Fatalf("loaded estimator is %T, want a SupervisedModel", est)
	}
	pred, err := sup.Predict(mat.NewDense(1, 1, []float64{3}))
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if got := pred.At(0, 0); math.Abs(got-7) > 1e-12 {
		t.Errorf("prediction = %g, want 7", got)
	}
}

func TestRegistry_LoadRejectsBadArtifacts(t *testing.T) {
	r := train.NewRegistry()

	valid := func() *model.Artifact {
		return &model.Artifact{
			SchemaVersion:  model.ArtifactSchemaVersion,
			Task:           model.TaskRegression,
			Model:          model.ModelLinearRegression,
			FeatureColumns: []string{"x"},
			Params:         json.RawMessage(`{"weights":[2],"intercept":1,"n_features":1}`),
		}
	}

	art := valid()
	art.SchemaVersion = 99
	var validation *dkErrors.ValidationError
	if _, err := r.Load(art); !errors.As(err, &validation) {
		t.Errorf("expected ValidationError for schema 99, got %v", err)
	}

	art = valid()
	art.Model = "gradient_boost"
	var unknown *dkErrors.UnknownModelError
	if _, err := r.Load(art); !errors.As(err, &unknown) {
		t.Errorf("expected UnknownModelError, got %v", err)
	}

	art = valid()
	art.Params = json.RawMessage(`{"weights":"broken"}`)
	if _, err := r.Load(art); err == nil {
		t.Error("expected error for a corrupt params payload")
	}
}

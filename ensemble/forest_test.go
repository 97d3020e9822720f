package ensemble

import (
	"context"
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/mat"

	dkErrors "github.com/ezoic/datakit/pkg/errors"
)

// forestFixture returns a two-cluster classification problem.
func forestFixture() (*mat.Dense, *mat.Dense) {
	X := mat.NewDense(12, 2, []float64{
		0.5, 1.0,
		1.0, 0.5,
		1.5, 1.5,
		0.8, 1.2,
		1.2, 0.8,
		0.6, 0.6,
		5.5, 6.0,
		6.0, 5.5,
		6.5, 6.5,
		5.8, 6.2,
		6.2, 5.8,
		5.6, 5.6,
	})
	y := mat.NewDense(12, 1, []float64{0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 1, 1})
	return X, y
}

func TestRandomForest_Classification(t *testing.T) {
	X, y := forestFixture()

	rf := NewRandomForest(TaskClassification, WithForestEstimators(15))
	if err := rf.Fit(context.Background(), X, y); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	if rf.NumTrees() != 15 {
		t.Errorf("NumTrees() = %d, want 15", rf.NumTrees())
	}

	pred, err := rf.Predict(X)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}

	r, _ := pred.Dims()
	for i := 0; i < r; i++ {
		if pred.At(i, 0) != y.At(i, 0) {
			t.Errorf("prediction[%d] = %v, want %v", i, pred.At(i, 0), y.At(i, 0))
		}
	}

	classes := rf.Classes()
	if len(classes) != 2 || classes[0] != 0 || classes[1] != 1 {
		t.Errorf("Classes() = %v, want [0 1]", classes)
	}
}

func TestRandomForest_Regression(t *testing.T) {
	// y = 3x over a dense grid; forest interpolates within the training range
	n := 30
	X := mat.NewDense(n, 1, nil)
	y := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		X.Set(i, 0, float64(i))
		y.Set(i, 0, 3.0*float64(i))
	}

	rf := NewRandomForest(TaskRegression, WithForestEstimators(20))
	if err := rf.Fit(context.Background(), X, y); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	pred, err := rf.Predict(X)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}

	// Interior points should be close; bootstrap noise allows some slack
	for i := 5; i < n-5; i++ {
		want := 3.0 * float64(i)
		if math.Abs(pred.At(i, 0)-want) > 6.0 {
			t.Errorf("prediction[%d] = %v, want ≈ %v", i, pred.At(i, 0), want)
		}
	}
}

func TestRandomForest_Determinism(t *testing.T) {
	X, y := forestFixture()

	train := func(seed int64) ([]float64, *mat.Dense) {
		rf := NewRandomForest(TaskClassification, WithForestEstimators(10), WithForestSeed(seed))
		if err := rf.Fit(context.Background(), X, y); err != nil {
			t.Fatalf("Fit failed: %v", err)
		}
		probas, err := rf.PredictProba(X)
		if err != nil {
			t.Fatalf("PredictProba failed: %v", err)
		}
		return rf.FeatureImportances(), mat.DenseCopyOf(probas)
	}

	impA, probA := train(42)
	impB, probB := train(42)

	for j := range impA {
		if impA[j] != impB[j] {
			t.Fatalf("importances differ between identical runs at %d: %v vs %v", j, impA[j], impB[j])
		}
	}

	r, c := probA.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if probA.At(i, j) != probB.At(i, j) {
				t.Fatalf("probabilities differ between identical runs at [%d][%d]", i, j)
			}
		}
	}
}

func TestRandomForest_PredictProba(t *testing.T) {
	X, y := forestFixture()

	rf := NewRandomForest(TaskClassification, WithForestEstimators(10))
	if err := rf.Fit(context.Background(), X, y); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	probas, err := rf.PredictProba(X)
	if err != nil {
		t.Fatalf("PredictProba failed: %v", err)
	}

	r, c := probas.Dims()
	if c != 2 {
		t.Fatalf("expected 2 probability columns, got %d", c)
	}
	for i := 0; i < r; i++ {
		sum := 0.0
		for j := 0; j < c; j++ {
			sum += probas.At(i, j)
		}
		if math.Abs(sum-1.0) > 1e-9 {
			t.Errorf("probabilities at row %d sum to %v, want 1.0", i, sum)
		}
	}

	// Regression forests have no probabilities
	reg := NewRandomForest(TaskRegression, WithForestEstimators(5))
	Xr := mat.NewDense(10, 1, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	yr := mat.NewDense(10, 1, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	if err := reg.Fit(context.Background(), Xr, yr); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if _, err := reg.PredictProba(Xr); err == nil {
		t.Error("Expected error for regression PredictProba, got nil")
	}
}

func TestRandomForest_FeatureImportances(t *testing.T) {
	// Feature 0 fully determines the target; feature 1 is noise
	X := mat.NewDense(16, 2, nil)
	y := mat.NewDense(16, 1, nil)
	for i := 0; i < 16; i++ {
		X.Set(i, 0, float64(i))
		X.Set(i, 1, float64((i*31)%7))
		if i < 8 {
			y.Set(i, 0, 0)
		} else {
			y.Set(i, 0, 1)
		}
	}

	rf := NewRandomForest(TaskClassification, WithForestEstimators(25), WithForestMaxFeatures(2))
	if err := rf.Fit(context.Background(), X, y); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	imp := rf.FeatureImportances()
	if len(imp) != 2 {
		t.Fatalf("expected 2 importances, got %d", len(imp))
	}

	sum := imp[0] + imp[1]
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("importances sum to %v, want 1.0", sum)
	}
	if imp[0] <= imp[1] {
		t.Errorf("informative feature importance %v should exceed noise importance %v", imp[0], imp[1])
	}
}

func TestRandomForest_Cancellation(t *testing.T) {
	X, y := forestFixture()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rf := NewRandomForest(TaskClassification, WithForestEstimators(10))
	err := rf.Fit(ctx, X, y)
	if err == nil {
		t.Fatal("Expected error for cancelled context, got nil")
	}

	var cancelled *dkErrors.CancelledError
	if !errors.As(err, &cancelled) {
		t.Errorf("Expected CancelledError, got %T: %v", err, err)
	}
	if rf.IsFitted() {
		t.Error("cancelled forest should not report fitted")
	}
}

func TestRandomForest_Validation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		opts []RandomForestOption
		X    *mat.Dense
		y    *mat.Dense
	}{
		{
			name: "empty data",
			X:    &mat.Dense{},
			y:    &mat.Dense{},
		},
		{
			name: "mismatched rows",
			X:    mat.NewDense(3, 1, []float64{1, 2, 3}),
			y:    mat.NewDense(2, 1, []float64{0, 1}),
		},
		{
			name: "zero estimators",
			opts: []RandomForestOption{WithForestEstimators(0)},
			X:    mat.NewDense(2, 1, []float64{1, 2}),
			y:    mat.NewDense(2, 1, []float64{0, 1}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rf := NewRandomForest(TaskClassification, tt.opts...)
			if err := rf.Fit(ctx, tt.X, tt.y); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}

	rf := NewRandomForest(TaskRegression)
	if _, err := rf.Predict(mat.NewDense(1, 1, []float64{1})); err == nil {
		t.Error("Expected error for unfitted forest, got nil")
	}
}

func TestRandomForest_ParamsRoundTrip(t *testing.T) {
	X, y := forestFixture()

	rf := NewRandomForest(TaskClassification, WithForestEstimators(8))
	if err := rf.Fit(context.Background(), X, y); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	raw, err := rf.ExportParams()
	if err != nil {
		t.Fatalf("ExportParams failed: %v", err)
	}

	restored := NewRandomForest(TaskRegression) // task comes from the payload
	if err := restored.ImportParams(raw); err != nil {
		t.Fatalf("ImportParams failed: %v", err)
	}

	if restored.NumTrees() != 8 {
		t.Errorf("restored NumTrees() = %d, want 8", restored.NumTrees())
	}

	want, _ := rf.Predict(X)
	got, err := restored.Predict(X)
	if err != nil {
		t.Fatalf("Predict on restored forest failed: %v", err)
	}

	r, _ := want.Dims()
	for i := 0; i < r; i++ {
		if want.At(i, 0) != got.At(i, 0) {
			t.Errorf("restored prediction[%d] = %v, want %v", i, got.At(i, 0), want.At(i, 0))
		}
	}

	// Importances survive the round trip for downstream reporting
	wantImp := rf.FeatureImportances()
	gotImp := restored.FeatureImportances()
	for j := range wantImp {
		if wantImp[j] != gotImp[j] {
			t.Errorf("restored importance[%d] = %v, want %v", j, gotImp[j], wantImp[j])
		}
	}

	if err := NewRandomForest(TaskRegression).ImportParams([]byte(`{"task":"zap"}`)); err == nil {
		t.Error("Expected error for unknown task, got nil")
	}
}

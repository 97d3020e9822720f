package metrics

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

const tol = 1e-9

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < tol
}

func TestRegressionMetrics(t *testing.T) {
	yTrue := mat.NewVecDense(4, []float64{3, -0.5, 2, 7})
	yPred := mat.NewVecDense(4, []float64{2.5, 0.0, 2, 8})

	tests := []struct {
		name string
		fn   func(a, b *mat.VecDense) (float64, error)
		want float64
	}{
		{"MSE", MSE, 0.375},
		{"RMSE", RMSE, math.Sqrt(0.375)},
		{"MAE", MAE, 0.5},
		{"R2", R2Score, 0.9486081370449679},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn(yTrue, yPred)
			if err != nil {
				t.Fatalf("%s: %v", tt.name, err)
			}
			if !almostEqual(got, tt.want) {
				t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestRegressionMetricErrors(t *testing.T) {
	short := mat.NewVecDense(2, []float64{1, 2})
	long := mat.NewVecDense(3, []float64{1, 2, 3})

	if _, err := MSE(short, long); err == nil {
		t.Error("MSE: expected dimension error")
	}

	constant := mat.NewVecDense(3, []float64{5, 5, 5})
	if _, err := R2Score(constant, long); err == nil {
		t.Error("R2Score: expected zero-variance error")
	}
}

func TestPerfectPredictions(t *testing.T) {
	y := mat.NewVecDense(5, []float64{1, 2, 3, 4, 5})

	r2, err := R2Score(y, y)
	if err != nil {
		t.Fatalf("R2Score: %v", err)
	}
	if !almostEqual(r2, 1.0) {
		t.Errorf("R2 of perfect predictions = %v, want 1.0", r2)
	}

	mse, err := MSE(y, y)
	if err != nil {
		t.Fatalf("MSE: %v", err)
	}
	if mse != 0 {
		t.Errorf("MSE of perfect predictions = %v, want 0", mse)
	}
}

func TestAccuracy(t *testing.T) {
	tests := []struct {
		name    string
		yTrue   []int
		yPred   []int
		want    float64
		wantErr bool
	}{
		{"all correct", []int{0, 1, 2}, []int{0, 1, 2}, 1.0, false},
		{"half correct", []int{0, 1, 0, 1}, []int{0, 1, 1, 0}, 0.5, false},
		{"none correct", []int{0, 0}, []int{1, 1}, 0.0, false},
		{"empty", nil, nil, 0, true},
		{"length mismatch", []int{0, 1}, []int{0}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Accuracy(tt.yTrue, tt.yPred)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
			if err == nil && !almostEqual(got, tt.want) {
				t.Errorf("Accuracy = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfusionMatrix(t *testing.T) {
	yTrue := []int{0, 0, 1, 1, 2, 2}
	yPred := []int{0, 1, 1, 1, 2, 0}

	cm, err := ConfusionMatrix(yTrue, yPred, 3)
	if err != nil {
		t.Fatalf("ConfusionMatrix: %v", err)
	}

	want := [][]int{
		{1, 1, 0},
		{0, 2, 0},
		{1, 0, 1},
	}
	for i := range want {
		for j := range want[i] {
			if cm[i][j] != want[i][j] {
				t.Errorf("cm[%d][%d] = %d, want %d", i, j, cm[i][j], want[i][j])
			}
		}
	}

	if _, err := ConfusionMatrix([]int{0, 3}, []int{0, 0}, 2); err == nil {
		t.Error("expected out-of-range class error")
	}
}

func TestPrecisionRecallF1(t *testing.T) {
	// Binary case checked by hand:
	// class 1: tp=2 fp=1 fn=1 -> p=2/3 r=2/3 f=2/3
	// class 0: tp=2 fp=1 fn=1 -> p=2/3 r=2/3 f=2/3
	yTrue := []int{1, 1, 1, 0, 0, 0}
	yPred := []int{1, 1, 0, 0, 0, 1}

	p, r, f, err := PrecisionRecallF1(yTrue, yPred, 2)
	if err != nil {
		t.Fatalf("PrecisionRecallF1: %v", err)
	}

	want := 2.0 / 3.0
	if !almostEqual(p, want) || !almostEqual(r, want) || !almostEqual(f, want) {
		t.Errorf("macro P/R/F1 = %v/%v/%v, want all %v", p, r, f, want)
	}
}

func TestSilhouetteSeparatedClusters(t *testing.T) {
	// Two tight, far-apart groups should score close to 1.
	X := mat.NewDense(6, 2, []float64{
		0.0, 0.0,
		0.1, 0.0,
		0.0, 0.1,
		10.0, 10.0,
		10.1, 10.0,
		10.0, 10.1,
	})
	labels := []int{0, 0, 0, 1, 1, 1}

	s, err := Silhouette(X, labels)
	if err != nil {
		t.Fatalf("Silhouette: %v", err)
	}
	if s < 0.9 {
		t.Errorf("silhouette = %v, want > 0.9 for well-separated clusters", s)
	}
}

func TestSilhouetteIgnoresNoise(t *testing.T) {
	X := mat.NewDense(5, 1, []float64{0, 0.1, 10, 10.1, 500})
	labels := []int{0, 0, 1, 1, -1}

	s, err := Silhouette(X, labels)
	if err != nil {
		t.Fatalf("Silhouette: %v", err)
	}
	if s < 0.9 {
		t.Errorf("silhouette = %v, want > 0.9 with noise excluded", s)
	}
}

func TestSilhouetteSingleClusterFails(t *testing.T) {
	X := mat.NewDense(3, 1, []float64{1, 2, 3})
	if _, err := Silhouette(X, []int{0, 0, 0}); err == nil {
		t.Error("expected error for single cluster")
	}
}

package cluster

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/mat"

	dkErrors "github.com/ezoic/datakit/pkg/errors"
)

// blobsWithOutlier returns two dense five-row groups and one isolated row.
func blobsWithOutlier() *mat.Dense {
	return mat.NewDense(11, 2, []float64{
		0.00, 0.00,
		0.30, 0.00,
		0.00, 0.30,
		0.30, 0.30,
		0.15, 0.15,
		10.00, 10.00,
		10.30, 10.00,
		10.00, 10.30,
		10.30, 10.30,
		10.15, 10.15,
		5.00, 5.00, // isolated
	})
}

func TestDBSCAN_TwoBlobsAndNoise(t *testing.T) {
	X := blobsWithOutlier()

	db := NewDBSCAN(WithDBSCANEps(1.0), WithDBSCANMinSamples(3))
	if err := db.Fit(context.Background(), X); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	if db.NumClusters() != 2 {
		t.Errorf("NumClusters() = %d, want 2", db.NumClusters())
	}

	labels := db.Labels()
	for i := 1; i < 5; i++ {
		if labels[i] != labels[0] {
			t.Errorf("row %d label %d, want %d (same blob as row 0)", i, labels[i], labels[0])
		}
	}
	for i := 6; i < 10; i++ {
		if labels[i] != labels[5] {
			t.Errorf("row %d label %d, want %d (same blob as row 5)", i, labels[i], labels[5])
		}
	}
	if labels[0] == labels[5] {
		t.Error("the two blobs collapsed into one cluster")
	}
	if labels[10] != -1 {
		t.Errorf("isolated row label = %d, want -1 (noise)", labels[10])
	}
	if db.NumNoise() != 1 {
		t.Errorf("NumNoise() = %d, want 1", db.NumNoise())
	}
}

func TestDBSCAN_BorderPoint(t *testing.T) {
	// The middle row is the only core point; the ends join as border points
	X := mat.NewDense(3, 1, []float64{0.0, 0.4, 0.8})

	db := NewDBSCAN(WithDBSCANEps(0.5), WithDBSCANMinSamples(3))
	if err := db.Fit(context.Background(), X); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	if db.NumClusters() != 1 {
		t.Fatalf("NumClusters() = %d, want 1", db.NumClusters())
	}
	for i, l := range db.Labels() {
		if l != 0 {
			t.Errorf("row %d label = %d, want 0", i, l)
		}
	}
}

func TestDBSCAN_AllNoise(t *testing.T) {
	X := mat.NewDense(4, 1, []float64{0, 10, 20, 30})

	db := NewDBSCAN(WithDBSCANEps(1.0), WithDBSCANMinSamples(2))
	if err := db.Fit(context.Background(), X); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	if db.NumClusters() != 0 {
		t.Errorf("NumClusters() = %d, want 0", db.NumClusters())
	}
	if db.NumNoise() != 4 {
		t.Errorf("NumNoise() = %d, want 4", db.NumNoise())
	}
}

func TestDBSCAN_Predict(t *testing.T) {
	X := blobsWithOutlier()

	db := NewDBSCAN(WithDBSCANEps(1.0), WithDBSCANMinSamples(3))
	if err := db.Fit(context.Background(), X); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	labels := db.Labels()
	probes := mat.NewDense(3, 2, []float64{
		0.2, 0.2, // inside the first blob
		10.2, 10.2, // inside the second blob
		5.0, 5.0, // far from every core point
	})

	pred, err := db.Predict(probes)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}

	if int(pred.At(0, 0)) != labels[0] {
		t.Errorf("probe near blob 1 predicted %v, want %d", pred.At(0, 0), labels[0])
	}
	if int(pred.At(1, 0)) != labels[5] {
		t.Errorf("probe near blob 2 predicted %v, want %d", pred.At(1, 0), labels[5])
	}
	if int(pred.At(2, 0)) != -1 {
		t.Errorf("far probe predicted %v, want -1", pred.At(2, 0))
	}
}

func TestDBSCAN_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	db := NewDBSCAN()
	err := db.Fit(ctx, blobsWithOutlier())
	if err == nil {
		t.Fatal("Expected error for cancelled context, got nil")
	}

	var cancelled *dkErrors.CancelledError
	if !errors.As(err, &cancelled) {
		t.Errorf("Expected CancelledError, got %T: %v", err, err)
	}
}

func TestDBSCAN_Validation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		opts []DBSCANOption
		X    *mat.Dense
	}{
		{
			name: "empty data",
			X:    &mat.Dense{},
		},
		{
			name: "non-positive eps",
			opts: []DBSCANOption{WithDBSCANEps(0)},
			X:    mat.NewDense(2, 1, []float64{1, 2}),
		},
		{
			name: "zero min samples",
			opts: []DBSCANOption{WithDBSCANMinSamples(0)},
			X:    mat.NewDense(2, 1, []float64{1, 2}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := NewDBSCAN(tt.opts...)
			if err := db.Fit(ctx, tt.X); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}

	if _, err := NewDBSCAN().Predict(mat.NewDense(1, 1, []float64{1})); err == nil {
		t.Error("Expected error for unfitted model, got nil")
	}
}

func TestDBSCAN_ParamsRoundTrip(t *testing.T) {
	X := blobsWithOutlier()

	db := NewDBSCAN(WithDBSCANEps(1.0), WithDBSCANMinSamples(3))
	if err := db.Fit(context.Background(), X); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	raw, err := db.ExportParams()
	if err != nil {
		t.Fatalf("ExportParams failed: %v", err)
	}

	restored := NewDBSCAN()
	if err := restored.ImportParams(raw); err != nil {
		t.Fatalf("ImportParams failed: %v", err)
	}

	if restored.NumClusters() != 2 {
		t.Errorf("restored NumClusters() = %d, want 2", restored.NumClusters())
	}
	if restored.Eps() != 1.0 || restored.MinSamples() != 3 {
		t.Errorf("restored hyperparameters = (%v, %d), want (1.0, 3)",
			restored.Eps(), restored.MinSamples())
	}

	want, _ := db.Predict(X)
	got, err := restored.Predict(X)
	if err != nil {
		t.Fatalf("Predict on restored model failed: %v", err)
	}
	r, _ := want.Dims()
	for i := 0; i < r; i++ {
		if want.At(i, 0) != got.At(i, 0) {
			t.Errorf("restored prediction[%d] = %v, want %v", i, got.At(i, 0), want.At(i, 0))
		}
	}

	if err := NewDBSCAN().ImportParams([]byte(`{"eps":0}`)); err == nil {
		t.Error("Expected error for non-positive eps, got nil")
	}
}

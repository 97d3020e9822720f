package cluster

import (
	"context"
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/mat"

	dkErrors "github.com/ezoic/datakit/pkg/errors"
)

// twoBlobs returns two tight, well-separated groups of six rows each.
func twoBlobs() *mat.Dense {
	return mat.NewDense(12, 2, []float64{
		0.0, 0.0,
		0.2, 0.1,
		0.1, 0.3,
		0.3, 0.2,
		0.1, 0.1,
		0.2, 0.3,
		8.0, 8.0,
		8.2, 8.1,
		8.1, 8.3,
		8.3, 8.2,
		8.1, 8.1,
		8.2, 8.3,
	})
}

func TestKMeans_TwoBlobs(t *testing.T) {
	X := twoBlobs()

	km := NewKMeans(WithKMeansClusters(2))
	if err := km.Fit(context.Background(), X); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	labels := km.Labels()
	if len(labels) != 12 {
		t.Fatalf("expected 12 labels, got %d", len(labels))
	}

	// Rows within a blob share a label; the blobs get different labels
	for i := 1; i < 6; i++ {
		if labels[i] != labels[0] {
			t.Errorf("row %d label %d, want %d (same blob as row 0)", i, labels[i], labels[0])
		}
	}
	for i := 7; i < 12; i++ {
		if labels[i] != labels[6] {
			t.Errorf("row %d label %d, want %d (same blob as row 6)", i, labels[i], labels[6])
		}
	}
	if labels[0] == labels[6] {
		t.Error("the two blobs collapsed into one cluster")
	}

	if km.Iterations() < 1 {
		t.Errorf("Iterations() = %d, want >= 1", km.Iterations())
	}

	// Tight blobs: total within-cluster scatter stays small
	if km.Inertia() > 1.0 {
		t.Errorf("Inertia() = %v, want < 1.0 for tight blobs", km.Inertia())
	}
}

func TestKMeans_CentersAreClusterMeans(t *testing.T) {
	// Two pairs of points; the optimal centers are the pair midpoints
	X := mat.NewDense(4, 1, []float64{0.0, 2.0, 10.0, 12.0})

	km := NewKMeans(WithKMeansClusters(2))
	if err := km.Fit(context.Background(), X); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	centers := km.ClusterCenters()
	if len(centers) != 2 {
		t.Fatalf("expected 2 centers, got %d", len(centers))
	}

	low, high := centers[0][0], centers[1][0]
	if low > high {
		low, high = high, low
	}
	if math.Abs(low-1.0) > 1e-9 || math.Abs(high-11.0) > 1e-9 {
		t.Errorf("centers = %v and %v, want 1 and 11", low, high)
	}

	// Inertia: each point sits 1 away from its center
	if math.Abs(km.Inertia()-4.0) > 1e-9 {
		t.Errorf("Inertia() = %v, want 4.0", km.Inertia())
	}
}

func TestKMeans_Determinism(t *testing.T) {
	X := twoBlobs()

	fit := func() ([]int, [][]float64) {
		km := NewKMeans(WithKMeansClusters(2), WithKMeansSeed(7))
		if err := km.Fit(context.Background(), X); err != nil {
			t.Fatalf("Fit failed: %v", err)
		}
		return km.Labels(), km.ClusterCenters()
	}

	labelsA, centersA := fit()
	labelsB, centersB := fit()

	for i := range labelsA {
		if labelsA[i] != labelsB[i] {
			t.Fatalf("labels differ between identical runs at row %d", i)
		}
	}
	for c := range centersA {
		for j := range centersA[c] {
			if centersA[c][j] != centersB[c][j] {
				t.Fatalf("centers differ between identical runs at [%d][%d]", c, j)
			}
		}
	}
}

func TestKMeans_PredictAndTransform(t *testing.T) {
	X := twoBlobs()

	km := NewKMeans(WithKMeansClusters(2))
	if err := km.Fit(context.Background(), X); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	pred, err := km.Predict(X)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}

	labels := km.Labels()
	for i := 0; i < 12; i++ {
		if int(pred.At(i, 0)) != labels[i] {
			t.Errorf("Predict(train)[%d] = %v, want training label %d", i, pred.At(i, 0), labels[i])
		}
	}

	dists, err := km.Transform(X)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	r, c := dists.Dims()
	if r != 12 || c != 2 {
		t.Fatalf("Transform dims = (%d, %d), want (12, 2)", r, c)
	}

	// The assigned cluster is the nearest one
	for i := 0; i < r; i++ {
		own := dists.At(i, labels[i])
		other := dists.At(i, 1-labels[i])
		if own > other {
			t.Errorf("row %d: distance to own cluster %v exceeds other %v", i, own, other)
		}
	}
}

func TestKMeans_ConvergenceFailure(t *testing.T) {
	X := twoBlobs()

	// One sweep can never confirm stable assignments
	km := NewKMeans(WithKMeansClusters(2), WithKMeansMaxIter(1))
	err := km.Fit(context.Background(), X)
	if err == nil {
		t.Fatal("Expected convergence error, got nil")
	}

	var convErr *dkErrors.ConvergenceError
	if !errors.As(err, &convErr) {
		t.Errorf("Expected ConvergenceError, got %T: %v", err, err)
	}
	if km.IsFitted() {
		t.Error("unconverged model should not report fitted")
	}
}

func TestKMeans_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	km := NewKMeans(WithKMeansClusters(2))
	err := km.Fit(ctx, twoBlobs())
	if err == nil {
		t.Fatal("Expected error for cancelled context, got nil")
	}

	var cancelled *dkErrors.CancelledError
	if !errors.As(err, &cancelled) {
		t.Errorf("Expected CancelledError, got %T: %v", err, err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("error should preserve context.Canceled in its chain")
	}
}

func TestKMeans_Validation(t *testing.T) {
	ctx := context.Background()

	t.Run("empty data", func(t *testing.T) {
		km := NewKMeans()
		if err := km.Fit(ctx, &mat.Dense{}); err == nil {
			t.Error("Expected error, got nil")
		}
	})

	t.Run("fewer rows than clusters", func(t *testing.T) {
		km := NewKMeans(WithKMeansClusters(5))
		err := km.Fit(ctx, mat.NewDense(3, 1, []float64{1, 2, 3}))
		if err == nil {
			t.Fatal("Expected error, got nil")
		}
		var insufficientErr *dkErrors.InsufficientDataError
		if !errors.As(err, &insufficientErr) {
			t.Errorf("Expected InsufficientDataError, got %T", err)
		}
	})

	t.Run("zero clusters", func(t *testing.T) {
		km := NewKMeans(WithKMeansClusters(0))
		if err := km.Fit(ctx, mat.NewDense(2, 1, []float64{1, 2})); err == nil {
			t.Error("Expected error, got nil")
		}
	})

	t.Run("unfitted predict", func(t *testing.T) {
		km := NewKMeans()
		if _, err := km.Predict(mat.NewDense(1, 1, []float64{1})); err == nil {
			t.Error("Expected error, got nil")
		}
	})

	t.Run("feature mismatch", func(t *testing.T) {
		km := NewKMeans(WithKMeansClusters(2))
		if err := km.Fit(ctx, twoBlobs()); err != nil {
			t.Fatalf("Fit failed: %v", err)
		}
		if _, err := km.Predict(mat.NewDense(1, 3, []float64{1, 2, 3})); err == nil {
			t.Error("Expected error, got nil")
		}
	})
}

func TestKMeans_ParamsRoundTrip(t *testing.T) {
	X := twoBlobs()

	km := NewKMeans(WithKMeansClusters(2))
	if err := km.Fit(context.Background(), X); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	raw, err := km.ExportParams()
	if err != nil {
		t.Fatalf("ExportParams failed: %v", err)
	}

	restored := NewKMeans()
	if err := restored.ImportParams(raw); err != nil {
		t.Fatalf("ImportParams failed: %v", err)
	}

	if restored.NumClusters() != 2 {
		t.Errorf("restored NumClusters() = %d, want 2", restored.NumClusters())
	}
	if restored.Inertia() != km.Inertia() {
		t.Errorf("restored Inertia() = %v, want %v", restored.Inertia(), km.Inertia())
	}

	want, _ := km.Predict(X)
	got, err := restored.Predict(X)
	if err != nil {
		t.Fatalf("Predict on restored model failed: %v", err)
	}
	for i := 0; i < 12; i++ {
		if want.At(i, 0) != got.At(i, 0) {
			t.Errorf("restored prediction[%d] = %v, want %v", i, got.At(i, 0), want.At(i, 0))
		}
	}

	if err := NewKMeans().ImportParams([]byte(`{"centers":[]}`)); err == nil {
		t.Error("Expected error for empty centers, got nil")
	}
	if err := NewKMeans().ImportParams([]byte(`{"centers":[[1,2]],"n_features":3}`)); err == nil {
		t.Error("Expected error for inconsistent center width, got nil")
	}
}

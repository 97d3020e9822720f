package analysis_test

import (
	"math"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/ezoic/datakit/analysis"
	"github.com/ezoic/datakit/core/table"
	dkErrors "github.com/ezoic/datakit/pkg/errors"
)

func TestCorrelate_PerfectRelationships(t *testing.T) {
	view := mustBuild(t, table.NewBuilder().
		AddNumeric("x", []float64{1, 2, 3, 4, 5}).
		AddNumeric("y", []float64{2, 4, 6, 8, 10}).
		AddNumeric("z", []float64{5, 4, 3, 2, 1}))

	res, err := analysis.Correlate(view)
	if err != nil {
		t.Fatalf("Correlate failed: %v", err)
	}

	if len(res.Columns) != 3 {
		t.Fatalf("expected 3 columns, got %d", len(res.Columns))
	}

	// x and y move together, z moves against both
	checks := []struct {
		i, j int
		want float64
	}{
		{0, 0, 1}, {1, 1, 1}, {2, 2, 1},
		{0, 1, 1}, {0, 2, -1}, {1, 2, -1},
	}
	for _, c := range checks {
		if math.Abs(res.Matrix[c.i][c.j]-c.want) > 1e-9 {
			t.Errorf("Matrix[%d][%d] = %v, want %v", c.i, c.j, res.Matrix[c.i][c.j], c.want)
		}
		if res.Matrix[c.i][c.j] != res.Matrix[c.j][c.i] {
			t.Errorf("matrix not symmetric at (%d,%d)", c.i, c.j)
		}
	}

	if len(res.ZeroVarianceColumns) != 0 {
		t.Errorf("ZeroVarianceColumns = %v, want empty", res.ZeroVarianceColumns)
	}
}

func TestCorrelate_ZeroVarianceColumn(t *testing.T) {
	view := mustBuild(t, table.NewBuilder().
		AddNumeric("x", []float64{1, 2, 3, 4}).
		AddNumeric("flat", []float64{5, 5, 5, 5}).
		AddNumeric("y", []float64{4, 3, 2, 1}))

	res, err := analysis.Correlate(view)
	if err != nil {
		t.Fatalf("Correlate failed: %v", err)
	}

	if len(res.ZeroVarianceColumns) != 1 || res.ZeroVarianceColumns[0] != "flat" {
		t.Fatalf("ZeroVarianceColumns = %v, want [flat]", res.ZeroVarianceColumns)
	}

	// The flat column stays in the matrix with every entry zeroed
	flatIdx := 1
	for j := 0; j < 3; j++ {
		if res.Matrix[flatIdx][j] != 0 || res.Matrix[j][flatIdx] != 0 {
			t.Errorf("flat column entry (%d) = %v/%v, want 0", j, res.Matrix[flatIdx][j], res.Matrix[j][flatIdx])
		}
	}
	if res.Matrix[0][0] != 1 || res.Matrix[2][2] != 1 {
		t.Error("diagonal of varying columns must stay 1")
	}

	// No NaN anywhere
	for i := range res.Matrix {
		for j := range res.Matrix[i] {
			if math.IsNaN(res.Matrix[i][j]) {
				t.Fatalf("Matrix[%d][%d] is NaN", i, j)
			}
		}
	}
}

func TestCorrelate_PairwiseComplete(t *testing.T) {
	// x is missing in the last row; the (x, y) pair uses four rows while
	// (y, w) keeps all five
	view := mustBuild(t, table.NewBuilder().
		AddNumeric("x", []float64{1, 2, 3, 4, math.NaN()}).
		AddNumeric("y", []float64{2, 4, 6, 8, 10}).
		AddNumeric("w", []float64{1, 1, 2, 2, 3}))

	res, err := analysis.Correlate(view)
	if err != nil {
		t.Fatalf("Correlate failed: %v", err)
	}

	// Over the complete rows x and y are perfectly linear
	if math.Abs(res.Matrix[0][1]-1.0) > 1e-9 {
		t.Errorf("r(x, y) = %v, want 1 over the four complete rows", res.Matrix[0][1])
	}

	// y and w use all five rows; hand-computed Pearson r
	yv := []float64{2, 4, 6, 8, 10}
	wv := []float64{1, 1, 2, 2, 3}
	wantYW := pearson(yv, wv)
	if math.Abs(res.Matrix[1][2]-wantYW) > 1e-9 {
		t.Errorf("r(y, w) = %v, want %v", res.Matrix[1][2], wantYW)
	}
}

func TestCorrelate_TopPairs(t *testing.T) {
	view := mustBuild(t, table.NewBuilder().
		AddNumeric("a", []float64{1, 2, 3, 4, 5}).
		AddNumeric("b", []float64{2, 4, 6, 8, 10}).
		AddNumeric("c", []float64{1, 3, 2, 5, 4}))

	res, err := analysis.Correlate(view, analysis.WithTopPairs(1))
	if err != nil {
		t.Fatalf("Correlate failed: %v", err)
	}

	if len(res.TopPairs) != 1 {
		t.Fatalf("expected 1 top pair, got %d", len(res.TopPairs))
	}
	top := res.TopPairs[0]
	if top.ColumnA != "a" || top.ColumnB != "b" {
		t.Errorf("top pair = (%s, %s), want (a, b)", top.ColumnA, top.ColumnB)
	}
	if math.Abs(top.R-1.0) > 1e-9 {
		t.Errorf("top pair r = %v, want 1", top.R)
	}
}

func TestCorrelate_TopPairsTieOrder(t *testing.T) {
	// Every pair is perfectly correlated; ties keep column order
	view := mustBuild(t, table.NewBuilder().
		AddNumeric("a", []float64{1, 2, 3}).
		AddNumeric("b", []float64{2, 4, 6}).
		AddNumeric("c", []float64{3, 6, 9}))

	res, err := analysis.Correlate(view)
	if err != nil {
		t.Fatalf("Correlate failed: %v", err)
	}

	wantOrder := [][2]string{{"a", "b"}, {"a", "c"}, {"b", "c"}}
	if len(res.TopPairs) != 3 {
		t.Fatalf("expected 3 pairs, got %d", len(res.TopPairs))
	}
	for i, w := range wantOrder {
		if res.TopPairs[i].ColumnA != w[0] || res.TopPairs[i].ColumnB != w[1] {
			t.Errorf("TopPairs[%d] = (%s, %s), want (%s, %s)",
				i, res.TopPairs[i].ColumnA, res.TopPairs[i].ColumnB, w[0], w[1])
		}
	}
}

func TestCorrelate_Errors(t *testing.T) {
	t.Run("single numeric column", func(t *testing.T) {
		view := mustBuild(t, table.NewBuilder().
			AddNumeric("x", []float64{1, 2, 3}).
			AddCategorical("tag", []string{"a", "b", "c"}))
		_, err := analysis.Correlate(view)
		if err == nil {
			t.Fatal("Expected error, got nil")
		}
		var insufficientErr *dkErrors.InsufficientDataError
		if !errors.As(err, &insufficientErr) {
			t.Errorf("Expected InsufficientDataError, got %T", err)
		}
	})

	t.Run("single row", func(t *testing.T) {
		view := mustBuild(t, table.NewBuilder().
			AddNumeric("x", []float64{1}).
			AddNumeric("y", []float64{2}))
		if _, err := analysis.Correlate(view); err == nil {
			t.Error("Expected error, got nil")
		}
	})

	t.Run("invalid top pairs", func(t *testing.T) {
		view := mustBuild(t, table.NewBuilder().
			AddNumeric("x", []float64{1, 2}).
			AddNumeric("y", []float64{2, 1}))
		if _, err := analysis.Correlate(view, analysis.WithTopPairs(0)); err == nil {
			t.Error("Expected error, got nil")
		}
	})
}

// pearson is an independent reference implementation for cross-checking.
func pearson(x, y []float64) float64 {
	n := float64(len(x))
	var sx, sy float64
	for i := range x {
		sx += x[i]
		sy += y[i]
	}
	mx, my := sx/n, sy/n
	var cov, vx, vy float64
	for i := range x {
		cov += (x[i] - mx) * (y[i] - my)
		vx += (x[i] - mx) * (x[i] - mx)
		vy += (y[i] - my) * (y[i] - my)
	}
	return cov / math.Sqrt(vx*vy)
}

package analysis_test

import (
	"math"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/ezoic/datakit/analysis"
	"github.com/ezoic/datakit/core/table"
	dkErrors "github.com/ezoic/datakit/pkg/errors"
	"github.com/ezoic/datakit/result"
)

const epsilon = 1e-12

func mustBuild(t *testing.T, b *table.Builder) *table.View {
	t.Helper()
	view, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return view
}

func TestDescribe_NumericSummary(t *testing.T) {
	view := mustBuild(t, table.NewBuilder().
		AddNumeric("x", []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}))

	res, err := analysis.Describe(view)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}

	if len(res.Numeric) != 1 {
		t.Fatalf("expected 1 numeric summary, got %d", len(res.Numeric))
	}
	ns := res.Numeric[0]

	if ns.Count != 9 {
		t.Errorf("Count = %d, want 9", ns.Count)
	}
	if math.Abs(ns.Mean-5.0) > epsilon {
		t.Errorf("Mean = %v, want 5", ns.Mean)
	}
	// Sample std of 1..9: sqrt(60/8)
	if math.Abs(ns.Std-2.7386127875258306) > epsilon {
		t.Errorf("Std = %v, want 2.7386127875258306", ns.Std)
	}
	if ns.Min != 1 || ns.Max != 9 {
		t.Errorf("Min/Max = %v/%v, want 1/9", ns.Min, ns.Max)
	}
	if math.Abs(ns.Q25-3.0) > epsilon || math.Abs(ns.Median-5.0) > epsilon || math.Abs(ns.Q75-7.0) > epsilon {
		t.Errorf("quartiles = %v/%v/%v, want 3/5/7", ns.Q25, ns.Median, ns.Q75)
	}
}

func TestDescribe_QuartileInterpolation(t *testing.T) {
	view := mustBuild(t, table.NewBuilder().
		AddNumeric("x", []float64{1, 2, 3, 4}))

	res, err := analysis.Describe(view)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}

	ns := res.Numeric[0]
	// rank = p*(n-1): 0.75, 1.5 and 2.25 over [1 2 3 4]
	if math.Abs(ns.Q25-1.75) > epsilon {
		t.Errorf("Q25 = %v, want 1.75", ns.Q25)
	}
	if math.Abs(ns.Median-2.5) > epsilon {
		t.Errorf("Median = %v, want 2.5", ns.Median)
	}
	if math.Abs(ns.Q75-3.25) > epsilon {
		t.Errorf("Q75 = %v, want 3.25", ns.Q75)
	}
}

func TestDescribe_SkipsMissingNumeric(t *testing.T) {
	view := mustBuild(t, table.NewBuilder().
		AddNumeric("x", []float64{1, math.NaN(), 3, math.NaN(), 5}))

	res, err := analysis.Describe(view)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}

	ns := res.Numeric[0]
	if ns.Count != 3 {
		t.Errorf("Count = %d, want 3", ns.Count)
	}
	if math.Abs(ns.Mean-3.0) > epsilon {
		t.Errorf("Mean = %v, want 3", ns.Mean)
	}

	if len(res.Missing) != 1 {
		t.Fatalf("expected 1 missing entry, got %d", len(res.Missing))
	}
	if res.Missing[0].Missing != 2 {
		t.Errorf("Missing = %d, want 2", res.Missing[0].Missing)
	}
	if math.Abs(res.Missing[0].Pct-0.4) > epsilon {
		t.Errorf("Pct = %v, want 0.4", res.Missing[0].Pct)
	}
}

func TestDescribe_AllMissingColumn(t *testing.T) {
	view := mustBuild(t, table.NewBuilder().
		AddNumeric("empty", []float64{math.NaN(), math.NaN()}).
		AddNumeric("full", []float64{1, 2}))

	res, err := analysis.Describe(view)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}

	// The all-missing column appears only in the missing section
	if len(res.Numeric) != 1 || res.Numeric[0].Column != "full" {
		t.Errorf("Numeric summaries = %+v, want only %q", res.Numeric, "full")
	}
	if len(res.Missing) != 2 {
		t.Fatalf("expected 2 missing entries, got %d", len(res.Missing))
	}
	if res.Missing[0].Column != "empty" || res.Missing[0].Pct != 1.0 {
		t.Errorf("missing[0] = %+v, want column %q at 100%%", res.Missing[0], "empty")
	}
}

func TestDescribe_Categorical(t *testing.T) {
	view := mustBuild(t, table.NewBuilder().
		AddCategorical("color", []string{"red", "red", "blue", "green", "red", "blue", ""}))

	res, err := analysis.Describe(view)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}

	if len(res.Categorical) != 1 {
		t.Fatalf("expected 1 categorical summary, got %d", len(res.Categorical))
	}
	cs := res.Categorical[0]

	if cs.Count != 6 {
		t.Errorf("Count = %d, want 6 (blank excluded)", cs.Count)
	}
	if cs.Distinct != 3 {
		t.Errorf("Distinct = %d, want 3", cs.Distinct)
	}
	want := []result.CategoryCount{{Value: "red", Count: 3}, {Value: "blue", Count: 2}, {Value: "green", Count: 1}}
	if len(cs.Top) != len(want) {
		t.Fatalf("Top has %d entries, want %d", len(cs.Top), len(want))
	}
	for i, w := range want {
		if cs.Top[i] != w {
			t.Errorf("Top[%d] = %+v, want %+v", i, cs.Top[i], w)
		}
	}
	if cs.Other != 0 {
		t.Errorf("Other = %d, want 0", cs.Other)
	}
}

func TestDescribe_TopValuesBucket(t *testing.T) {
	view := mustBuild(t, table.NewBuilder().
		AddCategorical("color", []string{"red", "red", "red", "blue", "blue", "green", "gray"}))

	res, err := analysis.Describe(view, analysis.WithTopValues(2))
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}

	cs := res.Categorical[0]
	if len(cs.Top) != 2 {
		t.Fatalf("Top has %d entries, want 2", len(cs.Top))
	}
	if cs.Top[0].Value != "red" || cs.Top[1].Value != "blue" {
		t.Errorf("Top = %+v, want red then blue", cs.Top)
	}
	if cs.Other != 2 {
		t.Errorf("Other = %d, want 2", cs.Other)
	}
}

func TestDescribe_CategoricalTieBreak(t *testing.T) {
	view := mustBuild(t, table.NewBuilder().
		AddCategorical("tag", []string{"zeta", "alpha", "zeta", "alpha"}))

	res, err := analysis.Describe(view)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}

	top := res.Categorical[0].Top
	if top[0].Value != "alpha" || top[1].Value != "zeta" {
		t.Errorf("equal counts should order by value: got %+v", top)
	}
}

func TestDescribe_SingleRow(t *testing.T) {
	view := mustBuild(t, table.NewBuilder().
		AddNumeric("x", []float64{7}))

	res, err := analysis.Describe(view)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}

	ns := res.Numeric[0]
	if ns.Std != 0 {
		t.Errorf("Std = %v, want 0 for a single value", ns.Std)
	}
	if ns.Min != 7 || ns.Q25 != 7 || ns.Median != 7 || ns.Q75 != 7 || ns.Max != 7 {
		t.Errorf("all quantiles should equal the single value, got %+v", ns)
	}
}

func TestDescribe_Errors(t *testing.T) {
	t.Run("no rows", func(t *testing.T) {
		view := mustBuild(t, table.NewBuilder().AddNumeric("x", nil))
		_, err := analysis.Describe(view)
		if err == nil {
			t.Fatal("Expected error, got nil")
		}
		var insufficientErr *dkErrors.InsufficientDataError
		if !errors.As(err, &insufficientErr) {
			t.Errorf("Expected InsufficientDataError, got %T", err)
		}
	})

	t.Run("invalid top values", func(t *testing.T) {
		view := mustBuild(t, table.NewBuilder().AddNumeric("x", []float64{1}))
		if _, err := analysis.Describe(view, analysis.WithTopValues(0)); err == nil {
			t.Error("Expected error, got nil")
		}
	})
}

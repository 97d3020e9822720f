// Package analysis implements the table-level analysis operations:
// descriptive statistics, Pearson correlation, additive trend decomposition
// and isolation-forest anomaly detection. Every function here is
// deterministic: the only randomized algorithm (anomaly detection) draws
// from a seeded generator.
package analysis

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/ezoic/datakit/core/table"
	dkErrors "github.com/ezoic/datakit/pkg/errors"
	"github.com/ezoic/datakit/result"
)

// defaultTopValues caps categorical frequency tables.
const defaultTopValues = 10

// DescribeOption configures Describe.
type DescribeOption func(*describeConfig)

type describeConfig struct {
	topValues int
}

// WithTopValues sets how many categorical values are listed before the rest
// fold into the "other" bucket.
func WithTopValues(k int) DescribeOption {
	return func(cfg *describeConfig) {
		cfg.topValues = k
	}
}

// Describe summarizes every column of the view: moments and quartiles for
// numeric columns, frequency tables for categorical columns, and missing
// counts for all columns. Numeric columns with no non-missing values are
// reported only in the missing section.
func Describe(view *table.View, opts ...DescribeOption) (res *result.StatsResult, err error) {
	defer dkErrors.Recover(&err, "analysis.Describe")

	cfg := describeConfig{topValues: defaultTopValues}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.topValues < 1 {
		return nil, dkErrors.NewValueError("analysis.Describe", "top values must be at least 1")
	}

	rows := view.NumRows()
	if rows < 1 {
		return nil, dkErrors.NewInsufficientDataError("analysis.Describe", 1, rows)
	}

	out := &result.StatsResult{Rows: rows}

	for _, col := range view.Columns() {
		out.Missing = append(out.Missing, result.MissingStats{
			Column:  col.Name,
			Kind:    col.Kind.String(),
			Missing: col.Missing,
			Pct:     float64(col.Missing) / float64(rows),
		})

		switch col.Kind {
		case table.Numeric:
			values, err := view.NumericValues(col.Name)
			if err != nil {
				return nil, err
			}
			if ns, ok := describeNumeric(col.Name, values); ok {
				out.Numeric = append(out.Numeric, ns)
			}
		case table.Categorical:
			values, err := view.CategoricalValues(col.Name)
			if err != nil {
				return nil, err
			}
			out.Categorical = append(out.Categorical, describeCategorical(col.Name, values, cfg.topValues))
		}
	}

	return out, nil
}

// describeNumeric computes the summary of one numeric column, skipping NaNs.
// ok is false when the column has no usable values.
func describeNumeric(name string, values []float64) (result.NumericStats, bool) {
	kept := make([]float64, 0, len(values))
	for _, x := range values {
		if !math.IsNaN(x) {
			kept = append(kept, x)
		}
	}
	if len(kept) == 0 {
		return result.NumericStats{}, false
	}

	sorted := make([]float64, len(kept))
	copy(sorted, kept)
	sort.Float64s(sorted)

	std := 0.0
	if len(kept) >= 2 {
		std = stat.StdDev(kept, nil)
	}

	return result.NumericStats{
		Column: name,
		Count:  len(kept),
		Mean:   stat.Mean(kept, nil),
		Std:    std,
		Min:    sorted[0],
		Q25:    quantileSorted(0.25, sorted),
		Median: quantileSorted(0.50, sorted),
		Q75:    quantileSorted(0.75, sorted),
		Max:    sorted[len(sorted)-1],
	}, true
}

// describeCategorical builds the frequency table of one categorical column,
// skipping blanks. Ties in frequency break by value order so the table is
// stable across runs.
func describeCategorical(name string, values []string, topValues int) result.CategoricalStats {
	counts := make(map[string]int)
	total := 0
	for _, s := range values {
		if s == "" {
			continue
		}
		counts[s]++
		total++
	}

	entries := make([]result.CategoryCount, 0, len(counts))
	for value, count := range counts {
		entries = append(entries, result.CategoryCount{Value: value, Count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Value < entries[j].Value
	})

	top := entries
	if len(top) > topValues {
		top = top[:topValues]
	}
	inTop := 0
	for _, e := range top {
		inTop += e.Count
	}

	return result.CategoricalStats{
		Column:   name,
		Count:    total,
		Distinct: len(counts),
		Top:      top,
		Other:    total - inTop,
	}
}

// quantileSorted interpolates the p-quantile of an ascending slice using
// rank = p*(n-1), the same convention spreadsheet and dataframe tools use.
func quantileSorted(p float64, sorted []float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

package analysis

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/ezoic/datakit/core/table"
	dkErrors "github.com/ezoic/datakit/pkg/errors"
	"github.com/ezoic/datakit/result"
)

// DefaultPeriod is the seasonal cycle length assumed when none is given,
// matching monthly data with a yearly cycle.
const DefaultPeriod = 12

// TrendOption configures DecomposeTrend.
type TrendOption func(*trendConfig)

type trendConfig struct {
	period int
}

// WithPeriod sets the seasonal cycle length in observations.
func WithPeriod(p int) TrendOption {
	return func(cfg *trendConfig) {
		cfg.period = p
	}
}

// DecomposeTrend splits one numeric series into trend, seasonal and residual
// components: observed = trend + seasonal + residual. The series is ordered
// by the time column (datetime, or a numeric index), the trend is a centered
// moving average over one period (even periods use the standard split-weight
// window), and the seasonal component is the per-phase mean of the detrended
// series re-centered to sum zero.
//
// The moving average is undefined within half a window of either end, so
// Trend and Residual cover the interior range; TrendStart gives the offset
// into Observed where they begin.
func DecomposeTrend(view *table.View, timeColumn, valueColumn string, opts ...TrendOption) (res *result.TrendResult, err error) {
	defer dkErrors.Recover(&err, "analysis.DecomposeTrend")

	cfg := trendConfig{period: DefaultPeriod}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.period < 2 {
		return nil, dkErrors.NewValueError("analysis.DecomposeTrend", "period must be at least 2")
	}

	values, err := orderedSeries(view, timeColumn, valueColumn)
	if err != nil {
		return nil, err
	}

	n := len(values)
	if n < 2*cfg.period {
		return nil, dkErrors.NewInsufficientDataError("analysis.DecomposeTrend", 2*cfg.period, n)
	}

	period := cfg.period
	edge := period / 2
	trendLen := n - 2*edge

	trend := make([]float64, trendLen)
	for t := edge; t <= n-1-edge; t++ {
		trend[t-edge] = centeredAverage(values, t, period)
	}

	// Per-phase means of the detrended interior, re-centered to sum zero
	phaseSum := make([]float64, period)
	phaseCount := make([]int, period)
	for t := edge; t <= n-1-edge; t++ {
		phase := t % period
		phaseSum[phase] += values[t] - trend[t-edge]
		phaseCount[phase]++
	}
	pattern := make([]float64, period)
	grand := 0.0
	for ph := 0; ph < period; ph++ {
		pattern[ph] = phaseSum[ph] / float64(phaseCount[ph])
		grand += pattern[ph]
	}
	grand /= float64(period)
	for ph := range pattern {
		pattern[ph] -= grand
	}

	seasonal := make([]float64, n)
	for i := range seasonal {
		seasonal[i] = pattern[i%period]
	}

	residual := make([]float64, trendLen)
	deseasonalized := make([]float64, trendLen) // trend + residual
	detrended := make([]float64, trendLen)      // seasonal + residual
	for t := edge; t <= n-1-edge; t++ {
		i := t - edge
		residual[i] = values[t] - trend[i] - seasonal[t]
		deseasonalized[i] = values[t] - seasonal[t]
		detrended[i] = values[t] - trend[i]
	}

	return &result.TrendResult{
		TimeColumn:       timeColumn,
		ValueColumn:      valueColumn,
		Period:           period,
		Rows:             n,
		Observed:         values,
		Seasonal:         seasonal,
		Trend:            trend,
		Residual:         residual,
		TrendStart:       edge,
		TrendStrength:    componentStrength(residual, deseasonalized),
		SeasonalStrength: componentStrength(residual, detrended),
	}, nil
}

// orderedSeries extracts the value column at rows complete in both columns,
// sorted ascending by the time column. A numeric time column acts as a plain
// sortable index.
func orderedSeries(view *table.View, timeColumn, valueColumn string) ([]float64, error) {
	timeCol, ok := view.Column(timeColumn)
	if !ok {
		return nil, dkErrors.NewValueError("analysis.DecomposeTrend", fmt.Sprintf("unknown column %q", timeColumn))
	}
	if timeCol.Kind != table.Datetime && timeCol.Kind != table.Numeric {
		return nil, dkErrors.NewValueError("analysis.DecomposeTrend",
			fmt.Sprintf("time column %q is %s, need datetime or numeric", timeColumn, timeCol.Kind))
	}

	positions, err := view.CompleteRows(timeColumn, valueColumn)
	if err != nil {
		return nil, err
	}

	values, err := view.NumericValuesAt(valueColumn, positions)
	if err != nil {
		return nil, err
	}

	order := make([]int, len(positions))
	for i := range order {
		order[i] = i
	}
	if timeCol.Kind == table.Datetime {
		times, err := view.DatetimeValuesAt(timeColumn, positions)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(order, func(a, b int) bool { return times[order[a]].Before(times[order[b]]) })
	} else {
		index, err := view.NumericValuesAt(timeColumn, positions)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(order, func(a, b int) bool { return index[order[a]] < index[order[b]] })
	}

	ordered := make([]float64, len(values))
	for i, idx := range order {
		ordered[i] = values[idx]
	}
	return ordered, nil
}

// centeredAverage computes the moving average of one period centered at t.
// Even periods span period+1 points with half weight at both ends.
func centeredAverage(values []float64, t, period int) float64 {
	edge := period / 2
	if period%2 == 1 {
		sum := 0.0
		for i := t - edge; i <= t+edge; i++ {
			sum += values[i]
		}
		return sum / float64(period)
	}
	sum := 0.5*values[t-edge] + 0.5*values[t+edge]
	for i := t - edge + 1; i <= t+edge-1; i++ {
		sum += values[i]
	}
	return sum / float64(period)
}

// componentStrength measures how much variance a component explains:
// max(0, 1 - Var(residual)/Var(component+residual)). A flat
// component-plus-residual makes the ratio meaningless and scores 0.
func componentStrength(residual, withComponent []float64) float64 {
	denom := stat.Variance(withComponent, nil)
	if denom == 0 {
		return 0
	}
	s := 1 - stat.Variance(residual, nil)/denom
	if s < 0 {
		return 0
	}
	return s
}

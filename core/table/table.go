// Package table provides the immutable tabular view every pipeline
// component consumes.
//
// A View is built once from loaded column data, carries per-column kind and
// missing-value metadata, and is never mutated afterwards, so concurrent
// pipeline invocations can share one View without locking. Row identities
// survive filtering: every row keeps the ID it was built with, and
// extraction helpers report which rows they kept, so downstream scores can
// attach to rows rather than positions.
//
// Missing values are represented per kind: NaN for numeric columns, the
// empty string for categorical and text columns, and the zero time.Time for
// datetime columns. Missing and distinct counts are computed at build time.
package table

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/ezoic/datakit/pkg/errors"
)

// Kind classifies a column's values.
type Kind int

const (
	// Numeric columns hold float64 values; NaN marks missing.
	Numeric Kind = iota
	// Categorical columns hold a small set of string labels; "" marks missing.
	Categorical
	// Datetime columns hold time.Time values; the zero time marks missing.
	Datetime
	// Text columns hold free-form strings; "" marks missing.
	Text
)

// String returns the kind name used in results and error messages.
func (k Kind) String() string {
	switch k {
	case Numeric:
		return "numeric"
	case Categorical:
		return "categorical"
	case Datetime:
		return "datetime"
	case Text:
		return "text"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Column describes one column of a View.
type Column struct {
	Name     string
	Kind     Kind
	Missing  int // missing-value count
	Distinct int // distinct non-missing values; 0 for numeric/datetime columns
}

// View is a read-only table. Construct with Builder or FromMatrix.
type View struct {
	cols   []Column
	byName map[string]int

	numeric     map[string][]float64
	categorical map[string][]string
	datetime    map[string][]time.Time
	text        map[string][]string

	rowIDs []int
	nRows  int
}

// Builder accumulates columns and produces an immutable View.
type Builder struct {
	view View
	err  error
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		view: View{
			byName:      make(map[string]int),
			numeric:     make(map[string][]float64),
			categorical: make(map[string][]string),
			datetime:    make(map[string][]time.Time),
			text:        make(map[string][]string),
		},
	}
}

func (b *Builder) addColumn(name string, kind Kind, length int) bool {
	if b.err != nil {
		return false
	}
	if name == "" {
		b.err = errors.NewValidationError("column", "column name must not be empty", nil)
		return false
	}
	if _, dup := b.view.byName[name]; dup {
		b.err = errors.NewValidationError(name, "duplicate column name", nil)
		return false
	}
	if len(b.view.cols) == 0 {
		b.view.nRows = length
	} else if length != b.view.nRows {
		b.err = errors.NewDimensionError("Builder.Build", b.view.nRows, length, 0)
		return false
	}
	b.view.byName[name] = len(b.view.cols)
	b.view.cols = append(b.view.cols, Column{Name: name, Kind: kind})
	return true
}

// AddNumeric appends a numeric column. The slice is copied.
func (b *Builder) AddNumeric(name string, values []float64) *Builder {
	if !b.addColumn(name, Numeric, len(values)) {
		return b
	}
	copied := make([]float64, len(values))
	copy(copied, values)
	b.view.numeric[name] = copied
	return b
}

// AddCategorical appends a categorical column. The slice is copied.
func (b *Builder) AddCategorical(name string, values []string) *Builder {
	if !b.addColumn(name, Categorical, len(values)) {
		return b
	}
	copied := make([]string, len(values))
	copy(copied, values)
	b.view.categorical[name] = copied
	return b
}

// AddDatetime appends a datetime column. The slice is copied.
func (b *Builder) AddDatetime(name string, values []time.Time) *Builder {
	if !b.addColumn(name, Datetime, len(values)) {
		return b
	}
	copied := make([]time.Time, len(values))
	copy(copied, values)
	b.view.datetime[name] = copied
	return b
}

// AddText appends a free-form text column. The slice is copied.
func (b *Builder) AddText(name string, values []string) *Builder {
	if !b.addColumn(name, Text, len(values)) {
		return b
	}
	copied := make([]string, len(values))
	copy(copied, values)
	b.view.text[name] = copied
	return b
}

// WithRowIDs sets explicit row identities, e.g. source-file line numbers.
// IDs must be unique and match the row count. Without this, rows are
// numbered 0..n-1.
func (b *Builder) WithRowIDs(ids []int) *Builder {
	if b.err != nil {
		return b
	}
	copied := make([]int, len(ids))
	copy(copied, ids)
	b.view.rowIDs = copied
	return b
}

// Build finalizes the View, computing missing and distinct counts.
func (b *Builder) Build() (*View, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.view.cols) == 0 {
		return nil, errors.NewModelError("Builder.Build", "no columns", errors.ErrEmptyData)
	}

	v := &b.view

	if v.rowIDs == nil {
		v.rowIDs = make([]int, v.nRows)
		for i := range v.rowIDs {
			v.rowIDs[i] = i
		}
	} else {
		if len(v.rowIDs) != v.nRows {
			return nil, errors.NewDimensionError("Builder.Build", v.nRows, len(v.rowIDs), 0)
		}
		seen := make(map[int]struct{}, len(v.rowIDs))
		for _, id := range v.rowIDs {
			if _, dup := seen[id]; dup {
				return nil, errors.NewValidationError("row_ids", "row IDs must be unique", id)
			}
			seen[id] = struct{}{}
		}
	}

	for i := range v.cols {
		col := &v.cols[i]
		switch col.Kind {
		case Numeric:
			for _, x := range v.numeric[col.Name] {
				if math.IsNaN(x) {
					col.Missing++
				}
			}
		case Categorical:
			distinct := make(map[string]struct{})
			for _, s := range v.categorical[col.Name] {
				if s == "" {
					col.Missing++
					continue
				}
				distinct[s] = struct{}{}
			}
			col.Distinct = len(distinct)
		case Datetime:
			for _, ts := range v.datetime[col.Name] {
				if ts.IsZero() {
					col.Missing++
				}
			}
		case Text:
			distinct := make(map[string]struct{})
			for _, s := range v.text[col.Name] {
				if s == "" {
					col.Missing++
					continue
				}
				distinct[s] = struct{}{}
			}
			col.Distinct = len(distinct)
		}
	}

	// Detach from the builder so further Builder use cannot alias the View.
	b.err = errors.NewValueError("Builder.Build", "builder already consumed")
	return v, nil
}

// FromMatrix builds an all-numeric View from a matrix, one named column per
// matrix column.
func FromMatrix(names []string, m mat.Matrix) (*View, error) {
	r, c := m.Dims()
	if len(names) != c {
		return nil, errors.NewDimensionError("FromMatrix", c, len(names), 1)
	}
	b := NewBuilder()
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		for i := 0; i < r; i++ {
			col[i] = m.At(i, j)
		}
		b.AddNumeric(names[j], col)
	}
	return b.Build()
}

// NumRows returns the row count.
func (v *View) NumRows() int { return v.nRows }

// NumCols returns the column count.
func (v *View) NumCols() int { return len(v.cols) }

// Columns returns a copy of the column metadata in declared order.
func (v *View) Columns() []Column {
	out := make([]Column, len(v.cols))
	copy(out, v.cols)
	return out
}

// Column returns metadata for one column.
func (v *View) Column(name string) (Column, bool) {
	idx, ok := v.byName[name]
	if !ok {
		return Column{}, false
	}
	return v.cols[idx], true
}

// HasColumn reports whether the named column exists with the given kind.
func (v *View) HasColumn(name string, kind Kind) bool {
	col, ok := v.Column(name)
	return ok && col.Kind == kind
}

// NumericColumns returns the numeric column names in declared order.
func (v *View) NumericColumns() []string { return v.columnsOfKind(Numeric) }

// CategoricalColumns returns the categorical column names in declared order.
func (v *View) CategoricalColumns() []string { return v.columnsOfKind(Categorical) }

// DatetimeColumns returns the datetime column names in declared order.
func (v *View) DatetimeColumns() []string { return v.columnsOfKind(Datetime) }

func (v *View) columnsOfKind(kind Kind) []string {
	var names []string
	for _, col := range v.cols {
		if col.Kind == kind {
			names = append(names, col.Name)
		}
	}
	return names
}

// RowID returns the identity of the row at position pos.
func (v *View) RowID(pos int) int { return v.rowIDs[pos] }

// RowIDsAt maps view positions to row identities.
func (v *View) RowIDsAt(positions []int) []int {
	ids := make([]int, len(positions))
	for i, p := range positions {
		ids[i] = v.rowIDs[p]
	}
	return ids
}

func (v *View) missingAt(name string, pos int) bool {
	idx := v.byName[name]
	switch v.cols[idx].Kind {
	case Numeric:
		return math.IsNaN(v.numeric[name][pos])
	case Categorical:
		return v.categorical[name][pos] == ""
	case Datetime:
		return v.datetime[name][pos].IsZero()
	default:
		return v.text[name][pos] == ""
	}
}

// CompleteRows returns the positions of rows where every named column is
// non-missing, in row order. With no columns named, all positions return.
func (v *View) CompleteRows(cols ...string) ([]int, error) {
	for _, name := range cols {
		if _, ok := v.byName[name]; !ok {
			return nil, errors.NewValueError("View.CompleteRows", fmt.Sprintf("unknown column %q", name))
		}
	}
	positions := make([]int, 0, v.nRows)
	for pos := 0; pos < v.nRows; pos++ {
		keep := true
		for _, name := range cols {
			if v.missingAt(name, pos) {
				keep = false
				break
			}
		}
		if keep {
			positions = append(positions, pos)
		}
	}
	return positions, nil
}

func (v *View) requireKind(op, name string, kind Kind) error {
	col, ok := v.Column(name)
	if !ok {
		return errors.NewValueError(op, fmt.Sprintf("unknown column %q", name))
	}
	if col.Kind != kind {
		return errors.NewValueError(op, fmt.Sprintf("column %q is %s, not %s", name, col.Kind, kind))
	}
	return nil
}

// NumericValues returns a copy of a numeric column including NaNs.
func (v *View) NumericValues(name string) ([]float64, error) {
	if err := v.requireKind("View.NumericValues", name, Numeric); err != nil {
		return nil, err
	}
	src := v.numeric[name]
	out := make([]float64, len(src))
	copy(out, src)
	return out, nil
}

// NumericValuesAt extracts numeric values at the given positions.
func (v *View) NumericValuesAt(name string, positions []int) ([]float64, error) {
	if err := v.requireKind("View.NumericValuesAt", name, Numeric); err != nil {
		return nil, err
	}
	src := v.numeric[name]
	out := make([]float64, len(positions))
	for i, p := range positions {
		out[i] = src[p]
	}
	return out, nil
}

// CategoricalValuesAt extracts categorical values at the given positions.
func (v *View) CategoricalValuesAt(name string, positions []int) ([]string, error) {
	if err := v.requireKind("View.CategoricalValuesAt", name, Categorical); err != nil {
		return nil, err
	}
	src := v.categorical[name]
	out := make([]string, len(positions))
	for i, p := range positions {
		out[i] = src[p]
	}
	return out, nil
}

// CategoricalValues returns a copy of a categorical column including blanks.
func (v *View) CategoricalValues(name string) ([]string, error) {
	if err := v.requireKind("View.CategoricalValues", name, Categorical); err != nil {
		return nil, err
	}
	src := v.categorical[name]
	out := make([]string, len(src))
	copy(out, src)
	return out, nil
}

// DatetimeValuesAt extracts datetime values at the given positions.
func (v *View) DatetimeValuesAt(name string, positions []int) ([]time.Time, error) {
	if err := v.requireKind("View.DatetimeValuesAt", name, Datetime); err != nil {
		return nil, err
	}
	src := v.datetime[name]
	out := make([]time.Time, len(positions))
	for i, p := range positions {
		out[i] = src[p]
	}
	return out, nil
}

// NumericMatrixAt builds a dense matrix from the named numeric columns at
// the given positions, one matrix column per name in the order given.
func (v *View) NumericMatrixAt(positions []int, cols ...string) (*mat.Dense, error) {
	if len(cols) == 0 {
		return nil, errors.NewModelError("View.NumericMatrixAt", "no columns selected", errors.ErrEmptyData)
	}
	for _, name := range cols {
		if err := v.requireKind("View.NumericMatrixAt", name, Numeric); err != nil {
			return nil, err
		}
	}
	if len(positions) == 0 {
		return nil, errors.NewModelError("View.NumericMatrixAt", "no rows selected", errors.ErrEmptyData)
	}
	m := mat.NewDense(len(positions), len(cols), nil)
	for j, name := range cols {
		src := v.numeric[name]
		for i, p := range positions {
			m.Set(i, j, src[p])
		}
	}
	return m, nil
}

// NumericMatrix builds a dense matrix from the named numeric columns (all
// numeric columns when none are named), dropping rows where any selected
// column is missing. It returns the kept positions alongside the matrix so
// callers can align other columns or map back to row IDs.
func (v *View) NumericMatrix(cols ...string) (*mat.Dense, []int, error) {
	if len(cols) == 0 {
		cols = v.NumericColumns()
	}
	if len(cols) == 0 {
		return nil, nil, errors.NewModelError("View.NumericMatrix", "no numeric columns", errors.ErrEmptyData)
	}
	positions, err := v.CompleteRows(cols...)
	if err != nil {
		return nil, nil, err
	}
	m, err := v.NumericMatrixAt(positions, cols...)
	if err != nil {
		return nil, nil, err
	}
	return m, positions, nil
}

// RowValues returns the named numeric values of one row position as a map,
// used when presenting flagged rows for inspection.
func (v *View) RowValues(pos int, cols []string) (map[string]float64, error) {
	out := make(map[string]float64, len(cols))
	for _, name := range cols {
		if err := v.requireKind("View.RowValues", name, Numeric); err != nil {
			return nil, err
		}
		out[name] = v.numeric[name][pos]
	}
	return out, nil
}

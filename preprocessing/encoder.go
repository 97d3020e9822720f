package preprocessing

import (
	"sort"

	"github.com/ezoic/datakit/core/model"
	dkErrors "github.com/ezoic/datakit/pkg/errors"
)

// LabelEncoder maps categorical labels to integer indices in sorted
// category order, so "setosa"/"versicolor"/"virginica" become 0/1/2
// regardless of the order they appear in the data.
type LabelEncoder struct {
	state *model.StateManager

	// Classes holds the distinct labels seen during Fit, sorted.
	Classes []string

	classToIdx map[string]int
}

// NewLabelEncoder creates an unfitted LabelEncoder.
//
// Example:
//
//	enc := preprocessing.NewLabelEncoder()
//	encoded, err := enc.FitTransform(labels)
func NewLabelEncoder() *LabelEncoder {
	return &LabelEncoder{state: model.NewStateManager()}
}

// NewLabelEncoderFromClasses rebuilds a fitted encoder from a stored class
// list, preserving the original index assignment.
func NewLabelEncoderFromClasses(classes []string) (*LabelEncoder, error) {
	if len(classes) == 0 {
		return nil, dkErrors.NewValueError("NewLabelEncoderFromClasses", "empty class list")
	}
	e := NewLabelEncoder()
	e.Classes = append([]string(nil), classes...)
	e.classToIdx = make(map[string]int, len(classes))
	for idx, class := range e.Classes {
		if _, dup := e.classToIdx[class]; dup {
			return nil, dkErrors.NewValueError("NewLabelEncoderFromClasses", "duplicate class "+class)
		}
		e.classToIdx[class] = idx
	}
	e.state.SetFitted()
	return e, nil
}

// Fit learns the distinct labels and assigns each an index by sorted order.
//
// Errors:
//   - ErrEmptyData: if labels is empty
func (e *LabelEncoder) Fit(labels []string) (err error) {
	defer dkErrors.Recover(&err, "LabelEncoder.Fit")
	if len(labels) == 0 {
		return dkErrors.NewModelError("LabelEncoder.Fit", "empty data", dkErrors.ErrEmptyData)
	}

	classSet := make(map[string]bool)
	for _, label := range labels {
		classSet[label] = true
	}

	classes := make([]string, 0, len(classSet))
	for class := range classSet {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	e.Classes = classes
	e.classToIdx = make(map[string]int, len(classes))
	for idx, class := range classes {
		e.classToIdx[class] = idx
	}

	e.state.SetFitted()
	e.state.SetDimensions(1, len(labels))
	return nil
}

// Transform maps labels to their fitted indices.
//
// Errors:
//   - NotFittedError: if the encoder hasn't been fitted yet
//   - ValueError: if a label wasn't seen during Fit
func (e *LabelEncoder) Transform(labels []string) (_ []int, err error) {
	defer dkErrors.Recover(&err, "LabelEncoder.Transform")
	if !e.IsFitted() {
		return nil, dkErrors.NewNotFittedError("LabelEncoder", "Transform")
	}

	result := make([]int, len(labels))
	for i, label := range labels {
		idx, exists := e.classToIdx[label]
		if !exists {
			return nil, dkErrors.NewValueError("LabelEncoder.Transform", "unknown label "+label)
		}
		result[i] = idx
	}
	return result, nil
}

// FitTransform fits the encoder and transforms the same labels in one step.
func (e *LabelEncoder) FitTransform(labels []string) (_ []int, err error) {
	defer dkErrors.Recover(&err, "LabelEncoder.FitTransform")
	if err := e.Fit(labels); err != nil {
		return nil, err
	}
	return e.Transform(labels)
}

// InverseTransform maps indices back to their original labels.
//
// Errors:
//   - NotFittedError: if the encoder hasn't been fitted yet
//   - ValueError: if an index is out of range
func (e *LabelEncoder) InverseTransform(indices []int) (_ []string, err error) {
	defer dkErrors.Recover(&err, "LabelEncoder.InverseTransform")
	if !e.IsFitted() {
		return nil, dkErrors.NewNotFittedError("LabelEncoder", "InverseTransform")
	}

	result := make([]string, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= len(e.Classes) {
			return nil, dkErrors.NewValueError("LabelEncoder.InverseTransform", "index out of range")
		}
		result[i] = e.Classes[idx]
	}
	return result, nil
}

// NumClasses returns the number of distinct labels seen during Fit.
func (e *LabelEncoder) NumClasses() int {
	return len(e.Classes)
}

// IsFitted reports whether Fit has completed.
func (e *LabelEncoder) IsFitted() bool {
	return e.state.IsFitted()
}

package metrics

import (
	dkErrors "github.com/ezoic/datakit/pkg/errors"
)

// Accuracy calculates the fraction of predictions matching the true labels.
//
// Labels are the encoded class indices produced by LabelEncoder; both slices
// must have the same length.
func Accuracy(yTrue, yPred []int) (float64, error) {
	n := len(yTrue)
	if n == 0 {
		return 0, dkErrors.NewValueError("Accuracy", "empty labels")
	}
	if len(yPred) != n {
		return 0, dkErrors.NewDimensionError("Accuracy", n, len(yPred), 0)
	}

	correct := 0
	for i := range yTrue {
		if yTrue[i] == yPred[i] {
			correct++
		}
	}
	return float64(correct) / float64(n), nil
}

// ConfusionMatrix builds an nClasses×nClasses matrix where entry (i, j)
// counts rows with true class i predicted as class j. Class indices must be
// in [0, nClasses).
func ConfusionMatrix(yTrue, yPred []int, nClasses int) ([][]int, error) {
	n := len(yTrue)
	if n == 0 {
		return nil, dkErrors.NewValueError("ConfusionMatrix", "empty labels")
	}
	if len(yPred) != n {
		return nil, dkErrors.NewDimensionError("ConfusionMatrix", n, len(yPred), 0)
	}
	if nClasses < 1 {
		return nil, dkErrors.NewValueError("ConfusionMatrix", "nClasses must be positive")
	}

	cm := make([][]int, nClasses)
	for i := range cm {
		cm[i] = make([]int, nClasses)
	}
	for i := range yTrue {
		if yTrue[i] < 0 || yTrue[i] >= nClasses {
			return nil, dkErrors.NewValidationError("yTrue", "class index out of range", yTrue[i])
		}
		if yPred[i] < 0 || yPred[i] >= nClasses {
			return nil, dkErrors.NewValidationError("yPred", "class index out of range", yPred[i])
		}
		cm[yTrue[i]][yPred[i]]++
	}
	return cm, nil
}

// PrecisionRecallF1 calculates macro-averaged precision, recall and F1 over
// nClasses classes. Per-class scores with zero denominators count as 0,
// matching the usual zero-division convention, so classes absent from both
// truth and prediction pull the macro average down rather than poisoning it
// with NaN.
func PrecisionRecallF1(yTrue, yPred []int, nClasses int) (precision, recall, f1 float64, err error) {
	cm, err := ConfusionMatrix(yTrue, yPred, nClasses)
	if err != nil {
		return 0, 0, 0, err
	}

	var sumP, sumR, sumF float64
	for c := 0; c < nClasses; c++ {
		tp := cm[c][c]
		var fp, fn int
		for other := 0; other < nClasses; other++ {
			if other == c {
				continue
			}
			fp += cm[other][c]
			fn += cm[c][other]
		}

		var p, r float64
		if tp+fp > 0 {
			p = float64(tp) / float64(tp+fp)
		}
		if tp+fn > 0 {
			r = float64(tp) / float64(tp+fn)
		}
		var f float64
		if p+r > 0 {
			f = 2 * p * r / (p + r)
		}

		sumP += p
		sumR += r
		sumF += f
	}

	k := float64(nClasses)
	return sumP / k, sumR / k, sumF / k, nil
}

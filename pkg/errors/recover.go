package errors

import (
	"github.com/cockroachdb/errors"
)

// Recover converts a panic into a NumericError assigned to *err, so that no
// internal fault escapes a public entry point unclassified. Use in a defer:
//
//	func (m *Model) Fit(X, y mat.Matrix) (err error) {
//		defer dkErrors.Recover(&err, "Model.Fit")
//		...
//	}
//
// A panic value that is already an error is preserved in the chain; other
// values are formatted into the message. If *err is already set the panic
// still wins, since it describes the later, more severe fault.
func Recover(err *error, op string) {
	r := recover()
	if r == nil {
		return
	}

	switch v := r.(type) {
	case error:
		*err = NewNumericError(op, "unexpected internal fault", v)
	default:
		*err = NewNumericError(op, "unexpected internal fault", errors.Newf("panic: %v", v))
	}
}

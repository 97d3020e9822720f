package train

import (
	"math"
	"math/rand/v2"

	dkErrors "github.com/ezoic/datakit/pkg/errors"
)

// DefaultTestFraction is the held-out share used when a request does not set
// test_split.
const DefaultTestFraction = 0.2

// Split partitions row positions [0, n) into train and test sets by a seeded
// Fisher-Yates shuffle, so the same n, fraction and seed always produce the
// same split. The test set takes ceil(n*testFraction) rows, clamped so both
// sides keep at least one row.
func Split(n int, testFraction float64, seed int64) (trainIdx, testIdx []int, err error) {
	if n < 2 {
		return nil, nil, dkErrors.NewInsufficientDataError("train.Split", 2, n)
	}
	if testFraction <= 0 || testFraction >= 1 {
		return nil, nil, dkErrors.NewValueError("train.Split", "test fraction must be in (0, 1)")
	}

	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
	for i := n - 1; i > 0; i-- {
		j := rng.IntN(i + 1)
		perm[i], perm[j] = perm[j], perm[i]
	}

	testCount := int(math.Ceil(float64(n) * testFraction))
	if testCount < 1 {
		testCount = 1
	}
	if testCount >= n {
		testCount = n - 1
	}

	return perm[testCount:], perm[:testCount], nil
}

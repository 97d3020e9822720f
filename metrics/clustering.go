package metrics

import (
	"math"

	"gonum.org/v1/gonum/mat"

	dkErrors "github.com/ezoic/datakit/pkg/errors"
)

// Silhouette calculates the mean silhouette coefficient over all samples.
//
// For each sample i with cluster size > 1:
//
//	a(i) = mean distance to the other members of its own cluster
//	b(i) = min over other clusters of the mean distance to that cluster
//	s(i) = (b(i) - a(i)) / max(a(i), b(i))
//
// Samples in singleton clusters score 0. The result lies in [-1, 1]; values
// near 1 indicate tight, well-separated clusters.
//
// Labels may contain -1 for noise points (density clustering); noise is
// excluded from the score. At least two non-noise clusters are required.
func Silhouette(X mat.Matrix, labels []int) (float64, error) {
	n, _ := X.Dims()
	if n == 0 {
		return 0, dkErrors.NewValueError("Silhouette", "empty matrix")
	}
	if len(labels) != n {
		return 0, dkErrors.NewDimensionError("Silhouette", n, len(labels), 0)
	}

	// Cluster membership, skipping noise.
	members := make(map[int][]int)
	for i, c := range labels {
		if c < 0 {
			continue
		}
		members[c] = append(members[c], i)
	}
	if len(members) < 2 {
		return 0, dkErrors.NewValueError("Silhouette", "need at least 2 clusters")
	}

	var sum float64
	var counted int
	for c, own := range members {
		for _, i := range own {
			if len(own) == 1 {
				counted++
				continue // s(i) = 0 for singletons
			}

			var a float64
			for _, j := range own {
				if i == j {
					continue
				}
				a += rowDistance(X, i, j)
			}
			a /= float64(len(own) - 1)

			b := math.Inf(1)
			for other, theirs := range members {
				if other == c {
					continue
				}
				var d float64
				for _, j := range theirs {
					d += rowDistance(X, i, j)
				}
				d /= float64(len(theirs))
				if d < b {
					b = d
				}
			}

			denom := math.Max(a, b)
			if denom > 0 {
				sum += (b - a) / denom
			}
			counted++
		}
	}

	if counted == 0 {
		return 0, dkErrors.NewModelError("Silhouette", "all points are noise", dkErrors.ErrEmptyData)
	}
	return sum / float64(counted), nil
}

// rowDistance is the Euclidean distance between rows i and j of X.
func rowDistance(X mat.Matrix, i, j int) float64 {
	_, c := X.Dims()
	var sum float64
	for k := 0; k < c; k++ {
		d := X.At(i, k) - X.At(j, k)
		sum += d * d
	}
	return math.Sqrt(sum)
}

package insight

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/ezoic/datakit/core/table"
	dkErrors "github.com/ezoic/datakit/pkg/errors"
	"github.com/ezoic/datakit/pkg/log"
	"github.com/ezoic/datakit/result"
)

const (
	tsneIterations    = 300
	tsneExaggeration  = 4.0
	tsneExaggerateFor = 50
	tsneLearningRate  = 200.0
	tsneEarlyMomentum = 0.5
	tsneFinalMomentum = 0.8
	tsneMomentumShift = 50

	defaultPerplexity = 30.0
	minEmbeddingRows  = 20

	// Binary search bounds for the per-point bandwidth.
	perplexityTries = 50
	perplexityTol   = 1e-5

	affinityFloor = 1e-12
)

// EmbeddingOption configures ComputeEmbedding.
type EmbeddingOption func(*embeddingConfig)

type embeddingConfig struct {
	columns    []string
	components int
	perplexity float64
	seed       int64
}

// WithEmbeddingColumns restricts the embedding to the named numeric columns.
// The default uses every numeric column.
func WithEmbeddingColumns(cols ...string) EmbeddingOption {
	return func(cfg *embeddingConfig) {
		cfg.columns = cols
	}
}

// WithEmbeddingComponents sets the embedding dimensionality, 2 or 3.
func WithEmbeddingComponents(k int) EmbeddingOption {
	return func(cfg *embeddingConfig) {
		cfg.components = k
	}
}

// WithPerplexity sets the target perplexity of the input affinities. Values
// above (n-1)/3 are capped there.
func WithPerplexity(p float64) EmbeddingOption {
	return func(cfg *embeddingConfig) {
		cfg.perplexity = p
	}
}

// WithEmbeddingSeed sets the seed for the initial layout.
func WithEmbeddingSeed(seed int64) EmbeddingOption {
	return func(cfg *embeddingConfig) {
		cfg.seed = seed
	}
}

// ComputeEmbedding lays the complete numeric rows out in 2 or 3 dimensions
// with exact t-SNE: Gaussian input affinities matched to the target
// perplexity per point, a Student-t kernel in the embedding, and gradient
// descent on the KL divergence between the two. The first 50 of 300
// iterations run with affinities exaggerated 4x so clusters separate before
// the layout settles; momentum steps from 0.5 to 0.8 at iteration 50.
//
// A fixed seed gives one layout. The context is polled every iteration.
func ComputeEmbedding(ctx context.Context, view *table.View, opts ...EmbeddingOption) (res *result.InsightResult, err error) {
	defer dkErrors.Recover(&err, "insight.ComputeEmbedding")

	cfg := embeddingConfig{
		components: defaultComponents,
		perplexity: defaultPerplexity,
		seed:       42,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.components != 2 && cfg.components != 3 {
		return nil, dkErrors.NewValueError("insight.ComputeEmbedding", "components must be 2 or 3")
	}
	if cfg.perplexity < 1 {
		return nil, dkErrors.NewValueError("insight.ComputeEmbedding", "perplexity must be at least 1")
	}

	startTime := time.Now()

	X, positions, err := view.NumericMatrix(cfg.columns...)
	if err != nil {
		return nil, err
	}
	n, d := X.Dims()
	if n < minEmbeddingRows {
		return nil, dkErrors.NewInsufficientDataError("insight.ComputeEmbedding", minEmbeddingRows, n)
	}
	perplexity := cfg.perplexity
	if maxPerp := float64(n-1) / 3; perplexity > maxPerp {
		perplexity = maxPerp
	}

	logger := log.GetLoggerWithName("insight").With(log.ComponentKey, "embedding")
	logger.Info("Embedding started",
		log.OperationKey, log.OperationAnalyze,
		log.PhaseKey, log.PhaseAnalysis,
		log.RowsKey, n,
		log.FeaturesKey, d,
		log.ComponentsKey, cfg.components,
		"perplexity", perplexity,
	)

	P := jointAffinities(pairwiseSquaredDistances(X), n, perplexity)

	k := cfg.components
	rng := rand.New(rand.NewPCG(uint64(cfg.seed), uint64(cfg.seed)))
	Y := make([]float64, n*k)
	for i := range Y {
		Y[i] = rng.NormFloat64() * 0.01
	}

	velocity := make([]float64, n*k)
	grad := make([]float64, n*k)
	num := make([]float64, n*n)
	for iter := 0; iter < tsneIterations; iter++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, dkErrors.NewCancelledError("insight.ComputeEmbedding", ctxErr)
		}

		exaggeration := 1.0
		if iter < tsneExaggerateFor {
			exaggeration = tsneExaggeration
		}
		momentum := tsneEarlyMomentum
		if iter >= tsneMomentumShift {
			momentum = tsneFinalMomentum
		}

		Z := studentTNumerators(Y, n, k, num)

		// dY_i = 4 sum_j (P_ij - Q_ij) num_ij (y_i - y_j)
		for i := 0; i < n; i++ {
			for c := 0; c < k; c++ {
				grad[i*k+c] = 0
			}
			for j := 0; j < n; j++ {
				if j == i {
					continue
				}
				q := num[i*n+j] / Z
				if q < affinityFloor {
					q = affinityFloor
				}
				w := 4 * (exaggeration*P[i*n+j] - q) * num[i*n+j]
				for c := 0; c < k; c++ {
					grad[i*k+c] += w * (Y[i*k+c] - Y[j*k+c])
				}
			}
		}

		for idx := range Y {
			velocity[idx] = momentum*velocity[idx] - tsneLearningRate*grad[idx]
			Y[idx] += velocity[idx]
		}
		recenter(Y, n, k)
	}

	// Final divergence against the unexaggerated affinities
	Z := studentTNumerators(Y, n, k, num)
	kl := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			q := num[i*n+j] / Z
			if q < affinityFloor {
				q = affinityFloor
			}
			kl += P[i*n+j] * math.Log(P[i*n+j]/q)
		}
	}

	coords := make([][]float64, n)
	for i := 0; i < n; i++ {
		coords[i] = append([]float64(nil), Y[i*k:(i+1)*k]...)
	}

	logger.Info("Embedding completed",
		log.OperationKey, log.OperationAnalyze,
		log.PhaseKey, log.PhaseAnalysis,
		log.RowsKey, n,
		log.IterationsKey, tsneIterations,
		"kl_divergence", kl,
		log.DurationMsKey, time.Since(startTime).Milliseconds(),
	)

	return &result.InsightResult{
		Method:           result.MethodTSNE,
		Components:       k,
		Projection:       coords,
		ProjectionRowIDs: view.RowIDsAt(positions),
		KLDivergence:     kl,
		Iterations:       tsneIterations,
		Perplexity:       perplexity,
	}, nil
}

// pairwiseSquaredDistances flattens the n x n squared Euclidean distances.
func pairwiseSquaredDistances(X *mat.Dense) []float64 {
	n, d := X.Dims()
	D := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			dist := 0.0
			for c := 0; c < d; c++ {
				diff := X.At(i, c) - X.At(j, c)
				dist += diff * diff
			}
			D[i*n+j] = dist
			D[j*n+i] = dist
		}
	}
	return D
}

// jointAffinities turns squared distances into symmetric affinities P. Each
// point's Gaussian bandwidth is binary-searched so the entropy of its
// conditional distribution hits log(perplexity); the conditionals are then
// symmetrized, normalized over all pairs and floored away from zero.
func jointAffinities(D []float64, n int, perplexity float64) []float64 {
	target := math.Log(perplexity)
	cond := make([]float64, n*n)
	row := make([]float64, n)
	for i := 0; i < n; i++ {
		beta := 1.0
		betaMin := math.Inf(-1)
		betaMax := math.Inf(1)
		for try := 0; try < perplexityTries; try++ {
			sum := 0.0
			weighted := 0.0
			for j := 0; j < n; j++ {
				if j == i {
					row[j] = 0
					continue
				}
				p := math.Exp(-D[i*n+j] * beta)
				row[j] = p
				sum += p
				weighted += D[i*n+j] * p
			}
			if sum <= 0 {
				// Every neighbor vanished at this bandwidth
				betaMax = beta
				if math.IsInf(betaMin, -1) {
					beta /= 2
				} else {
					beta = (beta + betaMin) / 2
				}
				continue
			}
			diff := math.Log(sum) + beta*weighted/sum - target
			if math.Abs(diff) < perplexityTol {
				break
			}
			if diff > 0 {
				betaMin = beta
				if math.IsInf(betaMax, 1) {
					beta *= 2
				} else {
					beta = (beta + betaMax) / 2
				}
			} else {
				betaMax = beta
				if math.IsInf(betaMin, -1) {
					beta /= 2
				} else {
					beta = (beta + betaMin) / 2
				}
			}
		}

		sum := 0.0
		for j := 0; j < n; j++ {
			sum += row[j]
		}
		if sum <= 0 {
			// Degenerate row: spread the mass uniformly
			uniform := 1.0 / float64(n-1)
			for j := 0; j < n; j++ {
				if j != i {
					cond[i*n+j] = uniform
				}
			}
			continue
		}
		for j := 0; j < n; j++ {
			cond[i*n+j] = row[j] / sum
		}
	}

	P := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			p := (cond[i*n+j] + cond[j*n+i]) / (2 * float64(n))
			if p < affinityFloor {
				p = affinityFloor
			}
			P[i*n+j] = p
		}
	}
	return P
}

// studentTNumerators fills num with the Student-t kernel values
// 1/(1+||y_i-y_j||^2) and returns their total, the normalizer of Q.
func studentTNumerators(Y []float64, n, k int, num []float64) float64 {
	Z := 0.0
	for i := 0; i < n; i++ {
		num[i*n+i] = 0
		for j := i + 1; j < n; j++ {
			dist := 0.0
			for c := 0; c < k; c++ {
				diff := Y[i*k+c] - Y[j*k+c]
				dist += diff * diff
			}
			q := 1 / (1 + dist)
			num[i*n+j] = q
			num[j*n+i] = q
			Z += 2 * q
		}
	}
	if Z < affinityFloor {
		Z = affinityFloor
	}
	return Z
}

// recenter shifts each embedding dimension to mean zero.
func recenter(Y []float64, n, k int) {
	for c := 0; c < k; c++ {
		mean := 0.0
		for i := 0; i < n; i++ {
			mean += Y[i*k+c]
		}
		mean /= float64(n)
		for i := 0; i < n; i++ {
			Y[i*k+c] -= mean
		}
	}
}

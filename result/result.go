// Package result defines the closed set of typed pipeline results and the
// Document encoder that turns them into a transport-ready key/value form.
//
// Every result kind carries a fixed schema version stamped into the encoded
// Document, so downstream consumers can detect shape changes without
// inspecting payloads. Encoding rejects non-finite numbers; producers are
// expected to sanitize (zero-variance correlation entries, singleton-cluster
// silhouettes) before handing a result over.
package result

import "github.com/ezoic/datakit/core/model"

// Schema versions, one per result kind. Bump when the encoded shape of that
// kind changes.
const (
	StatsSchemaVersion       = 1
	CorrelationSchemaVersion = 1
	TrendSchemaVersion       = 1
	AnomalySchemaVersion     = 1
	TrainSchemaVersion       = 1
	InsightSchemaVersion     = 1
)

// Result tags used as the top-level "result" value of a Document.
const (
	KindStats       = "stats"
	KindCorrelation = "correlation"
	KindTrend       = "trend"
	KindAnomaly     = "anomaly"
	KindTrain       = "train"
	KindInsight     = "insight"
)

// Result is implemented by the six concrete result types and nothing else.
type Result interface {
	Kind() string
	SchemaVersion() int
}

// NumericStats summarizes one numeric column.
type NumericStats struct {
	Column string
	Count  int // non-missing values
	Mean   float64
	Std    float64 // sample standard deviation (n-1)
	Min    float64
	Q25    float64
	Median float64
	Q75    float64
	Max    float64
}

// CategoryCount is one entry of a categorical frequency table.
type CategoryCount struct {
	Value string
	Count int
}

// CategoricalStats summarizes one categorical column: distinct count and the
// top values by frequency with everything else folded into Other.
type CategoricalStats struct {
	Column   string
	Count    int // non-missing values
	Distinct int
	Top      []CategoryCount
	Other    int // rows outside the top values
}

// MissingStats reports missingness for any column kind.
type MissingStats struct {
	Column  string
	Kind    string
	Missing int
	Pct     float64 // share of all rows, in [0,1]
}

// StatsResult is the descriptive-statistics summary of a table.
type StatsResult struct {
	Rows        int
	Numeric     []NumericStats
	Categorical []CategoricalStats
	Missing     []MissingStats // every column, in declared order
}

func (*StatsResult) Kind() string       { return KindStats }
func (*StatsResult) SchemaVersion() int { return StatsSchemaVersion }

// CorrelationPair is one off-diagonal correlation, reported once per pair.
type CorrelationPair struct {
	ColumnA string
	ColumnB string
	R       float64
}

// CorrelationResult is the Pearson correlation matrix over numeric columns.
// Zero-variance columns stay in the matrix with their entries forced to 0
// and are listed separately.
type CorrelationResult struct {
	Columns             []string
	Matrix              [][]float64
	ZeroVarianceColumns []string
	TopPairs            []CorrelationPair // strongest absolute pairs, descending
}

func (*CorrelationResult) Kind() string       { return KindCorrelation }
func (*CorrelationResult) SchemaVersion() int { return CorrelationSchemaVersion }

// TrendResult is the additive decomposition of one series ordered by its
// time or index column. The centered moving average is undefined within
// half a window of either end, so Trend and Residual cover the interior
// range starting at Observed[TrendStart].
type TrendResult struct {
	TimeColumn  string
	ValueColumn string
	Period      int
	Rows        int // observations used after ordering and missing-value drop

	Observed []float64
	Seasonal []float64 // per-phase means re-centered to sum 0, full length
	Trend    []float64 // centered moving average, interior range
	Residual []float64 // observed - trend - seasonal, aligned with Trend

	TrendStart       int // index into Observed where Trend begins
	TrendStrength    float64
	SeasonalStrength float64
}

func (*TrendResult) Kind() string       { return KindTrend }
func (*TrendResult) SchemaVersion() int { return TrendSchemaVersion }

// AnomalyScore attaches an isolation score to a row identity.
type AnomalyScore struct {
	RowID   int
	Score   float64
	Flagged bool
}

// AnomalyDetail is one flagged row with its original feature values.
type AnomalyDetail struct {
	RowID    int
	Score    float64
	Features map[string]float64
}

// AnomalyResult is the isolation-forest scoring of a table.
type AnomalyResult struct {
	Scores        []AnomalyScore // every scored row, in row order
	Threshold     float64
	Contamination float64
	FlaggedCount  int
	TopAnomalies  []AnomalyDetail // highest scores first
}

func (*AnomalyResult) Kind() string       { return KindAnomaly }
func (*AnomalyResult) SchemaVersion() int { return AnomalySchemaVersion }

// Prediction is one held-out evaluation row. Label fields are set for
// classification, where Actual and Predicted carry the encoded class ids.
type Prediction struct {
	RowID          int
	Actual         float64
	Predicted      float64
	ActualLabel    string
	PredictedLabel string
}

// Assignment is one clustering assignment over the full table.
type Assignment struct {
	RowID   int
	Cluster int
}

// TrainResult reports a completed training run: metrics, the held-out
// predictions (supervised) or full-table assignments (clustering), and the
// re-loadable artifact.
type TrainResult struct {
	Task    string
	Model   string
	Metrics map[string]float64

	Predictions []Prediction // supervised tasks
	Assignments []Assignment // clustering
	Centers     [][]float64  // clustering, in the caller's feature space

	ConfusionMatrix [][]int  // classification, rows=actual, cols=predicted
	ClassLabels     []string // label order of the confusion matrix

	Artifact *model.Artifact
}

func (*TrainResult) Kind() string       { return KindTrain }
func (*TrainResult) SchemaVersion() int { return TrainSchemaVersion }

// FeatureImportance scores one column's contribution, higher meaning more
// important.
type FeatureImportance struct {
	Column     string
	Importance float64
}

// Method names for InsightResult.
const (
	MethodPCA        = "pca"
	MethodTSNE       = "tsne"
	MethodImportance = "feature_importance"
)

// Importance sources for InsightResult.
const (
	SourceCoefficients = "coefficients"
	SourceSplitGain    = "split_gain"
	SourcePermutation  = "permutation"
)

// InsightResult covers the model-inspection operations. Method selects
// which field groups are populated: projections for "pca" and "tsne",
// importances for "feature_importance".
type InsightResult struct {
	Method string

	// pca / tsne
	Components       int
	Projection       [][]float64 // one row of coordinates per kept table row
	ProjectionRowIDs []int

	// pca
	ExplainedVarianceRatio []float64

	// tsne
	KLDivergence float64
	Iterations   int
	Perplexity   float64

	// feature_importance
	Model            string
	ImportanceSource string // "coefficients", "split_gain" or "permutation"
	Importances      []FeatureImportance
}

func (*InsightResult) Kind() string       { return KindInsight }
func (*InsightResult) SchemaVersion() int { return InsightSchemaVersion }

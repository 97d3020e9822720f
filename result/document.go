package result

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/ezoic/datakit/core/model"
	dkErrors "github.com/ezoic/datakit/pkg/errors"
)

// Document is the transport form of a result: string keys over finite
// float64, int, bool, string, []interface{} and nested Documents only, so
// it always survives encoding/json unchanged.
type Document map[string]interface{}

// Meta identifies the run a Document reports.
type Meta struct {
	RunID     string
	Operation string
	Model     string
	Rows      int
	ElapsedMS int64
}

// Encode turns a typed result into its Document form. The top level carries
// the "result" kind tag, the kind's schema version and the run meta block;
// the result's own fields sit alongside them in snake_case. Any NaN or
// infinity anywhere in the encoded tree aborts with NumericError.
func Encode(res Result, meta Meta) (doc Document, err error) {
	defer dkErrors.Recover(&err, "result.Encode")

	if res == nil {
		return nil, dkErrors.NewValueError("result.Encode", "nil result")
	}

	var body Document
	switch r := res.(type) {
	case *StatsResult:
		body = encodeStats(r)
	case *CorrelationResult:
		body = encodeCorrelation(r)
	case *TrendResult:
		body = encodeTrend(r)
	case *AnomalyResult:
		body = encodeAnomaly(r)
	case *TrainResult:
		body, err = encodeTrain(r)
	case *InsightResult:
		body, err = encodeInsight(r)
	default:
		return nil, dkErrors.NewValueError("result.Encode",
			fmt.Sprintf("unsupported result type %T", res))
	}
	if err != nil {
		return nil, err
	}

	doc = Document{
		"result":         res.Kind(),
		"schema_version": res.SchemaVersion(),
		"meta": Document{
			"run_id":     meta.RunID,
			"operation":  meta.Operation,
			"model":      meta.Model,
			"rows":       meta.Rows,
			"elapsed_ms": meta.ElapsedMS,
		},
	}
	for k, v := range body {
		doc[k] = v
	}

	if err := checkFinite("", doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func encodeStats(r *StatsResult) Document {
	numeric := make([]interface{}, len(r.Numeric))
	for i, s := range r.Numeric {
		numeric[i] = Document{
			"column": s.Column,
			"count":  s.Count,
			"mean":   s.Mean,
			"std":    s.Std,
			"min":    s.Min,
			"q25":    s.Q25,
			"median": s.Median,
			"q75":    s.Q75,
			"max":    s.Max,
		}
	}
	categorical := make([]interface{}, len(r.Categorical))
	for i, s := range r.Categorical {
		top := make([]interface{}, len(s.Top))
		for j, c := range s.Top {
			top[j] = Document{"value": c.Value, "count": c.Count}
		}
		categorical[i] = Document{
			"column":   s.Column,
			"count":    s.Count,
			"distinct": s.Distinct,
			"top":      top,
			"other":    s.Other,
		}
	}
	missing := make([]interface{}, len(r.Missing))
	for i, m := range r.Missing {
		missing[i] = Document{
			"column":  m.Column,
			"kind":    m.Kind,
			"missing": m.Missing,
			"pct":     m.Pct,
		}
	}
	return Document{
		"rows":        r.Rows,
		"numeric":     numeric,
		"categorical": categorical,
		"missing":     missing,
	}
}

func encodeCorrelation(r *CorrelationResult) Document {
	pairs := make([]interface{}, len(r.TopPairs))
	for i, p := range r.TopPairs {
		pairs[i] = Document{"column_a": p.ColumnA, "column_b": p.ColumnB, "r": p.R}
	}
	doc := Document{
		"columns":   stringList(r.Columns),
		"matrix":    floatMatrix(r.Matrix),
		"top_pairs": pairs,
	}
	if len(r.ZeroVarianceColumns) > 0 {
		doc["zero_variance_columns"] = stringList(r.ZeroVarianceColumns)
	}
	return doc
}

func encodeTrend(r *TrendResult) Document {
	doc := Document{
		"value_column":      r.ValueColumn,
		"period":            r.Period,
		"rows":              r.Rows,
		"observed":          floatList(r.Observed),
		"seasonal":          floatList(r.Seasonal),
		"trend":             floatList(r.Trend),
		"residual":          floatList(r.Residual),
		"trend_start":       r.TrendStart,
		"trend_strength":    r.TrendStrength,
		"seasonal_strength": r.SeasonalStrength,
	}
	if r.TimeColumn != "" {
		doc["time_column"] = r.TimeColumn
	}
	return doc
}

func encodeAnomaly(r *AnomalyResult) Document {
	scores := make([]interface{}, len(r.Scores))
	for i, s := range r.Scores {
		scores[i] = Document{"row_id": s.RowID, "score": s.Score, "flagged": s.Flagged}
	}
	top := make([]interface{}, len(r.TopAnomalies))
	for i, d := range r.TopAnomalies {
		features := make(Document, len(d.Features))
		for name, v := range d.Features {
			features[name] = v
		}
		top[i] = Document{"row_id": d.RowID, "score": d.Score, "features": features}
	}
	return Document{
		"scores":        scores,
		"threshold":     r.Threshold,
		"contamination": r.Contamination,
		"flagged_count": r.FlaggedCount,
		"top_anomalies": top,
	}
}

func encodeTrain(r *TrainResult) (Document, error) {
	doc := Document{
		"task":  r.Task,
		"model": r.Model,
	}
	if len(r.Metrics) > 0 {
		doc["metrics"] = metricsDoc(r.Metrics)
	}
	if len(r.Predictions) > 0 {
		preds := make([]interface{}, len(r.Predictions))
		for i, p := range r.Predictions {
			pd := Document{
				"row_id":    p.RowID,
				"actual":    p.Actual,
				"predicted": p.Predicted,
			}
			if p.ActualLabel != "" {
				pd["actual_label"] = p.ActualLabel
			}
			if p.PredictedLabel != "" {
				pd["predicted_label"] = p.PredictedLabel
			}
			preds[i] = pd
		}
		doc["predictions"] = preds
	}
	if len(r.Assignments) > 0 {
		assignments := make([]interface{}, len(r.Assignments))
		for i, a := range r.Assignments {
			assignments[i] = Document{"row_id": a.RowID, "cluster": a.Cluster}
		}
		doc["assignments"] = assignments
	}
	if len(r.Centers) > 0 {
		doc["centers"] = floatMatrix(r.Centers)
	}
	if len(r.ConfusionMatrix) > 0 {
		doc["confusion_matrix"] = intMatrix(r.ConfusionMatrix)
		doc["class_labels"] = stringList(r.ClassLabels)
	}
	if r.Artifact != nil {
		artifact, err := encodeArtifact(r.Artifact)
		if err != nil {
			return nil, err
		}
		doc["artifact"] = artifact
	}
	return doc, nil
}

func encodeArtifact(a *model.Artifact) (Document, error) {
	doc := Document{
		"schema_version":  a.SchemaVersion,
		"task":            a.Task,
		"model":           a.Model,
		"feature_columns": stringList(a.FeatureColumns),
		"seed":            a.Seed,
	}
	if a.LabelColumn != "" {
		doc["label_column"] = a.LabelColumn
	}
	if len(a.Classes) > 0 {
		doc["classes"] = stringList(a.Classes)
	}
	if len(a.Metrics) > 0 {
		doc["metrics"] = metricsDoc(a.Metrics)
	}
	if a.Scaler != nil {
		doc["scaler"] = Document{
			"mean": floatList(a.Scaler.Mean),
			"std":  floatList(a.Scaler.Std),
		}
	}
	if len(a.Params) > 0 {
		// Learned params are stored as JSON; inline them so the Document
		// needs no second decoding pass.
		var params interface{}
		if err := json.Unmarshal(a.Params, &params); err != nil {
			return nil, dkErrors.NewValueError("result.Encode",
				"artifact params are not valid JSON: "+err.Error())
		}
		doc["params"] = params
	}
	return doc, nil
}

func encodeInsight(r *InsightResult) (Document, error) {
	doc := Document{"method": r.Method}
	switch r.Method {
	case MethodPCA:
		doc["components"] = r.Components
		doc["projection"] = floatMatrix(r.Projection)
		doc["projection_row_ids"] = intList(r.ProjectionRowIDs)
		doc["explained_variance_ratio"] = floatList(r.ExplainedVarianceRatio)
	case MethodTSNE:
		doc["components"] = r.Components
		doc["projection"] = floatMatrix(r.Projection)
		doc["projection_row_ids"] = intList(r.ProjectionRowIDs)
		doc["kl_divergence"] = r.KLDivergence
		doc["iterations"] = r.Iterations
		doc["perplexity"] = r.Perplexity
	case MethodImportance:
		if r.Model != "" {
			doc["model"] = r.Model
		}
		doc["importance_source"] = r.ImportanceSource
		importances := make([]interface{}, len(r.Importances))
		for i, imp := range r.Importances {
			importances[i] = Document{"column": imp.Column, "importance": imp.Importance}
		}
		doc["importances"] = importances
	default:
		return nil, dkErrors.NewValueError("result.Encode",
			fmt.Sprintf("unknown insight method %q", r.Method))
	}
	return doc, nil
}

// checkFinite walks an encoded tree and rejects NaN or infinite floats,
// naming the first offending key path.
func checkFinite(path string, v interface{}) error {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return dkErrors.NewNumericError("result.Encode", "non-finite value at "+path, nil)
		}
	case Document:
		for k, child := range val {
			p := k
			if path != "" {
				p = path + "." + k
			}
			if err := checkFinite(p, child); err != nil {
				return err
			}
		}
	case map[string]interface{}:
		return checkFinite(path, Document(val))
	case []interface{}:
		for i, child := range val {
			if err := checkFinite(fmt.Sprintf("%s[%d]", path, i), child); err != nil {
				return err
			}
		}
	}
	return nil
}

func floatList(vals []float64) []interface{} {
	out := make([]interface{}, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func intList(vals []int) []interface{} {
	out := make([]interface{}, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func stringList(vals []string) []interface{} {
	out := make([]interface{}, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func floatMatrix(rows [][]float64) []interface{} {
	out := make([]interface{}, len(rows))
	for i, row := range rows {
		out[i] = floatList(row)
	}
	return out
}

func intMatrix(rows [][]int) []interface{} {
	out := make([]interface{}, len(rows))
	for i, row := range rows {
		out[i] = intList(row)
	}
	return out
}

func metricsDoc(m map[string]float64) Document {
	out := make(Document, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

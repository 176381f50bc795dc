// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"math"

	"github.com/AleutianAI/flowml/services/flow/evaluate"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.1.0"

// HealthResponse is returned by GET /v1/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`
}

// DatasetListResponse is returned by GET /v1/datasets.
type DatasetListResponse struct {
	Keys []string `json:"keys"`
}

// DatasetInfo describes a stored dataset without its records.
type DatasetInfo struct {
	Key     string   `json:"key"`
	Schema  string   `json:"schema"`
	Records int      `json:"records"`
	Fields  []string `json:"fields"`
	Target  string   `json:"target,omitempty"`
}

// EvaluateRequest is the body of POST /v1/evaluations.
type EvaluateRequest struct {
	// Dataset is the key of a stored dataset.
	Dataset string `json:"dataset" binding:"required"`

	// Model names a registered estimator.
	Model string `json:"model" binding:"required"`

	// Strategy is random_holdout, k_fold or leave_one_out.
	Strategy string `json:"strategy" binding:"required,oneof=random_holdout k_fold leave_one_out"`

	Folds    int     `json:"folds,omitempty" binding:"gte=0"`
	Fraction float64 `json:"fraction,omitempty" binding:"gte=0,lte=1"`
	Seed     int64   `json:"seed,omitempty"`

	// Runs repeats the cross-validation with consecutive seeds.
	Runs int `json:"runs,omitempty" binding:"gte=0,lte=100"`
}

// ClassSummary is one class's rates. Undefined values are null.
type ClassSummary struct {
	Label     string   `json:"label"`
	Count     float64  `json:"count"`
	TPRate    float64  `json:"tp_rate"`
	FPRate    float64  `json:"fp_rate"`
	Precision float64  `json:"precision"`
	Recall    float64  `json:"recall"`
	FMeasure  float64  `json:"f_measure"`
	AUC       *float64 `json:"auc"`
}

// EvaluationSummary is the JSON form of an evaluation result. Measures
// that are undefined for the data (NaN) are null.
type EvaluationSummary struct {
	Model     string `json:"model"`
	Strategy  string `json:"strategy"`
	FoldCount int    `json:"fold_count"`

	Count           float64 `json:"count"`
	Unclassified    float64 `json:"unclassified"`
	PctCorrect      float64 `json:"pct_correct,omitempty"`
	PctUnclassified float64 `json:"pct_unclassified"`
	Kappa           float64 `json:"kappa,omitempty"`

	MeanAbsoluteError        *float64 `json:"mean_absolute_error"`
	RootMeanSquaredError     *float64 `json:"root_mean_squared_error"`
	RelativeAbsoluteError    *float64 `json:"relative_absolute_error"`
	RootRelativeSquaredError *float64 `json:"root_relative_squared_error"`
	Correlation              *float64 `json:"correlation,omitempty"`
	WeightedAUC              *float64 `json:"weighted_auc,omitempty"`

	Confusion [][]float64    `json:"confusion,omitempty"`
	Classes   []ClassSummary `json:"classes,omitempty"`
}

// Summarize converts an evaluation result for JSON output.
func Summarize(res *evaluate.Result) EvaluationSummary {
	st := res.Stats()
	out := EvaluationSummary{
		Model:                    res.Model,
		Strategy:                 res.Strategy,
		FoldCount:                res.FoldCount,
		Count:                    st.Count,
		Unclassified:             st.Unclassified,
		PctUnclassified:          st.PctUnclassified(),
		MeanAbsoluteError:        finite(st.MeanAbsoluteError),
		RootMeanSquaredError:     finite(st.RootMeanSquaredError),
		RelativeAbsoluteError:    finite(st.RelativeAbsoluteError),
		RootRelativeSquaredError: finite(st.RootRelativeSquaredError),
	}
	if !st.Nominal {
		out.Correlation = finite(st.Correlation)
		return out
	}

	out.PctCorrect = st.PctCorrect()
	out.Kappa = st.Kappa
	out.WeightedAUC = finite(st.WeightedAUC)
	out.Confusion = st.Confusion
	for _, c := range st.Classes {
		out.Classes = append(out.Classes, ClassSummary{
			Label:     c.Label,
			Count:     c.Count,
			TPRate:    c.TPRate,
			FPRate:    c.FPRate,
			Precision: c.Precision,
			Recall:    c.Recall,
			FMeasure:  c.FMeasure,
			AUC:       finite(c.AUC),
		})
	}
	return out
}

// finite returns nil for NaN and infinities, which JSON cannot carry.
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

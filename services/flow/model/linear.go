// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/AleutianAI/flowml/services/flow/dataset"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
)

// LinearRegression is a batch-only weighted least-squares regression over
// the numeric and timestamp inputs, with an intercept and a ridge term.
// Missing inputs are replaced with the training mean of their column.
type LinearRegression struct {
	// Ridge is added to the diagonal of the normal equations.
	Ridge float64

	inputs []int
	means  []float64
	coef   []float64 // intercept first
}

// NewLinearRegression returns an untrained LinearRegression.
func NewLinearRegression() Estimator {
	return &LinearRegression{Ridge: 1e-8}
}

// Capabilities implements Estimator.
func (lr *LinearRegression) Capabilities() Capabilities {
	return Capabilities{}
}

// Fit implements Estimator.
func (lr *LinearRegression) Fit(ctx context.Context, d *dataset.Dataset) error {
	s := d.Schema()
	t, ok := s.Target()
	if !ok || s.CategoricalTarget() {
		return fmt.Errorf("%w: linear_regression needs a numeric target", flowerr.ErrUnsupportedOperation)
	}

	lr.inputs = lr.inputs[:0]
	for f, field := range s.Fields() {
		if f != t && (field.Type == dataset.TypeNumeric || field.Type == dataset.TypeTimestamp) {
			lr.inputs = append(lr.inputs, f)
		}
	}

	rows := make([]dataset.Record, 0, d.Len())
	for _, r := range d.All() {
		if target, _ := r.Target(); !target.IsMissing() {
			rows = append(rows, r)
		}
	}
	if len(rows) == 0 {
		return fmt.Errorf("%w: no records with a target value", flowerr.ErrMissingData)
	}

	lr.means = make([]float64, len(lr.inputs))
	weights := make([]float64, len(rows))
	for i, r := range rows {
		weights[i] = r.Weight()
	}
	col := make([]float64, len(rows))
	colW := make([]float64, len(rows))
	for j, f := range lr.inputs {
		col, colW = col[:0], colW[:0]
		for _, r := range rows {
			if v := r.Value(f); !v.IsMissing() {
				col = append(col, v.Float())
				colW = append(colW, r.Weight())
			}
		}
		if len(col) > 0 {
			lr.means[j] = stat.Mean(col, colW)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	p := len(lr.inputs) + 1
	x := mat.NewDense(len(rows), p, nil)
	y := mat.NewVecDense(len(rows), nil)
	for i, r := range rows {
		sw := math.Sqrt(weights[i])
		x.Set(i, 0, sw)
		for j, v := range lr.features(r) {
			x.Set(i, j+1, v*sw)
		}
		target, _ := r.Target()
		y.SetVec(i, target.Float()*sw)
	}

	var xtx mat.Dense
	xtx.Mul(x.T(), x)
	for i := 1; i < p; i++ {
		xtx.Set(i, i, xtx.At(i, i)+lr.Ridge)
	}
	var xty mat.VecDense
	xty.MulVec(x.T(), y)

	var beta mat.VecDense
	if err := beta.SolveVec(&xtx, &xty); err != nil {
		// A Condition error still yields a solution; reject only unusable ones.
		var cond mat.Condition
		if !errors.As(err, &cond) || !finite(beta.RawVector().Data) {
			return fmt.Errorf("solve normal equations: %w", err)
		}
	}
	lr.coef = slices.Clone(beta.RawVector().Data)
	return nil
}

func (lr *LinearRegression) features(r dataset.Record) []float64 {
	out := make([]float64, len(lr.inputs))
	for j, f := range lr.inputs {
		v := r.Value(f)
		if v.IsMissing() {
			out[j] = lr.means[j]
		} else {
			out[j] = v.Float()
		}
	}
	return out
}

// Predict implements Estimator.
func (lr *LinearRegression) Predict(r dataset.Record) ([]float64, error) {
	if lr.coef == nil {
		return nil, fmt.Errorf("%w: linear_regression is not trained", flowerr.ErrUnsupportedOperation)
	}
	y := lr.coef[0]
	for j, v := range lr.features(r) {
		y += lr.coef[j+1] * v
	}
	return []float64{y}, nil
}

func finite(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Coefficients returns the intercept followed by one weight per input.
func (lr *LinearRegression) Coefficients() []float64 {
	return slices.Clone(lr.coef)
}

// Clone implements Estimator.
func (lr *LinearRegression) Clone() Estimator {
	return &LinearRegression{
		Ridge:  lr.Ridge,
		inputs: slices.Clone(lr.inputs),
		means:  slices.Clone(lr.means),
		coef:   slices.Clone(lr.coef),
	}
}

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
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/AleutianAI/flowml/services/flow/dataset"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
)

// minStdDev bounds the Gaussian width of numeric features seen with a
// single distinct value.
const minStdDev = 1e-3

// gaussian accumulates a weighted mean and variance (West's algorithm).
type gaussian struct {
	weight float64
	mean   float64
	m2     float64
}

func (g *gaussian) add(x, w float64) {
	g.weight += w
	delta := x - g.mean
	g.mean += delta * w / g.weight
	g.m2 += w * delta * (x - g.mean)
}

func (g gaussian) logDensity(x float64) float64 {
	sd := minStdDev
	if g.weight > 0 {
		sd = math.Max(math.Sqrt(g.m2/g.weight), minStdDev)
	}
	z := (x - g.mean) / sd
	return -0.5*z*z - math.Log(sd*math.Sqrt(2*math.Pi))
}

// NaiveBayes is an incremental naive Bayes classifier. Categorical inputs
// use Laplace-smoothed counts, numeric and timestamp inputs a per-class
// Gaussian. Text inputs and missing values are ignored.
type NaiveBayes struct {
	schema  *dataset.Schema
	priors  []float64     // [class]
	counts  [][][]float64 // [field][class][label]
	normals [][]gaussian  // [field][class]
}

// NewNaiveBayes returns an untrained NaiveBayes.
func NewNaiveBayes() Estimator {
	return &NaiveBayes{}
}

// Capabilities implements Estimator.
func (nb *NaiveBayes) Capabilities() Capabilities {
	return Capabilities{Incremental: true}
}

// Fit implements Estimator.
func (nb *NaiveBayes) Fit(ctx context.Context, d *dataset.Dataset) error {
	s := d.Schema()
	if !s.CategoricalTarget() {
		return fmt.Errorf("%w: naive_bayes needs a categorical target", flowerr.ErrUnsupportedOperation)
	}

	k := s.NumClasses()
	*nb = NaiveBayes{
		schema:  s,
		priors:  make([]float64, k),
		counts:  make([][][]float64, s.NumFields()),
		normals: make([][]gaussian, s.NumFields()),
	}
	for i := range k {
		nb.priors[i] = 1
	}
	for f, field := range s.Fields() {
		switch field.Type {
		case dataset.TypeCategorical:
			nb.counts[f] = make([][]float64, k)
			for c := range k {
				nb.counts[f][c] = make([]float64, len(field.Labels))
				for l := range nb.counts[f][c] {
					nb.counts[f][c][l] = 1
				}
			}
		case dataset.TypeNumeric, dataset.TypeTimestamp:
			nb.normals[f] = make([]gaussian, k)
		}
	}

	for _, r := range d.All() {
		if err := ctx.Err(); err != nil {
			return err
		}
		nb.add(r)
	}
	return nil
}

// Update implements Updater.
func (nb *NaiveBayes) Update(r dataset.Record) error {
	if nb.schema == nil {
		return fmt.Errorf("%w: naive_bayes updated before fit", flowerr.ErrUnsupportedOperation)
	}
	if !nb.schema.Equal(r.Schema()) {
		return fmt.Errorf("%w: record schema differs from training schema", flowerr.ErrInvalidConfiguration)
	}
	nb.add(r)
	return nil
}

func (nb *NaiveBayes) add(r dataset.Record) {
	target, _ := r.Target()
	if target.IsMissing() {
		return
	}
	c := target.Index()
	w := r.Weight()
	nb.priors[c] += w

	t, _ := nb.schema.Target()
	for f := range r.Len() {
		v := r.Value(f)
		if f == t || v.IsMissing() {
			continue
		}
		switch {
		case nb.counts[f] != nil:
			nb.counts[f][c][v.Index()] += w
		case nb.normals[f] != nil:
			nb.normals[f][c].add(v.Float(), w)
		}
	}
}

// Predict implements Estimator.
func (nb *NaiveBayes) Predict(r dataset.Record) ([]float64, error) {
	if nb.schema == nil {
		return nil, fmt.Errorf("%w: naive_bayes is not trained", flowerr.ErrUnsupportedOperation)
	}
	if r.Len() != nb.schema.NumFields() {
		return nil, fmt.Errorf("%w: record has %d values, model expects %d",
			flowerr.ErrInvalidConfiguration, r.Len(), nb.schema.NumFields())
	}

	t, _ := nb.schema.Target()
	logp := make([]float64, len(nb.priors))
	for c, prior := range nb.priors {
		logp[c] = math.Log(prior)
		for f := range r.Len() {
			v := r.Value(f)
			if f == t || v.IsMissing() {
				continue
			}
			switch {
			case nb.counts[f] != nil:
				row := nb.counts[f][c]
				logp[c] += math.Log(row[v.Index()] / floats.Sum(row))
			case nb.normals[f] != nil:
				logp[c] += nb.normals[f][c].logDensity(v.Float())
			}
		}
	}
	return softmax(logp), nil
}

// Clone implements Estimator.
func (nb *NaiveBayes) Clone() Estimator {
	c := &NaiveBayes{
		schema:  nb.schema,
		priors:  slices.Clone(nb.priors),
		counts:  make([][][]float64, len(nb.counts)),
		normals: make([][]gaussian, len(nb.normals)),
	}
	for f := range nb.counts {
		if nb.counts[f] != nil {
			c.counts[f] = make([][]float64, len(nb.counts[f]))
			for k := range nb.counts[f] {
				c.counts[f][k] = slices.Clone(nb.counts[f][k])
			}
		}
		c.normals[f] = slices.Clone(nb.normals[f])
	}
	return c
}

// softmax turns log weights into a normalized distribution.
func softmax(logp []float64) []float64 {
	maxLog := floats.Max(logp)
	out := make([]float64, len(logp))
	for i, l := range logp {
		out[i] = math.Exp(l - maxLog)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}

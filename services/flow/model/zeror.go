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
	"slices"

	"github.com/AleutianAI/flowml/services/flow/dataset"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
)

// ZeroR predicts the weighted class frequencies of the training data, or
// the weighted mean for a numeric target. It ignores all inputs.
type ZeroR struct {
	counts []float64
	sum    float64
	weight float64
}

// NewZeroR returns an untrained ZeroR.
func NewZeroR() Estimator {
	return &ZeroR{}
}

// Capabilities implements Estimator.
func (z *ZeroR) Capabilities() Capabilities {
	return Capabilities{Incremental: true}
}

// Fit implements Estimator.
func (z *ZeroR) Fit(ctx context.Context, d *dataset.Dataset) error {
	if _, ok := d.Schema().Target(); !ok {
		return fmt.Errorf("%w: zero_r needs a target field", flowerr.ErrInvalidConfiguration)
	}
	*z = ZeroR{counts: make([]float64, d.Schema().NumClasses())}
	for _, r := range d.All() {
		if err := ctx.Err(); err != nil {
			return err
		}
		z.add(r)
	}
	return nil
}

// Update implements Updater.
func (z *ZeroR) Update(r dataset.Record) error {
	if z.counts == nil {
		return fmt.Errorf("%w: zero_r updated before fit", flowerr.ErrUnsupportedOperation)
	}
	z.add(r)
	return nil
}

func (z *ZeroR) add(r dataset.Record) {
	target, ok := r.Target()
	if !ok || target.IsMissing() {
		return
	}
	if r.Schema().CategoricalTarget() {
		z.counts[target.Index()] += r.Weight()
	} else {
		z.sum += target.Float() * r.Weight()
	}
	z.weight += r.Weight()
}

// Predict implements Estimator.
func (z *ZeroR) Predict(r dataset.Record) ([]float64, error) {
	if r.Schema().CategoricalTarget() {
		dist := make([]float64, len(z.counts))
		if z.weight == 0 {
			return dist, nil
		}
		for i, c := range z.counts {
			dist[i] = c / z.weight
		}
		return dist, nil
	}
	if z.weight == 0 {
		return []float64{0}, nil
	}
	return []float64{z.sum / z.weight}, nil
}

// Clone implements Estimator.
func (z *ZeroR) Clone() Estimator {
	c := *z
	c.counts = slices.Clone(z.counts)
	return &c
}

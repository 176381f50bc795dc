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

	"gonum.org/v1/gonum/floats"

	"github.com/AleutianAI/flowml/services/flow/dataset"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
)

// Abstainer wraps a classifier and abstains, returning an all-zero
// distribution, when its most probable class is below Threshold.
type Abstainer struct {
	Inner     Estimator
	Threshold float64
}

// NewAbstainer returns a constructor for Abstainer over inner estimators.
func NewAbstainer(inner func() Estimator, threshold float64) func() Estimator {
	return func() Estimator {
		return &Abstainer{Inner: inner(), Threshold: threshold}
	}
}

// Capabilities implements Estimator.
func (a *Abstainer) Capabilities() Capabilities {
	c := a.Inner.Capabilities()
	c.Abstention = true
	return c
}

// Fit implements Estimator.
func (a *Abstainer) Fit(ctx context.Context, d *dataset.Dataset) error {
	if !d.Schema().CategoricalTarget() {
		return fmt.Errorf("%w: abstention needs a categorical target", flowerr.ErrUnsupportedOperation)
	}
	return a.Inner.Fit(ctx, d)
}

// Update implements Updater when the inner estimator does.
func (a *Abstainer) Update(r dataset.Record) error {
	up, ok := a.Inner.(Updater)
	if !ok {
		return fmt.Errorf("%w: inner model is not incremental", flowerr.ErrUnsupportedOperation)
	}
	return up.Update(r)
}

// Predict implements Estimator.
func (a *Abstainer) Predict(r dataset.Record) ([]float64, error) {
	dist, err := a.Inner.Predict(r)
	if err != nil {
		return nil, err
	}
	if len(dist) > 0 && floats.Max(dist) < a.Threshold {
		return make([]float64, len(dist)), nil
	}
	return dist, nil
}

// Clone implements Estimator.
func (a *Abstainer) Clone() Estimator {
	return &Abstainer{Inner: a.Inner.Clone(), Threshold: a.Threshold}
}

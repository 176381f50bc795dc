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
	"log/slog"
	"math"

	"github.com/AleutianAI/flowml/services/flow/dataset"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
)

// Output is one prediction.
type Output struct {
	// Value is the predicted label index or numeric estimate. NaN when the
	// model abstains.
	Value float64

	// Distribution is the class distribution, or a one-element slice
	// holding Value for a numeric target.
	Distribution []float64
}

// Missing reports whether the prediction is missing.
func (o Output) Missing() bool {
	return math.IsNaN(o.Value)
}

// Adapter is the boundary between stages and the model library.
type Adapter interface {
	// Train returns a trained handle for a fresh copy of spec.
	Train(ctx context.Context, spec Spec, d *dataset.Dataset) (*Handle, error)

	// Update applies one incremental step to h and returns it.
	Update(ctx context.Context, h *Handle, r dataset.Record) (*Handle, error)

	// Predict returns the prediction of h for r.
	Predict(h *Handle, r dataset.Record) (Output, error)
}

// Library is the in-process Adapter over Estimator implementations.
//
// Description:
//
//	Library converts estimator errors and panics into
//	ErrUnderlyingLibraryFailure so that no failure inside a model escapes
//	as a panic. A failed Train returns no handle; a failed Update leaves the
//	handle in the trained state it had before.
//
// Thread Safety:
//
//	Library itself is stateless. Handles must not be shared between
//	goroutines.
type Library struct {
	logger *slog.Logger
}

// NewLibrary creates a Library. If logger is nil, uses slog.Default().
func NewLibrary(logger *slog.Logger) *Library {
	if logger == nil {
		logger = slog.Default()
	}
	return &Library{logger: logger}
}

// Train trains a fresh copy of spec on d.
func (l *Library) Train(ctx context.Context, spec Spec, d *dataset.Dataset) (*Handle, error) {
	if d == nil || d.Schema() == nil {
		return nil, fmt.Errorf("%w: training dataset is nil", flowerr.ErrMissingData)
	}
	h, err := NewHandle(spec)
	if err != nil {
		return nil, err
	}

	h.state = StateTraining
	if err := guard("fit "+spec.Name, func() error { return h.est.Fit(ctx, d) }); err != nil {
		return nil, err
	}
	h.state = StateTrained
	h.schema = d.Schema()

	l.logger.Debug("model trained",
		slog.String("model", h.String()),
		slog.String("dataset", d.Shape()),
	)
	return h, nil
}

// Update applies one incremental step. The estimator must implement Updater.
func (l *Library) Update(_ context.Context, h *Handle, r dataset.Record) (*Handle, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: model handle is nil", flowerr.ErrMissingData)
	}
	up, ok := h.est.(Updater)
	if !ok || !h.est.Capabilities().Incremental {
		return nil, fmt.Errorf("%w: model %q is not incremental", flowerr.ErrUnsupportedOperation, h.spec)
	}
	if h.state != StateTrained {
		return nil, fmt.Errorf("%w: cannot update %s model", flowerr.ErrUnsupportedOperation, h.state)
	}

	h.state = StateUpdating
	err := guard("update "+h.spec, func() error { return up.Update(r) })
	h.state = StateTrained
	if err != nil {
		return nil, err
	}
	h.updates++
	return h, nil
}

// Predict returns the prediction of h for r.
//
// Description:
//
//	For a categorical target the predicted value is the index of the
//	largest probability, ties going to the lowest index. A distribution
//	whose largest mass is zero yields a missing prediction. For a numeric
//	target the value is the estimate and the distribution holds only it.
//	A categorical distribution must have one entry per class; any other
//	length is ErrUnderlyingLibraryFailure.
func (l *Library) Predict(h *Handle, r dataset.Record) (Output, error) {
	if h == nil {
		return Output{}, fmt.Errorf("%w: model handle is nil", flowerr.ErrMissingData)
	}
	if h.state != StateTrained {
		return Output{}, fmt.Errorf("%w: cannot predict with %s model", flowerr.ErrUnsupportedOperation, h.state)
	}

	var dist []float64
	err := guard("predict "+h.spec, func() error {
		var err error
		dist, err = h.est.Predict(r)
		return err
	})
	if err != nil {
		return Output{}, err
	}

	if s := r.Schema(); s != nil && s.CategoricalTarget() {
		if len(dist) != s.NumClasses() {
			return Output{}, fmt.Errorf("%w: predict %s: distribution has %d entries, target has %d classes",
				flowerr.ErrUnderlyingLibraryFailure, h.spec, len(dist), s.NumClasses())
		}
		return Output{Value: Classify(dist), Distribution: dist}, nil
	}
	if len(dist) == 0 {
		return Output{Value: math.NaN(), Distribution: []float64{math.NaN()}}, nil
	}
	return Output{Value: dist[0], Distribution: dist[:1]}, nil
}

// Classify returns the index of the largest probability as a float, ties
// going to the lowest index, or NaN when the largest mass is zero.
func Classify(dist []float64) float64 {
	best := -1
	for i, p := range dist {
		if math.IsNaN(p) {
			continue
		}
		if best < 0 || p > dist[best] {
			best = i
		}
	}
	if best < 0 || dist[best] <= 0 {
		return math.NaN()
	}
	return float64(best)
}

// guard runs fn, converting errors and panics into library failures.
func guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s panicked: %v", flowerr.ErrUnderlyingLibraryFailure, op, r)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%w: %s: %w", flowerr.ErrUnderlyingLibraryFailure, op, err)
	}
	return nil
}

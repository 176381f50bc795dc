// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evaluate scores trained models against held-out data.
//
// Evaluate runs a model over the test side of one partition and collects
// weighted statistics. Results of several folds are combined with
// Aggregate. The stages in this package wire evaluation into a pipeline:
// TrainTestStage scores one partition, CrossValidationStage runs every fold
// of a dataset, and Collector gathers fold results emitted one by one.
package evaluate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/flowml/services/flow/container"
	"github.com/AleutianAI/flowml/services/flow/dataset"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
	"github.com/AleutianAI/flowml/services/flow/model"
	"github.com/AleutianAI/flowml/services/flow/partition"
	"github.com/AleutianAI/flowml/services/flow/telemetry"
)

var (
	tracer = otel.Tracer("flowml.evaluate")
	meter  = otel.Meter("flowml.evaluate")
)

// cancelCheckInterval is how many test records are scored between
// cancellation checks.
const cancelCheckInterval = 64

// Result is the outcome of evaluating a model on one partition, or of
// several partitions merged by Aggregate.
type Result struct {
	// Model is the spec name of the evaluated model.
	Model string

	FoldIndex int
	FoldCount int
	Strategy  string

	// Predictions holds one entry per test record in test order. Empty
	// unless predictions were collected.
	Predictions []Prediction

	acc    *Accumulator
	cursor *errorCursor
}

// Stats returns the evaluation statistics.
func (r *Result) Stats() Stats {
	return r.acc.Stats()
}

// Kind implements container.Kinded.
func (r *Result) Kind() container.Kind {
	return container.KindEvaluation
}

// Clone returns a deep copy. The accumulated-error cursor is not copied.
func (r *Result) Clone() *Result {
	c := *r
	c.acc = r.acc.Clone()
	c.cursor = nil
	c.Predictions = make([]Prediction, len(r.Predictions))
	for i, p := range r.Predictions {
		p.Distribution = slices.Clone(p.Distribution)
		c.Predictions[i] = p
	}
	return &c
}

// Container wraps the result in an evaluation container.
func (r *Result) Container() *container.Container {
	return container.New(container.KindEvaluation, map[string]any{
		container.KeyEvaluation: r,
		container.KeyFoldIndex:  r.FoldIndex,
		container.KeyFoldCount:  r.FoldCount,
		container.KeyStrategy:   r.Strategy,
	})
}

// FromContainer extracts a result from an evaluation container.
func FromContainer(c *container.Container) (*Result, error) {
	if c == nil || c.Kind() != container.KindEvaluation {
		return nil, fmt.Errorf("%w: expected a %s container", flowerr.ErrMissingData, container.KindEvaluation)
	}
	r, ok := container.Value[*Result](c, container.KeyEvaluation)
	if !ok || r == nil {
		return nil, fmt.Errorf("%w: evaluation container has no result", flowerr.ErrMissingData)
	}
	return r, nil
}

// Aggregate merges results into one. Predictions are concatenated in
// argument order; statistics are computed over all merged predictions.
//
// Outputs:
//
//	*Result - The merged result. FoldIndex is -1 and FoldCount the number
//	of results merged.
//	error - ErrMissingData without results; ErrInvalidConfiguration when
//	the results evaluate different targets.
func Aggregate(results ...*Result) (*Result, error) {
	results = slices.DeleteFunc(slices.Clone(results), func(r *Result) bool { return r == nil })
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: nothing to aggregate", flowerr.ErrMissingData)
	}
	first := results[0]
	out := &Result{
		Model:     first.Model,
		FoldIndex: -1,
		FoldCount: len(results),
		Strategy:  first.Strategy,
		acc:       first.acc.Clone(),
	}
	out.Predictions = slices.Clone(first.Predictions)
	for _, r := range results[1:] {
		if err := out.acc.Merge(r.acc); err != nil {
			return nil, err
		}
		out.Predictions = append(out.Predictions, r.Predictions...)
	}
	return out, nil
}

// Config configures an Evaluator.
type Config struct {
	// Adapter produces predictions. Defaults to model.NewLibrary.
	Adapter model.Adapter

	// Metrics counts evaluations. If nil, created from the global meter.
	Metrics *telemetry.Metrics

	// Logger for evaluation events. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Evaluator scores trained models.
//
// Thread Safety: Safe for concurrent use when the adapter is.
type Evaluator struct {
	adapter model.Adapter
	logger  *slog.Logger

	metricsOnce sync.Once
	metrics     *telemetry.Metrics
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(cfg Config) *Evaluator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	adapter := cfg.Adapter
	if adapter == nil {
		adapter = model.NewLibrary(logger)
	}
	return &Evaluator{adapter: adapter, logger: logger, metrics: cfg.Metrics}
}

func (e *Evaluator) initMetrics() {
	e.metricsOnce.Do(func() {
		if e.metrics != nil {
			return
		}
		m, err := telemetry.NewMetrics(meter)
		if err != nil {
			e.logger.Error("failed to initialize evaluation metrics (observability degraded)",
				slog.String("error", err.Error()),
			)
			return
		}
		e.metrics = m
	})
}

// Evaluate predicts every test record of p with h.
//
// Description:
//
//	Produces one prediction per test record in test order. The training
//	side of p, when present, supplies the priors of the relative error
//	measures. With collect false the predictions are discarded after
//	being counted, so Result.Predictions is empty but the statistics are
//	complete.
//
// Inputs:
//
//	ctx - Checked periodically; cancellation abandons the evaluation.
//	h - A trained model handle. Not modified.
//	p - The partition to score.
//	collect - Keep individual predictions.
//
// Outputs:
//
//	*Result - The evaluation.
//	error - ErrMissingData for a nil handle or an empty test set;
//	ErrCancelled when ctx ends; ErrUnderlyingLibraryFailure when the model
//	fails to predict.
func (e *Evaluator) Evaluate(ctx context.Context, h *model.Handle, p partition.Partition, collect bool) (*Result, error) {
	if ctx == nil {
		return nil, flowerr.ErrNilContext
	}
	if h == nil {
		return nil, fmt.Errorf("%w: no model to evaluate", flowerr.ErrMissingData)
	}
	if p.Test.Len() == 0 {
		return nil, fmt.Errorf("%w: empty test set", flowerr.ErrMissingData)
	}
	e.initMetrics()

	ctx, span := tracer.Start(ctx, "evaluate.Evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("evaluate.model", h.Spec()),
		attribute.Int("evaluate.fold", p.FoldIndex),
		attribute.Int("evaluate.test_records", p.Test.Len()),
	)

	shape := p.Test.Shape()
	acc, err := NewAccumulator(p.Test.Schema())
	if err != nil {
		return nil, flowerr.New("evaluate", "", shape, err)
	}
	if p.Train != nil {
		acc.SetPriors(p.Train)
	}
	target, _ := p.Test.Schema().Target()
	nominal := p.Test.Schema().CategoricalTarget()
	numClasses := p.Test.Schema().NumClasses()

	res := &Result{
		Model:     h.Spec(),
		FoldIndex: p.FoldIndex,
		FoldCount: p.FoldCount,
		Strategy:  p.Strategy,
		acc:       acc,
	}
	if collect {
		res.Predictions = make([]Prediction, 0, p.Test.Len())
	}

	for i, r := range p.Test.All() {
		if i%cancelCheckInterval == 0 {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err := flowerr.New("evaluate", "", shape, fmt.Errorf("%w: %w", flowerr.ErrCancelled, ctxErr))
				telemetry.RecordError(span, err)
				return nil, err
			}
		}
		out, err := e.adapter.Predict(h, r)
		if err == nil && nominal && len(out.Distribution) != numClasses {
			err = fmt.Errorf("%w: %s returned %d class probabilities for %d classes",
				flowerr.ErrUnderlyingLibraryFailure, h.Spec(), len(out.Distribution), numClasses)
		}
		if err != nil {
			err = flowerr.New("evaluate", "", shape, err)
			telemetry.RecordError(span, err)
			return nil, err
		}
		pred := Prediction{
			Index:        i,
			Actual:       actualOf(r.Value(target), nominal),
			Predicted:    out.Value,
			Weight:       r.Weight(),
			Distribution: out.Distribution,
		}
		acc.Add(pred)
		if collect {
			res.Predictions = append(res.Predictions, pred)
		}
	}

	if e.metrics != nil {
		e.metrics.EvaluationsTotal.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("model", h.Spec()),
				attribute.String("strategy", p.Strategy),
			),
		)
	}
	e.logger.Debug("model evaluated",
		slog.String("model", h.String()),
		slog.String("test", shape),
		slog.Int("fold", p.FoldIndex),
	)
	return res, nil
}

// actualOf converts a target value to the numeric form used by predictions.
func actualOf(v dataset.Value, nominal bool) float64 {
	if v.IsMissing() {
		return math.NaN()
	}
	if nominal {
		return float64(v.Index())
	}
	return v.Float()
}

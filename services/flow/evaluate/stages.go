// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evaluate

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/flowml/services/flow/container"
	"github.com/AleutianAI/flowml/services/flow/dataset"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
	"github.com/AleutianAI/flowml/services/flow/jobs"
	"github.com/AleutianAI/flowml/services/flow/model"
	"github.com/AleutianAI/flowml/services/flow/partition"
	"github.com/AleutianAI/flowml/services/flow/pipeline"
	"github.com/AleutianAI/flowml/services/flow/resolver"
	"github.com/AleutianAI/flowml/services/flow/telemetry"
)

// Rebindable options.
const (
	OptionModel   = "model"
	OptionCollect = "collect"
	OptionSeed    = "seed"
	OptionRuns    = "runs"
)

// StageConfig configures the evaluation stages.
type StageConfig struct {
	// Name is the stage name. Required.
	Name string

	// Upstream is the stage feeding this one, if any.
	Upstream string

	// Model is the resolver name of the model to train. Required.
	Model string

	// Resolver looks up Model. Required.
	Resolver resolver.Resolver

	// Adapter trains and predicts. Defaults to model.NewLibrary.
	Adapter model.Adapter

	// CollectPredictions keeps individual predictions in results.
	CollectPredictions bool

	// Metrics counts evaluations. If nil, created from the global meter.
	Metrics *telemetry.Metrics

	// Logger for stage events. If nil, uses slog.Default().
	Logger *slog.Logger
}

// stageBase holds what both evaluation stages share.
type stageBase struct {
	pipeline.BaseStage

	resolver  resolver.Resolver
	adapter   model.Adapter
	evaluator *Evaluator
	logger    *slog.Logger

	modelName string
	spec      model.Spec
	collect   bool
}

func newStageBase(cfg StageConfig) (stageBase, error) {
	if cfg.Name == "" {
		return stageBase{}, fmt.Errorf("%w: evaluation stage name is required", flowerr.ErrInvalidConfiguration)
	}
	if cfg.Resolver == nil {
		return stageBase{}, fmt.Errorf("%w: evaluation stage %q has no resolver", flowerr.ErrInvalidConfiguration, cfg.Name)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	adapter := cfg.Adapter
	if adapter == nil {
		adapter = model.NewLibrary(logger)
	}
	b := stageBase{
		BaseStage: pipeline.BaseStage{StageName: cfg.Name, StageUpstream: cfg.Upstream},
		resolver:  cfg.Resolver,
		adapter:   adapter,
		evaluator: NewEvaluator(Config{Adapter: adapter, Metrics: cfg.Metrics, Logger: logger}),
		logger:    logger.With(slog.String("stage", cfg.Name)),
		collect:   cfg.CollectPredictions,
	}
	if err := b.setModel(cfg.Model); err != nil {
		return stageBase{}, err
	}
	return b, nil
}

func (b *stageBase) setModel(name string) error {
	spec, err := b.resolver.Resolve(name)
	if err != nil {
		return err
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	b.modelName = name
	b.spec = spec
	return nil
}

// ModelName returns the configured model name.
func (b *stageBase) ModelName() string {
	return b.modelName
}

// fold trains on p.Train and scores p.Test.
func (b *stageBase) fold(ctx context.Context, p partition.Partition) (*Result, error) {
	h, err := b.adapter.Train(ctx, b.spec, p.Train)
	if err != nil {
		return nil, flowerr.New("train", b.Name(), p.Train.Shape(), err)
	}
	res, err := b.evaluator.Evaluate(ctx, h, p, b.collect)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// rebind applies the options both stages understand.
func (b *stageBase) rebind(option, value string) (bool, error) {
	switch option {
	case OptionModel:
		return true, b.setModel(value)
	case OptionCollect:
		on, err := strconv.ParseBool(value)
		if err != nil {
			return true, fmt.Errorf("%w: collect %q: %w", flowerr.ErrInvalidConfiguration, value, err)
		}
		b.collect = on
		return true, nil
	default:
		return false, nil
	}
}

// TrainTestStage trains a model on the train side of each incoming
// partition and emits its evaluation on the test side.
//
// Thread Safety: Not safe for concurrent use.
type TrainTestStage struct {
	stageBase
}

// NewTrainTestStage creates a TrainTestStage.
func NewTrainTestStage(cfg StageConfig) (*TrainTestStage, error) {
	b, err := newStageBase(cfg)
	if err != nil {
		return nil, err
	}
	return &TrainTestStage{stageBase: b}, nil
}

// Process implements pipeline.Stage. The input must be a train-test
// container.
func (s *TrainTestStage) Process(ctx context.Context, in pipeline.Token, emit pipeline.Emit) error {
	c, _ := in.Payload.(*container.Container)
	p, err := partition.FromContainer(c)
	if err != nil {
		return flowerr.New("evaluate", s.Name(), container.KindOf(in.Payload), err)
	}

	ctx, span := tracer.Start(ctx, "evaluate.TrainTestStage.Process",
		trace.WithAttributes(
			attribute.String("evaluate.stage", s.Name()),
			attribute.Int("evaluate.fold", p.FoldIndex),
		),
	)
	defer span.End()

	res, err := s.fold(ctx, p)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	span.SetStatus(codes.Ok, "")
	return emit(pipeline.Token{Payload: res.Container()})
}

// Rebind implements pipeline.Bindable. Options: "model", "collect".
func (s *TrainTestStage) Rebind(_ context.Context, option, value string) error {
	known, err := s.rebind(option, value)
	if !known {
		return fmt.Errorf("%w: train-test stage has no option %q", flowerr.ErrInvalidConfiguration, option)
	}
	return err
}

// CrossValidationConfig configures a CrossValidationStage.
type CrossValidationConfig struct {
	StageConfig

	// Strategy splits each incoming dataset. Required.
	Strategy partition.Strategy

	// Seed shuffles the records before splitting.
	Seed int64

	// Runs repeats the cross-validation with seeds Seed, Seed+1, ... and
	// merges every fold of every run, run by run. Zero means one run.
	Runs int

	// Runner evaluates the folds. Defaults to a LocalRunner. A runner with
	// more than one worker requires CollectPredictions.
	Runner jobs.Runner

	// FinalModel also trains the model on the full dataset and emits it
	// with the evaluation.
	FinalModel bool
}

// CrossValidationStage evaluates a model over every partition of each
// incoming dataset and emits one aggregated evaluation.
//
// Description:
//
//	With a single-worker runner the folds are produced and evaluated one
//	at a time, so cancellation stops between folds. With more workers all
//	partitions are materialized up front and evaluated in parallel; the
//	folds are merged in fold order either way, so the aggregate does not
//	depend on the number of workers. Repeated runs reshuffle with the
//	next seed and are merged in run order, then fold order.
//
// Thread Safety: Not safe for concurrent use.
type CrossValidationStage struct {
	stageBase

	strategy partition.Strategy
	seed     int64
	runs     int
	runner   jobs.Runner
	final    bool
}

// NewCrossValidationStage creates a CrossValidationStage.
func NewCrossValidationStage(cfg CrossValidationConfig) (*CrossValidationStage, error) {
	b, err := newStageBase(cfg.StageConfig)
	if err != nil {
		return nil, err
	}
	if cfg.Strategy == nil {
		return nil, fmt.Errorf("%w: cross-validation stage %q has no strategy", flowerr.ErrInvalidConfiguration, cfg.Name)
	}
	if cfg.Runs < 0 {
		return nil, fmt.Errorf("%w: cross-validation stage %q: runs must not be negative", flowerr.ErrInvalidConfiguration, cfg.Name)
	}
	runner := cfg.Runner
	if runner == nil {
		runner = jobs.NewLocalRunner(b.logger)
	}
	if runner.Workers() > 1 && !cfg.CollectPredictions {
		return nil, fmt.Errorf("%w: cross-validation stage %q: parallel folds require collected predictions",
			flowerr.ErrInvalidConfiguration, cfg.Name)
	}
	return &CrossValidationStage{
		stageBase: b,
		strategy:  cfg.Strategy,
		seed:      cfg.Seed,
		runs:      max(cfg.Runs, 1),
		runner:    runner,
		final:     cfg.FinalModel,
	}, nil
}

// Process implements pipeline.Stage. The input is a dataset or a
// container carrying one.
func (s *CrossValidationStage) Process(ctx context.Context, in pipeline.Token, emit pipeline.Emit) error {
	var d *dataset.Dataset
	switch p := in.Payload.(type) {
	case *dataset.Dataset:
		d = p
	case *container.Container:
		d, _ = container.Value[*dataset.Dataset](p, container.KeyDataset)
	}
	if d == nil {
		return flowerr.New("cross_validate", s.Name(), container.KindOf(in.Payload),
			fmt.Errorf("%w: expected a dataset", flowerr.ErrMissingData))
	}
	shape := d.Shape()

	ctx, span := tracer.Start(ctx, "evaluate.CrossValidationStage.Process",
		trace.WithAttributes(
			attribute.String("evaluate.stage", s.Name()),
			attribute.String("evaluate.model", s.modelName),
			attribute.String("evaluate.strategy", s.strategy.Name()),
		),
	)
	defer span.End()

	res, err := s.crossValidate(ctx, d)
	if err != nil {
		err = flowerr.New("cross_validate", s.Name(), shape, err)
		telemetry.RecordError(span, err)
		return err
	}

	out := res.Container()
	if s.final {
		h, err := s.adapter.Train(ctx, s.spec, d)
		if err != nil {
			err = flowerr.New("train", s.Name(), shape, err)
			telemetry.RecordError(span, err)
			return err
		}
		out = out.With(container.KeyModel, h).With(container.KeyHeader, d.Header())
	}

	stats := res.Stats()
	s.logger.Info("cross-validation finished",
		slog.String("dataset", shape),
		slog.String("strategy", s.strategy.Name()),
		slog.Int("runs", s.runs),
		slog.Int("folds", res.FoldCount),
		slog.Float64("pct_correct", stats.PctCorrect()),
		slog.Float64("rmse", stats.RootMeanSquaredError),
	)
	span.SetStatus(codes.Ok, "")
	return emit(pipeline.Token{Payload: out})
}

func (s *CrossValidationStage) crossValidate(ctx context.Context, d *dataset.Dataset) (*Result, error) {
	var all []*Result
	for run := range s.runs {
		results, err := s.run(ctx, d, s.seed+int64(run))
		if err != nil {
			return nil, err
		}
		all = append(all, results...)
	}
	return Aggregate(all...)
}

// run evaluates every fold of one shuffle and returns them in fold order.
func (s *CrossValidationStage) run(ctx context.Context, d *dataset.Dataset, seed int64) ([]*Result, error) {
	seq, err := partition.Generate(d, s.strategy, seed)
	if err != nil {
		return nil, err
	}
	results := make([]*Result, seq.Len())
	job := func(p partition.Partition) jobs.Job {
		return func(ctx context.Context) error {
			res, err := s.fold(ctx, p)
			if err != nil {
				return err
			}
			results[p.FoldIndex] = res
			return nil
		}
	}

	if s.runner.Workers() <= 1 {
		for p := range seq.All(ctx) {
			if err := s.runner.Submit(ctx, s.Name()+"/fold", job(p)); err != nil {
				return nil, s.cancelled(ctx, err)
			}
		}
	} else {
		var batch []jobs.Job
		for p := range seq.All(ctx) {
			batch = append(batch, job(p))
		}
		if seq.Remaining() == 0 {
			if err := s.runner.SubmitAll(ctx, s.Name()+"/folds", batch); err != nil {
				return nil, s.cancelled(ctx, err)
			}
		}
	}
	if seq.Remaining() > 0 || ctx.Err() != nil {
		return nil, s.cancelled(ctx, ctx.Err())
	}
	return results, nil
}

// cancelled marks err as a cancellation when ctx has ended.
func (s *CrossValidationStage) cancelled(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", flowerr.ErrCancelled, ctxErr)
	}
	return err
}

// Rebind implements pipeline.Bindable. Options: "model", "collect",
// "seed", "runs".
func (s *CrossValidationStage) Rebind(_ context.Context, option, value string) error {
	if option == OptionRuns {
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("%w: runs %q", flowerr.ErrInvalidConfiguration, value)
		}
		s.runs = n
		return nil
	}
	if option == OptionSeed {
		seed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: seed %q: %w", flowerr.ErrInvalidConfiguration, value, err)
		}
		s.seed = seed
		return nil
	}
	if option == OptionCollect && s.runner.Workers() > 1 {
		if on, err := strconv.ParseBool(value); err == nil && !on {
			return fmt.Errorf("%w: parallel folds require collected predictions", flowerr.ErrInvalidConfiguration)
		}
	}
	known, err := s.rebind(option, value)
	if !known {
		return fmt.Errorf("%w: cross-validation stage has no option %q", flowerr.ErrInvalidConfiguration, option)
	}
	return err
}

var (
	_ pipeline.Bindable = (*TrainTestStage)(nil)
	_ pipeline.Bindable = (*CrossValidationStage)(nil)
)

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/AleutianAI/flowml/services/flow/buffer"
	"github.com/AleutianAI/flowml/services/flow/evaluate"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
	"github.com/AleutianAI/flowml/services/flow/jobs"
	"github.com/AleutianAI/flowml/services/flow/model"
	"github.com/AleutianAI/flowml/services/flow/partition"
	"github.com/AleutianAI/flowml/services/flow/pipeline"
	"github.com/AleutianAI/flowml/services/flow/resolver"
	"github.com/AleutianAI/flowml/services/flow/storage"
	"github.com/AleutianAI/flowml/services/flow/telemetry"
	"github.com/AleutianAI/flowml/services/flow/trainer"
)

// Deps are the collaborators shared by the stages of a built pipeline.
type Deps struct {
	// Resolver looks up models by name. Defaults to resolver.Builtin().
	Resolver resolver.Resolver

	// Adapter trains and scores models. Defaults to model.NewLibrary.
	Adapter model.Adapter

	// Provider persists datasets emitted by buffer stages that name a key.
	Provider storage.Provider

	// Metrics is shared by every stage. If nil each stage creates its own.
	Metrics *telemetry.Metrics

	// Logger for stage events. If nil, uses slog.Default().
	Logger *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Resolver == nil {
		d.Resolver = resolver.Builtin()
	}
	if d.Adapter == nil {
		d.Adapter = model.NewLibrary(d.Logger)
	}
	return d
}

// Build constructs the pipeline a file describes. Bindings are not applied.
func Build(f *File, deps Deps) (*pipeline.Pipeline, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: nil pipeline file", flowerr.ErrInvalidConfiguration)
	}
	deps = deps.withDefaults()

	var runner jobs.Runner = jobs.NewLocalRunner(deps.Logger)
	if f.Workers > 1 {
		runner = jobs.NewPoolRunner(f.Workers, deps.Logger)
	}

	b := pipeline.NewBuilder(f.Name)
	for _, sf := range f.Stages {
		stage, err := buildStage(sf, runner, deps)
		if err != nil {
			return nil, err
		}
		b.AddStage(stage)
	}
	return b.Build()
}

// NewExecutor builds the pipeline, registers every binding and pushes the
// file's variables into the bound options once so stages start from the
// declared values.
//
// Outputs:
//
//	*pipeline.Executor - Ready to Run.
//	error - Non-nil if a stage could not be built or rejected a bound value.
func NewExecutor(ctx context.Context, f *File, deps Deps) (*pipeline.Executor, error) {
	if ctx == nil {
		return nil, flowerr.ErrNilContext
	}
	p, err := Build(f, deps)
	if err != nil {
		return nil, err
	}
	deps = deps.withDefaults()

	vars := pipeline.NewVariables(f.Variables)
	exec, err := pipeline.NewExecutor(p, pipeline.Config{
		HaltOnError: f.HaltOnError,
		Provenance:  f.Provenance,
		Variables:   vars,
		Metrics:     deps.Metrics,
	}, deps.Logger)
	if err != nil {
		return nil, err
	}

	for _, sf := range f.Stages {
		for _, option := range slices.Sorted(maps.Keys(sf.Bindings)) {
			tmpl := sf.Bindings[option]
			if err := exec.Bind(sf.Name, option, tmpl); err != nil {
				return nil, err
			}
			stage, _ := p.Stage(sf.Name)
			if err := stage.(pipeline.Bindable).Rebind(ctx, option, vars.Expand(tmpl)); err != nil {
				return nil, pipeline.NewStageError(sf.Name, "bind "+option, err)
			}
		}
	}
	return exec, nil
}

func buildStage(sf StageFile, runner jobs.Runner, deps Deps) (pipeline.Stage, error) {
	logger := deps.Logger
	switch sf.Type {
	case TypePartition:
		strategy, err := partition.ParseStrategy(sf.Strategy, sf.Folds, sf.Fraction, sf.PreserveOrder)
		if err != nil {
			return nil, err
		}
		return partition.NewStage(partition.StageConfig{
			Name:     sf.Name,
			Upstream: sf.Upstream,
			Strategy: strategy,
			Seed:     sf.Seed,
			Metrics:  deps.Metrics,
			Logger:   logger,
		})

	case TypeTrainer:
		return trainer.New(trainer.Config{
			Name:            sf.Name,
			Upstream:        sf.Upstream,
			Model:           sf.Model,
			Resolver:        deps.Resolver,
			Adapter:         deps.Adapter,
			Runner:          runner,
			Offload:         sf.Offload,
			StrictSnapshots: sf.StrictSnapshots,
			Metrics:         deps.Metrics,
			Logger:          logger,
		})

	case TypeTrainTest:
		return evaluate.NewTrainTestStage(evalConfig(sf, deps))

	case TypeCrossValidation:
		strategy, err := partition.ParseStrategy(sf.Strategy, sf.Folds, sf.Fraction, sf.PreserveOrder)
		if err != nil {
			return nil, err
		}
		return evaluate.NewCrossValidationStage(evaluate.CrossValidationConfig{
			StageConfig: evalConfig(sf, deps),
			Strategy:    strategy,
			Seed:        sf.Seed,
			Runs:        sf.Runs,
			Runner:      runner,
			FinalModel:  sf.FinalModel,
		})

	case TypeCollector:
		return evaluate.NewCollector(evaluate.CollectorConfig{
			Name:            sf.Name,
			Upstream:        sf.Upstream,
			Folds:           sf.Folds,
			StrictSnapshots: sf.StrictSnapshots,
			Logger:          logger,
		})

	case TypeBuffer:
		var provider storage.Provider
		if sf.Key != "" {
			if deps.Provider == nil {
				return nil, fmt.Errorf("%w: buffer %q persists to %q but no storage is configured",
					flowerr.ErrInvalidConfiguration, sf.Name, sf.Key)
			}
			provider = deps.Provider
		}
		return buffer.New(buffer.Config{
			Name:            sf.Name,
			Upstream:        sf.Upstream,
			Operation:       buffer.Operation(sf.Operation),
			Interval:        sf.Interval,
			ClearAfterEmit:  sf.ClearAfterEmit,
			CheckHeader:     sf.CheckHeader,
			Provider:        provider,
			Key:             sf.Key,
			StrictSnapshots: sf.StrictSnapshots,
			Logger:          logger,
		})

	default:
		return nil, fmt.Errorf("%w: unknown stage type %q", flowerr.ErrInvalidConfiguration, sf.Type)
	}
}

func evalConfig(sf StageFile, deps Deps) evaluate.StageConfig {
	return evaluate.StageConfig{
		Name:               sf.Name,
		Upstream:           sf.Upstream,
		Model:              sf.Model,
		Resolver:           deps.Resolver,
		Adapter:            deps.Adapter,
		CollectPredictions: !sf.DiscardPredictions,
		Metrics:            deps.Metrics,
		Logger:             deps.Logger,
	}
}

// OpenStorage opens the provider a storage section selects. The returned
// close function releases it and is never nil.
func OpenStorage(sf StorageFile, metrics *telemetry.Metrics, logger *slog.Logger) (storage.Provider, func() error, error) {
	noop := func() error { return nil }

	var (
		p       storage.Provider
		closeFn = noop
	)
	switch sf.Backend {
	case "", "memory":
		p = storage.NewMemoryProvider()
	case "badger":
		bp, err := storage.NewBadgerProvider(storage.DefaultBadgerConfig(sf.Path), metrics, logger)
		if err != nil {
			return nil, noop, err
		}
		p, closeFn = bp, bp.Close
	case "diskv":
		dp, err := storage.NewDiskvProvider(storage.DiskvConfig{BasePath: sf.Path}, metrics, logger)
		if err != nil {
			return nil, noop, err
		}
		p = dp
	default:
		return nil, noop, fmt.Errorf("%w: unknown storage backend %q", flowerr.ErrInvalidConfiguration, sf.Backend)
	}

	if sf.CacheSize > 0 {
		cached, err := storage.NewCached(p, sf.CacheSize)
		if err != nil {
			_ = closeFn()
			return nil, noop, err
		}
		p = cached
	}
	return p, closeFn, nil
}

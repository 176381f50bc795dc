// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package partition

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/flowml/services/flow/container"
	"github.com/AleutianAI/flowml/services/flow/dataset"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
	"github.com/AleutianAI/flowml/services/flow/pipeline"
	"github.com/AleutianAI/flowml/services/flow/telemetry"
)

var meter = otel.Meter("flowml.partition")

// Rebindable options.
const (
	OptionSeed     = "seed"
	OptionFolds    = "folds"
	OptionFraction = "fraction"
)

// StageConfig configures a partition stage.
type StageConfig struct {
	Name     string
	Upstream string
	Strategy Strategy
	Seed     int64

	// Metrics counts emitted partitions. If nil, created from the global meter.
	Metrics *telemetry.Metrics

	// Logger for stage events. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Stage emits one train-test container per partition of each incoming
// dataset.
type Stage struct {
	pipeline.BaseStage

	strategy Strategy
	seed     int64
	logger   *slog.Logger

	metricsOnce sync.Once
	metrics     *telemetry.Metrics
}

// NewStage creates a partition stage.
func NewStage(cfg StageConfig) (*Stage, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: partition stage name is required", flowerr.ErrInvalidConfiguration)
	}
	if cfg.Strategy == nil {
		return nil, fmt.Errorf("%w: partition stage %q has no strategy", flowerr.ErrInvalidConfiguration, cfg.Name)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		BaseStage: pipeline.BaseStage{StageName: cfg.Name, StageUpstream: cfg.Upstream},
		strategy:  cfg.Strategy,
		seed:      cfg.Seed,
		logger:    logger.With(slog.String("stage", cfg.Name)),
		metrics:   cfg.Metrics,
	}, nil
}

func (s *Stage) initMetrics() {
	s.metricsOnce.Do(func() {
		if s.metrics != nil {
			return
		}
		m, err := telemetry.NewMetrics(meter)
		if err != nil {
			s.logger.Error("failed to initialize partition metrics (observability degraded)",
				slog.String("error", err.Error()),
			)
			return
		}
		s.metrics = m
	})
}

// Process implements pipeline.Stage. The input is a dataset or a
// container carrying one.
func (s *Stage) Process(ctx context.Context, in pipeline.Token, emit pipeline.Emit) error {
	s.initMetrics()

	var d *dataset.Dataset
	switch p := in.Payload.(type) {
	case *dataset.Dataset:
		d = p
	case *container.Container:
		d, _ = container.Value[*dataset.Dataset](p, container.KeyDataset)
	}
	if d == nil {
		return flowerr.New("partition", s.Name(), container.KindOf(in.Payload),
			fmt.Errorf("%w: no dataset to partition", flowerr.ErrMissingData))
	}

	seq, err := Generate(d, s.strategy, s.seed)
	if err != nil {
		return flowerr.New("partition", s.Name(), d.Shape(), err)
	}

	logger := telemetry.LoggerWithTrace(ctx, s.logger)
	emitted := 0
	for p := range seq.All(ctx) {
		if err := emit(pipeline.Token{Payload: p.Container()}); err != nil {
			return err
		}
		emitted++
		if s.metrics != nil {
			s.metrics.PartitionsTotal.Add(ctx, 1,
				metric.WithAttributes(attribute.String("strategy", s.strategy.Name())),
			)
		}
	}

	logger.Debug("dataset partitioned",
		slog.String("dataset", d.Shape()),
		slog.String("strategy", s.strategy.Name()),
		slog.Int("emitted", emitted),
		slog.Int("planned", seq.Len()),
	)
	return nil
}

// Rebind implements pipeline.Bindable. Options: "seed", "folds" (k_fold
// only) and "fraction" (random_holdout only).
func (s *Stage) Rebind(_ context.Context, option, value string) error {
	switch option {
	case OptionSeed:
		seed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: seed %q: %w", flowerr.ErrInvalidConfiguration, value, err)
		}
		s.seed = seed

	case OptionFolds:
		if _, ok := s.strategy.(KFold); !ok {
			return fmt.Errorf("%w: %s has no folds option", flowerr.ErrInvalidConfiguration, s.strategy.Name())
		}
		k, err := strconv.Atoi(value)
		if err != nil || k < 2 {
			return fmt.Errorf("%w: folds %q must be an integer >= 2", flowerr.ErrInvalidConfiguration, value)
		}
		s.strategy = KFold{K: k}

	case OptionFraction:
		h, ok := s.strategy.(RandomHoldout)
		if !ok {
			return fmt.Errorf("%w: %s has no fraction option", flowerr.ErrInvalidConfiguration, s.strategy.Name())
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f <= 0 || f >= 1 {
			return fmt.Errorf("%w: fraction %q must be in (0, 1)", flowerr.ErrInvalidConfiguration, value)
		}
		h.Fraction = f
		s.strategy = h

	default:
		return fmt.Errorf("%w: partition stage has no option %q", flowerr.ErrInvalidConfiguration, option)
	}
	return nil
}

var _ pipeline.Bindable = (*Stage)(nil)

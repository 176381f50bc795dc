// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package trainer provides the model training stage.
//
// The stage is a three-phase state machine:
//
//	Uninitialized --dataset--> BatchTrained
//	Uninitialized --record---> IncrementalTrained
//	BatchTrained  --record---> IncrementalTrained
//	any           --dataset--> BatchTrained (incremental state discarded)
//	IncrementalTrained --record--> IncrementalTrained (one update step)
//
// A failed input leaves the phase and the held model untouched.
package trainer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/flowml/services/flow/container"
	"github.com/AleutianAI/flowml/services/flow/dataset"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
	"github.com/AleutianAI/flowml/services/flow/jobs"
	"github.com/AleutianAI/flowml/services/flow/model"
	"github.com/AleutianAI/flowml/services/flow/pipeline"
	"github.com/AleutianAI/flowml/services/flow/resolver"
	"github.com/AleutianAI/flowml/services/flow/snapshot"
	"github.com/AleutianAI/flowml/services/flow/telemetry"
)

var (
	tracer = otel.Tracer("flowml.trainer")
	meter  = otel.Meter("flowml.trainer")
)

// Phase is the trainer's training state.
type Phase int

const (
	// PhaseUninitialized means nothing has been trained yet.
	PhaseUninitialized Phase = iota

	// PhaseBatchTrained means the last input was a whole dataset.
	PhaseBatchTrained

	// PhaseIncrementalTrained means the trainer holds a model updated
	// record by record.
	PhaseIncrementalTrained
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseBatchTrained:
		return "batch_trained"
	case PhaseIncrementalTrained:
		return "incremental_trained"
	default:
		return "unknown"
	}
}

// Rebindable options.
const (
	OptionModel   = "model"
	OptionOffload = "offload"
)

// Config configures a trainer stage.
type Config struct {
	// Name is the stage name. Required.
	Name string

	// Upstream is the stage feeding this one, if any.
	Upstream string

	// Model is the resolver name of the model spec. Required.
	Model string

	// Resolver looks up Model. Required.
	Resolver resolver.Resolver

	// Adapter trains and updates models. Defaults to model.NewLibrary.
	Adapter model.Adapter

	// Runner receives batch training when Offload is set.
	Runner jobs.Runner

	// Offload sends batch training to Runner.
	Offload bool

	// StrictSnapshots fails a rebind whose restore leaves state behind.
	StrictSnapshots bool

	// Metrics records transitions. If nil, created from the global meter.
	Metrics *telemetry.Metrics

	// Logger for stage events. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Stage trains models from datasets and records.
//
// Thread Safety:
//
//	Not safe for concurrent use. The pipeline executor serializes Process
//	and Rebind.
type Stage struct {
	pipeline.BaseStage

	resolver resolver.Resolver
	adapter  model.Adapter
	runner   jobs.Runner
	logger   *slog.Logger
	store    *snapshot.Store[*Snapshot]

	modelName string
	spec      model.Spec
	caps      model.Capabilities
	offload   bool

	// Reconfiguration-sensitive state, captured by Backup.
	phase   Phase
	model   *model.Handle
	header  *dataset.Dataset
	updates int

	metricsOnce sync.Once
	metrics     *telemetry.Metrics
}

// New creates a trainer stage.
//
// Outputs:
//
//	*Stage - The stage, in PhaseUninitialized.
//	error - ErrInvalidConfiguration when a required field is missing or the
//	model cannot be resolved.
func New(cfg Config) (*Stage, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: trainer name is required", flowerr.ErrInvalidConfiguration)
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("%w: trainer %q has no resolver", flowerr.ErrInvalidConfiguration, cfg.Name)
	}
	if cfg.Offload && cfg.Runner == nil {
		return nil, fmt.Errorf("%w: trainer %q offloads without a job runner", flowerr.ErrInvalidConfiguration, cfg.Name)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	adapter := cfg.Adapter
	if adapter == nil {
		adapter = model.NewLibrary(logger)
	}

	s := &Stage{
		BaseStage: pipeline.BaseStage{StageName: cfg.Name, StageUpstream: cfg.Upstream},
		resolver:  cfg.Resolver,
		adapter:   adapter,
		runner:    cfg.Runner,
		offload:   cfg.Offload,
		logger:    logger.With(slog.String("stage", cfg.Name)),
		metrics:   cfg.Metrics,
		store: snapshot.NewStore[*Snapshot](snapshot.StoreConfig{
			Name:   cfg.Name,
			Strict: cfg.StrictSnapshots,
			Logger: logger,
		}),
	}
	if err := s.setModel(cfg.Model); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stage) initMetrics() {
	s.metricsOnce.Do(func() {
		if s.metrics != nil {
			return
		}
		m, err := telemetry.NewMetrics(meter)
		if err != nil {
			s.logger.Error("failed to initialize trainer metrics (observability degraded)",
				slog.String("error", err.Error()),
			)
			return
		}
		s.metrics = m
	})
}

// setModel resolves name and installs it as the model spec.
func (s *Stage) setModel(name string) error {
	spec, err := s.resolver.Resolve(name)
	if err != nil {
		return err
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	s.modelName = name
	s.spec = spec
	s.caps = spec.Capabilities()
	return nil
}

// Phase returns the current phase.
func (s *Stage) Phase() Phase {
	return s.phase
}

// Updates returns the number of incremental updates since the model was
// first trained on a record.
func (s *Stage) Updates() int {
	return s.updates
}

// ModelName returns the configured model name.
func (s *Stage) ModelName() string {
	return s.modelName
}

// Process implements pipeline.Stage.
//
// Description:
//
//	A dataset, or a container carrying one, is batch trained. A record is
//	trained incrementally. Anything else emits a fresh untrained model.
//	On error nothing is emitted and the state is unchanged.
func (s *Stage) Process(ctx context.Context, in pipeline.Token, emit pipeline.Emit) error {
	s.initMetrics()

	ctx, span := tracer.Start(ctx, "trainer.Process",
		trace.WithAttributes(
			attribute.String("trainer.stage", s.Name()),
			attribute.String("trainer.model", s.modelName),
			attribute.String("trainer.phase", s.phase.String()),
		),
	)
	defer span.End()

	var (
		out *container.Container
		err error
	)
	switch p := in.Payload.(type) {
	case *dataset.Dataset:
		out, err = s.trainBatch(ctx, p)
	case dataset.Record:
		out, err = s.trainRecord(ctx, p)
	case *container.Container:
		if d, ok := container.Value[*dataset.Dataset](p, container.KeyDataset); ok {
			out, err = s.trainBatch(ctx, d)
		} else {
			out, err = s.untrained()
		}
	default:
		out, err = s.untrained()
	}

	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	span.SetStatus(codes.Ok, "")
	return emit(pipeline.Token{Payload: out})
}

// trainBatch trains a fresh model on d.
func (s *Stage) trainBatch(ctx context.Context, d *dataset.Dataset) (*container.Container, error) {
	if d == nil {
		return s.untrained()
	}
	shape := d.Shape()

	var h *model.Handle
	train := func(ctx context.Context) error {
		var err error
		h, err = s.adapter.Train(ctx, s.spec, d)
		return err
	}

	var err error
	if s.offload {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, flowerr.New("train", s.Name(), shape, fmt.Errorf("%w: %w", flowerr.ErrCancelled, ctxErr))
		}
		err = s.runner.Submit(ctx, s.Name()+"/train", train)
	} else {
		err = train(ctx)
	}
	if err != nil {
		return nil, flowerr.New("train", s.Name(), shape, err)
	}

	s.transition(ctx, PhaseBatchTrained)
	s.model = nil
	s.updates = 0
	s.header = d.Header()

	s.logger.Info("batch trained",
		slog.String("model", h.String()),
		slog.String("dataset", shape),
	)

	// The handle moves downstream; the trainer keeps no reference.
	return container.New(container.KindModel, map[string]any{
		container.KeyModel:   h,
		container.KeyHeader:  s.header,
		container.KeyDataset: d,
	}), nil
}

// trainRecord trains or updates the incremental model with r.
func (s *Stage) trainRecord(ctx context.Context, r dataset.Record) (*container.Container, error) {
	if r.IsZero() {
		return s.untrained()
	}
	shape := "record(" + r.Schema().Name() + ")"

	if !s.caps.Incremental {
		return nil, flowerr.New("update", s.Name(), shape,
			fmt.Errorf("%w: model is not incremental", flowerr.ErrUnsupportedOperation))
	}

	switch s.phase {
	case PhaseIncrementalTrained:
		if !r.Schema().Equal(s.model.Schema()) {
			return nil, flowerr.New("update", s.Name(), shape,
				fmt.Errorf("%w: record schema %q differs from model schema", flowerr.ErrUnsupportedOperation, r.Schema().Name()))
		}
		// Update a private copy so a failure leaves the held model intact.
		next, err := s.adapter.Update(ctx, s.model.Clone(), r)
		if err != nil {
			return nil, flowerr.New("update", s.Name(), shape, err)
		}
		s.model = next
		s.updates++

	default:
		h, err := s.adapter.Train(ctx, s.spec, dataset.FromRecord(r))
		if err != nil {
			return nil, flowerr.New("train", s.Name(), shape, err)
		}
		s.transition(ctx, PhaseIncrementalTrained)
		s.model = h
		s.updates = 0
		s.header = dataset.Empty(r.Schema())
	}

	s.logger.Debug("incremental step",
		slog.String("model", s.model.String()),
		slog.Int("updates", s.updates),
	)

	// Downstream gets its own copy; the trainer keeps training the original.
	return container.New(container.KindModel, map[string]any{
		container.KeyModel:  s.model.Clone(),
		container.KeyHeader: s.header,
	}), nil
}

// untrained returns a fresh untrained model without changing state.
func (s *Stage) untrained() (*container.Container, error) {
	h, err := model.NewHandle(s.spec)
	if err != nil {
		return nil, flowerr.New("create", s.Name(), "none", err)
	}
	return container.New(container.KindModel, map[string]any{
		container.KeyModel: h,
	}), nil
}

func (s *Stage) transition(ctx context.Context, to Phase) {
	from := s.phase
	s.phase = to
	if s.metrics != nil {
		s.metrics.TrainerTransitionsTotal.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("stage", s.Name()),
				attribute.String("from", from.String()),
				attribute.String("to", to.String()),
			),
		)
	}
	if from != to {
		s.logger.Info("trainer phase changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	}
}

// Rebind implements pipeline.Bindable.
//
// Description:
//
//	Supported options are "model" (a resolver name) and "offload" (a
//	boolean). The stage is reset and its state reinstalled through the
//	snapshot store, so an incremental model survives an offload change.
//	Switching to a different model forgets the trained state, since a model
//	of the old kind cannot continue as the new one. A rejected value
//	leaves everything as it was.
func (s *Stage) Rebind(ctx context.Context, option, value string) error {
	return s.store.Reconfigure(ctx, s, func(ctx context.Context) error {
		s.reset()
		switch option {
		case OptionModel:
			if value == s.modelName {
				return nil
			}
			if err := s.setModel(value); err != nil {
				return err
			}
			s.store.Forget(slotModel, slotPhase, slotHeader, slotUpdates)
			return nil

		case OptionOffload:
			on, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("%w: offload %q: %w", flowerr.ErrInvalidConfiguration, value, err)
			}
			if on && s.runner == nil {
				return fmt.Errorf("%w: no job runner for offload", flowerr.ErrInvalidConfiguration)
			}
			s.offload = on
			return nil

		default:
			return fmt.Errorf("%w: trainer has no option %q", flowerr.ErrInvalidConfiguration, option)
		}
	})
}

// reset returns the state to its post-initialization default.
func (s *Stage) reset() {
	s.phase = PhaseUninitialized
	s.model = nil
	s.header = nil
	s.updates = 0
}

var (
	_ pipeline.Bindable         = (*Stage)(nil)
	_ snapshot.Actor[*Snapshot] = (*Stage)(nil)
)

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/flowml/services/flow/container"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
	"github.com/AleutianAI/flowml/services/flow/telemetry"
)

var (
	tracer = otel.Tracer("flowml.pipeline")
	meter  = otel.Meter("flowml.pipeline")
)

// Config controls executor behavior.
type Config struct {
	// HaltOnError stops the run at the first stage error. Otherwise the
	// error is logged, recorded in the Result and the next input proceeds.
	HaltOnError bool

	// Provenance enables lineage tracking on emitted tokens.
	Provenance bool

	// Sink receives tokens emitted by leaf stages. If nil they are
	// collected in Result.Outputs.
	Sink func(Token) error

	// Variables holds the values stage options are bound to. If nil an
	// empty set is used.
	Variables *Variables

	// Metrics records stage metrics. If nil, created from the global meter.
	Metrics *telemetry.Metrics
}

// Binding ties a stage option to a template over pipeline variables.
type Binding struct {
	Stage    string
	Option   string
	Template string
}

// Result summarizes a run.
type Result struct {
	SessionID string
	Inputs    int
	Outputs   []Token

	// Errors holds stage errors that were logged instead of halting.
	Errors []error

	// Cancelled is set when the context ended the run early.
	Cancelled bool

	Duration       time.Duration
	StageDurations map[string]time.Duration
}

// Executor pushes inputs through a pipeline one at a time.
//
// Description:
//
//	Each input is offered to every root stage in name order. A stage's
//	emitted tokens travel depth-first through its children before emit
//	returns, so no stage sees its next input until everything downstream
//	of the previous one is done. Lineage is stamped on every emitted token
//	and cloned when a token fans out to several children.
//
// Thread Safety:
//
//	Safe for concurrent use. Runs and variable changes are serialized: a
//	variable rebound during a run takes effect between two inputs.
type Executor struct {
	pipeline *Pipeline
	cfg      Config
	logger   *slog.Logger
	tracker  container.Tracker

	mu       sync.Mutex
	running  bool
	bindings []Binding

	metricsOnce sync.Once
	metrics     *telemetry.Metrics
}

// NewExecutor creates a new pipeline executor.
//
// Inputs:
//
//	p - The pipeline to execute. Must not be nil.
//	cfg - Executor configuration.
//	logger - Logger for execution logs. If nil, uses slog.Default().
//
// Outputs:
//
//	*Executor - The configured executor.
//	error - Non-nil if p is nil.
func NewExecutor(p *Pipeline, cfg Config, logger *slog.Logger) (*Executor, error) {
	if p == nil {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Variables == nil {
		cfg.Variables = NewVariables(nil)
	}
	return &Executor{
		pipeline: p,
		cfg:      cfg,
		logger:   logger,
		tracker:  container.Tracker{Enabled: cfg.Provenance},
		metrics:  cfg.Metrics,
	}, nil
}

// initMetrics lazily creates metrics when none were configured.
// Logs errors but continues execution (graceful degradation).
func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		if e.metrics != nil {
			return
		}
		m, err := telemetry.NewMetrics(meter)
		if err != nil {
			e.logger.Error("failed to initialize pipeline metrics (observability degraded)",
				slog.String("error", err.Error()),
			)
			return
		}
		e.metrics = m
	})
}

// Variables returns the executor's variable set.
func (e *Executor) Variables() *Variables {
	return e.cfg.Variables
}

// Bind ties a stage option to a template such as "@{model}". The option is
// rebound whenever a referenced variable changes.
func (e *Executor) Bind(stage, option, template string) error {
	s, ok := e.pipeline.Stage(stage)
	if !ok {
		return NewStageError(stage, "", ErrStageNotFound)
	}
	if _, ok := s.(Bindable); !ok {
		return NewStageError(stage, "", ErrNotBindable)
	}
	if len(References(template)) == 0 {
		return fmt.Errorf("%w: template %q references no variable", ErrInvalidInput, template)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.bindings = append(e.bindings, Binding{Stage: stage, Option: option, Template: template})
	return nil
}

// SetVariable assigns a variable and rebinds every option that references
// it. It waits for the input currently in flight to finish.
//
// Outputs:
//
//	error - Joined errors from stages that rejected the new value. Those
//	stages keep their previous state.
func (e *Executor) SetVariable(ctx context.Context, name, value string) error {
	if ctx == nil {
		return flowerr.ErrNilContext
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cfg.Variables.Set(name, value) {
		return nil
	}

	ctx, span := tracer.Start(ctx, "pipeline.SetVariable",
		trace.WithAttributes(
			attribute.String("pipeline.name", e.pipeline.Name()),
			attribute.String("pipeline.variable", name),
		),
	)
	defer span.End()

	var errs []error
	for _, b := range e.bindings {
		if !slices.Contains(References(b.Template), name) {
			continue
		}
		stage, _ := e.pipeline.Stage(b.Stage)
		resolved := e.cfg.Variables.Expand(b.Template)
		if err := stage.(Bindable).Rebind(ctx, b.Option, resolved); err != nil {
			errs = append(errs, NewStageError(b.Stage, "rebind "+b.Option, err))
			continue
		}
		e.logger.Info("stage option rebound",
			slog.String("stage", b.Stage),
			slog.String("option", b.Option),
			slog.String("value", resolved),
		)
	}

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Run pushes every input through the pipeline.
//
// Description:
//
//	Inputs are drawn lazily from the sequence. Cancellation is checked
//	between inputs; a cancelled run returns the partial Result with
//	Cancelled set and no error.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	inputs - Payloads for the root stages.
//
// Outputs:
//
//	*Result - Execution summary.
//	error - The first stage error when HaltOnError is set.
func (e *Executor) Run(ctx context.Context, inputs iter.Seq[any]) (*Result, error) {
	if ctx == nil {
		return nil, flowerr.ErrNilContext
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	e.initMetrics()

	ctx, span := tracer.Start(ctx, "pipeline.Run",
		trace.WithAttributes(
			attribute.String("pipeline.name", e.pipeline.Name()),
			attribute.Int("pipeline.stage_count", e.pipeline.Len()),
		),
	)
	defer span.End()

	start := time.Now()
	result := &Result{
		SessionID:      uuid.NewString()[:12],
		StageDurations: make(map[string]time.Duration),
	}

	e.logger.Info("pipeline started",
		slog.String("pipeline", e.pipeline.Name()),
		slog.String("session_id", result.SessionID),
		slog.Int("stages", e.pipeline.Len()),
	)

	var runErr error
	for input := range inputs {
		if ctx.Err() != nil {
			result.Cancelled = true
			break
		}

		in := Token{Payload: input}
		if c, ok := input.(*container.Container); ok {
			in.Lineage = c.Lineage()
		}

		e.mu.Lock()
		for _, root := range e.pipeline.Roots() {
			if runErr = e.process(ctx, root, in, result); runErr != nil {
				break
			}
		}
		e.mu.Unlock()

		result.Inputs++
		if runErr != nil {
			break
		}
	}
	if ctx.Err() != nil {
		result.Cancelled = true
	}

	result.Duration = time.Since(start)
	if e.metrics != nil {
		e.metrics.PipelineDuration.Record(ctx, result.Duration.Seconds(),
			metric.WithAttributes(attribute.String("pipeline", e.pipeline.Name())),
		)
	}

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		e.logger.Error("pipeline failed",
			slog.String("session_id", result.SessionID),
			slog.String("error", runErr.Error()),
		)
		return result, runErr
	}

	span.SetStatus(codes.Ok, "")
	e.logger.Info("pipeline completed",
		slog.String("session_id", result.SessionID),
		slog.Duration("duration", result.Duration),
		slog.Int("inputs", result.Inputs),
		slog.Int("errors", len(result.Errors)),
		slog.Bool("cancelled", result.Cancelled),
	)
	return result, nil
}

// process runs one stage on one token, with its whole downstream subtree.
func (e *Executor) process(ctx context.Context, name string, in Token, result *Result) error {
	stage, _ := e.pipeline.Stage(name)
	inputKind := container.KindOf(in.Payload)

	ctx, span := tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("pipeline.stage", name),
			attribute.String("pipeline.input_kind", inputKind),
			attribute.String("pipeline.session_id", result.SessionID),
		),
	)
	defer span.End()

	children := e.pipeline.children[name]
	emit := func(out Token) error {
		out = e.stamp(name, in, out)
		if len(children) == 0 {
			return e.sink(out, result)
		}
		for i, child := range children {
			branch := out
			if i > 0 {
				branch = e.fork(out)
			}
			if err := e.process(ctx, child, branch, result); err != nil {
				return err
			}
		}
		return nil
	}

	start := time.Now()
	err := stage.Process(ctx, in, emit)
	duration := time.Since(start)
	result.StageDurations[name] += duration

	status := "ok"
	if err != nil {
		status = "error"
	}
	if e.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("stage", name), attribute.String("status", status))
		e.metrics.StageInputsTotal.Add(ctx, 1, attrs)
		e.metrics.StageDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("stage", name)),
		)
	}

	if err == nil {
		span.SetStatus(codes.Ok, "")
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	// Errors from downstream stages arrive already wrapped.
	var se *StageError
	if !errors.As(err, &se) {
		err = NewStageError(name, inputKind, err)
		if e.metrics != nil {
			kind := "other"
			if k := flowerr.Kind(err); k != nil {
				kind = k.Error()
			}
			e.metrics.ErrorsTotal.Add(ctx, 1,
				metric.WithAttributes(attribute.String("component", name), attribute.String("kind", kind)),
			)
		}
	}

	if e.cfg.HaltOnError {
		return err
	}
	e.logger.Error("stage failed",
		slog.String("stage", name),
		slog.String("input", inputKind),
		slog.Duration("duration", duration),
		slog.String("error", err.Error()),
	)
	if !slices.Contains(result.Errors, err) {
		result.Errors = append(result.Errors, err)
	}
	return nil
}

// stamp attaches lineage to an emitted token.
func (e *Executor) stamp(producer string, in, out Token) Token {
	switch {
	case !e.tracker.Enabled:
		out.Lineage = container.Trail{}
	case out.Merged:
		out.Lineage = out.Lineage.Clone()
	default:
		out.Lineage = e.tracker.Stamp(in.Lineage, producer, in.Payload, out.Payload)
	}
	out.Merged = false
	if c, ok := out.Payload.(*container.Container); ok && e.tracker.Enabled {
		out.Payload = c.WithLineage(out.Lineage)
	}
	return out
}

// fork gives a branch its own copy of the trail.
func (e *Executor) fork(t Token) Token {
	t.Lineage = t.Lineage.Clone()
	if c, ok := t.Payload.(*container.Container); ok && e.tracker.Enabled {
		t.Payload = c.WithLineage(t.Lineage)
	}
	return t
}

func (e *Executor) sink(t Token, result *Result) error {
	if e.cfg.Sink != nil {
		return e.cfg.Sink(t)
	}
	result.Outputs = append(result.Outputs, t)
	return nil
}

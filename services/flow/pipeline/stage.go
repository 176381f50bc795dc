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
	"fmt"
	"sort"

	"github.com/AleutianAI/flowml/services/flow/container"
)

// Token is one unit of data travelling between stages.
type Token struct {
	// Payload is the data: a dataset, a record or a container.
	Payload any

	// Lineage is the payload's trail. The executor maintains it.
	Lineage container.Trail

	// Merged marks an emitted token whose Lineage the stage already built
	// from several inputs. The executor keeps that trail instead of
	// stamping the current input's.
	Merged bool
}

// Emit passes an output token downstream. It returns once every downstream
// stage has finished with the token.
type Emit func(Token) error

// Stage is a single actor in a pipeline.
//
// Description:
//
//	Process consumes one input token and calls emit zero or more times.
//	The executor never calls Process again before the previous call has
//	returned, so a stage needs no locking for its own state.
type Stage interface {
	// Name returns the unique identifier for this stage.
	Name() string

	// Dependencies returns the upstream stage, if any. At most one.
	Dependencies() []string

	// Process handles one input.
	Process(ctx context.Context, in Token, emit Emit) error
}

// Bindable is a stage whose options can be rebound at runtime.
type Bindable interface {
	Stage

	// Rebind sets option to value and re-initializes the stage, keeping
	// state that must survive the change.
	Rebind(ctx context.Context, option, value string) error
}

// BaseStage provides the name and dependency parts of Stage.
//
// Example:
//
//	type MyStage struct {
//	    pipeline.BaseStage
//	}
//
//	func (s *MyStage) Process(ctx context.Context, in pipeline.Token, emit pipeline.Emit) error {
//	    return emit(pipeline.Token{Payload: transform(in.Payload)})
//	}
type BaseStage struct {
	StageName     string
	StageUpstream string
}

// Name returns the stage's unique identifier.
func (s *BaseStage) Name() string {
	return s.StageName
}

// Dependencies returns the upstream stage name, if set.
func (s *BaseStage) Dependencies() []string {
	if s.StageUpstream == "" {
		return []string{}
	}
	return []string{s.StageUpstream}
}

// Process returns an error if called directly.
// Concrete implementations must override this method.
func (s *BaseStage) Process(context.Context, Token, Emit) error {
	return fmt.Errorf("%w: BaseStage.Process must be overridden by concrete implementation", ErrInvalidInput)
}

// FuncStage wraps a function as a Stage.
//
// Example:
//
//	double := pipeline.NewFuncStage("double", "source", func(ctx context.Context, in pipeline.Token, emit pipeline.Emit) error {
//	    return emit(pipeline.Token{Payload: in.Payload.(int) * 2})
//	})
type FuncStage struct {
	BaseStage
	fn func(context.Context, Token, Emit) error
}

// NewFuncStage creates a stage from a function. upstream may be empty.
func NewFuncStage(name, upstream string, fn func(context.Context, Token, Emit) error) *FuncStage {
	return &FuncStage{
		BaseStage: BaseStage{StageName: name, StageUpstream: upstream},
		fn:        fn,
	}
}

// Process runs the wrapped function.
func (s *FuncStage) Process(ctx context.Context, in Token, emit Emit) error {
	if s.fn == nil {
		return ErrInvalidInput
	}
	return s.fn(ctx, in, emit)
}

// Pipeline is a validated tree of stages.
type Pipeline struct {
	name     string
	stages   map[string]Stage
	roots    []string
	children map[string][]string
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string {
	return p.name
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	return len(p.stages)
}

// Stage returns the named stage.
func (p *Pipeline) Stage(name string) (Stage, bool) {
	s, ok := p.stages[name]
	return s, ok
}

// Roots returns the stages without upstream, sorted by name.
func (p *Pipeline) Roots() []string {
	return append([]string(nil), p.roots...)
}

// Children returns the stages fed by name, sorted by name.
func (p *Pipeline) Children(name string) []string {
	return append([]string(nil), p.children[name]...)
}

// StageNames returns all stage names sorted.
func (p *Pipeline) StageNames() []string {
	names := make([]string, 0, len(p.stages))
	for n := range p.stages {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Builder constructs a Pipeline with validation.
//
// Thread Safety:
//
//	Builder is NOT safe for concurrent use. Build the pipeline in a single
//	goroutine.
//
// Example:
//
//	p, err := pipeline.NewBuilder("cv").
//	    AddStage(splitter).
//	    AddStage(evaluator).
//	    Build()
type Builder struct {
	name   string
	stages map[string]Stage
	errors []error
}

// NewBuilder creates a new pipeline builder.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:   name,
		stages: make(map[string]Stage),
	}
}

// AddStage adds a stage. Errors are reported by Build.
func (b *Builder) AddStage(stage Stage) *Builder {
	if stage == nil {
		b.errors = append(b.errors, ErrNilStage)
		return b
	}

	name := stage.Name()
	if _, exists := b.stages[name]; exists {
		b.errors = append(b.errors, NewStageError(name, "", ErrDuplicateStage))
		return b
	}
	if len(stage.Dependencies()) > 1 {
		b.errors = append(b.errors, NewStageError(name, "", ErrMultipleUpstream))
		return b
	}

	b.stages[name] = stage
	return b
}

// Build validates and constructs the pipeline.
//
// Outputs:
//
//	*Pipeline - The constructed pipeline.
//	error - Non-nil if a stage was rejected, a dependency is missing or the
//	stages form a cycle.
func (b *Builder) Build() (*Pipeline, error) {
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}
	if len(b.stages) == 0 {
		return nil, fmt.Errorf("%w: pipeline has no stages", ErrInvalidInput)
	}

	upstream := make(map[string]string, len(b.stages))
	for name, s := range b.stages {
		deps := s.Dependencies()
		if len(deps) == 0 {
			continue
		}
		if _, exists := b.stages[deps[0]]; !exists {
			return nil, NewStageError(name, "", fmt.Errorf("%w: %s", ErrStageNotFound, deps[0]))
		}
		upstream[name] = deps[0]
	}

	if err := detectCycles(b.stages, upstream); err != nil {
		return nil, err
	}

	p := &Pipeline{
		name:     b.name,
		stages:   b.stages,
		children: make(map[string][]string),
	}
	for name := range b.stages {
		if up, ok := upstream[name]; ok {
			p.children[up] = append(p.children[up], name)
		} else {
			p.roots = append(p.roots, name)
		}
	}
	sort.Strings(p.roots)
	for up := range p.children {
		sort.Strings(p.children[up])
	}
	return p, nil
}

// detectCycles walks each stage's upstream chain. With a single upstream
// per stage a cycle is a chain that revisits a stage.
func detectCycles(stages map[string]Stage, upstream map[string]string) error {
	names := make([]string, 0, len(stages))
	for n := range stages {
		names = append(names, n)
	}
	sort.Strings(names)

	done := make(map[string]bool, len(stages))
	for _, start := range names {
		onPath := make(map[string]int)
		var path []string
		for cur := start; cur != "" && !done[cur]; cur = upstream[cur] {
			if i, seen := onPath[cur]; seen {
				return &CycleError{Path: append(path[i:], cur)}
			}
			onPath[cur] = len(path)
			path = append(path, cur)
		}
		for _, n := range path {
			done[n] = true
		}
	}
	return nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolver maps model names used in pipeline configuration to
// model specs. Stages receive a Resolver at construction and never reach
// into a global registry.
package resolver

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/AleutianAI/flowml/services/flow/flowerr"
	"github.com/AleutianAI/flowml/services/flow/model"
)

// Resolver looks up a configured model spec by name.
type Resolver interface {
	Resolve(name string) (model.Spec, error)
}

// Func adapts a function to Resolver.
type Func func(name string) (model.Spec, error)

// Resolve implements Resolver.
func (f Func) Resolve(name string) (model.Spec, error) {
	return f(name)
}

// Registry is a Resolver backed by a map of named specs.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]model.Spec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]model.Spec)}
}

// Builtin returns a registry holding the built-in estimators:
// zero_r, naive_bayes, linear_regression and naive_bayes_abstain.
func Builtin() *Registry {
	r := NewRegistry()
	for _, s := range []model.Spec{
		{Name: "zero_r", New: model.NewZeroR},
		{Name: "naive_bayes", New: model.NewNaiveBayes},
		{Name: "linear_regression", New: model.NewLinearRegression},
		{Name: "naive_bayes_abstain", New: model.NewAbstainer(model.NewNaiveBayes, 0.6)},
	} {
		// Built-in specs are valid by construction.
		_ = r.Register(s)
	}
	return r
}

// Register adds or replaces a spec.
func (r *Registry) Register(spec model.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Name] = spec
	return nil
}

// Resolve implements Resolver.
func (r *Registry) Resolve(name string) (model.Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	if !ok {
		return model.Spec{}, fmt.Errorf("%w: unknown model %q", flowerr.ErrInvalidConfiguration, name)
	}
	return spec, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.specs))
}

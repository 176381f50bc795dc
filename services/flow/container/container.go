// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package container holds the typed key-value bundles that flow between
// stages, and the lineage trails attached to them.
package container

import (
	"maps"
	"slices"
)

// Kind identifies what a Container carries.
type Kind string

const (
	// KindModel carries a trained model, its header and optionally the
	// training dataset.
	KindModel Kind = "model"

	// KindTrainTest carries one partition of a dataset.
	KindTrainTest Kind = "train-test"

	// KindEvaluation carries evaluation results.
	KindEvaluation Kind = "evaluation"

	// KindDataset carries a dataset reference from storage.
	KindDataset Kind = "dataset"
)

// Well-known value keys.
const (
	KeyModel      = "Model"
	KeyHeader     = "Header"
	KeyDataset    = "Dataset"
	KeyTrain      = "Train"
	KeyTest       = "Test"
	KeyFoldIndex  = "FoldIndex"
	KeyFoldCount  = "FoldCount"
	KeySeed       = "Seed"
	KeyIndices    = "TestIndices"
	KeyStrategy   = "Strategy"
	KeyEvaluation = "Evaluation"
	KeyKey        = "Key"
)

// Container is an immutable bag of named values with a kind and lineage.
//
// Description:
//
//	Values are stored by reference; the container copies only its own map.
//	Payloads placed into a container must themselves be immutable or owned
//	by the container from that point on (model handles are moved in).
//
// Thread Safety:
//
//	Safe for concurrent reads. There are no mutating methods.
type Container struct {
	kind    Kind
	values  map[string]any
	lineage Trail
}

// New creates a container of the given kind.
func New(kind Kind, values map[string]any) *Container {
	return &Container{kind: kind, values: maps.Clone(values)}
}

// Kind returns the container kind.
func (c *Container) Kind() Kind {
	return c.kind
}

// Get returns the value stored under key.
func (c *Container) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Has reports whether key is set.
func (c *Container) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Keys returns the keys in sorted order.
func (c *Container) Keys() []string {
	return slices.Sorted(maps.Keys(c.values))
}

// With returns a copy of the container with key set to v.
func (c *Container) With(key string, v any) *Container {
	out := &Container{kind: c.kind, values: maps.Clone(c.values), lineage: c.lineage}
	if out.values == nil {
		out.values = make(map[string]any, 1)
	}
	out.values[key] = v
	return out
}

// Without returns a copy of the container with key removed.
func (c *Container) Without(key string) *Container {
	out := &Container{kind: c.kind, values: maps.Clone(c.values), lineage: c.lineage}
	delete(out.values, key)
	return out
}

// Lineage returns the container's trail.
func (c *Container) Lineage() Trail {
	return c.lineage
}

// WithLineage returns a copy of the container carrying t.
func (c *Container) WithLineage(t Trail) *Container {
	return &Container{kind: c.kind, values: c.values, lineage: t.Clone()}
}

// Value returns the value under key asserted to T.
func Value[T any](c *Container, key string) (T, bool) {
	var zero T
	if c == nil {
		return zero, false
	}
	v, ok := c.values[key]
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

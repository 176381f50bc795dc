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

	"github.com/google/uuid"

	"github.com/AleutianAI/flowml/services/flow/dataset"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
)

// Capabilities describes what an estimator supports.
type Capabilities struct {
	// Incremental estimators accept one record at a time after training.
	Incremental bool

	// Abstention estimators may return an all-zero distribution, which is
	// reported as a missing prediction.
	Abstention bool
}

// Estimator is the contract a model implementation fulfils.
//
// Implementations need not be safe for concurrent use; a Handle owns its
// estimator exclusively.
type Estimator interface {
	// Capabilities reports the estimator's capability flags.
	Capabilities() Capabilities

	// Fit trains from scratch on d, discarding earlier state.
	Fit(ctx context.Context, d *dataset.Dataset) error

	// Predict returns a class distribution for a categorical target or a
	// one-element slice holding the estimate for a numeric target.
	Predict(r dataset.Record) ([]float64, error)

	// Clone returns a deep copy including learned state.
	Clone() Estimator
}

// Updater is implemented by incremental estimators.
type Updater interface {
	Update(r dataset.Record) error
}

// Spec is a named, configured model template. New returns an untrained
// estimator each time it is called.
type Spec struct {
	Name string
	New  func() Estimator
}

// Validate checks that the spec can produce estimators.
func (s Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: model spec has no name", flowerr.ErrInvalidConfiguration)
	}
	if s.New == nil {
		return fmt.Errorf("%w: model spec %q has no constructor", flowerr.ErrInvalidConfiguration, s.Name)
	}
	return nil
}

// Capabilities reports the capabilities of the spec's estimators.
func (s Spec) Capabilities() Capabilities {
	if s.New == nil {
		return Capabilities{}
	}
	return s.New().Capabilities()
}

// State is the lifecycle state of a Handle.
type State int

const (
	// StateUntrained is a fresh copy of a spec.
	StateUntrained State = iota

	// StateTraining is set while Fit runs.
	StateTraining

	// StateTrained means the estimator can predict.
	StateTrained

	// StateUpdating is set while an incremental update runs.
	StateUpdating
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateUntrained:
		return "untrained"
	case StateTraining:
		return "training"
	case StateTrained:
		return "trained"
	case StateUpdating:
		return "updating"
	default:
		return "unknown"
	}
}

// Handle is an opaque reference to a model instance.
//
// Handles are moved, not shared: whoever holds a Handle owns it. Use Clone
// to give an independent copy to another owner.
type Handle struct {
	id      string
	spec    string
	est     Estimator
	state   State
	schema  *dataset.Schema
	updates int
}

// NewHandle returns an untrained handle for spec.
func NewHandle(spec Spec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &Handle{
		id:    uuid.NewString(),
		spec:  spec.Name,
		est:   spec.New(),
		state: StateUntrained,
	}, nil
}

// ID returns the handle's unique id.
func (h *Handle) ID() string {
	return h.id
}

// Spec returns the name of the spec the handle was created from.
func (h *Handle) Spec() string {
	return h.spec
}

// State returns the lifecycle state.
func (h *Handle) State() State {
	return h.state
}

// Capabilities returns the estimator's capabilities.
func (h *Handle) Capabilities() Capabilities {
	return h.est.Capabilities()
}

// Schema returns the schema the model was trained on, or nil.
func (h *Handle) Schema() *dataset.Schema {
	return h.schema
}

// Updates returns the number of incremental updates applied.
func (h *Handle) Updates() int {
	return h.updates
}

// Clone returns an independent copy with a new id.
func (h *Handle) Clone() *Handle {
	return &Handle{
		id:      uuid.NewString(),
		spec:    h.spec,
		est:     h.est.Clone(),
		state:   h.state,
		schema:  h.schema,
		updates: h.updates,
	}
}

// String describes the handle for logs.
func (h *Handle) String() string {
	return fmt.Sprintf("%s[%s %s]", h.spec, h.id[:8], h.state)
}

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
	"errors"
	"fmt"
)

// Sentinel errors for the pipeline package.
var (
	// ErrNilStage is returned when a nil stage is provided.
	ErrNilStage = errors.New("stage must not be nil")

	// ErrDuplicateStage is returned when adding a stage with an existing name.
	ErrDuplicateStage = errors.New("stage with this name already exists")

	// ErrStageNotFound is returned when a referenced stage doesn't exist.
	ErrStageNotFound = errors.New("stage not found")

	// ErrCycleDetected is returned when the stage graph contains a cycle.
	ErrCycleDetected = errors.New("cycle detected in pipeline")

	// ErrMultipleUpstream is returned when a stage names more than one
	// dependency. Stages with several inputs merge containers themselves.
	ErrMultipleUpstream = errors.New("stage has more than one upstream stage")

	// ErrAlreadyRunning is returned when Run is called while a run is active.
	ErrAlreadyRunning = errors.New("executor is already running")

	// ErrNotBindable is returned when binding a variable to a stage that
	// does not accept option changes.
	ErrNotBindable = errors.New("stage does not accept variable bindings")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)

// StageError wraps an error with the stage and input that caused it.
type StageError struct {
	Stage string
	Input string
	Err   error
}

// Error returns the error message.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q [input %s]: %v", e.Stage, e.Input, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError creates a StageError.
func NewStageError(stage, input string, err error) *StageError {
	return &StageError{
		Stage: stage,
		Input: input,
		Err:   err,
	}
}

// CycleError provides details about a detected cycle.
type CycleError struct {
	Path []string
}

// Error returns the cycle description.
func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %v", e.Path)
}

// Unwrap lets errors.Is match ErrCycleDetected.
func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

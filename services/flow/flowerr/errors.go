// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package flowerr defines the error kinds shared by all flow stages.
//
// Every stage failure is one of four kinds, tested with errors.Is:
//
//	ErrInvalidConfiguration     - bad parameters, detected before work starts
//	ErrUnsupportedOperation     - the model cannot do what the input requires
//	ErrUnderlyingLibraryFailure - the model library failed or panicked
//	ErrMissingData              - a required input was empty or absent
//
// Stages wrap the kind in an *Error that names the stage and the input
// shape so logs identify where a failure happened.
package flowerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for flow stages.
var (
	// ErrInvalidConfiguration is returned when stage parameters are invalid.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrUnsupportedOperation is returned when the model cannot handle the input.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrUnderlyingLibraryFailure is returned when the model library fails.
	ErrUnderlyingLibraryFailure = errors.New("underlying library failure")

	// ErrMissingData is returned when a required input is empty or absent.
	ErrMissingData = errors.New("missing data")

	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrCancelled is returned when work was abandoned because the context
	// ended before it was submitted.
	ErrCancelled = errors.New("cancelled")
)

// Error wraps an error kind with the stage and input that produced it.
type Error struct {
	// Op is the operation that failed, e.g. "train" or "evaluate".
	Op string

	// Stage is the name of the stage, empty outside a pipeline.
	Stage string

	// Input describes the shape of the input, e.g. "dataset(150x5)".
	Input string

	Err error
}

// Error returns the error message.
func (e *Error) Error() string {
	msg := e.Op
	if e.Stage != "" {
		msg = fmt.Sprintf("stage %q: %s", e.Stage, msg)
	}
	if e.Input != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Input)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error.
func New(op, stage, input string, err error) *Error {
	return &Error{
		Op:    op,
		Stage: stage,
		Input: input,
		Err:   err,
	}
}

// Kind returns the sentinel kind of err, or nil if it has none.
func Kind(err error) error {
	for _, kind := range []error{
		ErrInvalidConfiguration,
		ErrUnsupportedOperation,
		ErrUnderlyingLibraryFailure,
		ErrMissingData,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

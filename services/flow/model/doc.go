// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model is the boundary between flow stages and model libraries.
//
// # Overview
//
// A Spec names a configured model template. Training a Spec through an
// Adapter yields a Handle: an opaque, exclusively owned reference to a
// trained Estimator. Handles move between stages by ownership; Clone makes
// an independent copy when two owners need one.
//
// # Lifecycle
//
//	untrained -> training -> trained
//	trained -> updating -> trained    (incremental estimators only)
//
// # Built-in estimators
//
//	zero_r             incremental, class frequencies or weighted mean
//	naive_bayes        incremental, categorical target
//	linear_regression  batch only, numeric target (gonum/mat)
//
// Abstainer wraps a classifier to give it the abstention capability.
//
// # Thread Safety
//
// Library is stateless and safe for concurrent use. Handles and estimators
// are not; a pipeline runs each stage on one logical thread.
package model

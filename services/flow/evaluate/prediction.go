// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evaluate

import (
	"cmp"
	"iter"
	"math"
	"slices"
)

// Prediction is the model output for one test record.
type Prediction struct {
	// Index is the record's position in the test set.
	Index int

	// Actual is the class index or numeric target; NaN when missing.
	Actual float64

	// Predicted is the predicted class index or estimate; NaN when the
	// model made no prediction.
	Predicted float64

	Weight float64

	// Distribution holds class probabilities, or the estimate alone for a
	// numeric target.
	Distribution []float64
}

// Missing reports whether the model made no prediction.
func (p Prediction) Missing() bool {
	return math.IsNaN(p.Predicted)
}

// WeightedError returns |actual - predicted| * weight, NaN if either side
// is missing.
func (p Prediction) WeightedError() float64 {
	return math.Abs(p.Actual-p.Predicted) * p.Weight
}

// ErrorPoint is one element of the accumulated-error sequence.
type ErrorPoint struct {
	// Count is the number of predictions consumed so far.
	Count int

	// Value is the error value at this point.
	Value float64
}

// errorCursor walks predictions sorted by weighted error.
type errorCursor struct {
	sorted []Prediction
	next   int
}

func newErrorCursor(preds []Prediction) *errorCursor {
	sorted := slices.Clone(preds)
	slices.SortStableFunc(sorted, func(a, b Prediction) int {
		return compareErrors(a.WeightedError(), b.WeightedError())
	})
	return &errorCursor{sorted: sorted}
}

// compareErrors orders ascending with NaN last; two NaNs are equal.
func compareErrors(a, b float64) int {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return 1
	case bNaN:
		return -1
	default:
		return cmp.Compare(a, b)
	}
}

// AccumulatedError yields the running error over the predictions sorted
// ascending by weighted error, one element per prediction.
//
// Description:
//
//	Each element pairs the number of predictions consumed with
//	sqrt(e*e / n), where e is the weighted error of the prediction just
//	consumed and n the total number of predictions. The sequence is single
//	pass: the cursor lives on the Result, so iterating again continues
//	where the last iteration stopped and an exhausted sequence yields
//	nothing. Without collected predictions the sequence is empty.
func (r *Result) AccumulatedError() iter.Seq[ErrorPoint] {
	return func(yield func(ErrorPoint) bool) {
		if r.cursor == nil {
			r.cursor = newErrorCursor(r.Predictions)
		}
		c := r.cursor
		n := float64(len(c.sorted))
		for c.next < len(c.sorted) {
			e := c.sorted[c.next].WeightedError()
			c.next++
			if !yield(ErrorPoint{Count: c.next, Value: math.Sqrt(e * e / n)}) {
				return
			}
		}
	}
}

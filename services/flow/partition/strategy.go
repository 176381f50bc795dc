// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package partition

import (
	"fmt"
	"math"

	"github.com/AleutianAI/flowml/services/flow/flowerr"
)

// Strategy names.
const (
	NameRandomHoldout = "random_holdout"
	NameKFold         = "k_fold"
	NameLeaveOneOut   = "leave_one_out"
)

// Strategy is one of RandomHoldout, KFold or LeaveOneOut.
type Strategy interface {
	// Name returns the strategy name.
	Name() string

	// plan validates the strategy against a dataset of n records and
	// returns the number of folds, or 0 for a holdout split.
	plan(n int) (int, error)
}

// RandomHoldout splits the data once: Fraction of the records train, the
// rest test.
type RandomHoldout struct {
	// Fraction of records used for training, in (0, 1).
	Fraction float64

	// PreserveOrder splits without shuffling first.
	PreserveOrder bool
}

// Name implements Strategy.
func (RandomHoldout) Name() string { return NameRandomHoldout }

func (s RandomHoldout) plan(n int) (int, error) {
	if math.IsNaN(s.Fraction) || s.Fraction <= 0 || s.Fraction >= 1 {
		return 0, fmt.Errorf("%w: holdout fraction %g is not in (0, 1)", flowerr.ErrInvalidConfiguration, s.Fraction)
	}
	train := s.trainSize(n)
	if train == 0 || train == n {
		return 0, fmt.Errorf("%w: holdout fraction %g of %d records leaves an empty train or test set",
			flowerr.ErrMissingData, s.Fraction, n)
	}
	return 0, nil
}

// trainSize is round(n * fraction).
func (s RandomHoldout) trainSize(n int) int {
	return int(math.Round(float64(n) * s.Fraction))
}

// KFold splits the data into K folds, each used once as the test set.
type KFold struct {
	K int
}

// Name implements Strategy.
func (KFold) Name() string { return NameKFold }

func (s KFold) plan(n int) (int, error) {
	if s.K < 2 {
		return 0, fmt.Errorf("%w: k_fold needs k >= 2, got %d (use leave_one_out)", flowerr.ErrInvalidConfiguration, s.K)
	}
	if s.K > n {
		return 0, fmt.Errorf("%w: k_fold k=%d exceeds %d records", flowerr.ErrInvalidConfiguration, s.K, n)
	}
	return s.K, nil
}

// LeaveOneOut is KFold with one fold per record.
type LeaveOneOut struct{}

// Name implements Strategy.
func (LeaveOneOut) Name() string { return NameLeaveOneOut }

func (LeaveOneOut) plan(n int) (int, error) {
	if n < 2 {
		return 0, fmt.Errorf("%w: leave_one_out needs at least 2 records, got %d", flowerr.ErrInvalidConfiguration, n)
	}
	return n, nil
}

// ParseStrategy builds a strategy from configuration values. folds is used
// by k_fold, fraction and preserveOrder by random_holdout.
func ParseStrategy(name string, folds int, fraction float64, preserveOrder bool) (Strategy, error) {
	switch name {
	case NameRandomHoldout:
		return RandomHoldout{Fraction: fraction, PreserveOrder: preserveOrder}, nil
	case NameKFold:
		return KFold{K: folds}, nil
	case NameLeaveOneOut:
		return LeaveOneOut{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown partition strategy %q", flowerr.ErrInvalidConfiguration, name)
	}
}

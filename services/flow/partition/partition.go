// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package partition splits datasets into train/test partitions.
//
// Generate validates everything up front and returns a lazy Sequence that
// materializes one Partition at a time:
//
//	seq, err := partition.Generate(d, partition.KFold{K: 10}, 42)
//	if err != nil {
//	    return err
//	}
//	for p := range seq.All(ctx) {
//	    evaluate(p.Train, p.Test)
//	}
//
// Cancellation is checked between partitions and ends the sequence
// silently. A Sequence keeps its cursor, so iterating again resumes after
// the last delivered partition.
package partition

import (
	"context"
	"fmt"
	"iter"
	"math/rand/v2"
	"slices"

	"github.com/AleutianAI/flowml/services/flow/container"
	"github.com/AleutianAI/flowml/services/flow/dataset"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
)

// Partition is one train/test split.
type Partition struct {
	Train *dataset.Dataset
	Test  *dataset.Dataset

	FoldIndex int
	FoldCount int
	Seed      int64

	// TestIndices are the positions of the test records in the source
	// dataset, in test order.
	TestIndices []int

	// Strategy names the strategy that produced the partition.
	Strategy string
}

// Container wraps the partition in a train-test container.
func (p Partition) Container() *container.Container {
	return container.New(container.KindTrainTest, map[string]any{
		container.KeyTrain:     p.Train,
		container.KeyTest:      p.Test,
		container.KeyFoldIndex: p.FoldIndex,
		container.KeyFoldCount: p.FoldCount,
		container.KeySeed:      p.Seed,
		container.KeyIndices:   slices.Clone(p.TestIndices),
		container.KeyStrategy:  p.Strategy,
	})
}

// FromContainer extracts a partition from a train-test container.
func FromContainer(c *container.Container) (Partition, error) {
	if c == nil || c.Kind() != container.KindTrainTest {
		return Partition{}, fmt.Errorf("%w: expected a %s container", flowerr.ErrMissingData, container.KindTrainTest)
	}
	train, okTrain := container.Value[*dataset.Dataset](c, container.KeyTrain)
	test, okTest := container.Value[*dataset.Dataset](c, container.KeyTest)
	if !okTrain || !okTest || train == nil || test == nil {
		return Partition{}, fmt.Errorf("%w: train-test container lacks train or test set", flowerr.ErrMissingData)
	}
	p := Partition{Train: train, Test: test}
	p.FoldIndex, _ = container.Value[int](c, container.KeyFoldIndex)
	p.FoldCount, _ = container.Value[int](c, container.KeyFoldCount)
	p.Seed, _ = container.Value[int64](c, container.KeySeed)
	p.TestIndices, _ = container.Value[[]int](c, container.KeyIndices)
	p.Strategy, _ = container.Value[string](c, container.KeyStrategy)
	return p, nil
}

// Sequence lazily produces the partitions of one Generate call.
//
// Thread Safety: Not safe for concurrent use.
type Sequence struct {
	data     *dataset.Dataset
	strategy Strategy
	seed     int64

	// order is the permutation of source indices the folds cut from.
	order []int
	folds int
	total int
	next  int
}

// Generate validates the strategy and prepares a Sequence.
//
// Description:
//
//	The records are shuffled with seed (unless a holdout preserves order).
//	For k-fold strategies on a categorical target the shuffled order is
//	then stratified so each fold sees the class distribution. No partition
//	is materialized until the sequence is consumed.
//
// Inputs:
//
//	d - The dataset to split.
//	strategy - RandomHoldout, KFold or LeaveOneOut.
//	seed - Seed for the shuffle.
//
// Outputs:
//
//	*Sequence - The lazy partition sequence.
//	error - ErrMissingData for an empty dataset; ErrInvalidConfiguration
//	for bad parameters, including k greater than the dataset size.
func Generate(d *dataset.Dataset, strategy Strategy, seed int64) (*Sequence, error) {
	if d.Len() == 0 {
		return nil, fmt.Errorf("%w: cannot partition an empty dataset", flowerr.ErrMissingData)
	}
	if strategy == nil {
		return nil, fmt.Errorf("%w: no partition strategy", flowerr.ErrInvalidConfiguration)
	}
	n := d.Len()
	folds, err := strategy.plan(n)
	if err != nil {
		return nil, err
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}

	s := &Sequence{data: d, strategy: strategy, seed: seed, folds: folds}

	if h, ok := strategy.(RandomHoldout); ok {
		if !h.PreserveOrder {
			shuffle(order, seed)
		}
		s.order = order
		s.total = 1
		return s, nil
	}

	shuffle(order, seed)
	if d.Schema().CategoricalTarget() {
		order = stratify(d, order, folds)
	}
	s.order = order
	s.total = folds
	return s, nil
}

// shuffle permutes order deterministically for seed.
func shuffle(order []int, seed int64) {
	r := rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1|1))
	r.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
}

// stratify groups order by class, keeping first-seen order, then
// interleaves the groups with step folds so contiguous fold blocks see
// every class in proportion.
func stratify(d *dataset.Dataset, order []int, folds int) []int {
	target, _ := d.Schema().Target()
	class := func(i int) int { return d.Record(order[i]).Value(target).Index() }

	order = slices.Clone(order)
	for index := 1; index < len(order); index++ {
		c := class(index - 1)
		for j := index; j < len(order); j++ {
			if class(j) == c {
				order[index], order[j] = order[j], order[index]
				index++
			}
		}
	}

	out := make([]int, 0, len(order))
	for start := 0; len(out) < len(order); start++ {
		for j := start; j < len(order); j += folds {
			out = append(out, order[j])
		}
	}
	return out
}

// Len returns the total number of partitions.
func (s *Sequence) Len() int {
	return s.total
}

// Remaining returns the number of partitions not yet delivered.
func (s *Sequence) Remaining() int {
	return s.total - s.next
}

// Strategy returns the strategy the sequence was generated with.
func (s *Sequence) Strategy() Strategy {
	return s.strategy
}

// Next materializes the next partition.
//
// Outputs:
//
//	Partition - The partition, valid when ok is true.
//	bool - False when the sequence is exhausted or ctx is done.
func (s *Sequence) Next(ctx context.Context) (Partition, bool) {
	if s.next >= s.total || ctx.Err() != nil {
		return Partition{}, false
	}
	p := s.build(s.next)
	s.next++
	return p, true
}

// All returns an iterator over the remaining partitions.
func (s *Sequence) All(ctx context.Context) iter.Seq[Partition] {
	return func(yield func(Partition) bool) {
		for {
			p, ok := s.Next(ctx)
			if !ok || !yield(p) {
				return
			}
		}
	}
}

// build cuts partition i from the prepared order.
func (s *Sequence) build(i int) Partition {
	var trainIdx, testIdx []int
	foldCount := s.folds

	if h, ok := s.strategy.(RandomHoldout); ok {
		cut := h.trainSize(len(s.order))
		trainIdx, testIdx = s.order[:cut], s.order[cut:]
		foldCount = 1
	} else {
		first, size := foldBounds(len(s.order), s.folds, i)
		testIdx = s.order[first : first+size]
		trainIdx = slices.Concat(s.order[:first], s.order[first+size:])
	}

	// Indices come from the validated order, so Subset cannot fail.
	train, _ := s.data.Subset(trainIdx)
	test, _ := s.data.Subset(testIdx)

	return Partition{
		Train:       train,
		Test:        test,
		FoldIndex:   i,
		FoldCount:   foldCount,
		Seed:        s.seed,
		TestIndices: slices.Clone(testIdx),
		Strategy:    s.strategy.Name(),
	}
}

// foldBounds returns the start and size of test block i when n records are
// cut into k folds. The first n mod k blocks hold one extra record.
func foldBounds(n, k, i int) (first, size int) {
	size = n / k
	offset := n % k
	if i < n%k {
		size++
		offset = i
	}
	return i*(n/k) + offset, size
}

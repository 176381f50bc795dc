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
	"context"
	"math"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/AleutianAI/flowml/services/flow/container"
	"github.com/AleutianAI/flowml/services/flow/dataset"
	"github.com/AleutianAI/flowml/services/flow/dataset/datasettest"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
	"github.com/AleutianAI/flowml/services/flow/pipeline"
	"github.com/AleutianAI/flowml/services/flow/telemetry"
)

func collect(t *testing.T, seq *Sequence) []Partition {
	t.Helper()
	return slices.Collect(seq.All(context.Background()))
}

func TestGenerate_Validation(t *testing.T) {
	weather := datasettest.Weather()
	single := datasettest.Linear(1)
	empty := dataset.Empty(datasettest.WeatherSchema())

	tests := []struct {
		name     string
		data     *dataset.Dataset
		strategy Strategy
		wantErr  error
	}{
		{"empty dataset", empty, KFold{K: 2}, flowerr.ErrMissingData},
		{"nil dataset", nil, KFold{K: 2}, flowerr.ErrMissingData},
		{"nil strategy", weather, nil, flowerr.ErrInvalidConfiguration},
		{"k=1", weather, KFold{K: 1}, flowerr.ErrInvalidConfiguration},
		{"k=-1", weather, KFold{K: -1}, flowerr.ErrInvalidConfiguration},
		{"k=0", weather, KFold{K: 0}, flowerr.ErrInvalidConfiguration},
		{"k>n", weather, KFold{K: 15}, flowerr.ErrInvalidConfiguration},
		{"fraction 0", weather, RandomHoldout{Fraction: 0}, flowerr.ErrInvalidConfiguration},
		{"fraction 1", weather, RandomHoldout{Fraction: 1}, flowerr.ErrInvalidConfiguration},
		{"fraction NaN", weather, RandomHoldout{Fraction: math.NaN()}, flowerr.ErrInvalidConfiguration},
		{"no train records", weather, RandomHoldout{Fraction: 0.01}, flowerr.ErrMissingData},
		{"no test records", weather, RandomHoldout{Fraction: 0.99}, flowerr.ErrMissingData},
		{"loo on one record", single, LeaveOneOut{}, flowerr.ErrInvalidConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq, err := Generate(tt.data, tt.strategy, 1)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, seq, "no partition may be produced")
		})
	}
}

func TestGenerate_KFoldCoversEveryRecordOnce(t *testing.T) {
	d := datasettest.Linear(10)
	seq, err := Generate(d, KFold{K: 3}, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, seq.Len())

	parts := collect(t, seq)
	require.Len(t, parts, 3)

	var seen []int
	for i, p := range parts {
		assert.Equal(t, i, p.FoldIndex)
		assert.Equal(t, 3, p.FoldCount)
		assert.Equal(t, int64(7), p.Seed)
		assert.Equal(t, NameKFold, p.Strategy)
		assert.Equal(t, d.Len(), p.Train.Len()+p.Test.Len())
		seen = append(seen, p.TestIndices...)
	}
	// n mod k = 1, so only the first fold is larger.
	assert.Equal(t, []int{4, 3, 3}, []int{parts[0].Test.Len(), parts[1].Test.Len(), parts[2].Test.Len()})

	slices.Sort(seen)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)
}

func TestGenerate_TestRecordsMatchIndices(t *testing.T) {
	d := datasettest.Linear(8)
	seq, err := Generate(d, KFold{K: 4}, 3)
	require.NoError(t, err)

	for _, p := range collect(t, seq) {
		for j, src := range p.TestIndices {
			assert.Equal(t, d.Record(src).Value(0), p.Test.Record(j).Value(0))
		}
	}
}

func TestGenerate_KFoldOfNEqualsLeaveOneOut(t *testing.T) {
	for _, d := range []*dataset.Dataset{datasettest.Weather(), datasettest.Linear(9)} {
		kf, err := Generate(d, KFold{K: d.Len()}, 42)
		require.NoError(t, err)
		loo, err := Generate(d, LeaveOneOut{}, 42)
		require.NoError(t, err)

		a, b := collect(t, kf), collect(t, loo)
		require.Len(t, a, d.Len())
		require.Len(t, b, d.Len())
		for i := range a {
			assert.Equal(t, a[i].FoldIndex, b[i].FoldIndex)
			assert.Equal(t, a[i].TestIndices, b[i].TestIndices)
			assert.Equal(t, a[i].Train.Len(), b[i].Train.Len())
		}
	}
}

func TestGenerate_StratifiesCategoricalTarget(t *testing.T) {
	d := datasettest.Classes(12, 3)
	seq, err := Generate(d, KFold{K: 3}, 5)
	require.NoError(t, err)

	target, _ := d.Schema().Target()
	for _, p := range collect(t, seq) {
		classes := map[int]int{}
		for _, r := range p.Test.All() {
			classes[r.Value(target).Index()]++
		}
		assert.Len(t, classes, 3, "fold %d must see every class", p.FoldIndex)
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	d := datasettest.Linear(50)
	indices := func(seed int64) [][]int {
		seq, err := Generate(d, KFold{K: 5}, seed)
		require.NoError(t, err)
		var out [][]int
		for _, p := range collect(t, seq) {
			out = append(out, p.TestIndices)
		}
		return out
	}
	assert.Equal(t, indices(1), indices(1))
	assert.NotEqual(t, indices(1), indices(2))
}

func TestGenerate_RandomHoldout(t *testing.T) {
	d := datasettest.Weather()

	seq, err := Generate(d, RandomHoldout{Fraction: 0.66}, 1)
	require.NoError(t, err)
	parts := collect(t, seq)
	require.Len(t, parts, 1)
	assert.Equal(t, 9, parts[0].Train.Len())
	assert.Equal(t, 5, parts[0].Test.Len())
	assert.Equal(t, 1, parts[0].FoldCount)

	seq, err = Generate(d, RandomHoldout{Fraction: 0.66, PreserveOrder: true}, 1)
	require.NoError(t, err)
	parts = collect(t, seq)
	assert.Equal(t, []int{9, 10, 11, 12, 13}, parts[0].TestIndices)
}

func TestSequence_CancelAfterTwoOfFive(t *testing.T) {
	seq, err := Generate(datasettest.Linear(10), KFold{K: 5}, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var observed []Partition
	assert.NotPanics(t, func() {
		for p := range seq.All(ctx) {
			observed = append(observed, p)
			if len(observed) == 2 {
				cancel()
			}
		}
	})
	require.Len(t, observed, 2)
	assert.Equal(t, 3, seq.Remaining())

	// Delivered partitions stay valid and the sequence resumes.
	assert.Equal(t, 2, observed[1].Test.Len())
	rest := collect(t, seq)
	require.Len(t, rest, 3)
	assert.Equal(t, 2, rest[0].FoldIndex)
	assert.Equal(t, 0, seq.Remaining())

	_, ok := seq.Next(context.Background())
	assert.False(t, ok)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy(NameKFold, 4, 0, false)
	require.NoError(t, err)
	assert.Equal(t, KFold{K: 4}, s)

	s, err = ParseStrategy(NameRandomHoldout, 0, 0.7, true)
	require.NoError(t, err)
	assert.Equal(t, RandomHoldout{Fraction: 0.7, PreserveOrder: true}, s)

	s, err = ParseStrategy(NameLeaveOneOut, 0, 0, false)
	require.NoError(t, err)
	assert.Equal(t, LeaveOneOut{}, s)

	_, err = ParseStrategy("bootstrap", 0, 0, false)
	assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration)
}

func newTestStage(t *testing.T, strategy Strategy) *Stage {
	t.Helper()
	m, err := telemetry.NewMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	s, err := NewStage(StageConfig{Name: "split", Strategy: strategy, Seed: 3, Metrics: m})
	require.NoError(t, err)
	return s
}

func run(t *testing.T, s *Stage, payload any) ([]*container.Container, error) {
	t.Helper()
	var out []*container.Container
	err := s.Process(context.Background(), pipeline.Token{Payload: payload}, func(tok pipeline.Token) error {
		out = append(out, tok.Payload.(*container.Container))
		return nil
	})
	return out, err
}

func TestStage_EmitsTrainTestContainers(t *testing.T) {
	s := newTestStage(t, KFold{K: 3})
	d := datasettest.Weather()

	out, err := run(t, s, container.New(container.KindDataset, map[string]any{container.KeyDataset: d}))
	require.NoError(t, err)
	require.Len(t, out, 3)

	for i, c := range out {
		assert.Equal(t, container.KindTrainTest, c.Kind())
		p, err := FromContainer(c)
		require.NoError(t, err)
		assert.Equal(t, i, p.FoldIndex)
		assert.Equal(t, 3, p.FoldCount)
		assert.Equal(t, int64(3), p.Seed)
		assert.Equal(t, d.Len(), p.Train.Len()+p.Test.Len())
		assert.Len(t, p.TestIndices, p.Test.Len())
	}
}

func TestStage_Errors(t *testing.T) {
	s := newTestStage(t, KFold{K: 20})

	out, err := run(t, s, datasettest.Weather())
	assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration)
	assert.Empty(t, out)

	out, err = run(t, s, "not a dataset")
	assert.ErrorIs(t, err, flowerr.ErrMissingData)
	assert.Empty(t, out)
}

func TestStage_Rebind(t *testing.T) {
	s := newTestStage(t, KFold{K: 20})
	ctx := context.Background()

	require.NoError(t, s.Rebind(ctx, OptionFolds, "2"))
	require.NoError(t, s.Rebind(ctx, OptionSeed, "11"))
	out, err := run(t, s, datasettest.Weather())
	require.NoError(t, err)
	require.Len(t, out, 2)
	seed, _ := container.Value[int64](out[0], container.KeySeed)
	assert.Equal(t, int64(11), seed)

	assert.ErrorIs(t, s.Rebind(ctx, OptionFolds, "1"), flowerr.ErrInvalidConfiguration)
	assert.ErrorIs(t, s.Rebind(ctx, OptionFraction, "0.5"), flowerr.ErrInvalidConfiguration)
	assert.ErrorIs(t, s.Rebind(ctx, OptionSeed, "x"), flowerr.ErrInvalidConfiguration)
	assert.ErrorIs(t, s.Rebind(ctx, "shuffle", "true"), flowerr.ErrInvalidConfiguration)
}

func TestFromContainer_Errors(t *testing.T) {
	_, err := FromContainer(container.New(container.KindModel, nil))
	assert.ErrorIs(t, err, flowerr.ErrMissingData)

	_, err = FromContainer(container.New(container.KindTrainTest, map[string]any{
		container.KeyTrain: datasettest.Weather(),
	}))
	assert.ErrorIs(t, err, flowerr.ErrMissingData)
}

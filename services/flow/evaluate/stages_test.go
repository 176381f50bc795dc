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
	"context"
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/AleutianAI/flowml/services/flow/container"
	"github.com/AleutianAI/flowml/services/flow/dataset/datasettest"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
	"github.com/AleutianAI/flowml/services/flow/jobs"
	"github.com/AleutianAI/flowml/services/flow/model"
	"github.com/AleutianAI/flowml/services/flow/partition"
	"github.com/AleutianAI/flowml/services/flow/pipeline"
	"github.com/AleutianAI/flowml/services/flow/resolver"
	"github.com/AleutianAI/flowml/services/flow/telemetry"
)

func stageConfig(t *testing.T, name string) StageConfig {
	t.Helper()
	m, err := telemetry.NewMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	return StageConfig{
		Name:               name,
		Model:              "naive_bayes",
		Resolver:           resolver.Builtin(),
		CollectPredictions: true,
		Metrics:            m,
	}
}

// capture returns an emit that records payloads.
func capture(out *[]any) pipeline.Emit {
	return func(tok pipeline.Token) error {
		*out = append(*out, tok.Payload)
		return nil
	}
}

func onlyResult(t *testing.T, out []any) (*container.Container, *Result) {
	t.Helper()
	require.Len(t, out, 1)
	c, ok := out[0].(*container.Container)
	require.True(t, ok)
	res, err := FromContainer(c)
	require.NoError(t, err)
	return c, res
}

func TestTrainTestStage(t *testing.T) {
	s, err := NewTrainTestStage(stageConfig(t, "tt"))
	require.NoError(t, err)

	p := holdout(t, datasettest.Weather())
	var out []any
	require.NoError(t, s.Process(context.Background(), pipeline.Token{Payload: p.Container()}, capture(&out)))

	c, res := onlyResult(t, out)
	assert.Equal(t, container.KindEvaluation, c.Kind())
	assert.Equal(t, "naive_bayes", res.Model)
	assert.Equal(t, float64(p.Test.Len()), res.Stats().Count)
	assert.Len(t, res.Predictions, p.Test.Len())

	err = s.Process(context.Background(), pipeline.Token{Payload: datasettest.Weather()}, capture(&out))
	assert.ErrorIs(t, err, flowerr.ErrMissingData)
}

func TestTrainTestStage_Rebind(t *testing.T) {
	s, err := NewTrainTestStage(stageConfig(t, "tt"))
	require.NoError(t, err)

	require.NoError(t, s.Rebind(context.Background(), OptionModel, "zero_r"))
	assert.Equal(t, "zero_r", s.ModelName())

	assert.Error(t, s.Rebind(context.Background(), OptionModel, "no_such_model"))
	assert.Equal(t, "zero_r", s.ModelName())

	require.NoError(t, s.Rebind(context.Background(), OptionCollect, "false"))
	p := holdout(t, datasettest.Weather())
	var out []any
	require.NoError(t, s.Process(context.Background(), pipeline.Token{Payload: p.Container()}, capture(&out)))
	_, res := onlyResult(t, out)
	assert.Empty(t, res.Predictions)

	assert.ErrorIs(t, s.Rebind(context.Background(), "bogus", "1"), flowerr.ErrInvalidConfiguration)
}

func TestCrossValidationStage_SequentialMatchesParallel(t *testing.T) {
	d := datasettest.Weather()
	run := func(runner jobs.Runner) *Result {
		cfg := CrossValidationConfig{
			StageConfig: stageConfig(t, "cv"),
			Strategy:    partition.KFold{K: 3},
			Seed:        7,
			Runner:      runner,
		}
		s, err := NewCrossValidationStage(cfg)
		require.NoError(t, err)
		var out []any
		require.NoError(t, s.Process(context.Background(), pipeline.Token{Payload: d}, capture(&out)))
		_, res := onlyResult(t, out)
		return res
	}

	seq := run(jobs.NewLocalRunner(nil))
	par := run(jobs.NewPoolRunner(3, nil))

	assert.Equal(t, 3, seq.FoldCount)
	assert.Equal(t, float64(d.Len()), seq.Stats().Count)
	assert.Len(t, seq.Predictions, d.Len())
	assert.Equal(t, seq.Predictions, par.Predictions)
	assert.Equal(t, seq.Stats().Confusion, par.Stats().Confusion)
}

func TestCrossValidationStage_RepeatedRuns(t *testing.T) {
	d := datasettest.Weather()
	run := func(seed int64, runs int, runner jobs.Runner) *Result {
		t.Helper()
		s, err := NewCrossValidationStage(CrossValidationConfig{
			StageConfig: stageConfig(t, "cv"),
			Strategy:    partition.KFold{K: 3},
			Seed:        seed,
			Runs:        runs,
			Runner:      runner,
		})
		require.NoError(t, err)
		var out []any
		require.NoError(t, s.Process(context.Background(), pipeline.Token{Payload: d}, capture(&out)))
		_, res := onlyResult(t, out)
		return res
	}

	single := run(7, 0, nil)
	assert.Equal(t, single.Predictions, run(7, 1, nil).Predictions)

	repeated := run(7, 3, nil)
	assert.Equal(t, 9, repeated.FoldCount)
	assert.Equal(t, 3*float64(d.Len()), repeated.Stats().Count)

	// Run order first, then fold order: each block is the single run of
	// its seed.
	n := len(single.Predictions)
	require.Len(t, repeated.Predictions, 3*n)
	for r := range 3 {
		assert.Equal(t, run(7+int64(r), 1, nil).Predictions, repeated.Predictions[r*n:(r+1)*n], "run %d", r)
	}
	assert.Equal(t, repeated.Predictions, run(7, 3, jobs.NewPoolRunner(3, nil)).Predictions)

	_, err := NewCrossValidationStage(CrossValidationConfig{
		StageConfig: stageConfig(t, "cv"),
		Strategy:    partition.KFold{K: 3},
		Runs:        -1,
	})
	assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration)
}

func TestCrossValidationStage_RebindRuns(t *testing.T) {
	s, err := NewCrossValidationStage(CrossValidationConfig{
		StageConfig: stageConfig(t, "cv"),
		Strategy:    partition.KFold{K: 2},
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Rebind(ctx, OptionRuns, "2"))
	assert.ErrorIs(t, s.Rebind(ctx, OptionRuns, "0"), flowerr.ErrInvalidConfiguration)
	assert.ErrorIs(t, s.Rebind(ctx, OptionRuns, "x"), flowerr.ErrInvalidConfiguration)

	var out []any
	require.NoError(t, s.Process(ctx, pipeline.Token{Payload: datasettest.Weather()}, capture(&out)))
	_, res := onlyResult(t, out)
	assert.Equal(t, 4, res.FoldCount)
}

func TestCrossValidationStage_FinalModel(t *testing.T) {
	s, err := NewCrossValidationStage(CrossValidationConfig{
		StageConfig: stageConfig(t, "cv"),
		Strategy:    partition.LeaveOneOut{},
		FinalModel:  true,
	})
	require.NoError(t, err)

	d := datasettest.Weather()
	in := container.New(container.KindDataset, map[string]any{container.KeyDataset: d})
	var out []any
	require.NoError(t, s.Process(context.Background(), pipeline.Token{Payload: in}, capture(&out)))

	c, res := onlyResult(t, out)
	assert.Equal(t, d.Len(), res.FoldCount)
	h, ok := container.Value[*model.Handle](c, container.KeyModel)
	require.True(t, ok)
	assert.Equal(t, model.StateTrained, h.State())
}

func TestCrossValidationStage_Errors(t *testing.T) {
	parallel := stageConfig(t, "cv")
	parallel.CollectPredictions = false
	_, err := NewCrossValidationStage(CrossValidationConfig{
		StageConfig: parallel,
		Strategy:    partition.KFold{K: 2},
		Runner:      jobs.NewPoolRunner(2, nil),
	})
	assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration)

	_, err = NewCrossValidationStage(CrossValidationConfig{StageConfig: stageConfig(t, "cv")})
	assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration)

	s, err := NewCrossValidationStage(CrossValidationConfig{
		StageConfig: stageConfig(t, "cv"),
		Strategy:    partition.KFold{K: 20},
	})
	require.NoError(t, err)

	var out []any
	err = s.Process(context.Background(), pipeline.Token{Payload: datasettest.Weather()}, capture(&out))
	assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration, "k exceeds the dataset size")

	err = s.Process(context.Background(), pipeline.Token{Payload: "nope"}, capture(&out))
	assert.ErrorIs(t, err, flowerr.ErrMissingData)

	require.NoError(t, s.Rebind(context.Background(), OptionSeed, "3"))
	assert.ErrorIs(t, s.Rebind(context.Background(), OptionSeed, "x"), flowerr.ErrInvalidConfiguration)
	assert.Empty(t, out)
}

func TestCrossValidationStage_Cancelled(t *testing.T) {
	for _, runner := range []jobs.Runner{jobs.NewLocalRunner(nil), jobs.NewPoolRunner(2, nil)} {
		s, err := NewCrossValidationStage(CrossValidationConfig{
			StageConfig: stageConfig(t, "cv"),
			Strategy:    partition.KFold{K: 5},
			Runner:      runner,
		})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		var out []any
		err = s.Process(ctx, pipeline.Token{Payload: datasettest.Weather()}, capture(&out))
		assert.ErrorIs(t, err, flowerr.ErrCancelled)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, out)
	}
}

func TestCollector(t *testing.T) {
	ctx := context.Background()
	d := datasettest.Weather()
	seq, err := partition.Generate(d, partition.KFold{K: 3}, 1)
	require.NoError(t, err)

	e := newEvaluator(t)
	var folds []*container.Container
	for p := range seq.All(ctx) {
		res, err := e.Evaluate(ctx, train(t, nbSpec(), p.Train), p, true)
		require.NoError(t, err)
		folds = append(folds, res.Container())
	}

	c, err := NewCollector(CollectorConfig{Name: "collect", StrictSnapshots: true})
	require.NoError(t, err)

	var out []any
	// Deliver out of order; the aggregate is merged in fold order.
	require.NoError(t, c.Process(ctx, pipeline.Token{Payload: folds[2]}, capture(&out)))
	require.NoError(t, c.Process(ctx, pipeline.Token{Payload: folds[0]}, capture(&out)))
	assert.Empty(t, out)
	assert.Equal(t, 2, c.Pending())

	require.NoError(t, c.Process(ctx, pipeline.Token{Payload: folds[1]}, capture(&out)))
	_, agg := onlyResult(t, out)
	assert.Equal(t, float64(d.Len()), agg.Stats().Count)
	assert.Equal(t, 0, c.Pending())

	first, _ := FromContainer(folds[0])
	assert.Equal(t, first.Predictions, agg.Predictions[:len(first.Predictions)])
}

func TestCollector_MergesLineageThroughExecutor(t *testing.T) {
	ctx := context.Background()
	seq, err := partition.Generate(datasettest.Weather(), partition.KFold{K: 2}, 1)
	require.NoError(t, err)

	e := newEvaluator(t)
	var inputs []any
	for p := range seq.All(ctx) {
		res, err := e.Evaluate(ctx, train(t, nbSpec(), p.Train), p, true)
		require.NoError(t, err)
		producer := fmt.Sprintf("fold%d", res.FoldIndex)
		inputs = append(inputs, res.Container().WithLineage(container.NewTrail(
			container.Entry{Producer: producer, InputKind: "train-test", OutputKind: "evaluation"},
		)))
	}
	require.Len(t, inputs, 2)

	c, err := NewCollector(CollectorConfig{Name: "collect"})
	require.NoError(t, err)
	p, err := pipeline.NewBuilder("p").AddStage(c).Build()
	require.NoError(t, err)
	exec, err := pipeline.NewExecutor(p, pipeline.Config{Provenance: true, Metrics: stageConfig(t, "x").Metrics}, nil)
	require.NoError(t, err)

	res, err := exec.Run(ctx, slices.Values(inputs))
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)

	trail := res.Outputs[0].Lineage
	require.Equal(t, 3, trail.Len())
	entries := trail.Entries()
	assert.Equal(t, "fold0", entries[0].Producer)
	assert.Equal(t, "fold1", entries[1].Producer)
	assert.Equal(t, container.Entry{Producer: "collect", InputKind: "evaluation", OutputKind: "evaluation"}, entries[2])

	out := res.Outputs[0].Payload.(*container.Container)
	assert.Equal(t, 3, out.Lineage().Len())
}

func TestCollector_RebindKeepsPendingResults(t *testing.T) {
	ctx := context.Background()
	p := holdout(t, datasettest.Weather())
	res, err := newEvaluator(t).Evaluate(ctx, train(t, nbSpec(), p.Train), p, true)
	require.NoError(t, err)
	res.FoldCount = 3

	c, err := NewCollector(CollectorConfig{Name: "collect", StrictSnapshots: true})
	require.NoError(t, err)

	var out []any
	require.NoError(t, c.Process(ctx, pipeline.Token{Payload: res.Container()}, capture(&out)))
	require.Equal(t, 1, c.Pending())

	require.NoError(t, c.Rebind(ctx, OptionFolds, "2"))
	assert.Equal(t, 1, c.Pending())

	assert.ErrorIs(t, c.Rebind(ctx, OptionFolds, "-1"), flowerr.ErrInvalidConfiguration)
	assert.ErrorIs(t, c.Rebind(ctx, "bogus", "1"), flowerr.ErrInvalidConfiguration)
	assert.Equal(t, 1, c.Pending())

	require.NoError(t, c.Process(ctx, pipeline.Token{Payload: res.Container()}, capture(&out)))
	_, agg := onlyResult(t, out)
	assert.Equal(t, 2, agg.FoldCount)
	assert.Equal(t, 2*float64(p.Test.Len()), agg.Stats().Count)

	err = c.Process(ctx, pipeline.Token{Payload: "nope"}, capture(&out))
	assert.ErrorIs(t, err, flowerr.ErrMissingData)
}

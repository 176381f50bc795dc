// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/AleutianAI/flowml/services/flow/container"
	"github.com/AleutianAI/flowml/services/flow/dataset/datasettest"
	"github.com/AleutianAI/flowml/services/flow/evaluate"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
	"github.com/AleutianAI/flowml/services/flow/pipeline"
	"github.com/AleutianAI/flowml/services/flow/storage"
	"github.com/AleutianAI/flowml/services/flow/telemetry"
)

const cvPipeline = `
name: weather-cv
halt_on_error: true
provenance: true
variables:
  model: naive_bayes
stages:
  - name: split
    type: partition
    strategy: k_fold
    folds: 3
    seed: 1
  - name: score
    type: train_test
    upstream: split
    model: zero_r
    bindings:
      model: "@{model}"
  - name: merge
    type: collector
    upstream: score
`

func testDeps(t *testing.T) Deps {
	t.Helper()
	m, err := telemetry.NewMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	return Deps{Metrics: m}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func runWeather(t *testing.T, exec *pipeline.Executor) *evaluate.Result {
	t.Helper()
	res, err := exec.Run(context.Background(), slices.Values([]any{datasettest.Weather()}))
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	c, ok := res.Outputs[0].Payload.(*container.Container)
	require.True(t, ok)
	ev, err := evaluate.FromContainer(c)
	require.NoError(t, err)
	return ev
}

func TestParse(t *testing.T) {
	f, err := Parse([]byte(cvPipeline))
	require.NoError(t, err)

	assert.Equal(t, "weather-cv", f.Name)
	assert.True(t, f.HaltOnError)
	assert.Equal(t, map[string]string{"model": "naive_bayes"}, f.Variables)
	require.Len(t, f.Stages, 3)
	assert.Equal(t, TypePartition, f.Stages[0].Type)
	assert.Equal(t, 3, f.Stages[0].Folds)
	assert.Equal(t, "split", f.Stages[1].Upstream)
	assert.Equal(t, "@{model}", f.Stages[1].Bindings["model"])
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", "name: [unclosed"},
		{"unknown key", "name: p\ncolour: red\nstages:\n  - {name: a, type: collector}\n"},
		{"no stages", "name: p\n"},
		{"bad name", "name: Bad Name\nstages:\n  - {name: a, type: collector}\n"},
		{"bad type", "name: p\nstages:\n  - {name: a, type: mystery}\n"},
		{"trainer without model", "name: p\nstages:\n  - {name: a, type: trainer}\n"},
		{"partition without strategy", "name: p\nstages:\n  - {name: a, type: partition}\n"},
		{"bad strategy", "name: p\nstages:\n  - {name: a, type: partition, strategy: bootstrap}\n"},
		{"fraction above one", "name: p\nstages:\n  - {name: a, type: partition, strategy: random_holdout, fraction: 1.5}\n"},
		{"duplicate stage", "name: p\nstages:\n  - {name: a, type: collector}\n  - {name: a, type: collector}\n"},
		{"unknown upstream", "name: p\nstages:\n  - {name: a, type: collector, upstream: b}\n"},
		{"binding without reference", "name: p\nstages:\n  - {name: a, type: collector, bindings: {folds: '3'}}\n"},
		{"binding to undeclared variable", "name: p\nstages:\n  - {name: a, type: collector, bindings: {folds: '@{n}'}}\n"},
		{"badger without path", "name: p\nstorage: {backend: badger}\nstages:\n  - {name: a, type: collector}\n"},
		{"negative workers", "name: p\nworkers: -1\nstages:\n  - {name: a, type: collector}\n"},
		{"negative runs", "name: p\nstages:\n  - {name: a, type: cross_validation, model: zero_r, strategy: k_fold, runs: -2}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	writeFile(t, path, cvPipeline)

	f, err := Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "weather-cv", f.Name)

	_, err = Load(context.Background(), filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration)

	big := filepath.Join(dir, "big.yaml")
	writeFile(t, big, "name: p\n#"+strings.Repeat("x", MaxYAMLFileSize))
	_, err = Load(context.Background(), big)
	assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration)

	//nolint:staticcheck // testing nil context handling
	_, err = Load(nil, path)
	assert.ErrorIs(t, err, flowerr.ErrNilContext)
}

func TestNewExecutor_AppliesBindings(t *testing.T) {
	f, err := Parse([]byte(cvPipeline))
	require.NoError(t, err)

	exec, err := NewExecutor(context.Background(), f, testDeps(t))
	require.NoError(t, err)

	// The file sets zero_r but the bound variable wins.
	ev := runWeather(t, exec)
	assert.Equal(t, "naive_bayes", ev.Model)
	assert.Equal(t, float64(14), ev.Stats().Count)
	assert.Equal(t, 3, ev.FoldCount)

	require.NoError(t, exec.SetVariable(context.Background(), "model", "zero_r"))
	ev = runWeather(t, exec)
	assert.Equal(t, "zero_r", ev.Model)
}

func TestNewExecutor_Errors(t *testing.T) {
	t.Run("bound value rejected", func(t *testing.T) {
		f, err := Parse([]byte(strings.Replace(cvPipeline, "model: naive_bayes", "model: no_such_model", 1)))
		require.NoError(t, err)
		_, err = NewExecutor(context.Background(), f, testDeps(t))
		assert.Error(t, err)
	})

	t.Run("buffer key without storage", func(t *testing.T) {
		f, err := Parse([]byte("name: p\nstages:\n  - {name: rows, type: buffer, key: weather}\n"))
		require.NoError(t, err)
		_, err = NewExecutor(context.Background(), f, testDeps(t))
		assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration)
	})

	t.Run("parallel cross-validation without predictions", func(t *testing.T) {
		f, err := Parse([]byte("name: p\nworkers: 4\nstages:\n" +
			"  - {name: cv, type: cross_validation, model: zero_r, strategy: k_fold, folds: 3, discard_predictions: true}\n"))
		require.NoError(t, err)
		_, err = NewExecutor(context.Background(), f, testDeps(t))
		assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration)
	})

	t.Run("nil file", func(t *testing.T) {
		_, err := Build(nil, testDeps(t))
		assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration)
	})
}

func TestBuild_CrossValidationOnPool(t *testing.T) {
	f, err := Parse([]byte("name: p\nworkers: 3\nstages:\n" +
		"  - {name: cv, type: cross_validation, model: naive_bayes, strategy: k_fold, folds: 4, seed: 7}\n"))
	require.NoError(t, err)

	exec, err := NewExecutor(context.Background(), f, testDeps(t))
	require.NoError(t, err)
	ev := runWeather(t, exec)
	assert.Equal(t, 4, ev.FoldCount)
	assert.Len(t, ev.Predictions, 14)
}

func TestBuild_CrossValidationRepeatedRuns(t *testing.T) {
	f, err := Parse([]byte("name: p\nstages:\n" +
		"  - {name: cv, type: cross_validation, model: naive_bayes, strategy: k_fold, folds: 2, seed: 1, runs: 3}\n"))
	require.NoError(t, err)

	exec, err := NewExecutor(context.Background(), f, testDeps(t))
	require.NoError(t, err)
	ev := runWeather(t, exec)
	assert.Equal(t, 6, ev.FoldCount)
	assert.Len(t, ev.Predictions, 3*14)
}

func TestBuild_BufferPersists(t *testing.T) {
	f, err := Parse([]byte("name: p\nstages:\n" +
		"  - {name: rows, type: buffer, interval: 2, key: weather}\n"))
	require.NoError(t, err)

	deps := testDeps(t)
	mem := storage.NewMemoryProvider()
	deps.Provider = mem
	exec, err := NewExecutor(context.Background(), f, deps)
	require.NoError(t, err)

	d := datasettest.Weather()
	inputs := []any{d.Record(0), d.Record(1), d.Record(2)}
	res, err := exec.Run(context.Background(), slices.Values(inputs))
	require.NoError(t, err)
	assert.Len(t, res.Outputs, 1)

	stored, err := mem.Get(context.Background(), "weather")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Len())
}

func TestOpenStorage(t *testing.T) {
	tests := []struct {
		name string
		sf   StorageFile
	}{
		{"default", StorageFile{}},
		{"memory cached", StorageFile{Backend: "memory", CacheSize: 4}},
		{"badger", StorageFile{Backend: "badger", Path: t.TempDir()}},
		{"diskv", StorageFile{Backend: "diskv", Path: t.TempDir()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, closeFn, err := OpenStorage(tt.sf, nil, nil)
			require.NoError(t, err)
			defer func() { assert.NoError(t, closeFn()) }()

			ctx := context.Background()
			require.NoError(t, p.Put(ctx, "weather", datasettest.Weather()))
			got, err := p.Get(ctx, "weather")
			require.NoError(t, err)
			assert.Equal(t, 14, got.Len())
		})
	}

	_, closeFn, err := OpenStorage(StorageFile{Backend: "tape"}, nil, nil)
	assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration)
	assert.NoError(t, closeFn())
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	writeFile(t, path, cvPipeline)

	loaded := make(chan *File, 4)
	w, err := NewWatcher(path, func(_ context.Context, f *File) error {
		loaded <- f
		return nil
	}, &WatcherOptions{DebounceWindow: 20 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()
	assert.True(t, w.IsWatching())

	// Unrelated files in the same directory are ignored.
	writeFile(t, filepath.Join(dir, "other.yaml"), "x: 1\n")
	writeFile(t, path, strings.Replace(cvPipeline, "model: naive_bayes", "model: zero_r", 1))

	select {
	case f := <-loaded:
		assert.Equal(t, "zero_r", f.Variables["model"])
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline file was not reloaded")
	}
	assert.Eventually(t, func() bool { return w.Reloads() == 1 }, time.Second, 10*time.Millisecond)

	// An invalid file keeps the previous configuration.
	writeFile(t, path, "name: [broken")
	select {
	case <-loaded:
		t.Fatal("invalid file was applied")
	case <-time.After(200 * time.Millisecond):
	}

	w.Stop()
	assert.False(t, w.IsWatching())
}

func TestWatcher_ApplyVariables(t *testing.T) {
	f, err := Parse([]byte(cvPipeline))
	require.NoError(t, err)
	exec, err := NewExecutor(context.Background(), f, testDeps(t))
	require.NoError(t, err)

	next, err := Parse([]byte(strings.Replace(cvPipeline, "model: naive_bayes", "model: zero_r", 1)))
	require.NoError(t, err)
	require.NoError(t, ApplyVariables(exec)(context.Background(), next))

	v, _ := exec.Variables().Get("model")
	assert.Equal(t, "zero_r", v)
	assert.Equal(t, "zero_r", runWeather(t, exec).Model)

	bad, err := Parse([]byte(strings.Replace(cvPipeline, "model: naive_bayes", "model: no_such_model", 1)))
	require.NoError(t, err)
	assert.Error(t, ApplyVariables(exec)(context.Background(), bad))
}

func TestNewWatcher_Validation(t *testing.T) {
	_, err := NewWatcher("pipeline.yaml", nil, nil)
	assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration)

	w, err := NewWatcher("pipeline.yaml", func(context.Context, *File) error { return nil }, nil)
	require.NoError(t, err)
	defer w.Stop()
	//nolint:staticcheck // testing nil context handling
	assert.ErrorIs(t, w.Start(nil), flowerr.ErrNilContext)
}

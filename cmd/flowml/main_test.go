// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/flowml/services/flow/dataset"
	"github.com/AleutianAI/flowml/services/flow/dataset/datasettest"
)

const weatherPipeline = `
name: weather-cv
stages:
  - name: split
    type: partition
    strategy: k_fold
    folds: 7
    seed: 1
  - name: score
    type: train_test
    upstream: split
    model: naive_bayes
  - name: merge
    type: collector
    upstream: score
`

// execute runs the root command against a diskv store under dir.
func execute(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append([]string{
		"--storage", "diskv",
		"--storage-path", filepath.Join(dir, "store"),
		"--log-level", "error",
		"--trace-exporter", "none",
		"--metric-exporter", "none",
	}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		_ = teardown(rootCmd, nil)
	}
	return out.String(), err
}

func TestCLI_DatasetLifecycleAndRun(t *testing.T) {
	dir := t.TempDir()

	csvPath := filepath.Join(dir, "weather.csv")
	var buf bytes.Buffer
	require.NoError(t, dataset.WriteCSV(&buf, datasettest.Weather()))
	require.NoError(t, os.WriteFile(csvPath, buf.Bytes(), 0o644))

	out, err := execute(t, dir, "dataset", "import", csvPath, "--key", "weather", "--target", "play")
	require.NoError(t, err)
	assert.Contains(t, out, `Imported 14 records into "weather"`)

	out, err = execute(t, dir, "dataset", "list")
	require.NoError(t, err)
	assert.Equal(t, "weather\n", out)

	out, err = execute(t, dir, "dataset", "show", "weather")
	require.NoError(t, err)
	assert.Contains(t, out, "Records: 14")
	assert.Contains(t, out, "Target:  play")

	out, err = execute(t, dir, "dataset", "show", "weather", "--format", "csv")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "outlook,"), out)

	pipelinePath := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(pipelinePath, []byte(weatherPipeline), 0o644))

	out, err = execute(t, dir, "run", pipelinePath, "--dataset", "weather")
	require.NoError(t, err)
	var rep outputReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep), out)
	assert.Equal(t, "evaluation", rep.Kind)
	require.NotNil(t, rep.Evaluation)
	assert.Equal(t, "naive_bayes", rep.Evaluation.Model)
	assert.Equal(t, float64(14), rep.Evaluation.Count)

	_, err = execute(t, dir, "dataset", "delete", "weather")
	require.NoError(t, err)
	out, err = execute(t, dir, "dataset", "list")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestCLI_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, dir, "dataset", "show", "missing")
	assert.Error(t, err)

	_, err = execute(t, dir, "dataset", "import", filepath.Join(dir, "nope.csv"), "--key", "nope")
	assert.Error(t, err)

	_, err = execute(t, dir, "--log-level", "loud", "dataset", "list")
	assert.Error(t, err)

	_, err = execute(t, dir, "run", filepath.Join(dir, "missing.yaml"), "--dataset", "weather")
	assert.Error(t, err)
}

func TestReadDataset_JSON(t *testing.T) {
	data, err := json.Marshal(datasettest.Weather())
	require.NoError(t, err)

	d, err := readDataset(bytes.NewReader(data), "weather.JSON", "weather")
	require.NoError(t, err)
	assert.Equal(t, 14, d.Len())
}

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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/flowml/services/flow/api"
	"github.com/AleutianAI/flowml/services/flow/config"
	"github.com/AleutianAI/flowml/services/flow/container"
	"github.com/AleutianAI/flowml/services/flow/dataset"
	"github.com/AleutianAI/flowml/services/flow/evaluate"
	"github.com/AleutianAI/flowml/services/flow/pipeline"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [pipeline.yaml]",
		Short: "Run a pipeline over a stored dataset",
		Long: `Loads a pipeline definition, feeds the stored dataset through it and prints
one JSON report per output token.

With --watch the definition file is watched: every saved change to its
variables is pushed into the running pipeline and the dataset is run again.
Stages keep their trained state across these reruns.`,
		Args: cobra.ExactArgs(1),
		RunE: runPipeline,
	}

	runDataset string
	runWatch   bool
)

func init() {
	runCmd.Flags().StringVar(&runDataset, "dataset", "", "Key of the stored dataset to feed the pipeline")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Rerun whenever the pipeline's variables change")
	_ = runCmd.MarkFlagRequired("dataset")
	rootCmd.AddCommand(runCmd)
}

// outputReport is printed for every token that leaves the pipeline.
type outputReport struct {
	Kind       string                 `json:"kind"`
	Lineage    string                 `json:"lineage,omitempty"`
	Keys       []string               `json:"keys,omitempty"`
	Evaluation *api.EvaluationSummary `json:"evaluation,omitempty"`
}

func runPipeline(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := current.logger.Slog()

	f, err := config.Load(ctx, args[0])
	if err != nil {
		return err
	}

	sf := storageFile()
	if f.Storage.Backend != "" {
		sf = f.Storage
	}
	store, closeStore, err := openStorage(sf)
	if err != nil {
		return err
	}
	defer closeStore()

	d, err := store.Get(ctx, runDataset)
	if err != nil {
		return err
	}

	exec, err := config.NewExecutor(ctx, f, config.Deps{
		Provider: store,
		Metrics:  current.metrics,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if err := runOnce(ctx, exec, d, out); err != nil || !runWatch {
		return err
	}

	apply := config.ApplyVariables(exec)
	w, err := config.NewWatcher(args[0], func(ctx context.Context, f *config.File) error {
		if err := apply(ctx, f); err != nil {
			return err
		}
		return runOnce(ctx, exec, d, out)
	}, &config.WatcherOptions{Logger: logger})
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	logger.Info("watching pipeline for changes", slog.String("path", args[0]))
	<-ctx.Done()
	logger.Info("stopped watching", slog.Int("reloads", w.Reloads()))
	return nil
}

// runOnce feeds d through exec and prints a report per output.
func runOnce(ctx context.Context, exec *pipeline.Executor, d *dataset.Dataset, out io.Writer) error {
	res, err := exec.Run(ctx, slices.Values([]any{d}))
	if err != nil {
		return err
	}
	if res.Cancelled {
		return context.Cause(ctx)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	for _, tok := range res.Outputs {
		if err := enc.Encode(report(tok)); err != nil {
			return err
		}
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("%d stage errors: %w", len(res.Errors), errors.Join(res.Errors...))
	}
	return nil
}

func report(tok pipeline.Token) outputReport {
	switch p := tok.Payload.(type) {
	case *container.Container:
		r := outputReport{Kind: string(p.Kind()), Lineage: p.Lineage().String(), Keys: p.Keys()}
		if ev, err := evaluate.FromContainer(p); err == nil {
			sum := api.Summarize(ev)
			r.Evaluation = &sum
			r.Keys = nil
		}
		return r
	case *dataset.Dataset:
		return outputReport{Kind: string(container.KindDataset), Keys: []string{p.Schema().Name()}}
	default:
		return outputReport{Kind: fmt.Sprintf("%T", p)}
	}
}

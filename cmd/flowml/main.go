// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command flowml runs model-training pipelines and manages their datasets.
//
// Usage:
//
//	flowml dataset import weather.csv --key weather
//	flowml run pipeline.yaml --dataset weather
//	flowml run pipeline.yaml --dataset weather --watch
//	flowml serve --addr :8080
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/flowml/pkg/logging"
	"github.com/AleutianAI/flowml/services/flow/config"
	"github.com/AleutianAI/flowml/services/flow/storage"
	"github.com/AleutianAI/flowml/services/flow/telemetry"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	logLevel string
	logDir   string
	jsonLogs bool

	storageBackend string
	storagePath    string
	cacheSize      int

	traceExporter   string
	metricExporter  string
	sampleRatio     float64
	stageAttributes bool
}

var (
	globals globalOptions

	rootCmd = &cobra.Command{
		Use:           "flowml",
		Short:         "Train and evaluate models in dataflow pipelines",
		Long:          `flowml executes YAML-defined pipelines of partition, training and evaluation stages over stored datasets.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// env is what a command needs once global flags are applied.
type env struct {
	logger   *logging.Logger
	shutdown func(context.Context) error
	metrics  *telemetry.Metrics
}

var current *env

func init() {
	home, _ := os.UserHomeDir()
	defaultStore := filepath.Join(home, ".flowml", "data")

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&globals.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&globals.logDir, "log-dir", "", "Also write JSON logs to this directory")
	pf.BoolVar(&globals.jsonLogs, "json-logs", false, "Write console logs as JSON")
	pf.StringVar(&globals.storageBackend, "storage", "badger", "Dataset storage backend (badger, diskv, memory)")
	pf.StringVar(&globals.storagePath, "storage-path", defaultStore, "Directory of the dataset store")
	pf.IntVar(&globals.cacheSize, "cache-size", 0, "Cache this many datasets in memory (0 disables)")
	pf.StringVar(&globals.traceExporter, "trace-exporter", "", "Trace exporter (otlp, stdout, none); default from OTEL_TRACES_EXPORTER")
	pf.StringVar(&globals.metricExporter, "metric-exporter", "", "Metric exporter (prometheus, stdout, none); default from OTEL_METRICS_EXPORTER")
	pf.Float64Var(&globals.sampleRatio, "trace-sample-ratio", 1, "Fraction of pipeline runs and requests traced")
	pf.BoolVar(&globals.stageAttributes, "stage-metric-labels", true, "Label stage, trainer and error metrics by stage name")

	rootCmd.PersistentPreRunE = setup
	rootCmd.PersistentPostRunE = teardown
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		_ = teardown(rootCmd, nil)
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup builds the logger, telemetry and metrics before any command runs.
func setup(cmd *cobra.Command, _ []string) error {
	level, err := logging.ParseLevel(globals.logLevel)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  globals.logDir,
		Service: "flowml",
		JSON:    globals.jsonLogs,
	})
	logger.Install()

	tcfg := telemetry.DefaultConfig()
	if globals.traceExporter != "" {
		tcfg.TraceExporter = globals.traceExporter
	}
	if globals.metricExporter != "" {
		tcfg.MetricExporter = globals.metricExporter
	}
	tcfg.SampleRatio = globals.sampleRatio
	tcfg.StageAttributes = globals.stageAttributes
	shutdown, err := telemetry.Init(cmd.Context(), tcfg)
	if err != nil {
		_ = logger.Close()
		return err
	}

	e := &env{logger: logger, shutdown: shutdown}
	if m, err := telemetry.NewMetrics(otel.Meter("flowml")); err != nil {
		logger.Slog().Warn("failed to initialize metrics (observability degraded)", slog.String("error", err.Error()))
	} else {
		e.metrics = m
	}
	current = e
	return nil
}

func teardown(_ *cobra.Command, _ []string) error {
	if current == nil {
		return nil
	}
	e := current
	current = nil
	return errors.Join(e.shutdown(context.Background()), e.logger.Close())
}

// storageFile returns the storage section selected by the global flags.
func storageFile() config.StorageFile {
	return config.StorageFile{
		Backend:   globals.storageBackend,
		Path:      globals.storagePath,
		CacheSize: globals.cacheSize,
	}
}

// openStorage opens the dataset store selected by sf.
func openStorage(sf config.StorageFile) (storage.Provider, func() error, error) {
	return config.OpenStorage(sf, current.metrics, current.logger.Slog())
}

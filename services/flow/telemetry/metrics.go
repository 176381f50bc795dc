// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for flowml.
//
// Description:
//
//	Provides counters and histograms for HTTP requests, pipeline stages,
//	partitioning, training, evaluation and storage. All metrics use the
//	"flow_" prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- HTTP Metrics ---

	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal metric.Int64Counter

	// HTTPRequestDuration records HTTP request duration in seconds.
	HTTPRequestDuration metric.Float64Histogram

	// HTTPActiveRequests tracks currently active HTTP requests.
	HTTPActiveRequests metric.Int64UpDownCounter

	// --- Pipeline Metrics ---

	// StageInputsTotal counts inputs processed by stage and status.
	StageInputsTotal metric.Int64Counter

	// StageDuration records the time a stage spends on one input,
	// including its downstream subtree.
	StageDuration metric.Float64Histogram

	// PipelineDuration records whole-run duration in seconds.
	PipelineDuration metric.Float64Histogram

	// --- Domain Metrics ---

	// PartitionsTotal counts partitions emitted by strategy.
	PartitionsTotal metric.Int64Counter

	// TrainerTransitionsTotal counts trainer phase transitions by from/to.
	TrainerTransitionsTotal metric.Int64Counter

	// EvaluationsTotal counts evaluations by kind.
	EvaluationsTotal metric.Int64Counter

	// StorageOpsTotal counts storage operations by backend, op and status.
	StorageOpsTotal metric.Int64Counter

	// StorageOpDuration records storage operation duration in seconds.
	StorageOpDuration metric.Float64Histogram

	// --- Error Metrics ---

	// ErrorsTotal counts total errors by kind and component.
	ErrorsTotal metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
//
// Inputs:
//
//	meter - The OTel meter to use for metric registration.
//
// Outputs:
//
//	*Metrics - The metrics instance.
//	error - Non-nil if metric registration fails.
//
// Example:
//
//	metrics, err := telemetry.NewMetrics(otel.Meter("flowml"))
//	if err != nil {
//	    return fmt.Errorf("create metrics: %w", err)
//	}
//	metrics.PartitionsTotal.Add(ctx, 1, ...)
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// --- HTTP Metrics ---
	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"flow_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"flow_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	m.HTTPActiveRequests, err = meter.Int64UpDownCounter(
		"flow_http_active_requests",
		metric.WithDescription("Currently active HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_active_requests: %w", err)
	}

	// --- Pipeline Metrics ---
	m.StageInputsTotal, err = meter.Int64Counter(
		"flow_stage_inputs_total",
		metric.WithDescription("Total inputs processed per stage"),
		metric.WithUnit("{input}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create stage_inputs_total: %w", err)
	}

	m.StageDuration, err = meter.Float64Histogram(
		"flow_stage_duration_seconds",
		metric.WithDescription("Stage processing duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120),
	)
	if err != nil {
		return nil, fmt.Errorf("create stage_duration: %w", err)
	}

	m.PipelineDuration, err = meter.Float64Histogram(
		"flow_pipeline_duration_seconds",
		metric.WithDescription("Pipeline run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 0.5, 1, 5, 30, 120, 600),
	)
	if err != nil {
		return nil, fmt.Errorf("create pipeline_duration: %w", err)
	}

	// --- Domain Metrics ---
	m.PartitionsTotal, err = meter.Int64Counter(
		"flow_partitions_total",
		metric.WithDescription("Total partitions generated"),
		metric.WithUnit("{partition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create partitions_total: %w", err)
	}

	m.TrainerTransitionsTotal, err = meter.Int64Counter(
		"flow_trainer_transitions_total",
		metric.WithDescription("Total trainer phase transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create trainer_transitions_total: %w", err)
	}

	m.EvaluationsTotal, err = meter.Int64Counter(
		"flow_evaluations_total",
		metric.WithDescription("Total evaluations performed"),
		metric.WithUnit("{evaluation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create evaluations_total: %w", err)
	}

	m.StorageOpsTotal, err = meter.Int64Counter(
		"flow_storage_operations_total",
		metric.WithDescription("Total storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create storage_operations_total: %w", err)
	}

	m.StorageOpDuration, err = meter.Float64Histogram(
		"flow_storage_operation_duration_seconds",
		metric.WithDescription("Storage operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create storage_operation_duration: %w", err)
	}

	// --- Error Metrics ---
	m.ErrorsTotal, err = meter.Int64Counter(
		"flow_errors_total",
		metric.WithDescription("Total errors by kind and component"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create errors_total: %w", err)
	}

	return m, nil
}

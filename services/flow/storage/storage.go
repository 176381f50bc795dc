// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage persists datasets under string keys.
//
// Backends:
//
//	BadgerProvider  embedded BadgerDB, durable, used by the CLI and server
//	DiskvProvider   one gzip-compressed file per dataset
//	MemoryProvider  process-local map, for tests and ephemeral runs
//	Cached          read-through LRU in front of any other provider
//
// Datasets are stored in their JSON form. Every provider returns copies:
// mutating a dataset after Put or Get never changes what is stored.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/flowml/services/flow/dataset"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
	"github.com/AleutianAI/flowml/services/flow/telemetry"
)

var meter = otel.Meter("flowml.storage")

// ErrNotFound is returned when no dataset is stored under a key. It is
// always wrapped together with flowerr.ErrMissingData.
var ErrNotFound = errors.New("dataset not found")

// keyPattern restricts keys to names that are safe as file names.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Provider stores datasets.
//
// Thread Safety: Implementations are safe for concurrent use.
type Provider interface {
	// Get returns the dataset stored under key.
	Get(ctx context.Context, key string) (*dataset.Dataset, error)

	// Put stores d under key, replacing any previous dataset.
	Put(ctx context.Context, key string, d *dataset.Dataset) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns the stored keys sorted.
	Keys(ctx context.Context) ([]string, error)
}

// ValidateKey checks that key can be used with every provider.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: invalid dataset key %q", flowerr.ErrInvalidConfiguration, key)
	}
	return nil
}

func notFound(key string) error {
	return fmt.Errorf("%w: %w: %s", flowerr.ErrMissingData, ErrNotFound, key)
}

func encode(d *dataset.Dataset) ([]byte, error) {
	if d == nil || d.Schema() == nil {
		return nil, fmt.Errorf("%w: cannot store a nil dataset", flowerr.ErrMissingData)
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode dataset: %w", err)
	}
	return data, nil
}

func decode(key string, data []byte) (*dataset.Dataset, error) {
	d := new(dataset.Dataset)
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("decode dataset %s: %w", key, err)
	}
	return d, nil
}

// checkCall validates the common arguments of a provider call.
func checkCall(ctx context.Context, key string) error {
	if ctx == nil {
		return flowerr.ErrNilContext
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ValidateKey(key)
}

// instruments records storage metrics for one backend.
type instruments struct {
	backend string
	metrics *telemetry.Metrics
}

func newInstruments(backend string, m *telemetry.Metrics) instruments {
	if m == nil {
		if created, err := telemetry.NewMetrics(meter); err == nil {
			m = created
		}
	}
	return instruments{backend: backend, metrics: m}
}

// observe records the outcome of an operation started at start.
func (in instruments) observe(ctx context.Context, op string, start time.Time, err error) {
	if in.metrics == nil || ctx == nil {
		return
	}
	status := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", in.backend),
		attribute.String("op", op),
		attribute.String("status", status),
	)
	in.metrics.StorageOpsTotal.Add(ctx, 1, attrs)
	in.metrics.StorageOpDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}

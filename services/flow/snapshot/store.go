// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot preserves stage state across runtime reconfiguration.
//
// When a pipeline variable bound to a stage option is rebound, the stage is
// re-initialized. State that must survive (a partially trained incremental
// model, running totals) is captured first, the options are applied, and
// the state is reinstalled:
//
//	backup -> apply -> restore
//
// Each stage declares a typed snapshot struct of Slot fields. Model handles
// are moved into slots, accumulators are deep-copied by the stage. Restore
// consumes every slot it reads; anything left behind signals a backup field
// that restore forgot about.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("flowml.snapshot")

var (
	// ErrSlotsNotConsumed is returned in strict mode when restore leaves
	// held slots behind.
	ErrSlotsNotConsumed = errors.New("snapshot slots not consumed by restore")

	// ErrNoBackup is returned when Restore is called without a pending backup.
	ErrNoBackup = errors.New("no pending backup")
)

// Actor captures and reinstalls its reconfiguration-sensitive fields.
type Actor[S Snapshot] interface {
	// Backup captures the fields. Handles are moved; accumulators copied.
	Backup() S

	// Restore reinstalls the fields, taking every slot it reads. A missing
	// slot leaves the field at its post-initialization default.
	Restore(S)
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// Name identifies the owning stage in logs and metrics.
	Name string

	// Strict makes Restore fail when slots are left unconsumed.
	Strict bool

	// Logger for store events. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Store runs backup/restore cycles for one actor.
//
// Thread Safety:
//
//	Safe for concurrent use, though a pipeline only reconfigures a stage
//	between inputs.
type Store[S Snapshot] struct {
	name   string
	strict bool
	logger *slog.Logger

	mu      sync.Mutex
	pending S
	active  bool

	metricsOnce sync.Once
	cycles      metric.Int64Counter
	leaks       metric.Int64Counter
}

// NewStore creates a Store.
func NewStore[S Snapshot](cfg StoreConfig) *Store[S] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store[S]{
		name:   cfg.Name,
		strict: cfg.Strict,
		logger: logger,
	}
}

func (st *Store[S]) initMetrics() {
	st.metricsOnce.Do(func() {
		var err error
		st.cycles, err = meter.Int64Counter("flow_snapshot_restores_total",
			metric.WithDescription("Completed backup/restore cycles"),
		)
		if err != nil {
			st.logger.Warn("snapshot metrics unavailable", slog.String("error", err.Error()))
		}
		st.leaks, err = meter.Int64Counter("flow_snapshot_unconsumed_total",
			metric.WithDescription("Slots left held after restore"),
		)
		if err != nil {
			st.logger.Warn("snapshot metrics unavailable", slog.String("error", err.Error()))
		}
	})
}

// Backup captures the actor's state and keeps it as the pending snapshot.
func (st *Store[S]) Backup(actor Actor[S]) S {
	snap := actor.Backup()

	st.mu.Lock()
	st.pending = snap
	st.active = true
	st.mu.Unlock()

	st.logger.Debug("state backed up",
		slog.String("stage", st.name),
		slog.Any("slots", Held(snap)),
	)
	return snap
}

// Forget drops the named slots from the pending snapshot so that restore
// falls back to defaults for them. Without a pending backup it does nothing.
func (st *Store[S]) Forget(names ...string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.active {
		return
	}
	if n := Forget(st.pending, names...); n > 0 {
		st.logger.Debug("backup pruned",
			slog.String("stage", st.name),
			slog.Any("slots", names),
		)
	}
}

// Restore reinstalls the pending snapshot into the actor.
//
// Outputs:
//
//	error - ErrNoBackup without a pending backup; ErrSlotsNotConsumed in
//	strict mode when the actor left slots held.
func (st *Store[S]) Restore(ctx context.Context, actor Actor[S]) error {
	st.mu.Lock()
	if !st.active {
		st.mu.Unlock()
		return ErrNoBackup
	}
	snap := st.pending
	var zero S
	st.pending = zero
	st.active = false
	st.mu.Unlock()

	st.initMetrics()
	actor.Restore(snap)

	attrs := metric.WithAttributes(attribute.String("stage", st.name))
	if st.cycles != nil {
		st.cycles.Add(ctx, 1, attrs)
	}

	left := Held(snap)
	if len(left) == 0 {
		return nil
	}
	if st.leaks != nil {
		st.leaks.Add(ctx, int64(len(left)), attrs)
	}
	if st.strict {
		return fmt.Errorf("%w: stage %q: %v", ErrSlotsNotConsumed, st.name, left)
	}
	st.logger.Warn("restore left slots unconsumed",
		slog.String("stage", st.name),
		slog.Any("slots", left),
	)
	return nil
}

// Reconfigure runs backup, apply and restore as one cycle.
//
// Description:
//
//	apply typically resets the actor and re-reads its options. The snapshot
//	is restored whether or not apply fails, so a rejected option change
//	never loses state.
//
// Inputs:
//
//	ctx - Context passed to apply.
//	actor - The actor being reconfigured.
//	apply - The reconfiguration step.
//
// Outputs:
//
//	error - The apply error, joined with any restore error.
func (st *Store[S]) Reconfigure(ctx context.Context, actor Actor[S], apply func(context.Context) error) error {
	st.Backup(actor)

	var applyErr error
	if apply != nil {
		applyErr = apply(ctx)
	}
	restoreErr := st.Restore(ctx, actor)

	if applyErr != nil {
		st.logger.Warn("reconfiguration failed, previous state restored",
			slog.String("stage", st.name),
			slog.String("error", applyErr.Error()),
		)
	}
	return errors.Join(applyErr, restoreErr)
}

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
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/AleutianAI/flowml/services/flow/container"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
	"github.com/AleutianAI/flowml/services/flow/pipeline"
	"github.com/AleutianAI/flowml/services/flow/snapshot"
)

// OptionFolds overrides the number of fold results a Collector waits for.
const OptionFolds = "folds"

const slotPending = "pending"

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	Name     string
	Upstream string

	// Folds is the number of results to merge. Zero uses the fold count
	// carried by the results.
	Folds int

	// StrictSnapshots fails a rebind whose restore leaves state behind.
	StrictSnapshots bool

	// Logger for stage events. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Collector gathers fold evaluations arriving one at a time and emits
// their aggregate once every fold has been seen.
//
// Thread Safety: Not safe for concurrent use.
type Collector struct {
	pipeline.BaseStage

	folds  int
	logger *slog.Logger
	store  *snapshot.Store[*CollectorSnapshot]

	pending []collected
}

// collected is one fold result with the trail it arrived with.
type collected struct {
	result *Result
	trail  container.Trail
}

// NewCollector creates a Collector.
func NewCollector(cfg CollectorConfig) (*Collector, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: collector name is required", flowerr.ErrInvalidConfiguration)
	}
	if cfg.Folds < 0 {
		return nil, fmt.Errorf("%w: collector %q: folds must not be negative", flowerr.ErrInvalidConfiguration, cfg.Name)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		BaseStage: pipeline.BaseStage{StageName: cfg.Name, StageUpstream: cfg.Upstream},
		folds:     cfg.Folds,
		logger:    logger.With(slog.String("stage", cfg.Name)),
		store: snapshot.NewStore[*CollectorSnapshot](snapshot.StoreConfig{
			Name:   cfg.Name,
			Strict: cfg.StrictSnapshots,
			Logger: logger,
		}),
	}, nil
}

// Pending returns the number of results waiting to be merged.
func (c *Collector) Pending() int {
	return len(c.pending)
}

// Process implements pipeline.Stage. The input must be an evaluation
// container. The emitted aggregate carries the trails of all merged inputs
// in fold order followed by one entry for the collector.
func (c *Collector) Process(_ context.Context, in pipeline.Token, emit pipeline.Emit) error {
	ct, _ := in.Payload.(*container.Container)
	res, err := FromContainer(ct)
	if err != nil {
		return flowerr.New("collect", c.Name(), container.KindOf(in.Payload), err)
	}

	want := c.folds
	if want == 0 {
		want = max(res.FoldCount, 1)
	}
	trail := in.Lineage
	if trail.Len() == 0 {
		trail = ct.Lineage()
	}
	c.pending = append(c.pending, collected{result: res, trail: trail.Clone()})
	if len(c.pending) < want {
		c.logger.Debug("fold collected",
			slog.Int("fold", res.FoldIndex),
			slog.Int("pending", len(c.pending)),
			slog.Int("want", want),
		)
		return nil
	}

	slices.SortStableFunc(c.pending, func(a, b collected) int {
		return cmp.Compare(a.result.FoldIndex, b.result.FoldIndex)
	})
	results := make([]*Result, len(c.pending))
	trails := make([]container.Trail, len(c.pending))
	for i, p := range c.pending {
		results[i] = p.result
		trails[i] = p.trail
	}
	agg, err := Aggregate(results...)
	if err != nil {
		return flowerr.New("collect", c.Name(), fmt.Sprintf("%d folds", len(results)), err)
	}
	c.pending = nil
	return emit(pipeline.Token{
		Payload: agg.Container(),
		Lineage: container.MergeAll(c.Name(), string(container.KindEvaluation), trails...),
		Merged:  true,
	})
}

// Rebind implements pipeline.Bindable. The only option is "folds"; the
// results gathered so far survive the change.
func (c *Collector) Rebind(ctx context.Context, option, value string) error {
	return c.store.Reconfigure(ctx, c, func(context.Context) error {
		c.pending = nil
		if option != OptionFolds {
			return fmt.Errorf("%w: collector has no option %q", flowerr.ErrInvalidConfiguration, option)
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: folds %q", flowerr.ErrInvalidConfiguration, value)
		}
		c.folds = n
		return nil
	})
}

// CollectorSnapshot is the collector state that survives reconfiguration.
type CollectorSnapshot struct {
	pending snapshot.Slot[[]collected]
}

// Slots implements snapshot.Snapshot.
func (s *CollectorSnapshot) Slots() []snapshot.Ref {
	return []snapshot.Ref{&s.pending}
}

// Backup implements snapshot.Actor. Pending results and trails are
// deep-copied.
func (c *Collector) Backup() *CollectorSnapshot {
	copied := make([]collected, len(c.pending))
	for i, p := range c.pending {
		copied[i] = collected{result: p.result.Clone(), trail: p.trail.Clone()}
	}
	return &CollectorSnapshot{
		snapshot.HoldIf(slotPending, copied, len(copied) > 0),
	}
}

// Restore implements snapshot.Actor.
func (c *Collector) Restore(snap *CollectorSnapshot) {
	c.pending = snap.pending.TakeOr(nil)
}

var (
	_ pipeline.Bindable                  = (*Collector)(nil)
	_ snapshot.Actor[*CollectorSnapshot] = (*Collector)(nil)
)

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package buffer converts between streams of records and datasets.
//
// In rows-to-dataset mode the stage grows a dataset from incoming records
// and emits it every Interval records, optionally persisting each emitted
// dataset through a storage.Provider. In dataset-to-rows mode it emits the
// records of each incoming dataset one by one.
package buffer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/AleutianAI/flowml/services/flow/container"
	"github.com/AleutianAI/flowml/services/flow/dataset"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
	"github.com/AleutianAI/flowml/services/flow/pipeline"
	"github.com/AleutianAI/flowml/services/flow/snapshot"
	"github.com/AleutianAI/flowml/services/flow/storage"
)

// Operation selects the direction of the buffer.
type Operation string

const (
	// RowsToDataset buffers records and emits datasets.
	RowsToDataset Operation = "rows_to_dataset"

	// DatasetToRows emits the records of incoming datasets.
	DatasetToRows Operation = "dataset_to_rows"
)

// Rebindable options.
const (
	OptionInterval    = "interval"
	OptionClear       = "clear"
	OptionCheckHeader = "check_header"
)

const (
	slotSchema  = "schema"
	slotRecords = "records"
)

// Config configures a buffer stage.
type Config struct {
	Name     string
	Upstream string

	// Operation defaults to RowsToDataset.
	Operation Operation

	// Interval is how many buffered records trigger an emission. Defaults to 1.
	Interval int

	// ClearAfterEmit empties the buffer after each emission.
	ClearAfterEmit bool

	// CheckHeader starts a new buffer when a record's schema differs from
	// the buffered one. Without it such a record is an error.
	CheckHeader bool

	// Provider, when set, receives every emitted dataset under Key.
	Provider storage.Provider
	Key      string

	// StrictSnapshots fails a rebind whose restore leaves state behind.
	StrictSnapshots bool

	// Logger for stage events. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Stage is the buffer stage.
//
// Thread Safety: Not safe for concurrent use.
type Stage struct {
	pipeline.BaseStage

	op          Operation
	interval    int
	clear       bool
	checkHeader bool
	provider    storage.Provider
	key         string
	logger      *slog.Logger
	store       *snapshot.Store[*Snapshot]

	schema  *dataset.Schema
	records []dataset.Record
}

// New creates a buffer stage.
func New(cfg Config) (*Stage, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: buffer name is required", flowerr.ErrInvalidConfiguration)
	}
	if cfg.Operation == "" {
		cfg.Operation = RowsToDataset
	}
	if cfg.Operation != RowsToDataset && cfg.Operation != DatasetToRows {
		return nil, fmt.Errorf("%w: unknown buffer operation %q", flowerr.ErrInvalidConfiguration, cfg.Operation)
	}
	if cfg.Interval == 0 {
		cfg.Interval = 1
	}
	if cfg.Interval < 1 {
		return nil, fmt.Errorf("%w: buffer interval must be at least 1", flowerr.ErrInvalidConfiguration)
	}
	if cfg.Provider != nil {
		if err := storage.ValidateKey(cfg.Key); err != nil {
			return nil, err
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		BaseStage:   pipeline.BaseStage{StageName: cfg.Name, StageUpstream: cfg.Upstream},
		op:          cfg.Operation,
		interval:    cfg.Interval,
		clear:       cfg.ClearAfterEmit,
		checkHeader: cfg.CheckHeader,
		provider:    cfg.Provider,
		key:         cfg.Key,
		logger:      logger.With(slog.String("stage", cfg.Name)),
		store: snapshot.NewStore[*Snapshot](snapshot.StoreConfig{
			Name:   cfg.Name,
			Strict: cfg.StrictSnapshots,
			Logger: logger,
		}),
	}, nil
}

// Buffered returns the number of buffered records.
func (s *Stage) Buffered() int {
	return len(s.records)
}

// Process implements pipeline.Stage.
func (s *Stage) Process(ctx context.Context, in pipeline.Token, emit pipeline.Emit) error {
	if s.op == DatasetToRows {
		return s.toRows(ctx, in, emit)
	}

	var records []dataset.Record
	switch p := in.Payload.(type) {
	case dataset.Record:
		records = []dataset.Record{p}
	case []dataset.Record:
		records = p
	default:
		return flowerr.New("buffer", s.Name(), container.KindOf(in.Payload),
			fmt.Errorf("%w: expected records", flowerr.ErrMissingData))
	}

	for _, r := range records {
		if r.IsZero() {
			continue
		}
		if s.schema != nil && !s.schema.Equal(r.Schema()) {
			if !s.checkHeader {
				return flowerr.New("buffer", s.Name(), "record("+r.Schema().Name()+")",
					fmt.Errorf("%w: record schema differs from the buffered records", flowerr.ErrInvalidConfiguration))
			}
			s.logger.Info("header changed, resetting buffer",
				slog.String("from", s.schema.Name()),
				slog.String("to", r.Schema().Name()),
			)
			s.reset()
		}
		if s.schema == nil {
			s.schema = r.Schema()
		}
		s.records = append(s.records, r.Copy())
	}

	if len(s.records) == 0 || len(s.records)%s.interval != 0 {
		return nil
	}
	d, err := dataset.New(s.schema, s.records...)
	if err != nil {
		return flowerr.New("buffer", s.Name(), "records", err)
	}
	if s.provider != nil {
		if err := s.provider.Put(ctx, s.key, d); err != nil {
			return flowerr.New("buffer", s.Name(), d.Shape(), err)
		}
	}
	if s.clear {
		s.reset()
	}
	return emit(pipeline.Token{Payload: d})
}

func (s *Stage) toRows(ctx context.Context, in pipeline.Token, emit pipeline.Emit) error {
	d, ok := in.Payload.(*dataset.Dataset)
	if !ok {
		c, _ := in.Payload.(*container.Container)
		if c != nil {
			d, ok = container.Value[*dataset.Dataset](c, container.KeyDataset)
		}
	}
	if !ok || d == nil {
		return flowerr.New("buffer", s.Name(), container.KindOf(in.Payload),
			fmt.Errorf("%w: expected a dataset", flowerr.ErrMissingData))
	}
	for _, r := range d.All() {
		if err := ctx.Err(); err != nil {
			return flowerr.New("buffer", s.Name(), d.Shape(), fmt.Errorf("%w: %w", flowerr.ErrCancelled, err))
		}
		if err := emit(pipeline.Token{Payload: r.Copy()}); err != nil {
			return err
		}
	}
	return nil
}

// Rebind implements pipeline.Bindable. The buffered records survive.
func (s *Stage) Rebind(ctx context.Context, option, value string) error {
	return s.store.Reconfigure(ctx, s, func(context.Context) error {
		s.reset()
		switch option {
		case OptionInterval:
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return fmt.Errorf("%w: interval %q", flowerr.ErrInvalidConfiguration, value)
			}
			s.interval = n
		case OptionClear, OptionCheckHeader:
			on, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("%w: %s %q: %w", flowerr.ErrInvalidConfiguration, option, value, err)
			}
			if option == OptionClear {
				s.clear = on
			} else {
				s.checkHeader = on
			}
		default:
			return fmt.Errorf("%w: buffer has no option %q", flowerr.ErrInvalidConfiguration, option)
		}
		return nil
	})
}

func (s *Stage) reset() {
	s.schema = nil
	s.records = nil
}

// Snapshot is the buffer state that survives reconfiguration.
type Snapshot struct {
	schema  snapshot.Slot[*dataset.Schema]
	records snapshot.Slot[[]dataset.Record]
}

// Slots implements snapshot.Snapshot.
func (s *Snapshot) Slots() []snapshot.Ref {
	return []snapshot.Ref{&s.schema, &s.records}
}

// Backup implements snapshot.Actor. The buffered records are copied.
func (s *Stage) Backup() *Snapshot {
	records := make([]dataset.Record, len(s.records))
	for i, r := range s.records {
		records[i] = r.Copy()
	}
	return &Snapshot{
		snapshot.HoldIf(slotSchema, s.schema, s.schema != nil),
		snapshot.HoldIf(slotRecords, records, len(records) > 0),
	}
}

// Restore implements snapshot.Actor.
func (s *Stage) Restore(snap *Snapshot) {
	s.schema = snap.schema.TakeOr(nil)
	s.records = snap.records.TakeOr(nil)
	if s.schema == nil {
		s.records = nil
	}
}

var (
	_ pipeline.Bindable         = (*Stage)(nil)
	_ snapshot.Actor[*Snapshot] = (*Stage)(nil)
)

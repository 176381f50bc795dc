// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/peterbourgon/diskv"

	"github.com/AleutianAI/flowml/services/flow/dataset"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
	"github.com/AleutianAI/flowml/services/flow/telemetry"
)

// DiskvConfig configures a DiskvProvider.
type DiskvConfig struct {
	// BasePath is the root directory. Required.
	BasePath string `yaml:"base_path" json:"base_path"`

	// CacheSizeMax bounds diskv's in-memory read cache in bytes.
	CacheSizeMax uint64 `yaml:"cache_size_max" json:"cache_size_max"`
}

// DiskvProvider stores each dataset as a gzip-compressed file.
//
// Thread Safety: Safe for concurrent use.
type DiskvProvider struct {
	dv     *diskv.Diskv
	inst   instruments
	logger *slog.Logger
}

// NewDiskvProvider creates a provider rooted at cfg.BasePath.
func NewDiskvProvider(cfg DiskvConfig, metrics *telemetry.Metrics, logger *slog.Logger) (*DiskvProvider, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("%w: diskv base path is required", flowerr.ErrInvalidConfiguration)
	}
	if logger == nil {
		logger = slog.Default()
	}
	dv := diskv.New(diskv.Options{
		BasePath:     cfg.BasePath,
		Transform:    func(string) []string { return []string{} },
		CacheSizeMax: cfg.CacheSizeMax,
		Compression:  diskv.NewGzipCompression(),
	})
	return &DiskvProvider{dv: dv, inst: newInstruments("diskv", metrics), logger: logger}, nil
}

// Get implements Provider.
func (p *DiskvProvider) Get(ctx context.Context, key string) (d *dataset.Dataset, err error) {
	start := time.Now()
	defer func() { p.inst.observe(ctx, "get", start, err) }()
	if err = checkCall(ctx, key); err != nil {
		return nil, err
	}
	if !p.dv.Has(key) {
		return nil, notFound(key)
	}
	data, err := p.dv.Read(key)
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", key, err)
	}
	return decode(key, data)
}

// Put implements Provider.
func (p *DiskvProvider) Put(ctx context.Context, key string, d *dataset.Dataset) (err error) {
	start := time.Now()
	defer func() { p.inst.observe(ctx, "put", start, err) }()
	if err = checkCall(ctx, key); err != nil {
		return err
	}
	data, err := encode(d)
	if err != nil {
		return err
	}
	if err = p.dv.Write(key, data); err != nil {
		return fmt.Errorf("write dataset %s: %w", key, err)
	}
	p.logger.Debug("dataset stored", slog.String("key", key), slog.String("dataset", d.Shape()))
	return nil
}

// Delete implements Provider.
func (p *DiskvProvider) Delete(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { p.inst.observe(ctx, "delete", start, err) }()
	if err = checkCall(ctx, key); err != nil {
		return err
	}
	if !p.dv.Has(key) {
		return nil
	}
	return p.dv.Erase(key)
}

// Keys implements Provider.
func (p *DiskvProvider) Keys(ctx context.Context) (keys []string, err error) {
	start := time.Now()
	defer func() { p.inst.observe(ctx, "keys", start, err) }()
	if ctx == nil {
		return nil, flowerr.ErrNilContext
	}
	for k := range p.dv.Keys(ctx.Done()) {
		keys = append(keys, k)
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	slices.Sort(keys)
	return keys, nil
}

var _ Provider = (*DiskvProvider)(nil)

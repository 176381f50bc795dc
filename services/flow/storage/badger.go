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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/flowml/services/flow/dataset"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
	"github.com/AleutianAI/flowml/services/flow/telemetry"
)

// datasetPrefix namespaces dataset keys inside the database.
const datasetPrefix = "dataset/"

// BadgerConfig holds configuration for a BadgerDB instance.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files.
	// Required unless InMemory is true.
	Path string `yaml:"path" json:"path"`

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool `yaml:"in_memory" json:"in_memory"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `yaml:"sync_writes" json:"sync_writes"`

	// GCInterval is how often to run value log garbage collection.
	// Zero disables GC.
	GCInterval time.Duration `yaml:"gc_interval" json:"gc_interval"`

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio" json:"gc_discard_ratio" validate:"gte=0,lte=1"`

	// Logger receives BadgerDB's own log lines. If nil, they are dropped.
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultBadgerConfig returns defaults for a durable store at path:
// synchronous writes and value log GC every five minutes at a 50% ratio.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns configuration for tests: no disk I/O and no GC.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// openBadger opens the database described by cfg.
func openBadger(cfg BadgerConfig) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("%w: badger path is required for a persistent store", flowerr.ErrInvalidConfiguration)
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

// GCRunner runs periodic value log garbage collection on a BadgerDB.
type GCRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewGCRunner creates a garbage collection runner. Call Start to begin.
//
// Inputs:
//
//	db - The BadgerDB instance. Must not be nil.
//	interval - How often to run GC. Must be positive.
//	ratio - Minimum garbage ratio to trigger GC (0.0-1.0).
//	logger - Logger for GC events. If nil, uses slog.Default().
func NewGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) (*GCRunner, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: db must not be nil", flowerr.ErrInvalidConfiguration)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive", flowerr.ErrInvalidConfiguration)
	}
	if ratio < 0 || ratio > 1 {
		return nil, fmt.Errorf("%w: ratio must be between 0 and 1", flowerr.ErrInvalidConfiguration)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GCRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins periodic garbage collection in a goroutine.
func (r *GCRunner) Start() {
	go r.run()
}

// Stop halts garbage collection and waits for the goroutine to exit.
// Safe to call more than once.
func (r *GCRunner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh
	})
}

func (r *GCRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runGC()
		}
	}
}

func (r *GCRunner) runGC() {
	// ErrNoRewrite means nothing needed collecting.
	err := r.db.RunValueLogGC(r.ratio)
	switch {
	case err == nil:
		r.logger.Debug("badger value log GC completed")
	case !errors.Is(err, badger.ErrNoRewrite):
		r.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
	}
}

// BadgerProvider stores datasets in BadgerDB.
//
// Thread Safety: Safe for concurrent use.
type BadgerProvider struct {
	db       *badger.DB
	gc       *GCRunner
	inMemory bool
	inst     instruments
	logger   *slog.Logger
}

// NewBadgerProvider opens a BadgerDB and starts its GC runner when
// configured.
//
// Outputs:
//
//	*BadgerProvider - The provider. Call Close when done.
//	error - ErrInvalidConfiguration for a bad config, or the open error.
func NewBadgerProvider(cfg BadgerConfig, metrics *telemetry.Metrics, logger *slog.Logger) (*BadgerProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := openBadger(cfg)
	if err != nil {
		return nil, err
	}

	p := &BadgerProvider{
		db:       db,
		inMemory: cfg.InMemory,
		inst:     newInstruments("badger", metrics),
		logger:   logger,
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		gc, err := NewGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		p.gc = gc
		gc.Start()
	}
	return p, nil
}

// Close stops the GC runner and closes the database.
func (p *BadgerProvider) Close() error {
	if p.gc != nil {
		p.gc.Stop()
	}
	return p.db.Close()
}

// Sync flushes pending writes to disk. A no-op in memory.
func (p *BadgerProvider) Sync() error {
	if p.inMemory {
		return nil
	}
	return p.db.Sync()
}

// withTxn runs fn in a read-write transaction and commits if fn succeeds.
func (p *BadgerProvider) withTxn(fn func(txn *badger.Txn) error) error {
	txn := p.db.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// withReadTxn runs fn in a read-only transaction.
func (p *BadgerProvider) withReadTxn(fn func(txn *badger.Txn) error) error {
	txn := p.db.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}

// Get implements Provider.
func (p *BadgerProvider) Get(ctx context.Context, key string) (d *dataset.Dataset, err error) {
	start := time.Now()
	defer func() { p.inst.observe(ctx, "get", start, err) }()
	if err = checkCall(ctx, key); err != nil {
		return nil, err
	}

	var data []byte
	err = p.withReadTxn(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(datasetPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return notFound(key)
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return decode(key, data)
}

// Put implements Provider.
func (p *BadgerProvider) Put(ctx context.Context, key string, d *dataset.Dataset) (err error) {
	start := time.Now()
	defer func() { p.inst.observe(ctx, "put", start, err) }()
	if err = checkCall(ctx, key); err != nil {
		return err
	}
	data, err := encode(d)
	if err != nil {
		return err
	}
	err = p.withTxn(func(txn *badger.Txn) error {
		return txn.Set([]byte(datasetPrefix+key), data)
	})
	if err == nil {
		p.logger.Debug("dataset stored", slog.String("key", key), slog.String("dataset", d.Shape()))
	}
	return err
}

// Delete implements Provider.
func (p *BadgerProvider) Delete(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { p.inst.observe(ctx, "delete", start, err) }()
	if err = checkCall(ctx, key); err != nil {
		return err
	}
	return p.withTxn(func(txn *badger.Txn) error {
		return txn.Delete([]byte(datasetPrefix + key))
	})
}

// Keys implements Provider.
func (p *BadgerProvider) Keys(ctx context.Context) (keys []string, err error) {
	start := time.Now()
	defer func() { p.inst.observe(ctx, "keys", start, err) }()
	if ctx == nil {
		return nil, flowerr.ErrNilContext
	}

	err = p.withReadTxn(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(datasetPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, strings.TrimPrefix(string(it.Item().Key()), datasetPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)
	return keys, nil
}

var _ Provider = (*BadgerProvider)(nil)

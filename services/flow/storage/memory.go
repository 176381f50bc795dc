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
	"maps"
	"slices"
	"sync"

	"github.com/AleutianAI/flowml/services/flow/dataset"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
)

// MemoryProvider keeps datasets in a map. Contents are lost on exit.
//
// Thread Safety: Safe for concurrent use.
type MemoryProvider struct {
	mu   sync.RWMutex
	sets map[string]*dataset.Dataset
}

// NewMemoryProvider creates an empty MemoryProvider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{sets: make(map[string]*dataset.Dataset)}
}

// Get implements Provider.
func (p *MemoryProvider) Get(ctx context.Context, key string) (*dataset.Dataset, error) {
	if err := checkCall(ctx, key); err != nil {
		return nil, err
	}
	p.mu.RLock()
	d, ok := p.sets[key]
	p.mu.RUnlock()
	if !ok {
		return nil, notFound(key)
	}
	return d.Copy(), nil
}

// Put implements Provider.
func (p *MemoryProvider) Put(ctx context.Context, key string, d *dataset.Dataset) error {
	if err := checkCall(ctx, key); err != nil {
		return err
	}
	if d == nil || d.Schema() == nil {
		return flowerr.ErrMissingData
	}
	p.mu.Lock()
	p.sets[key] = d.Copy()
	p.mu.Unlock()
	return nil
}

// Delete implements Provider.
func (p *MemoryProvider) Delete(ctx context.Context, key string) error {
	if err := checkCall(ctx, key); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.sets, key)
	p.mu.Unlock()
	return nil
}

// Keys implements Provider.
func (p *MemoryProvider) Keys(ctx context.Context) ([]string, error) {
	if ctx == nil {
		return nil, flowerr.ErrNilContext
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Sorted(maps.Keys(p.sets)), nil
}

var _ Provider = (*MemoryProvider)(nil)

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

	lru "github.com/hashicorp/golang-lru"

	"github.com/AleutianAI/flowml/services/flow/dataset"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
)

// Cached is a read-through LRU cache in front of another provider.
//
// Description:
//
//	Get serves recently read or written datasets from memory and falls
//	back to the wrapped provider on a miss. Put and Delete write through
//	and keep the cache coherent. Changes made to the wrapped provider by
//	other writers are not seen until the entry is evicted.
//
// Thread Safety: Safe for concurrent use.
type Cached struct {
	next  Provider
	cache *lru.Cache
}

// NewCached wraps next with a cache of up to size datasets.
func NewCached(next Provider, size int) (*Cached, error) {
	if next == nil {
		return nil, fmt.Errorf("%w: cached provider needs a backing provider", flowerr.ErrInvalidConfiguration)
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("%w: cache size %d: %w", flowerr.ErrInvalidConfiguration, size, err)
	}
	return &Cached{next: next, cache: cache}, nil
}

// Len returns the number of cached datasets.
func (c *Cached) Len() int {
	return c.cache.Len()
}

// Get implements Provider.
func (c *Cached) Get(ctx context.Context, key string) (*dataset.Dataset, error) {
	if err := checkCall(ctx, key); err != nil {
		return nil, err
	}
	if v, ok := c.cache.Get(key); ok {
		return v.(*dataset.Dataset).Copy(), nil
	}
	d, err := c.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, d.Copy())
	return d, nil
}

// Put implements Provider.
func (c *Cached) Put(ctx context.Context, key string, d *dataset.Dataset) error {
	if err := c.next.Put(ctx, key, d); err != nil {
		c.cache.Remove(key)
		return err
	}
	c.cache.Add(key, d.Copy())
	return nil
}

// Delete implements Provider.
func (c *Cached) Delete(ctx context.Context, key string) error {
	c.cache.Remove(key)
	return c.next.Delete(ctx, key)
}

// Keys implements Provider.
func (c *Cached) Keys(ctx context.Context) ([]string, error) {
	return c.next.Keys(ctx)
}

var _ Provider = (*Cached)(nil)

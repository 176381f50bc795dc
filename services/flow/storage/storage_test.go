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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/AleutianAI/flowml/services/flow/dataset"
	"github.com/AleutianAI/flowml/services/flow/dataset/datasettest"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
	"github.com/AleutianAI/flowml/services/flow/telemetry"
)

func testMetrics(t *testing.T) *telemetry.Metrics {
	t.Helper()
	m, err := telemetry.NewMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	return m
}

// providers returns one instance of every backend.
func providers(t *testing.T) map[string]Provider {
	t.Helper()
	m := testMetrics(t)

	bp, err := NewBadgerProvider(InMemoryBadgerConfig(), m, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bp.Close() })

	dp, err := NewDiskvProvider(DiskvConfig{BasePath: t.TempDir(), CacheSizeMax: 1 << 20}, m, nil)
	require.NoError(t, err)

	cached, err := NewCached(NewMemoryProvider(), 4)
	require.NoError(t, err)

	return map[string]Provider{
		"badger": bp,
		"diskv":  dp,
		"memory": NewMemoryProvider(),
		"cached": cached,
	}
}

func TestProviders_RoundTrip(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			weather := datasettest.Weather()

			require.NoError(t, p.Put(ctx, "weather", weather))
			require.NoError(t, p.Put(ctx, "linear-10", datasettest.Linear(10)))

			got, err := p.Get(ctx, "weather")
			require.NoError(t, err)
			assert.Equal(t, weather.Len(), got.Len())
			assert.True(t, weather.Schema().Equal(got.Schema()))
			for i, r := range weather.All() {
				assert.Equal(t, r.Values(), got.Record(i).Values())
			}

			keys, err := p.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"linear-10", "weather"}, keys)

			require.NoError(t, p.Delete(ctx, "weather"))
			require.NoError(t, p.Delete(ctx, "weather"), "deleting twice is fine")

			_, err = p.Get(ctx, "weather")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, err, flowerr.ErrMissingData)
		})
	}
}

func TestProviders_Errors(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			assert.ErrorIs(t, p.Put(ctx, "../escape", datasettest.Weather()), flowerr.ErrInvalidConfiguration)
			assert.ErrorIs(t, p.Put(ctx, "", datasettest.Weather()), flowerr.ErrInvalidConfiguration)
			assert.ErrorIs(t, p.Put(ctx, "nil", nil), flowerr.ErrMissingData)

			//nolint:staticcheck // nil context is the case under test
			_, err := p.Get(nil, "weather")
			assert.ErrorIs(t, err, flowerr.ErrNilContext)

			cancelled, cancel := context.WithCancel(ctx)
			cancel()
			assert.ErrorIs(t, p.Put(cancelled, "weather", datasettest.Weather()), context.Canceled)
		})
	}
}

func TestProviders_ReturnCopies(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := datasettest.Linear(3)
			require.NoError(t, p.Put(ctx, "linear", d))

			extra := dataset.MustRecord(d.Schema(), 1, dataset.Num(1), dataset.Num(1), dataset.Num(4))
			grown, err := d.Append(extra)
			require.NoError(t, err)
			require.NoError(t, p.Put(ctx, "grown", grown))

			got, err := p.Get(ctx, "linear")
			require.NoError(t, err)
			assert.Equal(t, 3, got.Len())
		})
	}
}

func TestBadgerProvider_Persists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := DefaultBadgerConfig(dir)
	cfg.SyncWrites = false

	p, err := NewBadgerProvider(cfg, testMetrics(t), nil)
	require.NoError(t, err)
	require.NoError(t, p.Put(ctx, "weather", datasettest.Weather()))
	require.NoError(t, p.Sync())
	require.NoError(t, p.Close())

	reopened, err := NewBadgerProvider(cfg, testMetrics(t), nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "weather")
	require.NoError(t, err)
	assert.Equal(t, 14, got.Len())
}

func TestNewBadgerProvider_RequiresPath(t *testing.T) {
	_, err := NewBadgerProvider(BadgerConfig{}, nil, nil)
	assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration)
}

func TestNewGCRunner_Validation(t *testing.T) {
	p, err := NewBadgerProvider(InMemoryBadgerConfig(), testMetrics(t), nil)
	require.NoError(t, err)
	defer p.Close()

	tests := []struct {
		name     string
		interval time.Duration
		ratio    float64
		wantErr  bool
	}{
		{name: "valid", interval: time.Minute, ratio: 0.5},
		{name: "zero interval", interval: 0, ratio: 0.5, wantErr: true},
		{name: "ratio above one", interval: time.Minute, ratio: 1.5, wantErr: true},
		{name: "negative ratio", interval: time.Minute, ratio: -0.1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewGCRunner(p.db, tt.interval, tt.ratio, nil)
			if tt.wantErr {
				assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration)
				return
			}
			require.NoError(t, err)
			r.Start()
			r.Stop()
			r.Stop()
		})
	}

	_, err = NewGCRunner(nil, time.Minute, 0.5, nil)
	assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration)
}

func TestCached(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryProvider()
	c, err := NewCached(backing, 2)
	require.NoError(t, err)

	require.NoError(t, backing.Put(ctx, "a", datasettest.Linear(1)))
	require.NoError(t, backing.Put(ctx, "b", datasettest.Linear(2)))
	require.NoError(t, backing.Put(ctx, "c", datasettest.Linear(3)))

	for _, k := range []string{"a", "b", "c"} {
		_, err := c.Get(ctx, k)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len())

	// Served from the cache while the backing entry is gone.
	require.NoError(t, backing.Delete(ctx, "c"))
	got, err := c.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Len())

	// Delete through the cache is coherent.
	require.NoError(t, c.Delete(ctx, "b"))
	_, err = c.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = NewCached(nil, 2)
	assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration)
	_, err = NewCached(backing, 0)
	assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration)
}

func TestValidateKey(t *testing.T) {
	for _, k := range []string{"weather", "iris.v2", "fold_1", "A-b"} {
		assert.NoError(t, ValidateKey(k), k)
	}
	for _, k := range []string{"", ".hidden", "a/b", "../x", "with space"} {
		assert.ErrorIs(t, ValidateKey(k), flowerr.ErrInvalidConfiguration, k)
	}
}

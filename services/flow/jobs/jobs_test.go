// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/flowml/services/flow/flowerr"
)

func runners() map[string]Runner {
	return map[string]Runner{
		"local": NewLocalRunner(nil),
		"pool":  NewPoolRunner(3, nil),
	}
}

func TestRunner_SubmitReturnsJobError(t *testing.T) {
	boom := errors.New("boom")
	for name, r := range runners() {
		t.Run(name, func(t *testing.T) {
			err := r.Submit(context.Background(), "j", func(context.Context) error { return boom })
			assert.ErrorIs(t, err, boom)
		})
	}
}

func TestRunner_PanicBecomesError(t *testing.T) {
	for name, r := range runners() {
		t.Run(name, func(t *testing.T) {
			err := r.Submit(context.Background(), "j", func(context.Context) error { panic("kaboom") })
			assert.ErrorIs(t, err, flowerr.ErrUnderlyingLibraryFailure)
			assert.Contains(t, err.Error(), "kaboom")
		})
	}
}

func TestRunner_CancelledBeforeSubmit(t *testing.T) {
	for name, r := range runners() {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			var ran atomic.Bool
			err := r.Submit(ctx, "j", func(context.Context) error { ran.Store(true); return nil })
			assert.ErrorIs(t, err, context.Canceled)
			assert.False(t, ran.Load())
		})
	}
}

func TestRunner_SubmitAllRunsEveryJob(t *testing.T) {
	for name, r := range runners() {
		t.Run(name, func(t *testing.T) {
			results := make([]int, 10)
			jobs := make([]Job, len(results))
			for i := range jobs {
				jobs[i] = func(context.Context) error {
					results[i] = i * i
					return nil
				}
			}
			require.NoError(t, r.SubmitAll(context.Background(), "fold", jobs))
			for i, v := range results {
				assert.Equal(t, i*i, v)
			}
		})
	}
}

func TestPoolRunner_RespectsLimit(t *testing.T) {
	r := NewPoolRunner(2, nil)
	var active, peak atomic.Int32

	jobs := make([]Job, 8)
	for i := range jobs {
		jobs[i] = func(context.Context) error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return nil
		}
	}
	require.NoError(t, r.SubmitAll(context.Background(), "j", jobs))
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 2, r.Workers())
}

func TestLocalRunner_SubmitAllStopsAtFirstError(t *testing.T) {
	r := NewLocalRunner(nil)
	var ran int
	boom := errors.New("boom")
	jobs := []Job{
		func(context.Context) error { ran++; return nil },
		func(context.Context) error { ran++; return boom },
		func(context.Context) error { ran++; return nil },
	}
	assert.ErrorIs(t, r.SubmitAll(context.Background(), "j", jobs), boom)
	assert.Equal(t, 2, ran)
	assert.Equal(t, 1, r.Workers())
}

func TestRunner_NilJob(t *testing.T) {
	err := NewLocalRunner(nil).Submit(context.Background(), "j", nil)
	assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handle struct{ id string }

// counterActor has a moved handle, a copied accumulator and a counter.
type counterActor struct {
	model   *handle
	history []int
	count   int

	// skipHistory simulates a restore that forgets a slot.
	skipHistory bool
}

type counterSnapshot struct {
	model   Slot[*handle]
	history Slot[[]int]
	count   Slot[int]
}

func (s *counterSnapshot) Slots() []Ref {
	return []Ref{&s.model, &s.history, &s.count}
}

func (a *counterActor) Backup() *counterSnapshot {
	snap := &counterSnapshot{
		HoldIf("model", a.model, a.model != nil),
		Hold("history", slices.Clone(a.history)),
		Hold("count", a.count),
	}
	a.model = nil
	return snap
}

func (a *counterActor) Restore(s *counterSnapshot) {
	a.model = s.model.TakeOr(nil)
	if !a.skipHistory {
		a.history = s.history.TakeOr(nil)
	}
	a.count = s.count.TakeOr(0)
}

func (a *counterActor) reset() {
	a.model = nil
	a.history = nil
	a.count = 0
}

func TestStore_RoundTrip(t *testing.T) {
	h := &handle{id: "m1"}
	a := &counterActor{model: h, history: []int{1, 2}, count: 7}
	st := NewStore[*counterSnapshot](StoreConfig{Name: "counter", Strict: true})

	snap := st.Backup(a)
	assert.ElementsMatch(t, []string{"model", "history", "count"}, Held(snap))
	assert.Nil(t, a.model, "handle must move into the snapshot")

	a.reset()
	require.NoError(t, st.Restore(context.Background(), a))

	assert.Same(t, h, a.model)
	assert.Equal(t, []int{1, 2}, a.history)
	assert.Equal(t, 7, a.count)
	assert.Empty(t, Held(snap), "restore must consume every slot")
}

func TestStore_AccumulatorIsDeepCopied(t *testing.T) {
	a := &counterActor{history: []int{1}}
	st := NewStore[*counterSnapshot](StoreConfig{Name: "counter"})

	st.Backup(a)
	a.history[0] = 99
	a.reset()
	require.NoError(t, st.Restore(context.Background(), a))

	assert.Equal(t, []int{1}, a.history)
}

func TestStore_AbsentSlotFallsBackToDefault(t *testing.T) {
	a := &counterActor{count: 3}
	st := NewStore[*counterSnapshot](StoreConfig{Name: "counter", Strict: true})

	snap := st.Backup(a)
	assert.NotContains(t, Held(snap), "model")

	a.model = &handle{id: "fresh"}
	require.NoError(t, st.Restore(context.Background(), a))
	assert.Nil(t, a.model)
}

func TestStore_Forget(t *testing.T) {
	a := &counterActor{model: &handle{id: "m"}, count: 4}
	st := NewStore[*counterSnapshot](StoreConfig{Name: "counter", Strict: true})

	err := st.Reconfigure(context.Background(), a, func(context.Context) error {
		st.Forget("model", "unknown")
		return nil
	})
	require.NoError(t, err)
	assert.Nil(t, a.model)
	assert.Equal(t, 4, a.count)

	st.Forget("count") // no pending backup: no effect
}

func TestStore_StrictDetectsUnconsumedSlots(t *testing.T) {
	a := &counterActor{history: []int{1}, skipHistory: true}

	strict := NewStore[*counterSnapshot](StoreConfig{Name: "counter", Strict: true})
	strict.Backup(a)
	err := strict.Restore(context.Background(), a)
	assert.ErrorIs(t, err, ErrSlotsNotConsumed)

	lenient := NewStore[*counterSnapshot](StoreConfig{Name: "counter"})
	lenient.Backup(a)
	assert.NoError(t, lenient.Restore(context.Background(), a))
}

func TestStore_RestoreWithoutBackup(t *testing.T) {
	st := NewStore[*counterSnapshot](StoreConfig{})
	err := st.Restore(context.Background(), &counterActor{})
	assert.ErrorIs(t, err, ErrNoBackup)
}

func TestStore_ReconfigureRestoresOnApplyError(t *testing.T) {
	h := &handle{id: "keep"}
	a := &counterActor{model: h, count: 2}
	st := NewStore[*counterSnapshot](StoreConfig{Name: "counter", Strict: true})
	boom := errors.New("bad option")

	err := st.Reconfigure(context.Background(), a, func(context.Context) error {
		a.reset()
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Same(t, h, a.model)
	assert.Equal(t, 2, a.count)
}

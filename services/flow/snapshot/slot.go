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

// Slot holds one captured field of an actor.
//
// A Slot is either held (a value was captured) or absent. Take consumes the
// value, so after a correct restore every slot of a snapshot is absent.
type Slot[T any] struct {
	name  string
	value T
	held  bool
}

// Hold returns a slot holding v.
func Hold[T any](name string, v T) Slot[T] {
	return Slot[T]{name: name, value: v, held: true}
}

// Absent returns an empty slot. Use it for fields that had no value at
// backup time.
func Absent[T any](name string) Slot[T] {
	return Slot[T]{name: name}
}

// HoldIf returns a held slot when ok, otherwise an absent one.
func HoldIf[T any](name string, v T, ok bool) Slot[T] {
	if !ok {
		return Absent[T](name)
	}
	return Hold(name, v)
}

// Name returns the slot name.
func (s *Slot[T]) Name() string {
	return s.name
}

// Held reports whether the slot still holds a value.
func (s *Slot[T]) Held() bool {
	return s.held
}

// Take removes and returns the value.
func (s *Slot[T]) Take() (T, bool) {
	v, ok := s.value, s.held
	s.Drop()
	return v, ok
}

// TakeOr removes and returns the value, or def if the slot is absent.
func (s *Slot[T]) TakeOr(def T) T {
	if v, ok := s.Take(); ok {
		return v
	}
	return def
}

// Drop discards the value without returning it.
func (s *Slot[T]) Drop() {
	var zero T
	s.value = zero
	s.held = false
}

// Ref is the type-erased view of a Slot.
type Ref interface {
	Name() string
	Held() bool
	Drop()
}

// Snapshot is implemented by the typed snapshot struct of each actor.
//
// Slots must list a pointer to every Slot field of the struct.
type Snapshot interface {
	Slots() []Ref
}

// Held returns the names of slots that still hold values.
func Held(s Snapshot) []string {
	var names []string
	for _, ref := range s.Slots() {
		if ref.Held() {
			names = append(names, ref.Name())
		}
	}
	return names
}

// Forget drops the named slots and returns how many held a value.
func Forget(s Snapshot, names ...string) int {
	dropped := 0
	for _, ref := range s.Slots() {
		for _, name := range names {
			if ref.Name() == name && ref.Held() {
				ref.Drop()
				dropped++
			}
		}
	}
	return dropped
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package container

import (
	"fmt"
	"slices"
	"strings"

	"github.com/AleutianAI/flowml/services/flow/dataset"
)

// Entry records one transformation of a payload.
type Entry struct {
	// Producer is the name of the stage that produced the output.
	Producer string `json:"producer"`

	// InputKind is the kind of payload the stage consumed.
	InputKind string `json:"input_kind"`

	// OutputKind is the kind of payload the stage produced.
	OutputKind string `json:"output_kind"`
}

// String renders the entry as "producer: in -> out".
func (e Entry) String() string {
	return fmt.Sprintf("%s: %s -> %s", e.Producer, e.InputKind, e.OutputKind)
}

// Trail is an ordered, append-only lineage of a payload.
//
// A Trail is a value: Append and Merge return new trails and never write
// into the receiver's storage, so two branches forked from the same trail
// cannot see each other's entries.
type Trail struct {
	entries []Entry
}

// NewTrail creates a trail holding copies of entries.
func NewTrail(entries ...Entry) Trail {
	return Trail{entries: slices.Clone(entries)}
}

// Len returns the number of entries.
func (t Trail) Len() int {
	return len(t.entries)
}

// Entries returns a copy of the entries.
func (t Trail) Entries() []Entry {
	return slices.Clone(t.entries)
}

// Last returns the most recent entry.
func (t Trail) Last() (Entry, bool) {
	if len(t.entries) == 0 {
		return Entry{}, false
	}
	return t.entries[len(t.entries)-1], true
}

// Clone returns a trail with its own storage.
func (t Trail) Clone() Trail {
	return Trail{entries: slices.Clone(t.entries)}
}

// Append returns a new trail with e added at the end.
func (t Trail) Append(e Entry) Trail {
	out := make([]Entry, len(t.entries), len(t.entries)+1)
	copy(out, t.entries)
	return Trail{entries: append(out, e)}
}

// String renders the trail one entry per line.
func (t Trail) String() string {
	lines := make([]string, len(t.entries))
	for i, e := range t.entries {
		lines[i] = e.String()
	}
	return strings.Join(lines, "\n")
}

// Merge combines the trails of two inputs and records the merging stage.
// The result has len(a)+len(b)+1 entries: a's, then b's, then the merge.
func Merge(producer, outputKind string, a, b Trail) Trail {
	return MergeAll(producer, outputKind, a, b)
}

// MergeAll combines any number of trails in argument order and appends a
// single entry for the merging stage.
func MergeAll(producer, outputKind string, trails ...Trail) Trail {
	n := 1
	for _, t := range trails {
		n += t.Len()
	}
	out := make([]Entry, 0, n)
	inKind := "none"
	for i, t := range trails {
		out = append(out, t.entries...)
		if last, ok := t.Last(); ok && i == 0 {
			inKind = last.OutputKind
		}
	}
	return Trail{entries: append(out, Entry{Producer: producer, InputKind: inKind, OutputKind: outputKind})}
}

// Kinded is implemented by payloads that name their own kind.
type Kinded interface {
	Kind() Kind
}

// KindOf names the kind of a payload for lineage entries.
func KindOf(payload any) string {
	switch p := payload.(type) {
	case nil:
		return "none"
	case Kinded:
		return string(p.Kind())
	case *dataset.Dataset:
		return "dataset"
	case dataset.Record:
		return "record"
	default:
		return fmt.Sprintf("%T", payload)
	}
}

// Tracker stamps lineage entries onto trails when enabled.
//
// The zero Tracker is disabled and produces empty trails.
type Tracker struct {
	Enabled bool
}

// Stamp returns a copy of in with an entry for producer appended.
func (tr Tracker) Stamp(in Trail, producer string, input, output any) Trail {
	if !tr.Enabled {
		return Trail{}
	}
	return in.Append(Entry{
		Producer:   producer,
		InputKind:  KindOf(input),
		OutputKind: KindOf(output),
	})
}

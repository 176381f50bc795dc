// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package trainer

import (
	"github.com/AleutianAI/flowml/services/flow/dataset"
	"github.com/AleutianAI/flowml/services/flow/model"
	"github.com/AleutianAI/flowml/services/flow/snapshot"
)

const (
	slotModel   = "model"
	slotPhase   = "phase"
	slotHeader  = "header"
	slotUpdates = "updates"
)

// Snapshot is the trainer state that survives reconfiguration.
type Snapshot struct {
	model   snapshot.Slot[*model.Handle]
	phase   snapshot.Slot[Phase]
	header  snapshot.Slot[*dataset.Dataset]
	updates snapshot.Slot[int]
}

// Slots implements snapshot.Snapshot.
func (s *Snapshot) Slots() []snapshot.Ref {
	return []snapshot.Ref{&s.model, &s.phase, &s.header, &s.updates}
}

// Backup implements snapshot.Actor. The incremental model moves into the
// snapshot.
func (s *Stage) Backup() *Snapshot {
	snap := &Snapshot{
		snapshot.HoldIf(slotModel, s.model, s.model != nil),
		snapshot.Hold(slotPhase, s.phase),
		snapshot.HoldIf(slotHeader, s.header, s.header != nil),
		snapshot.Hold(slotUpdates, s.updates),
	}
	s.model = nil
	return snap
}

// Restore implements snapshot.Actor.
func (s *Stage) Restore(snap *Snapshot) {
	s.model = snap.model.TakeOr(nil)
	s.phase = snap.phase.TakeOr(PhaseUninitialized)
	s.header = snap.header.TakeOr(nil)
	s.updates = snap.updates.TakeOr(0)

	// An incremental phase without its model cannot continue.
	if s.phase == PhaseIncrementalTrained && s.model == nil {
		s.phase = PhaseUninitialized
		s.updates = 0
	}
}

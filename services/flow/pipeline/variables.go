// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"maps"
	"regexp"
	"slices"
	"sync"
)

// variableRef matches @{name} references in option values.
var variableRef = regexp.MustCompile(`@\{([A-Za-z_][A-Za-z0-9_.-]*)\}`)

// Variables holds named string values that stage options may be bound to.
//
// Thread Safety: Safe for concurrent use.
type Variables struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewVariables returns a set initialized from values.
func NewVariables(values map[string]string) *Variables {
	v := &Variables{values: maps.Clone(values)}
	if v.values == nil {
		v.values = make(map[string]string)
	}
	return v
}

// Get returns the value of a variable.
func (v *Variables) Get(name string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.values[name]
	return val, ok
}

// Set assigns a variable and reports whether the value changed.
func (v *Variables) Set(name, value string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	old, ok := v.values[name]
	v.values[name] = value
	return !ok || old != value
}

// Names returns the variable names sorted.
func (v *Variables) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return slices.Sorted(maps.Keys(v.values))
}

// Expand replaces @{name} references in s. Unknown references are kept.
func (v *Variables) Expand(s string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return variableRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := variableRef.FindStringSubmatch(ref)[1]
		if val, ok := v.values[name]; ok {
			return val
		}
		return ref
	})
}

// References returns the variable names referenced by s.
func References(s string) []string {
	var names []string
	for _, m := range variableRef.FindAllStringSubmatch(s, -1) {
		if !slices.Contains(names, m[1]) {
			names = append(names, m[1])
		}
	}
	return names
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dataset

import (
	"fmt"
	"slices"

	"github.com/AleutianAI/flowml/services/flow/flowerr"
)

// FieldType is the type of a schema field.
type FieldType int

const (
	// TypeNumeric holds real values.
	TypeNumeric FieldType = iota

	// TypeCategorical holds an index into the field's label set.
	TypeCategorical

	// TypeText holds free text.
	TypeText

	// TypeTimestamp holds a point in time, stored as unix milliseconds.
	TypeTimestamp
)

// String returns the string representation of the field type.
func (t FieldType) String() string {
	switch t {
	case TypeNumeric:
		return "numeric"
	case TypeCategorical:
		return "categorical"
	case TypeText:
		return "text"
	case TypeTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// ParseFieldType converts a name produced by FieldType.String back.
func ParseFieldType(s string) (FieldType, error) {
	switch s {
	case "numeric":
		return TypeNumeric, nil
	case "categorical", "nominal":
		return TypeCategorical, nil
	case "text", "string":
		return TypeText, nil
	case "timestamp", "date":
		return TypeTimestamp, nil
	default:
		return 0, fmt.Errorf("%w: unknown field type %q", flowerr.ErrInvalidConfiguration, s)
	}
}

// Field describes one column of a Schema.
type Field struct {
	// Name is unique within the schema.
	Name string

	// Type is the kind of values the field holds.
	Type FieldType

	// Labels is the closed label set of a categorical field.
	Labels []string
}

// LabelIndex returns the index of label, or -1.
func (f Field) LabelIndex(label string) int {
	return slices.Index(f.Labels, label)
}

// Schema is an ordered, immutable list of typed fields with an optional
// target field.
//
// Thread Safety: Safe for concurrent use; never mutated after NewSchema.
type Schema struct {
	name   string
	fields []Field
	target int
	index  map[string]int
}

// NoTarget marks a schema without a target field.
const NoTarget = -1

// NewSchema creates a validated Schema.
//
// Description:
//
//	Field names must be unique and non-empty, categorical fields need at
//	least one label, and target must be NoTarget or a valid field index.
//	The fields are copied; later changes to the argument have no effect.
//
// Inputs:
//
//	name - Relation name, used in logs.
//	fields - Ordered fields.
//	target - Index of the target field or NoTarget.
//
// Outputs:
//
//	*Schema - The schema.
//	error - ErrInvalidConfiguration if validation fails.
func NewSchema(name string, fields []Field, target int) (*Schema, error) {
	if target < NoTarget || target >= len(fields) {
		return nil, fmt.Errorf("%w: target index %d out of range [0,%d)",
			flowerr.ErrInvalidConfiguration, target, len(fields))
	}

	s := &Schema{
		name:   name,
		fields: make([]Field, len(fields)),
		target: target,
		index:  make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("%w: field %d has no name", flowerr.ErrInvalidConfiguration, i)
		}
		if _, dup := s.index[f.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate field %q", flowerr.ErrInvalidConfiguration, f.Name)
		}
		if f.Type == TypeCategorical && len(f.Labels) == 0 {
			return nil, fmt.Errorf("%w: categorical field %q has no labels", flowerr.ErrInvalidConfiguration, f.Name)
		}
		f.Labels = slices.Clone(f.Labels)
		s.fields[i] = f
		s.index[f.Name] = i
	}
	return s, nil
}

// Name returns the relation name.
func (s *Schema) Name() string {
	return s.name
}

// NumFields returns the number of fields.
func (s *Schema) NumFields() int {
	return len(s.fields)
}

// Field returns a copy of field i.
func (s *Schema) Field(i int) Field {
	f := s.fields[i]
	f.Labels = slices.Clone(f.Labels)
	return f
}

// Fields returns a copy of all fields.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	for i := range s.fields {
		out[i] = s.Field(i)
	}
	return out
}

// Index returns the position of the named field.
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Target returns the target index and whether one is set.
func (s *Schema) Target() (int, bool) {
	return s.target, s.target != NoTarget
}

// TargetField returns the target field and whether one is set.
func (s *Schema) TargetField() (Field, bool) {
	if s.target == NoTarget {
		return Field{}, false
	}
	return s.Field(s.target), true
}

// CategoricalTarget reports whether the target is a categorical field.
func (s *Schema) CategoricalTarget() bool {
	return s.target != NoTarget && s.fields[s.target].Type == TypeCategorical
}

// NumClasses returns the number of target labels, or 1 for a numeric target.
func (s *Schema) NumClasses() int {
	if s.CategoricalTarget() {
		return len(s.fields[s.target].Labels)
	}
	return 1
}

// WithTarget returns a copy of the schema with a different target.
func (s *Schema) WithTarget(target int) (*Schema, error) {
	return NewSchema(s.name, s.fields, target)
}

// Equal reports whether two schemas have the same fields and target.
func (s *Schema) Equal(o *Schema) bool {
	if s == o {
		return true
	}
	if s == nil || o == nil || s.target != o.target || len(s.fields) != len(o.fields) {
		return false
	}
	for i := range s.fields {
		a, b := s.fields[i], o.fields[i]
		if a.Name != b.Name || a.Type != b.Type || !slices.Equal(a.Labels, b.Labels) {
			return false
		}
	}
	return true
}

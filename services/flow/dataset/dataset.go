// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dataset provides the tabular data model consumed by flow stages.
//
// A Schema describes typed fields and an optional target. Records are
// fixed-size value vectors bound to a Schema, each with a weight. A Dataset
// is an ordered collection of Records sharing one Schema.
//
// Datasets behave like values: Subset, Copy, Header and Append return new
// Datasets and never share record storage with the receiver, so a stage can
// hand a Dataset downstream without defensive copying by the consumer.
package dataset

import (
	"fmt"
	"iter"
	"math"
	"slices"

	"github.com/AleutianAI/flowml/services/flow/flowerr"
)

// DefaultWeight is the weight of a record created without an explicit one.
const DefaultWeight = 1.0

// Record is a fixed-size vector of values bound to a schema.
type Record struct {
	schema *Schema
	values []Value
	weight float64
}

// NewRecord creates a Record after checking it against the schema.
//
// Inputs:
//
//	schema - The record's schema. Must not be nil.
//	values - One value per field; copied.
//	weight - Record weight. Zero is kept; a zero-weight record contributes
//	         nothing to estimators or statistics.
//
// Outputs:
//
//	Record - The record.
//	error - ErrInvalidConfiguration on a size or type mismatch, or a
//	        negative or non-finite weight.
func NewRecord(schema *Schema, values []Value, weight float64) (Record, error) {
	if schema == nil {
		return Record{}, fmt.Errorf("%w: record schema is nil", flowerr.ErrInvalidConfiguration)
	}
	if len(values) != schema.NumFields() {
		return Record{}, fmt.Errorf("%w: record has %d values, schema %q has %d fields",
			flowerr.ErrInvalidConfiguration, len(values), schema.Name(), schema.NumFields())
	}
	for i, v := range values {
		if !v.matches(schema.fields[i]) {
			return Record{}, fmt.Errorf("%w: value %d does not fit %s field %q",
				flowerr.ErrInvalidConfiguration, i, schema.fields[i].Type, schema.fields[i].Name)
		}
	}
	if weight < 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
		return Record{}, fmt.Errorf("%w: record weight %g is not a finite non-negative number",
			flowerr.ErrInvalidConfiguration, weight)
	}
	return Record{schema: schema, values: slices.Clone(values), weight: weight}, nil
}

// NewDefaultRecord is NewRecord with DefaultWeight.
func NewDefaultRecord(schema *Schema, values ...Value) (Record, error) {
	return NewRecord(schema, values, DefaultWeight)
}

// MustRecord is NewRecord that panics on error. Intended for tests and
// literals known to be valid.
func MustRecord(schema *Schema, weight float64, values ...Value) Record {
	r, err := NewRecord(schema, values, weight)
	if err != nil {
		panic(err)
	}
	return r
}

// Schema returns the record's schema.
func (r Record) Schema() *Schema {
	return r.schema
}

// Len returns the number of values.
func (r Record) Len() int {
	return len(r.values)
}

// Value returns value i.
func (r Record) Value(i int) Value {
	return r.values[i]
}

// Values returns a copy of the values.
func (r Record) Values() []Value {
	return slices.Clone(r.values)
}

// Weight returns the record weight.
func (r Record) Weight() float64 {
	return r.weight
}

// Target returns the target value, if the schema has a target.
func (r Record) Target() (Value, bool) {
	if r.schema == nil || r.schema.target == NoTarget {
		return Missing(), false
	}
	return r.values[r.schema.target], true
}

// Copy returns a record with its own value storage.
func (r Record) Copy() Record {
	r.values = slices.Clone(r.values)
	return r
}

// IsZero reports whether r is the zero Record.
func (r Record) IsZero() bool {
	return r.schema == nil
}

// Dataset is an ordered collection of records sharing one schema.
//
// Thread Safety: Safe for concurrent reads. Datasets are never mutated after
// construction.
type Dataset struct {
	schema  *Schema
	records []Record
}

// New creates a Dataset from records that all carry an equal schema.
func New(schema *Schema, records ...Record) (*Dataset, error) {
	if schema == nil {
		return nil, fmt.Errorf("%w: dataset schema is nil", flowerr.ErrInvalidConfiguration)
	}
	d := &Dataset{schema: schema, records: make([]Record, 0, len(records))}
	for i, r := range records {
		if !schema.Equal(r.schema) {
			return nil, fmt.Errorf("%w: record %d has a different schema", flowerr.ErrInvalidConfiguration, i)
		}
		r = r.Copy()
		r.schema = schema
		d.records = append(d.records, r)
	}
	return d, nil
}

// Empty returns a dataset with no records.
func Empty(schema *Schema) *Dataset {
	return &Dataset{schema: schema}
}

// FromRecord builds a dataset of size one from a record and its schema.
func FromRecord(r Record) *Dataset {
	return &Dataset{schema: r.schema, records: []Record{r.Copy()}}
}

// Schema returns the dataset schema.
func (d *Dataset) Schema() *Schema {
	return d.schema
}

// Len returns the number of records.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.records)
}

// Record returns record i.
func (d *Dataset) Record(i int) Record {
	return d.records[i]
}

// All iterates over the records with their positions.
func (d *Dataset) All() iter.Seq2[int, Record] {
	return func(yield func(int, Record) bool) {
		for i, r := range d.records {
			if !yield(i, r) {
				return
			}
		}
	}
}

// Subset returns a new dataset holding copies of the records at indices, in
// the given order.
func (d *Dataset) Subset(indices []int) (*Dataset, error) {
	out := &Dataset{schema: d.schema, records: make([]Record, 0, len(indices))}
	for _, i := range indices {
		if i < 0 || i >= len(d.records) {
			return nil, fmt.Errorf("%w: record index %d out of range [0,%d)",
				flowerr.ErrInvalidConfiguration, i, len(d.records))
		}
		out.records = append(out.records, d.records[i].Copy())
	}
	return out, nil
}

// Copy returns a deep copy of the dataset.
func (d *Dataset) Copy() *Dataset {
	out := &Dataset{schema: d.schema, records: make([]Record, len(d.records))}
	for i, r := range d.records {
		out.records[i] = r.Copy()
	}
	return out
}

// Header returns an empty dataset with the same schema.
func (d *Dataset) Header() *Dataset {
	return Empty(d.schema)
}

// Append returns a new dataset with records added at the end.
func (d *Dataset) Append(records ...Record) (*Dataset, error) {
	out := d.Copy()
	for i, r := range records {
		if !d.schema.Equal(r.schema) {
			return nil, fmt.Errorf("%w: appended record %d has a different schema",
				flowerr.ErrInvalidConfiguration, i)
		}
		r = r.Copy()
		r.schema = d.schema
		out.records = append(out.records, r)
	}
	return out, nil
}

// TotalWeight returns the sum of record weights.
func (d *Dataset) TotalWeight() float64 {
	var sum float64
	for _, r := range d.records {
		sum += r.weight
	}
	return sum
}

// Shape describes the dataset for logs and errors, e.g. "iris(150x5)".
func (d *Dataset) Shape() string {
	if d == nil {
		return "dataset(nil)"
	}
	return fmt.Sprintf("%s(%dx%d)", d.schema.Name(), len(d.records), d.schema.NumFields())
}

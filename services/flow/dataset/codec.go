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
	"encoding/json"
	"fmt"
	"time"

	"github.com/AleutianAI/flowml/services/flow/flowerr"
)

// wireDataset is the JSON form of a Dataset.
//
// Categorical values are written as labels, timestamps as RFC 3339 and
// missing values as null.
type wireDataset struct {
	Schema  wireSchema   `json:"schema"`
	Records []wireRecord `json:"records"`
}

type wireSchema struct {
	Name   string      `json:"name"`
	Fields []wireField `json:"fields"`
	Target *int        `json:"target,omitempty"`
}

type wireField struct {
	Name   string   `json:"name"`
	Type   string   `json:"type"`
	Labels []string `json:"labels,omitempty"`
}

type wireRecord struct {
	Values []any     `json:"values"`
	Weight *float64 `json:"weight,omitempty"`
}

// MarshalJSON encodes the dataset with its schema.
func (d *Dataset) MarshalJSON() ([]byte, error) {
	w := wireDataset{
		Schema: wireSchema{
			Name:   d.schema.Name(),
			Fields: make([]wireField, d.schema.NumFields()),
		},
		Records: make([]wireRecord, len(d.records)),
	}
	if t, ok := d.schema.Target(); ok {
		w.Schema.Target = &t
	}
	for i, f := range d.schema.fields {
		w.Schema.Fields[i] = wireField{Name: f.Name, Type: f.Type.String(), Labels: f.Labels}
	}
	for i, r := range d.records {
		wr := wireRecord{Values: make([]any, len(r.values))}
		if r.weight != DefaultWeight {
			w := r.weight
			wr.Weight = &w
		}
		for j, v := range r.values {
			wr.Values[j] = encodeValue(v, d.schema.fields[j])
		}
		w.Records[i] = wr
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a dataset written by MarshalJSON.
func (d *Dataset) UnmarshalJSON(data []byte) error {
	var w wireDataset
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode dataset: %w", err)
	}

	fields := make([]Field, len(w.Schema.Fields))
	for i, wf := range w.Schema.Fields {
		ft, err := ParseFieldType(wf.Type)
		if err != nil {
			return err
		}
		fields[i] = Field{Name: wf.Name, Type: ft, Labels: wf.Labels}
	}
	target := NoTarget
	if w.Schema.Target != nil {
		target = *w.Schema.Target
	}
	schema, err := NewSchema(w.Schema.Name, fields, target)
	if err != nil {
		return err
	}

	records := make([]Record, len(w.Records))
	for i, wr := range w.Records {
		if len(wr.Values) != len(fields) {
			return fmt.Errorf("%w: record %d has %d values, want %d",
				flowerr.ErrInvalidConfiguration, i, len(wr.Values), len(fields))
		}
		values := make([]Value, len(fields))
		for j, raw := range wr.Values {
			v, err := decodeValue(raw, fields[j])
			if err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
			values[j] = v
		}
		weight := DefaultWeight
		if wr.Weight != nil {
			weight = *wr.Weight
		}
		records[i], err = NewRecord(schema, values, weight)
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}

	*d = Dataset{schema: schema, records: records}
	return nil
}

func encodeValue(v Value, f Field) any {
	if v.IsMissing() {
		return nil
	}
	switch v.kind {
	case TypeCategorical:
		return f.Labels[v.Index()]
	case TypeText:
		return v.text
	case TypeTimestamp:
		return v.Time().Format(time.RFC3339Nano)
	default:
		return v.num
	}
}

func decodeValue(raw any, f Field) (Value, error) {
	if raw == nil {
		return Missing(), nil
	}
	switch f.Type {
	case TypeNumeric:
		n, ok := raw.(float64)
		if !ok {
			return Value{}, fmt.Errorf("%w: field %q wants a number, got %T", flowerr.ErrInvalidConfiguration, f.Name, raw)
		}
		return Num(n), nil
	case TypeCategorical:
		switch x := raw.(type) {
		case string:
			i := f.LabelIndex(x)
			if i < 0 {
				return Value{}, fmt.Errorf("%w: field %q has no label %q", flowerr.ErrInvalidConfiguration, f.Name, x)
			}
			return Cat(i), nil
		case float64:
			return Cat(int(x)), nil
		}
	case TypeText:
		if s, ok := raw.(string); ok {
			return Str(s), nil
		}
	case TypeTimestamp:
		s, ok := raw.(string)
		if !ok {
			break
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return Value{}, fmt.Errorf("%w: field %q: %v", flowerr.ErrInvalidConfiguration, f.Name, err)
		}
		return Time(t), nil
	}
	return Value{}, fmt.Errorf("%w: field %q cannot hold %T", flowerr.ErrInvalidConfiguration, f.Name, raw)
}

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
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/flowml/services/flow/flowerr"
)

func testSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewSchema("test", []Field{
		{Name: "x", Type: TypeNumeric},
		{Name: "note", Type: TypeText},
		{Name: "at", Type: TypeTimestamp},
		{Name: "class", Type: TypeCategorical, Labels: []string{"a", "b"}},
	}, 3)
	require.NoError(t, err)
	return s
}

func TestNewSchema_Validation(t *testing.T) {
	tests := []struct {
		name   string
		fields []Field
		target int
	}{
		{"target out of range", []Field{{Name: "x"}}, 1},
		{"target below none", []Field{{Name: "x"}}, -2},
		{"empty name", []Field{{Name: ""}}, NoTarget},
		{"duplicate", []Field{{Name: "x"}, {Name: "x"}}, NoTarget},
		{"categorical without labels", []Field{{Name: "c", Type: TypeCategorical}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSchema("s", tt.fields, tt.target)
			assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration)
		})
	}
}

func TestSchema_FieldsAreCopied(t *testing.T) {
	labels := []string{"a", "b"}
	s, err := NewSchema("s", []Field{{Name: "c", Type: TypeCategorical, Labels: labels}}, 0)
	require.NoError(t, err)

	labels[0] = "changed"
	assert.Equal(t, "a", s.Field(0).Labels[0])

	f := s.Field(0)
	f.Labels[1] = "changed"
	assert.Equal(t, "b", s.Field(0).Labels[1])
	assert.True(t, s.CategoricalTarget())
	assert.Equal(t, 2, s.NumClasses())
}

func TestNewRecord(t *testing.T) {
	s := testSchema(t)

	r, err := NewDefaultRecord(s, Num(1.5), Str("hi"), Time(time.Unix(10, 0)), Cat(1))
	require.NoError(t, err)
	assert.Equal(t, DefaultWeight, r.Weight())
	target, ok := r.Target()
	require.True(t, ok)
	assert.Equal(t, 1, target.Index())

	_, err = NewRecord(s, []Value{Num(1)}, 1)
	assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration, "wrong size")

	_, err = NewRecord(s, []Value{Str("x"), Str("hi"), Missing(), Cat(0)}, 1)
	assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration, "wrong kind")

	_, err = NewRecord(s, []Value{Num(1), Str("hi"), Missing(), Cat(2)}, 1)
	assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration, "label out of range")

	_, err = NewRecord(s, []Value{Missing(), Missing(), Missing(), Missing()}, 1)
	assert.NoError(t, err, "missing matches any field")
}

func TestNewRecord_Weight(t *testing.T) {
	s := testSchema(t)
	values := []Value{Num(1), Str("a"), Missing(), Cat(0)}

	tests := []struct {
		name    string
		weight  float64
		want    float64
		wantErr bool
	}{
		{"zero is kept", 0, 0, false},
		{"fractional", 0.25, 0.25, false},
		{"negative", -1, 0, true},
		{"nan", math.NaN(), 0, true},
		{"infinite", math.Inf(1), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRecord(s, values, tt.weight)
			if tt.wantErr {
				assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.Weight())
		})
	}
}

func TestValue_NaNIsMissing(t *testing.T) {
	v := Num(math.NaN())
	assert.True(t, v.IsMissing())
	assert.True(t, math.IsNaN(v.Float()))
	assert.Equal(t, -1, v.Index())
}

func TestDataset_SubsetDoesNotAlias(t *testing.T) {
	s := testSchema(t)
	records := []Record{
		MustRecord(s, 1, Num(1), Str("a"), Missing(), Cat(0)),
		MustRecord(s, 2, Num(2), Str("b"), Missing(), Cat(1)),
		MustRecord(s, 3, Num(3), Str("c"), Missing(), Cat(0)),
	}
	d, err := New(s, records...)
	require.NoError(t, err)

	sub, err := d.Subset([]int{2, 0})
	require.NoError(t, err)
	require.Equal(t, 2, sub.Len())
	assert.Equal(t, 3.0, sub.Record(0).Value(0).Float())
	assert.Equal(t, 1.0, sub.Record(1).Value(0).Float())

	sub.records[0].values[0] = Num(99)
	assert.Equal(t, 3.0, d.Record(2).Value(0).Float())

	_, err = d.Subset([]int{3})
	assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration)

	assert.Equal(t, 6.0, d.TotalWeight())
	assert.Equal(t, 0, d.Header().Len())
	assert.Equal(t, "test(3x4)", d.Shape())
}

func TestDataset_Append(t *testing.T) {
	s := testSchema(t)
	d := Empty(s)
	r := MustRecord(s, 1, Num(1), Str("a"), Missing(), Cat(0))

	next, err := d.Append(r)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Len())
	assert.Equal(t, 1, next.Len())

	other, err := NewSchema("other", []Field{{Name: "x"}}, NoTarget)
	require.NoError(t, err)
	_, err = next.Append(MustRecord(other, 1, Num(1)))
	assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration)
}

func TestDataset_JSONRoundTrip(t *testing.T) {
	s := testSchema(t)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	d, err := New(s,
		MustRecord(s, 1, Num(1.25), Str("first"), Time(at), Cat(1)),
		MustRecord(s, 2.5, Missing(), Str(""), Missing(), Missing()),
		MustRecord(s, 0, Num(3), Str("dropped"), Missing(), Cat(0)),
	)
	require.NoError(t, err)

	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"b"`)

	var back Dataset
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, 3, back.Len())
	assert.True(t, back.Schema().Equal(s))
	assert.Equal(t, 1.25, back.Record(0).Value(0).Float())
	assert.True(t, back.Record(0).Value(2).Time().Equal(at))
	assert.Equal(t, 1, back.Record(0).Value(3).Index())
	assert.True(t, back.Record(1).Value(0).IsMissing())
	assert.Equal(t, 2.5, back.Record(1).Weight())
	assert.Equal(t, DefaultWeight, back.Record(0).Weight())
	assert.Zero(t, back.Record(2).Weight(), "zero weight must survive the round trip")
}

func TestDataset_UnmarshalRejectsUnknownLabel(t *testing.T) {
	data := `{"schema":{"name":"s","fields":[{"name":"c","type":"categorical","labels":["a"]}],"target":0},
	"records":[{"values":["z"]}]}`
	var d Dataset
	err := json.Unmarshal([]byte(data), &d)
	assert.ErrorIs(t, err, flowerr.ErrInvalidConfiguration)
}

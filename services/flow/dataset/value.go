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
	"math"
	"strconv"
	"time"
)

// Value is one typed cell of a Record. The zero Value is a missing value.
type Value struct {
	kind    FieldType
	num     float64
	text    string
	present bool
}

// Num returns a numeric value. NaN is stored as missing.
func Num(v float64) Value {
	if math.IsNaN(v) {
		return Missing()
	}
	return Value{kind: TypeNumeric, num: v, present: true}
}

// Cat returns a categorical value holding a label index.
func Cat(index int) Value {
	return Value{kind: TypeCategorical, num: float64(index), present: true}
}

// Str returns a text value.
func Str(s string) Value {
	return Value{kind: TypeText, text: s, present: true}
}

// Time returns a timestamp value with millisecond precision.
func Time(t time.Time) Value {
	return Value{kind: TypeTimestamp, num: float64(t.UnixMilli()), present: true}
}

// Missing returns a missing value. It matches any field type.
func Missing() Value {
	return Value{}
}

// IsMissing reports whether the value is missing.
func (v Value) IsMissing() bool {
	return !v.present
}

// Kind returns the value's type. Meaningless for missing values.
func (v Value) Kind() FieldType {
	return v.kind
}

// Float returns the numeric form of the value: the number, the label index,
// or unix milliseconds. Missing and text values return NaN.
func (v Value) Float() float64 {
	if !v.present || v.kind == TypeText {
		return math.NaN()
	}
	return v.num
}

// Index returns the label index of a categorical value, or -1.
func (v Value) Index() int {
	if !v.present || v.kind != TypeCategorical {
		return -1
	}
	return int(v.num)
}

// Text returns the text of a text value.
func (v Value) Text() string {
	return v.text
}

// Time returns the timestamp of a timestamp value.
func (v Value) Time() time.Time {
	return time.UnixMilli(int64(v.num)).UTC()
}

// Format renders the value against its field.
func (v Value) Format(f Field) string {
	if !v.present {
		return "?"
	}
	switch v.kind {
	case TypeCategorical:
		if i := v.Index(); i >= 0 && i < len(f.Labels) {
			return f.Labels[i]
		}
		return strconv.Itoa(v.Index())
	case TypeText:
		return v.text
	case TypeTimestamp:
		return v.Time().Format(time.RFC3339)
	default:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	}
}

// matches reports whether v may be stored in field f.
func (v Value) matches(f Field) bool {
	if !v.present {
		return true
	}
	if v.kind != f.Type {
		return false
	}
	if v.kind == TypeCategorical {
		i := v.Index()
		return i >= 0 && i < len(f.Labels)
	}
	return true
}

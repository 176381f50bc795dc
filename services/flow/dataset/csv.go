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
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/AleutianAI/flowml/services/flow/flowerr"
)

// CSVOptions controls ReadCSV.
type CSVOptions struct {
	// Name is the relation name of the resulting schema.
	Name string

	// Target names the target column. Empty selects the last column.
	Target string

	// NoTarget leaves the schema without a target; Target is ignored.
	NoTarget bool

	// Missing lists cell values read as missing. Default: "" and "?".
	Missing []string
}

// ReadCSV reads a dataset from CSV with a header row.
//
// Description:
//
//	Column types are inferred: a column whose present cells all parse as
//	numbers is numeric, any other column is categorical with its labels
//	in order of first appearance.
//
// Outputs:
//
//	*Dataset - The dataset.
//	error - ErrInvalidConfiguration for malformed input or an unknown target.
func ReadCSV(r io.Reader, opts CSVOptions) (*Dataset, error) {
	missing := opts.Missing
	if missing == nil {
		missing = []string{"", "?"}
	}

	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: read csv: %w", flowerr.ErrInvalidConfiguration, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: csv has no header", flowerr.ErrInvalidConfiguration)
	}
	header, body := rows[0], rows[1:]

	fields := make([]Field, len(header))
	for j, name := range header {
		fields[j] = inferField(strings.TrimSpace(name), body, j, missing)
	}

	target := NoTarget
	if !opts.NoTarget && len(fields) > 0 {
		target = len(fields) - 1
		if opts.Target != "" {
			target = slices.IndexFunc(fields, func(f Field) bool { return f.Name == opts.Target })
			if target < 0 {
				return nil, fmt.Errorf("%w: csv has no column %q", flowerr.ErrInvalidConfiguration, opts.Target)
			}
		}
	}
	schema, err := NewSchema(opts.Name, fields, target)
	if err != nil {
		return nil, err
	}

	records := make([]Record, len(body))
	for i, row := range body {
		values := make([]Value, len(fields))
		for j, cell := range row {
			values[j] = parseCell(cell, fields[j], missing)
		}
		records[i], err = NewDefaultRecord(schema, values...)
		if err != nil {
			return nil, fmt.Errorf("csv row %d: %w", i+2, err)
		}
	}
	return New(schema, records...)
}

func inferField(name string, rows [][]string, col int, missing []string) Field {
	numeric := true
	var labels []string
	for _, row := range rows {
		cell := strings.TrimSpace(row[col])
		if slices.Contains(missing, cell) {
			continue
		}
		if _, err := strconv.ParseFloat(cell, 64); err != nil {
			numeric = false
		}
		if !slices.Contains(labels, cell) {
			labels = append(labels, cell)
		}
	}
	if numeric && len(labels) > 0 {
		return Field{Name: name, Type: TypeNumeric}
	}
	if len(labels) == 0 {
		// An all-missing column still needs a label to be categorical.
		labels = []string{"?"}
	}
	return Field{Name: name, Type: TypeCategorical, Labels: labels}
}

func parseCell(cell string, f Field, missing []string) Value {
	cell = strings.TrimSpace(cell)
	if slices.Contains(missing, cell) {
		return Missing()
	}
	if f.Type == TypeNumeric {
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return Missing()
		}
		return Num(v)
	}
	if idx := f.LabelIndex(cell); idx >= 0 {
		return Cat(idx)
	}
	return Missing()
}

// WriteCSV writes d with a header row. Missing values are written as "?".
func WriteCSV(w io.Writer, d *Dataset) error {
	if d == nil {
		return fmt.Errorf("%w: no dataset to write", flowerr.ErrMissingData)
	}
	cw := csv.NewWriter(w)
	s := d.Schema()
	header := make([]string, s.NumFields())
	for i, f := range s.Fields() {
		header[i] = f.Name
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	row := make([]string, s.NumFields())
	for _, r := range d.All() {
		for j := range row {
			v := r.Value(j)
			if v.IsMissing() {
				row[j] = "?"
				continue
			}
			row[j] = v.Format(s.Field(j))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

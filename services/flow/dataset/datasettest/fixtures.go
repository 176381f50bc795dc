// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datasettest provides small fixed datasets for tests.
package datasettest

import (
	"github.com/AleutianAI/flowml/services/flow/dataset"
)

// WeatherSchema returns the schema of the classic play-tennis data:
// outlook, temperature, humidity, windy -> play.
func WeatherSchema() *dataset.Schema {
	s, err := dataset.NewSchema("weather", []dataset.Field{
		{Name: "outlook", Type: dataset.TypeCategorical, Labels: []string{"sunny", "overcast", "rainy"}},
		{Name: "temperature", Type: dataset.TypeNumeric},
		{Name: "humidity", Type: dataset.TypeNumeric},
		{Name: "windy", Type: dataset.TypeCategorical, Labels: []string{"false", "true"}},
		{Name: "play", Type: dataset.TypeCategorical, Labels: []string{"yes", "no"}},
	}, 4)
	if err != nil {
		panic(err)
	}
	return s
}

// Weather returns the 14-record play-tennis dataset.
func Weather() *dataset.Dataset {
	s := WeatherSchema()
	rows := [][5]float64{
		{0, 85, 85, 0, 1},
		{0, 80, 90, 1, 1},
		{1, 83, 86, 0, 0},
		{2, 70, 96, 0, 0},
		{2, 68, 80, 0, 0},
		{2, 65, 70, 1, 1},
		{1, 64, 65, 1, 0},
		{0, 72, 95, 0, 1},
		{0, 69, 70, 0, 0},
		{2, 75, 80, 0, 0},
		{0, 75, 70, 1, 0},
		{1, 72, 90, 1, 0},
		{1, 81, 75, 0, 0},
		{2, 71, 91, 1, 1},
	}
	records := make([]dataset.Record, len(rows))
	for i, r := range rows {
		records[i] = dataset.MustRecord(s, 1,
			dataset.Cat(int(r[0])), dataset.Num(r[1]), dataset.Num(r[2]),
			dataset.Cat(int(r[3])), dataset.Cat(int(r[4])))
	}
	d, err := dataset.New(s, records...)
	if err != nil {
		panic(err)
	}
	return d
}

// LinearSchema returns a schema with two numeric inputs and a numeric target.
func LinearSchema() *dataset.Schema {
	s, err := dataset.NewSchema("linear", []dataset.Field{
		{Name: "x1", Type: dataset.TypeNumeric},
		{Name: "x2", Type: dataset.TypeNumeric},
		{Name: "y", Type: dataset.TypeNumeric},
	}, 2)
	if err != nil {
		panic(err)
	}
	return s
}

// Linear returns n records following y = 3 + 2*x1 - x2 exactly.
func Linear(n int) *dataset.Dataset {
	s := LinearSchema()
	records := make([]dataset.Record, n)
	for i := range n {
		x1 := float64(i)
		x2 := float64((i * 7) % 5)
		records[i] = dataset.MustRecord(s, 1, dataset.Num(x1), dataset.Num(x2), dataset.Num(3+2*x1-x2))
	}
	d, err := dataset.New(s, records...)
	if err != nil {
		panic(err)
	}
	return d
}

// Classes returns n records with one numeric input and a categorical target
// cycling through k labels.
func Classes(n, k int) *dataset.Dataset {
	labels := make([]string, k)
	for i := range labels {
		labels[i] = string(rune('a' + i))
	}
	s, err := dataset.NewSchema("classes", []dataset.Field{
		{Name: "x", Type: dataset.TypeNumeric},
		{Name: "class", Type: dataset.TypeCategorical, Labels: labels},
	}, 1)
	if err != nil {
		panic(err)
	}
	records := make([]dataset.Record, n)
	for i := range n {
		records[i] = dataset.MustRecord(s, 1, dataset.Num(float64(i)), dataset.Cat(i%k))
	}
	d, err := dataset.New(s, records...)
	if err != nil {
		panic(err)
	}
	return d
}

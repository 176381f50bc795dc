// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads pipeline definitions from YAML files and turns them
// into executors.
//
// A pipeline file names its stages, their upstreams and options, a set of
// variables, and bindings from stage options to templates over those
// variables. A Watcher reloads the file when it changes and pushes changed
// variables into a running executor, which rebinds the affected stages.
//
// Thread Safety:
//
//	All exported functions are safe for concurrent use. File values are not.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/flowml/services/flow/flowerr"
	"github.com/AleutianAI/flowml/services/flow/pipeline"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxYAMLFileSize is the maximum allowed pipeline file size (1MB).
	MaxYAMLFileSize = 1024 * 1024

	// MaxStages is the maximum number of stages in one pipeline.
	MaxStages = 256
)

// Stage types accepted in a pipeline file.
const (
	TypePartition       = "partition"
	TypeTrainer         = "trainer"
	TypeTrainTest       = "train_test"
	TypeCrossValidation = "cross_validation"
	TypeCollector       = "collector"
	TypeBuffer          = "buffer"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	configLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowml_config_loads_total",
		Help: "Total pipeline file loads by status",
	}, []string{"status"})

	configLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowml_config_load_duration_seconds",
		Help:    "Duration of pipeline file loading",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5},
	})

	configReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowml_config_reloads_total",
		Help: "Total pipeline file reloads by status",
	}, []string{"status"})

	variablesRebound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowml_config_variables_rebound_total",
		Help: "Total variables pushed into an executor after a reload",
	})
)

var configTracer = otel.Tracer("flowml.config")

// =============================================================================
// Validation
// =============================================================================

var (
	validate   *validator.Validate
	nameRe     = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)
	variableRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)
)

func init() {
	validate = validator.New()
	validate.RegisterValidation("stagename", func(fl validator.FieldLevel) bool {
		return nameRe.MatchString(fl.Field().String())
	})
}

// =============================================================================
// Types
// =============================================================================

// File is the root structure of a pipeline file.
type File struct {
	Name        string `yaml:"name" validate:"required,stagename"`
	HaltOnError bool   `yaml:"halt_on_error"`
	Provenance  bool   `yaml:"provenance"`

	// Workers sizes the job pool used by trainers and cross-validation.
	// Zero or one runs jobs inline.
	Workers int `yaml:"workers" validate:"gte=0,lte=256"`

	Variables map[string]string `yaml:"variables"`
	Storage   StorageFile       `yaml:"storage"`
	Stages    []StageFile       `yaml:"stages" validate:"required,min=1,dive"`
}

// StorageFile selects the dataset provider.
type StorageFile struct {
	Backend   string `yaml:"backend" validate:"omitempty,oneof=badger diskv memory"`
	Path      string `yaml:"path" validate:"required_if=Backend badger,required_if=Backend diskv"`
	CacheSize int    `yaml:"cache_size" validate:"gte=0"`
}

// StageFile declares one stage. Which fields apply depends on Type.
type StageFile struct {
	Name     string `yaml:"name" validate:"required,stagename"`
	Type     string `yaml:"type" validate:"required,oneof=partition trainer train_test cross_validation collector buffer"`
	Upstream string `yaml:"upstream" validate:"omitempty,stagename"`

	// Model names the estimator for trainer and evaluation stages.
	Model string `yaml:"model" validate:"required_if=Type trainer,required_if=Type train_test,required_if=Type cross_validation"`

	Strategy      string  `yaml:"strategy" validate:"omitempty,oneof=random_holdout k_fold leave_one_out"`
	Folds         int     `yaml:"folds" validate:"gte=0"`
	Fraction      float64 `yaml:"fraction" validate:"gte=0,lte=1"`
	PreserveOrder bool    `yaml:"preserve_order"`
	Seed          int64   `yaml:"seed"`
	Runs          int     `yaml:"runs" validate:"gte=0"`

	Offload            bool `yaml:"offload"`
	DiscardPredictions bool `yaml:"discard_predictions"`
	FinalModel         bool `yaml:"final_model"`
	StrictSnapshots    bool `yaml:"strict_snapshots"`

	Operation      string `yaml:"operation" validate:"omitempty,oneof=rows_to_dataset dataset_to_rows"`
	Interval       int    `yaml:"interval" validate:"gte=0"`
	ClearAfterEmit bool   `yaml:"clear_after_emit"`
	CheckHeader    bool   `yaml:"check_header"`
	Key            string `yaml:"key"`

	// Bindings maps option names to templates such as "@{model}".
	Bindings map[string]string `yaml:"bindings" validate:"dive,keys,required,endkeys,required"`
}

// =============================================================================
// Loading
// =============================================================================

// Load reads and validates a pipeline file.
//
// Description:
//
//	Files larger than MaxYAMLFileSize are rejected before reading. Unknown
//	keys are errors so a misspelled option never silently falls back to
//	its default.
//
// Inputs:
//
//	ctx - Context for tracing. Must not be nil.
//	path - Path to the YAML file.
//
// Outputs:
//
//	*File - The validated file.
//	error - ErrInvalidConfiguration for unreadable, oversized or invalid files.
func Load(ctx context.Context, path string) (f *File, err error) {
	if ctx == nil {
		return nil, flowerr.ErrNilContext
	}
	_, span := configTracer.Start(ctx, "config.Load",
		trace.WithAttributes(attribute.String("config.path", path)),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		configLoadDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			configLoads.WithLabelValues("error").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		configLoads.WithLabelValues("ok").Inc()
		span.SetAttributes(attribute.Int("config.stages", len(f.Stages)))
	}()

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", flowerr.ErrInvalidConfiguration, err)
	}
	if info.Size() > MaxYAMLFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit is %d",
			flowerr.ErrInvalidConfiguration, path, info.Size(), MaxYAMLFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", flowerr.ErrInvalidConfiguration, err)
	}
	return Parse(data)
}

// Parse decodes and validates a pipeline file held in memory.
func Parse(data []byte) (*File, error) {
	if len(data) > MaxYAMLFileSize {
		return nil, fmt.Errorf("%w: pipeline file exceeds %d bytes", flowerr.ErrInvalidConfiguration, MaxYAMLFileSize)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: parse pipeline file: %w", flowerr.ErrInvalidConfiguration, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks struct constraints and the references between stages,
// bindings and variables.
func (f *File) Validate() error {
	if err := validate.Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("%w: field %s failed %q", flowerr.ErrInvalidConfiguration, e.Namespace(), e.Tag())
		}
		return fmt.Errorf("%w: %w", flowerr.ErrInvalidConfiguration, err)
	}

	if len(f.Stages) > MaxStages {
		return fmt.Errorf("%w: %d stages, limit is %d", flowerr.ErrInvalidConfiguration, len(f.Stages), MaxStages)
	}
	for name := range f.Variables {
		if !variableRe.MatchString(name) {
			return fmt.Errorf("%w: invalid variable name %q", flowerr.ErrInvalidConfiguration, name)
		}
	}

	seen := make(map[string]bool, len(f.Stages))
	for _, s := range f.Stages {
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate stage %q", flowerr.ErrInvalidConfiguration, s.Name)
		}
		seen[s.Name] = true
	}
	for _, s := range f.Stages {
		if s.Upstream != "" && !seen[s.Upstream] {
			return fmt.Errorf("%w: stage %q reads from unknown stage %q", flowerr.ErrInvalidConfiguration, s.Name, s.Upstream)
		}
		if (s.Type == TypePartition || s.Type == TypeCrossValidation) && s.Strategy == "" {
			return fmt.Errorf("%w: stage %q needs a strategy", flowerr.ErrInvalidConfiguration, s.Name)
		}
		for option, tmpl := range s.Bindings {
			refs := pipeline.References(tmpl)
			if len(refs) == 0 {
				return fmt.Errorf("%w: binding %s.%s references no variable", flowerr.ErrInvalidConfiguration, s.Name, option)
			}
			for _, ref := range refs {
				if _, ok := f.Variables[ref]; !ok {
					return fmt.Errorf("%w: binding %s.%s references undeclared variable %q",
						flowerr.ErrInvalidConfiguration, s.Name, option, ref)
				}
			}
		}
	}
	return nil
}

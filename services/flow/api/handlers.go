// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves stored datasets and on-demand evaluations over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/flowml/services/flow/container"
	"github.com/AleutianAI/flowml/services/flow/dataset"
	"github.com/AleutianAI/flowml/services/flow/evaluate"
	"github.com/AleutianAI/flowml/services/flow/flowerr"
	"github.com/AleutianAI/flowml/services/flow/jobs"
	"github.com/AleutianAI/flowml/services/flow/partition"
	"github.com/AleutianAI/flowml/services/flow/pipeline"
	"github.com/AleutianAI/flowml/services/flow/resolver"
	"github.com/AleutianAI/flowml/services/flow/storage"
	"github.com/AleutianAI/flowml/services/flow/telemetry"
)

// Config holds the handlers' collaborators.
type Config struct {
	// Provider stores datasets. Required.
	Provider storage.Provider

	// Resolver looks up models for evaluations. Defaults to resolver.Builtin().
	Resolver resolver.Resolver

	// Runner evaluates folds. Defaults to a LocalRunner.
	Runner jobs.Runner

	// Metrics is shared with the evaluation stages. May be nil.
	Metrics *telemetry.Metrics

	// Logger for request logs. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Handlers implements the HTTP endpoints.
//
// Thread Safety: Safe for concurrent use. Each evaluation builds its own
// stage.
type Handlers struct {
	provider storage.Provider
	resolver resolver.Resolver
	runner   jobs.Runner
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// NewHandlers creates Handlers.
func NewHandlers(cfg Config) (*Handlers, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("%w: api handlers need a storage provider", flowerr.ErrInvalidConfiguration)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = resolver.Builtin()
	}
	if cfg.Runner == nil {
		cfg.Runner = jobs.NewLocalRunner(logger)
	}
	return &Handlers{
		provider: cfg.Provider,
		resolver: cfg.Resolver,
		runner:   cfg.Runner,
		metrics:  cfg.Metrics,
		logger:   logger,
	}, nil
}

// requestLogger tags log lines with the caller's X-Request-ID or a new one.
func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	id := c.GetHeader("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	c.Header("X-Request-ID", id)
	return telemetry.LoggerWithTrace(c.Request.Context(), h.logger).With(
		slog.String("request_id", id),
		slog.String("handler", handler),
	)
}

// HandleHealth handles GET /v1/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Version: ServiceVersion})
}

// HandleListDatasets handles GET /v1/datasets.
func (h *Handlers) HandleListDatasets(c *gin.Context) {
	logger := h.requestLogger(c, "HandleListDatasets")
	keys, err := h.provider.Keys(c.Request.Context())
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	c.JSON(http.StatusOK, DatasetListResponse{Keys: keys})
}

// HandleGetDataset handles GET /v1/datasets/:key.
//
// Response:
//
//	200 OK: the dataset in its JSON wire form, or DatasetInfo with ?info=true
//	404 Not Found: ErrorResponse
func (h *Handlers) HandleGetDataset(c *gin.Context) {
	logger := h.requestLogger(c, "HandleGetDataset")
	key := c.Param("key")
	d, err := h.provider.Get(c.Request.Context(), key)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	if c.Query("info") == "true" {
		c.JSON(http.StatusOK, Describe(key, d))
		return
	}
	c.JSON(http.StatusOK, d)
}

// HandlePutDataset handles PUT /v1/datasets/:key.
func (h *Handlers) HandlePutDataset(c *gin.Context) {
	logger := h.requestLogger(c, "HandlePutDataset")
	key := c.Param("key")

	var d dataset.Dataset
	if err := c.ShouldBindJSON(&d); err != nil {
		logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	if err := h.provider.Put(c.Request.Context(), key, &d); err != nil {
		h.fail(c, logger, err)
		return
	}
	logger.Info("Dataset stored", slog.String("key", key), slog.Int("records", d.Len()))
	c.JSON(http.StatusCreated, Describe(key, &d))
}

// HandleDeleteDataset handles DELETE /v1/datasets/:key.
func (h *Handlers) HandleDeleteDataset(c *gin.Context) {
	logger := h.requestLogger(c, "HandleDeleteDataset")
	if err := h.provider.Delete(c.Request.Context(), c.Param("key")); err != nil {
		h.fail(c, logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleEvaluate handles POST /v1/evaluations.
//
// Description:
//
//	Cross-validates a registered model on a stored dataset and returns the
//	aggregated evaluation. The request's context bounds the run; a client
//	that disconnects cancels the remaining folds.
func (h *Handlers) HandleEvaluate(c *gin.Context) {
	logger := h.requestLogger(c, "HandleEvaluate")

	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}

	res, err := h.evaluate(c.Request.Context(), req)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	logger.Info("Evaluation finished",
		slog.String("dataset", req.Dataset),
		slog.String("model", req.Model),
		slog.Int("folds", res.FoldCount),
	)
	c.JSON(http.StatusOK, Summarize(res))
}

func (h *Handlers) evaluate(ctx context.Context, req EvaluateRequest) (*evaluate.Result, error) {
	d, err := h.provider.Get(ctx, req.Dataset)
	if err != nil {
		return nil, err
	}
	strategy, err := partition.ParseStrategy(req.Strategy, req.Folds, req.Fraction, false)
	if err != nil {
		return nil, err
	}
	stage, err := evaluate.NewCrossValidationStage(evaluate.CrossValidationConfig{
		StageConfig: evaluate.StageConfig{
			Name:               "api-" + req.Strategy,
			Model:              req.Model,
			Resolver:           h.resolver,
			CollectPredictions: true,
			Metrics:            h.metrics,
			Logger:             h.logger,
		},
		Strategy: strategy,
		Seed:     req.Seed,
		Runs:     req.Runs,
		Runner:   h.runner,
	})
	if err != nil {
		return nil, err
	}

	var out *container.Container
	err = stage.Process(ctx, pipeline.Token{Payload: d}, func(t pipeline.Token) error {
		out, _ = t.Payload.(*container.Container)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("%w: evaluation produced no result", flowerr.ErrMissingData)
	}
	return evaluate.FromContainer(out)
}

// fail writes the error response matching err.
func (h *Handlers) fail(c *gin.Context, logger *slog.Logger, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", slog.String("error", err.Error()))
	} else {
		logger.Warn("Request rejected", slog.String("error", err.Error()))
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, flowerr.ErrInvalidConfiguration):
		return http.StatusBadRequest, "INVALID_CONFIGURATION"
	case errors.Is(err, flowerr.ErrUnsupportedOperation):
		return http.StatusUnprocessableEntity, "UNSUPPORTED_OPERATION"
	case errors.Is(err, flowerr.ErrMissingData):
		return http.StatusBadRequest, "MISSING_DATA"
	case errors.Is(err, flowerr.ErrCancelled), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "CANCELLED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// Describe summarizes a dataset's shape.
func Describe(key string, d *dataset.Dataset) DatasetInfo {
	s := d.Schema()
	info := DatasetInfo{Key: key, Schema: s.Name(), Records: d.Len()}
	for _, f := range s.Fields() {
		info.Fields = append(info.Fields, f.Name)
	}
	if tf, ok := s.TargetField(); ok {
		info.Target = tf.Name
	}
	return info
}

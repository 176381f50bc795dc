// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/flowml/services/flow/api"
	"github.com/AleutianAI/flowml/services/flow/jobs"
	"github.com/AleutianAI/flowml/services/flow/telemetry"
)

var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the dataset and evaluation HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	serveAddr    string
	serveWorkers int
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 4, "Cross-validation folds evaluated concurrently per request")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := current.logger.Slog()

	store, closeStore, err := openStorage(storageFile())
	if err != nil {
		return err
	}
	defer closeStore()

	h, err := api.NewHandlers(api.Config{
		Provider: store,
		Runner:   jobs.NewPoolRunner(serveWorkers, logger),
		Metrics:  current.metrics,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	router := newRouter(h)
	srv := &http.Server{
		Addr:              serveAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("flowml API listening", slog.String("addr", serveAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newRouter wires middleware, the /v1 API and, when enabled, /metrics.
func newRouter(h *api.Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(telemetry.GinMiddleware("flowml.http", current.metrics))
	api.RegisterRoutes(router.Group("/v1"), h)
	if mh := telemetry.MetricsHandler(); mh != nil {
		router.GET("/metrics", gin.WrapH(mh))
	}
	return router
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jobs runs expensive work such as batch training or per-fold
// evaluation, either inline or on a bounded worker pool.
//
// A Runner is handed to stages at construction. Stages stay logically
// single-threaded: Submit blocks until the job has finished, so state a
// stage mutates after Submit returns is never touched concurrently.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/flowml/services/flow/flowerr"
)

// Job is a unit of work.
type Job func(ctx context.Context) error

// Runner executes jobs.
type Runner interface {
	// Submit runs job and blocks until it finishes.
	Submit(ctx context.Context, name string, job Job) error

	// SubmitAll runs every job and blocks until all have finished. The
	// first failure cancels the context seen by jobs not yet started and
	// is returned.
	SubmitAll(ctx context.Context, name string, jobs []Job) error

	// Workers reports how many jobs may run at once.
	Workers() int
}

// LocalRunner runs jobs inline on the caller's goroutine.
type LocalRunner struct {
	logger *slog.Logger
}

// NewLocalRunner returns a LocalRunner. If logger is nil, uses slog.Default().
func NewLocalRunner(logger *slog.Logger) *LocalRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalRunner{logger: logger}
}

// Submit implements Runner.
func (r *LocalRunner) Submit(ctx context.Context, name string, job Job) error {
	if ctx == nil {
		return flowerr.ErrNilContext
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return run(ctx, r.logger, name, job)
}

// SubmitAll implements Runner. Jobs run in order and stop at the first error.
func (r *LocalRunner) SubmitAll(ctx context.Context, name string, jobs []Job) error {
	for i, job := range jobs {
		if err := r.Submit(ctx, fmt.Sprintf("%s[%d]", name, i), job); err != nil {
			return err
		}
	}
	return nil
}

// Workers implements Runner.
func (r *LocalRunner) Workers() int {
	return 1
}

// PoolRunner runs jobs on at most a fixed number of goroutines.
//
// Thread Safety:
//
//	Safe for concurrent use. The limit is shared by every caller, so two
//	stages submitting at once compete for the same workers.
type PoolRunner struct {
	workers int
	sem     *semaphore.Weighted
	logger  *slog.Logger
}

// NewPoolRunner returns a PoolRunner with the given number of workers.
// workers <= 0 uses runtime.GOMAXPROCS(0).
func NewPoolRunner(workers int, logger *slog.Logger) *PoolRunner {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PoolRunner{
		workers: workers,
		sem:     semaphore.NewWeighted(int64(workers)),
		logger:  logger,
	}
}

// Submit implements Runner.
func (r *PoolRunner) Submit(ctx context.Context, name string, job Job) error {
	if ctx == nil {
		return flowerr.ErrNilContext
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)

	done := make(chan error, 1)
	go func() {
		done <- run(ctx, r.logger, name, job)
	}()
	return <-done
}

// SubmitAll implements Runner.
func (r *PoolRunner) SubmitAll(ctx context.Context, name string, jobs []Job) error {
	if ctx == nil {
		return flowerr.ErrNilContext
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for i, job := range jobs {
		jobName := fmt.Sprintf("%s[%d]", name, i)
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			if err := r.sem.Acquire(gCtx, 1); err != nil {
				return err
			}
			defer r.sem.Release(1)
			return run(gCtx, r.logger, jobName, job)
		})
	}
	return g.Wait()
}

// Workers implements Runner.
func (r *PoolRunner) Workers() int {
	return r.workers
}

// run executes job, converting a panic into an error.
func run(ctx context.Context, logger *slog.Logger, name string, job Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("job panicked",
				slog.String("job", name),
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("%w: job %s panicked: %v", flowerr.ErrUnderlyingLibraryFailure, name, p)
		}
	}()
	if job == nil {
		return fmt.Errorf("%w: job %s is nil", flowerr.ErrInvalidConfiguration, name)
	}
	return job(ctx)
}

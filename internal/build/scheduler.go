package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cochaviz/busybox-cross/internal/logging"
	"github.com/cochaviz/busybox-cross/internal/toolchain"
)

// ErrInvalidConcurrency is returned when the pool size is below one.
var ErrInvalidConcurrency = errors.New("concurrency must be at least 1")

// Observer is notified once per finished job, from the job's goroutine.
type Observer func(Result)

// Scheduler runs one build job per target with at most Concurrency jobs in
// flight. A failing job never affects another one.
type Scheduler struct {
	// Mapping resolves targets; toolchain.Default() when nil.
	Mapping Resolver
	// Composer produces per-target configs; the base config is used as-is when nil.
	Composer    ConfigComposer
	Builder     Builder
	Concurrency int
	// JobTimeout bounds each job when positive.
	JobTimeout time.Duration
	Logger     *slog.Logger
	Observer   Observer
}

// Run builds every target and returns one Result per target in input order.
// Duplicate targets and an invalid pool size are rejected before any job
// starts. Cancelling ctx stops admission; targets that never started are
// recorded as cancelled.
func (s *Scheduler) Run(ctx context.Context, targets []toolchain.Target, inputs Inputs) (Report, error) {
	if s.Concurrency < 1 {
		return Report{}, fmt.Errorf("%w (got %d)", ErrInvalidConcurrency, s.Concurrency)
	}
	if err := toolchain.CheckDuplicates(targets); err != nil {
		return Report{}, err
	}
	if s.Builder == nil {
		return Report{}, errors.New("scheduler has no builder")
	}

	logger := logging.Ensure(s.Logger).With("component", "scheduler")
	report := Report{
		Version: inputs.Version,
		Results: make([]Result, len(targets)),
	}
	if len(targets) == 0 {
		return report, nil
	}

	logger.Info("starting builds", "targets", len(targets), "concurrency", s.Concurrency)

	sem := semaphore.NewWeighted(int64(s.Concurrency))
	var wg sync.WaitGroup
	for i, target := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			now := time.Now()
			for j := i; j < len(targets); j++ {
				report.Results[j] = Result{
					Target:     targets[j],
					Outcome:    OutcomeFailure,
					Reason:     ReasonCancelled,
					Error:      fmt.Sprintf("not started: %v", err),
					StartedAt:  now,
					FinishedAt: now,
				}
				s.observe(report.Results[j])
			}
			logger.Warn("admission stopped", "remaining", len(targets)-i, "error", err)
			break
		}

		wg.Add(1)
		go func(index int, target toolchain.Target) {
			defer wg.Done()
			defer sem.Release(1)

			result := s.runJob(ctx, logger.With(logging.TargetKey, string(target)), target, inputs)
			report.Results[index] = result
			s.observe(result)
		}(i, target)
	}
	wg.Wait()

	failed := len(report.Failures())
	logger.Info("builds finished", "succeeded", len(targets)-failed, "failed", failed)
	return report, nil
}

func (s *Scheduler) runJob(ctx context.Context, logger *slog.Logger, target toolchain.Target, inputs Inputs) (result Result) {
	result = Result{Target: target, StartedAt: time.Now()}
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("build panicked", "panic", recovered, "stack", string(debug.Stack()))
			result.Outcome = OutcomeFailure
			result.Reason = ReasonPanic
			result.Error = fmt.Sprintf("panic: %v", recovered)
			result.ArtifactPath = ""
			result.Checksum = ""
		}
		result.FinishedAt = time.Now()
	}()

	fail := func(reason Reason, err error) Result {
		result.Outcome = OutcomeFailure
		result.Reason = reason
		result.Error = err.Error()
		if tail := LogTailOf(err); len(tail) > 0 {
			result.LogTail = tail
		}
		logger.Error("build failed", "reason", string(reason), "error", err)
		return result
	}

	if err := ctx.Err(); err != nil {
		return fail(ReasonCancelled, err)
	}

	tc, err := s.resolver().Resolve(target)
	if err != nil {
		return fail(ReasonUnknownTarget, err)
	}
	result.Image = tc.Image

	configPath := inputs.BaseConfig
	if s.Composer != nil {
		configPath, err = s.Composer.Compose(inputs.BaseConfig, target)
		if err != nil {
			return fail(ReasonConfigFailed, fmt.Errorf("compose config: %w", err))
		}
	}
	result.ConfigPath = configPath

	jobCtx := ctx
	if s.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, s.JobTimeout)
		defer cancel()
	}

	logger.Info("building", "image", tc.Image)
	output, err := s.Builder.Build(jobCtx, Job{
		Target:     target,
		Toolchain:  tc,
		Version:    inputs.Version,
		SourceDir:  inputs.SourceDir,
		ConfigPath: configPath,
	})
	if err != nil {
		reason := ReasonOf(err)
		switch {
		case ctx.Err() != nil:
			reason = ReasonCancelled
		case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
			reason = ReasonTimeout
			err = fmt.Errorf("exceeded job timeout of %s: %w", s.JobTimeout, err)
		}
		if len(result.LogTail) == 0 {
			result.LogTail = output.LogTail
		}
		return fail(reason, err)
	}

	result.Outcome = OutcomeSuccess
	result.ArtifactPath = output.ArtifactPath
	result.Checksum = output.Checksum
	result.LogTail = output.LogTail
	logger.Info("build succeeded", "artifact", output.ArtifactPath, "duration", time.Since(result.StartedAt))
	return result
}

func (s *Scheduler) resolver() Resolver {
	if s.Mapping != nil {
		return s.Mapping
	}
	return toolchain.Default()
}

func (s *Scheduler) observe(result Result) {
	if s.Observer != nil {
		s.Observer(result)
	}
}

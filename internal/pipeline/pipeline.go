package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cochaviz/busybox-cross/internal/artifacts"
	"github.com/cochaviz/busybox-cross/internal/build"
	"github.com/cochaviz/busybox-cross/internal/build/adapters/dockcross"
	"github.com/cochaviz/busybox-cross/internal/kconfig"
	"github.com/cochaviz/busybox-cross/internal/logging"
	"github.com/cochaviz/busybox-cross/internal/release"
	"github.com/cochaviz/busybox-cross/internal/setup"
	"github.com/cochaviz/busybox-cross/internal/smoke"
	"github.com/cochaviz/busybox-cross/internal/source"
	"github.com/cochaviz/busybox-cross/internal/toolchain"
)

// Pipeline wires the source provider, scheduler, tester and packager into
// one run. Nil collaborators are replaced by their production defaults.
type Pipeline struct {
	Mapping  *toolchain.Mapping
	Runner   build.CommandRunner
	Builder  build.Builder
	Fetcher  source.Fetcher
	Verifier source.Verifier
	Tester   *smoke.Tester
	Logger   *slog.Logger
}

func (p *Pipeline) mapping() *toolchain.Mapping {
	if p.Mapping != nil {
		return p.Mapping
	}
	return toolchain.Default()
}

func (p *Pipeline) logger() *slog.Logger {
	return logging.Ensure(p.Logger).With("component", "pipeline")
}

// Run executes fetch, build, test and package for opts. Configuration errors
// are returned before anything is written. The returned report is complete
// for every stage that ran, also when err is non-nil.
func (p *Pipeline) Run(ctx context.Context, opts Options) (Report, error) {
	started := time.Now()
	report := Report{Version: opts.Version, SkippedTests: opts.SkipTests}
	if err := opts.Validate(p.mapping()); err != nil {
		return report, err
	}
	logger := p.logger()
	if len(opts.Targets) == 0 {
		logger.Info("no targets requested")
		report.Build = build.Report{Version: opts.Version, Results: []build.Result{}}
		report.Duration = time.Since(started)
		return report, nil
	}
	logger.Info("starting run", "run", opts.String())

	if opts.Clean {
		if err := CleanWorkspace(opts.Layout, opts.CleanSources); err != nil {
			return report, err
		}
	}
	if err := opts.Layout.Ensure(); err != nil {
		return report, err
	}

	provider := &source.Provider{
		Dir:             opts.Layout.SourceDir,
		Mirror:          opts.Mirror,
		Fetcher:         p.Fetcher,
		Verifier:        p.Verifier,
		AllowUnverified: opts.AllowUnverified,
		Logger:          p.Logger,
	}
	tree, err := provider.Ensure(ctx, opts.Version)
	if err != nil {
		return report, fmt.Errorf("stage busybox %s: %w", opts.Version, err)
	}
	report.SourceVerified = tree.Verified

	var finished atomic.Int32
	scheduler := &build.Scheduler{
		Mapping:     p.mapping(),
		Composer:    kconfig.Composer{OverlayDir: opts.Layout.ArchConfigDir, OutputDir: opts.Layout.ComposedDir},
		Builder:     p.builder(opts),
		Concurrency: opts.Concurrency,
		JobTimeout:  opts.JobTimeout,
		Logger:      p.Logger,
		Observer: func(result build.Result) {
			logger.Info("target finished",
				logging.TargetKey, string(result.Target),
				"outcome", string(result.Outcome),
				"progress", fmt.Sprintf("%d/%d", finished.Add(1), len(opts.Targets)),
			)
		},
	}
	report.Build, err = scheduler.Run(ctx, opts.Targets, build.Inputs{
		Version:    opts.Version,
		SourceDir:  tree.Dir,
		BaseConfig: opts.BaseConfig,
	})
	if err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		report.Duration = time.Since(started)
		return report, err
	}

	if !opts.SkipTests {
		report.Tests = p.test(ctx, opts, report.Build)
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(started)
			return report, err
		}
	}

	if opts.Release {
		manifest, err := p.packager(opts, report.Tests).Package(ctx, opts.Version, report.Build.Results)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
			logger.Error("packaging failed", "error", err)
			report.ReleaseError = err.Error()
		} else {
			report.Release = &manifest
		}
	}

	report.Duration = time.Since(started)
	logger.Info("run finished", "failed", report.Failed(), "duration", report.Duration)
	return report, nil
}

// CleanWorkspace removes intermediate directories and every stored binary.
func CleanWorkspace(layout setup.Layout, includeSources bool) error {
	if err := layout.Clean(includeSources); err != nil {
		return err
	}
	store := &artifacts.LocalArtifactStore{BaseDir: layout.OutputDir}
	if err := store.Clear(); err != nil {
		return fmt.Errorf("clear stored binaries: %w", err)
	}
	return nil
}

func (p *Pipeline) builder(opts Options) build.Builder {
	if p.Builder != nil {
		return p.Builder
	}
	return &dockcross.Builder{
		Runner:  p.Runner,
		Store:   &artifacts.LocalArtifactStore{BaseDir: opts.Layout.OutputDir},
		WorkDir: opts.Layout.BuildDir,
		Logger:  p.Logger,
	}
}

func (p *Pipeline) tester(opts Options) *smoke.Tester {
	if p.Tester != nil {
		return p.Tester
	}
	return &smoke.Tester{
		Runner:      p.Runner,
		Concurrency: opts.Concurrency,
		Logger:      p.Logger,
	}
}

// test smoke-tests every successful build, resolving emulators through the
// same mapping the builds used.
func (p *Pipeline) test(ctx context.Context, opts Options, buildReport build.Report) map[toolchain.Target]smoke.Result {
	var subjects []smoke.Subject
	for _, result := range buildReport.Successes() {
		tc, err := p.mapping().Resolve(result.Target)
		if err != nil {
			continue
		}
		subjects = append(subjects, smoke.Subject{Binary: result.ArtifactPath, Toolchain: tc})
	}
	if len(subjects) == 0 {
		return nil
	}

	tests := make(map[toolchain.Target]smoke.Result, len(subjects))
	for _, result := range p.tester(opts).TestAll(ctx, subjects, opts.Version) {
		tests[result.Target] = result
	}
	return tests
}

func (p *Pipeline) packager(opts Options, tests map[toolchain.Target]smoke.Result) *release.Packager {
	var tested map[toolchain.Target]bool
	if tests != nil {
		tested = make(map[toolchain.Target]bool, len(tests))
		for target, result := range tests {
			tested[target] = result.Passed
		}
	}
	return &release.Packager{
		Dir:     opts.Layout.ReleaseDir,
		Formats: opts.Formats,
		Tested:  tested,
		Logger:  p.Logger,
	}
}

// ExitCode maps the outcome of Run onto the process exit status.
func ExitCode(report Report, err error) int {
	switch {
	case err == nil && !report.Failed():
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	case IsConfigError(err):
		return 2
	default:
		return 1
	}
}

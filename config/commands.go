package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cochaviz/busybox-cross/internal/artifacts"
	"github.com/cochaviz/busybox-cross/internal/build"
	"github.com/cochaviz/busybox-cross/internal/kconfig"
	"github.com/cochaviz/busybox-cross/internal/logging"
	"github.com/cochaviz/busybox-cross/internal/pipeline"
	"github.com/cochaviz/busybox-cross/internal/release"
	"github.com/cochaviz/busybox-cross/internal/setup"
	"github.com/cochaviz/busybox-cross/internal/smoke"
	"github.com/cochaviz/busybox-cross/internal/source"
	"github.com/cochaviz/busybox-cross/internal/toolchain"
)

// Build runs the full fetch, build, test and package pipeline.
func Build(ctx context.Context, opts pipeline.Options, logger *slog.Logger) (pipeline.Report, error) {
	p := &pipeline.Pipeline{Logger: logger}
	return p.Run(ctx, opts)
}

// Targets lists every supported target with its toolchain.
func Targets() []toolchain.Toolchain {
	return toolchain.Default().Toolchains()
}

// Fetch downloads, verifies and extracts the sources of version.
func Fetch(ctx context.Context, layout setup.Layout, version, mirror string, allowUnverified bool, logger *slog.Logger) (source.Tree, error) {
	if err := source.ValidateVersion(version); err != nil {
		return source.Tree{}, &pipeline.ConfigError{Field: FlagVersion, Err: err}
	}
	if err := layout.Ensure(); err != nil {
		return source.Tree{}, err
	}
	provider := &source.Provider{
		Dir:             layout.SourceDir,
		Mirror:          mirror,
		AllowUnverified: allowUnverified,
		Logger:          logger,
	}
	return provider.Ensure(ctx, version)
}

// Composed is the configuration one target would be built with.
type Composed struct {
	Target  toolchain.Target
	Path    string
	Changes []kconfig.Change
}

// Compose writes the effective configuration of every target and reports how
// each differs from the base file.
func Compose(layout setup.Layout, basePath string, targets []toolchain.Target) ([]Composed, error) {
	if err := toolchain.Default().Validate(targets); err != nil {
		return nil, &pipeline.ConfigError{Field: FlagTargets, Err: err}
	}
	base, err := kconfig.Effective(basePath)
	if err != nil {
		return nil, &pipeline.ConfigError{Field: FlagConfig, Err: err}
	}

	composer := kconfig.Composer{OverlayDir: layout.ArchConfigDir, OutputDir: layout.ComposedDir}
	out := make([]Composed, 0, len(targets))
	for _, target := range targets {
		path, err := composer.Compose(basePath, target)
		if err != nil {
			return nil, err
		}
		effective, err := kconfig.Effective(path)
		if err != nil {
			return nil, err
		}
		out = append(out, Composed{Target: target, Path: path, Changes: kconfig.Diff(base, effective)})
	}
	return out, nil
}

// Test smoke-tests previously built binaries of version. Targets without a
// stored binary get a failed result rather than an error.
func Test(ctx context.Context, layout setup.Layout, version string, targets []toolchain.Target, jobs int, logger *slog.Logger) ([]smoke.Result, error) {
	mapping := toolchain.Default()
	if err := mapping.Validate(targets); err != nil {
		return nil, &pipeline.ConfigError{Field: FlagTargets, Err: err}
	}
	store := &artifacts.LocalArtifactStore{BaseDir: layout.OutputDir}

	results := make([]smoke.Result, len(targets))
	var subjects []smoke.Subject
	var positions []int
	for i, target := range targets {
		tc, err := mapping.Resolve(target)
		if err != nil {
			return nil, err
		}
		path, err := binaryPath(store, version, target)
		if err != nil {
			return nil, err
		}
		if path == "" {
			results[i] = smoke.Result{Target: target, Error: fmt.Sprintf("no binary of busybox %s built for %s", version, target)}
			continue
		}
		subjects = append(subjects, smoke.Subject{Binary: path, Toolchain: tc})
		positions = append(positions, i)
	}

	tester := &smoke.Tester{Concurrency: jobs, Logger: logger}
	for i, result := range tester.TestAll(ctx, subjects, version) {
		results[positions[i]] = result
	}
	return results, ctx.Err()
}

// Release packages the stored binaries of version. With no targets every
// stored binary of that version is included.
func Release(ctx context.Context, layout setup.Layout, version string, targets []toolchain.Target, formats []release.Format, logger *slog.Logger) (release.Manifest, error) {
	if err := source.ValidateVersion(version); err != nil {
		return release.Manifest{}, &pipeline.ConfigError{Field: FlagVersion, Err: err}
	}
	results, err := storedResults(&artifacts.LocalArtifactStore{BaseDir: layout.OutputDir}, version, targets)
	if err != nil {
		return release.Manifest{}, err
	}
	packager := &release.Packager{Dir: layout.ReleaseDir, Formats: formats, Logger: logger}
	return packager.Package(ctx, version, results)
}

// Releases lists packaged releases, newest first.
func Releases(layout setup.Layout) ([]release.Manifest, error) {
	repo := &release.Repository{BaseDir: layout.ReleaseDir}
	return repo.List()
}

// Clean removes intermediate directories and stored binaries of the
// workspace.
func Clean(layout setup.Layout, sources bool, logger *slog.Logger) error {
	logging.Ensure(logger).Info("cleaning workspace", "sources", sources)
	return pipeline.CleanWorkspace(layout, sources)
}

func binaryPath(store *artifacts.LocalArtifactStore, version string, target toolchain.Target) (string, error) {
	artifact, err := store.Get(build.BinaryName(version, target))
	if err != nil || artifact == nil {
		return "", err
	}
	return artifact.Path()
}

// storedResults turns stored binaries back into successful build results so
// they can be packaged without rebuilding.
func storedResults(store *artifacts.LocalArtifactStore, version string, targets []toolchain.Target) ([]build.Result, error) {
	var selected []artifacts.Artifact
	if len(targets) == 0 {
		all, err := store.List()
		if err != nil {
			return nil, err
		}
		for _, artifact := range all {
			if artifact.Kind == artifacts.BinaryArtifact && artifact.Metadata["version"] == version {
				selected = append(selected, artifact)
			}
		}
	} else {
		for _, target := range targets {
			artifact, err := store.Get(build.BinaryName(version, target))
			if err != nil {
				return nil, err
			}
			if artifact == nil {
				return nil, fmt.Errorf("no binary of busybox %s built for %s", version, target)
			}
			selected = append(selected, *artifact)
		}
	}

	results := make([]build.Result, 0, len(selected))
	for _, artifact := range selected {
		path, err := artifact.Path()
		if err != nil {
			return nil, err
		}
		target, _ := artifact.Metadata["target"].(string)
		result := build.Result{
			Target:       toolchain.Target(target),
			Outcome:      build.OutcomeSuccess,
			ArtifactPath: path,
			FinishedAt:   artifact.CreatedAt,
		}
		if artifact.Checksum != nil {
			result.Checksum = *artifact.Checksum
		}
		results = append(results, result)
	}
	return results, nil
}

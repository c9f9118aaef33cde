package pipeline

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cochaviz/busybox-cross/internal/release"
	"github.com/cochaviz/busybox-cross/internal/setup"
	"github.com/cochaviz/busybox-cross/internal/source"
	"github.com/cochaviz/busybox-cross/internal/toolchain"
)

// Options configure one orchestration run.
type Options struct {
	Version     string
	Targets     []toolchain.Target
	BaseConfig  string
	Concurrency int
	JobTimeout  time.Duration

	SkipTests    bool
	Clean        bool
	CleanSources bool
	Release      bool

	AllowUnverified bool
	Formats         []release.Format
	Layout          setup.Layout
	Mirror          string
}

// Validate checks opts against mapping without touching the filesystem
// beyond reading the base config.
func (opts Options) Validate(mapping *toolchain.Mapping) error {
	if opts.Version == "" {
		return configErrorf("version", "a busybox version is required")
	}
	if err := source.ValidateVersion(opts.Version); err != nil {
		return &ConfigError{Field: "version", Err: err}
	}
	if err := toolchain.CheckDuplicates(opts.Targets); err != nil {
		return &ConfigError{Field: "targets", Err: err}
	}
	if err := mapping.Validate(opts.Targets); err != nil {
		return &ConfigError{Field: "targets", Err: err}
	}
	if opts.Concurrency < 1 {
		return configErrorf("jobs", "concurrency must be at least 1, got %d", opts.Concurrency)
	}
	if opts.JobTimeout < 0 {
		return configErrorf("job-timeout", "must not be negative")
	}
	if opts.BaseConfig == "" {
		return configErrorf("config", "a base configuration file is required")
	}
	info, err := os.Stat(opts.BaseConfig)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return configErrorf("config", "base configuration %s does not exist", opts.BaseConfig)
		}
		return &ConfigError{Field: "config", Err: err}
	}
	if info.IsDir() {
		return configErrorf("config", "base configuration %s is a directory", opts.BaseConfig)
	}
	if opts.Layout.SourceDir == "" || opts.Layout.BuildDir == "" || opts.Layout.OutputDir == "" {
		return configErrorf("layout", "source, build and output directories are required")
	}
	if opts.Release && opts.Layout.ReleaseDir == "" {
		return configErrorf("layout", "a release directory is required to package releases")
	}
	for _, format := range opts.Formats {
		if _, err := release.ParseFormats([]string{string(format)}); err != nil {
			return &ConfigError{Field: "formats", Err: err}
		}
	}
	return nil
}

func (opts Options) String() string {
	return fmt.Sprintf("busybox %s for %d targets (jobs=%d)", opts.Version, len(opts.Targets), opts.Concurrency)
}

// Package config turns command-line flags and the optional settings file
// into the options of the individual commands, and runs those commands.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/cochaviz/busybox-cross/internal/pipeline"
	"github.com/cochaviz/busybox-cross/internal/release"
	"github.com/cochaviz/busybox-cross/internal/setup"
	"github.com/cochaviz/busybox-cross/internal/source"
	"github.com/cochaviz/busybox-cross/internal/toolchain"
)

const (
	DefaultVersion    = "1.36.1"
	DefaultWorkspace  = "."
	DefaultBaseConfig = "configs/base.config"
	DefaultJobs       = 2
)

// DefaultTargets is built when neither --targets nor the settings file name any.
var DefaultTargets = []string{"x86_64", "i686", "arm64", "armv7", "mips", "mipsel", "ppc64le", "s390x", "riscv64"}

// Flag names shared by the CLI and BuildOptions.
const (
	FlagVersion         = "version"
	FlagTargets         = "targets"
	FlagConfig          = "config"
	FlagJobs            = "jobs"
	FlagJobTimeout      = "job-timeout"
	FlagWorkspace       = "workspace"
	FlagSourceDir       = "source-dir"
	FlagBuildDir        = "build-dir"
	FlagOutputDir       = "output-dir"
	FlagReleaseDir      = "release-dir"
	FlagArchConfigDir   = "arch-config-dir"
	FlagMirror          = "mirror"
	FlagAllowUnverified = "allow-unverified"
	FlagSkipTests       = "skip-tests"
	FlagClean           = "clean"
	FlagCleanSources    = "clean-sources"
	FlagRelease         = "release"
	FlagFormats         = "formats"
)

// BuildFlags holds the raw flag values of the build command.
type BuildFlags struct {
	Version         string
	Targets         string
	BaseConfig      string
	Jobs            int
	JobTimeout      time.Duration
	Workspace       string
	SourceDir       string
	BuildDir        string
	OutputDir       string
	ReleaseDir      string
	ArchConfigDir   string
	Mirror          string
	AllowUnverified bool
	SkipTests       bool
	Clean           bool
	CleanSources    bool
	Release         bool
	Formats         string
}

// Changed reports whether the named flag was given on the command line.
type Changed func(name string) bool

// DirFlags are the directory overrides shared by every command.
type DirFlags struct {
	Workspace     string
	SourceDir     string
	BuildDir      string
	OutputDir     string
	ReleaseDir    string
	ArchConfigDir string
}

// Layout resolves the workspace layout. Explicit flags win over the settings
// file, which wins over the defaults.
func (d DirFlags) Layout(settings setup.Settings, changed Changed) setup.Layout {
	layout := setup.DefaultLayout(d.workspace(settings, changed))
	override := func(dst *string, value string) {
		if strings.TrimSpace(value) != "" {
			*dst = value
		}
	}
	override(&layout.SourceDir, d.SourceDir)
	override(&layout.BuildDir, d.BuildDir)
	override(&layout.OutputDir, d.OutputDir)
	override(&layout.ReleaseDir, d.ReleaseDir)
	override(&layout.ArchConfigDir, d.ArchConfigDir)
	return layout
}

func (d DirFlags) workspace(settings setup.Settings, changed Changed) string {
	workspace := d.Workspace
	if changed != nil && !changed(FlagWorkspace) && settings.Workspace != "" {
		workspace = settings.Workspace
	}
	if strings.TrimSpace(workspace) == "" {
		workspace = DefaultWorkspace
	}
	return workspace
}

// Dirs returns the directory part of the build flags.
func (f BuildFlags) Dirs() DirFlags {
	return DirFlags{
		Workspace:     f.Workspace,
		SourceDir:     f.SourceDir,
		BuildDir:      f.BuildDir,
		OutputDir:     f.OutputDir,
		ReleaseDir:    f.ReleaseDir,
		ArchConfigDir: f.ArchConfigDir,
	}
}

// BuildOptions merges flags over settings over defaults. Parse errors are
// returned as *pipeline.ConfigError.
func BuildOptions(settings setup.Settings, flags BuildFlags, changed Changed) (pipeline.Options, error) {
	if changed == nil {
		changed = func(string) bool { return false }
	}
	dirs := flags.Dirs()
	layout := dirs.Layout(settings, changed)

	opts := pipeline.Options{
		Version:         pickString(changed(FlagVersion), flags.Version, settings.Version, DefaultVersion),
		Concurrency:     flags.Jobs,
		JobTimeout:      flags.JobTimeout,
		Mirror:          pickString(changed(FlagMirror), flags.Mirror, settings.Mirror, source.DefaultMirror),
		SkipTests:       flags.SkipTests || (!changed(FlagSkipTests) && settings.SkipTests),
		AllowUnverified: flags.AllowUnverified || (!changed(FlagAllowUnverified) && settings.AllowUnverified),
		Clean:           flags.Clean || flags.CleanSources,
		CleanSources:    flags.CleanSources,
		Release:         flags.Release,
		Layout:          layout,
	}
	if !changed(FlagJobs) && settings.Jobs > 0 {
		opts.Concurrency = settings.Jobs
	}
	if !changed(FlagJobTimeout) && settings.JobTimeout > 0 {
		opts.JobTimeout = settings.JobTimeout
	}

	opts.BaseConfig = flags.BaseConfig
	if !changed(FlagConfig) {
		opts.BaseConfig = pickString(false, "", settings.BaseConfig,
			filepath.Join(dirs.workspace(settings, changed), filepath.FromSlash(DefaultBaseConfig)))
	}

	targets, err := resolveTargets(settings, flags.Targets, changed(FlagTargets))
	if err != nil {
		return pipeline.Options{}, err
	}
	opts.Targets = targets

	formats := []string{flags.Formats}
	if !changed(FlagFormats) && len(settings.ReleaseFormats) > 0 {
		formats = settings.ReleaseFormats
	}
	if opts.Formats, err = release.ParseFormats(formats); err != nil {
		return pipeline.Options{}, &pipeline.ConfigError{Field: FlagFormats, Err: err}
	}
	if len(opts.Formats) == 0 {
		opts.Formats = nil
	}
	return opts, nil
}

func resolveTargets(settings setup.Settings, value string, changed bool) ([]toolchain.Target, error) {
	var (
		targets []toolchain.Target
		err     error
	)
	switch {
	case changed || strings.TrimSpace(value) != "":
		targets, err = toolchain.ParseTargets(value)
	case len(settings.Targets) > 0:
		targets, err = toolchain.NewTargets(settings.Targets...)
	default:
		targets, err = toolchain.NewTargets(DefaultTargets...)
	}
	if err != nil {
		return nil, &pipeline.ConfigError{Field: FlagTargets, Err: err}
	}
	return targets, nil
}

func pickString(flagChanged bool, flagValue, settingsValue, fallback string) string {
	if flagChanged {
		return flagValue
	}
	if settingsValue != "" {
		return settingsValue
	}
	if flagValue != "" {
		return flagValue
	}
	return fallback
}

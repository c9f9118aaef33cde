package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/gookit/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cochaviz/busybox-cross/config"
	"github.com/cochaviz/busybox-cross/internal/logging"
	"github.com/cochaviz/busybox-cross/internal/pipeline"
	"github.com/cochaviz/busybox-cross/internal/release"
	"github.com/cochaviz/busybox-cross/internal/setup"
	"github.com/cochaviz/busybox-cross/internal/source"
	"github.com/cochaviz/busybox-cross/internal/toolchain"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// exitError carries a specific process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	handler := logging.NewSwitchable(logging.NewCLI(os.Stderr, &levelVar).Handler())
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, handler, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		code := exitCode(err)
		switch code {
		case 130:
			logger.Warn("command interrupted", "error", err)
		default:
			logger.Error("command execution failed", "error", err)
		}
		os.Exit(code)
	}
}

func exitCode(err error) int {
	var exit *exitError
	switch {
	case errors.As(err, &exit):
		return exit.code
	case errors.Is(err, context.Canceled):
		return 130
	case pipeline.IsConfigError(err):
		return 2
	default:
		return 1
	}
}

// cli holds what the root command resolves before any subcommand runs.
type cli struct {
	logger   *slog.Logger
	settings setup.Settings
}

func newRootCommand(logger *slog.Logger, handler *logging.Switchable, levelVar *slog.LevelVar) *cobra.Command {
	setup.SetLogger(logger.With("component", "setup"))

	var (
		logLevel     = defaultLogLevel
		logFormat    = defaultLogFormat
		settingsPath string
		state        = &cli{logger: logger}
	)

	root := &cobra.Command{
		Use:           "busybox-cross",
		Short:         "Cross-compile, smoke-test and package static BusyBox binaries for many architectures",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", defaultLogFormat, "Log output format (text, json)")
	root.PersistentFlags().StringVar(&settingsPath, "settings", "", "YAML settings file (default ./"+setup.DefaultSettingsFile+" when present)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return &pipeline.ConfigError{Field: "log-level", Err: err}
		}
		mode, err := logging.ParseMode(logFormat)
		if err != nil {
			return &pipeline.ConfigError{Field: "log-format", Err: err}
		}
		levelVar.Set(level)
		handler.Set(logging.New(mode, os.Stderr, levelVar).Handler())

		path, optional := settingsPath, false
		if path == "" {
			path, optional = setup.DefaultSettingsFile, true
		}
		if state.settings, err = setup.LoadSettings(path, optional); err != nil {
			return &pipeline.ConfigError{Field: "settings", Err: err}
		}
		return nil
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &pipeline.ConfigError{Field: "flags", Err: err}
	})

	root.AddCommand(
		newBuildCommand(state),
		newTargetsCommand(),
		newFetchCommand(state),
		newComposeCommand(state),
		newTestCommand(state),
		newReleaseCommand(state),
		newReleasesCommand(state),
		newCleanCommand(state),
	)
	return root
}

func addDirFlags(flags *pflag.FlagSet, f *config.BuildFlags) {
	flags.StringVarP(&f.Workspace, config.FlagWorkspace, "w", config.DefaultWorkspace, "Workspace root holding sources, build, output and releases")
	flags.StringVar(&f.SourceDir, config.FlagSourceDir, "", "Override the source directory")
	flags.StringVar(&f.BuildDir, config.FlagBuildDir, "", "Override the build directory")
	flags.StringVar(&f.OutputDir, config.FlagOutputDir, "", "Override the binary output directory")
	flags.StringVar(&f.ReleaseDir, config.FlagReleaseDir, "", "Override the release directory")
	flags.StringVar(&f.ArchConfigDir, config.FlagArchConfigDir, "", "Override the per-target overlay directory")
}

func addVersionFlag(flags *pflag.FlagSet, f *config.BuildFlags) {
	flags.StringVarP(&f.Version, config.FlagVersion, "V", config.DefaultVersion, "BusyBox version to work with")
}

func addTargetsFlag(flags *pflag.FlagSet, f *config.BuildFlags, usage string) {
	flags.StringVarP(&f.Targets, config.FlagTargets, "t", "", usage)
}

func addJobsFlag(flags *pflag.FlagSet, f *config.BuildFlags) {
	flags.IntVarP(&f.Jobs, config.FlagJobs, "j", config.DefaultJobs, "Number of targets processed concurrently")
}

func addFormatsFlag(flags *pflag.FlagSet, f *config.BuildFlags) {
	flags.StringVar(&f.Formats, config.FlagFormats, "", "Release archive formats, comma separated (tar.gz, tar.xz, tar.zst, iso)")
}

// resolve merges the command's flags with the loaded settings.
func (c *cli) resolve(cmd *cobra.Command, flags config.BuildFlags) (pipeline.Options, error) {
	return config.BuildOptions(c.settings, flags, cmd.Flags().Changed)
}

func newBuildCommand(state *cli) *cobra.Command {
	var flags config.BuildFlags

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Fetch, build, smoke-test and optionally package BusyBox for every target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := state.resolve(cmd, flags)
			if err != nil {
				return err
			}
			cmdLogger := state.logger.With("command", "build", "version", opts.Version)
			if err := setup.VerifyTools(setup.RequiredTools...); err != nil {
				cmdLogger.Warn("tool check failed", "error", err)
			}

			report, runErr := config.Build(cmd.Context(), opts, cmdLogger)
			if len(report.Build.Results) > 0 {
				if err := report.Render(cmd.OutOrStdout(), useColor(cmd.OutOrStdout())); err != nil {
					return err
				}
			}

			switch code := pipeline.ExitCode(report, runErr); code {
			case 0:
				return nil
			case 1:
				if runErr == nil {
					runErr = errors.New("one or more targets failed")
				}
				return &exitError{code: code, err: runErr}
			default:
				return &exitError{code: code, err: runErr}
			}
		},
	}

	f := cmd.Flags()
	addVersionFlag(f, &flags)
	addTargetsFlag(f, &flags, "Targets to build, comma or space separated (default: a common subset, see 'targets')")
	addJobsFlag(f, &flags)
	addDirFlags(f, &flags)
	addFormatsFlag(f, &flags)
	f.StringVarP(&flags.BaseConfig, config.FlagConfig, "c", "", "Base BusyBox configuration (default <workspace>/"+config.DefaultBaseConfig+")")
	f.DurationVar(&flags.JobTimeout, config.FlagJobTimeout, 0, "Abort a single target build after this long (0 disables)")
	f.StringVar(&flags.Mirror, config.FlagMirror, source.DefaultMirror, "Download mirror for source tarballs")
	f.BoolVar(&flags.AllowUnverified, config.FlagAllowUnverified, false, "Continue when the source signature cannot be verified")
	f.BoolVar(&flags.SkipTests, config.FlagSkipTests, false, "Do not smoke-test built binaries")
	f.BoolVar(&flags.Clean, config.FlagClean, false, "Remove build and output directories before building")
	f.BoolVar(&flags.CleanSources, config.FlagCleanSources, false, "Also remove downloaded sources before building")
	f.BoolVarP(&flags.Release, config.FlagRelease, "r", false, "Package successful builds into a release")

	return cmd
}

func newTargetsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List supported targets with their toolchain image and emulator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TARGET\tARCH\tEMULATOR\tIMAGE")
			for _, tc := range config.Targets() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", tc.Target, tc.Arch, tc.Emulator(), tc.Image)
			}
			return w.Flush()
		},
	}
}

func newFetchCommand(state *cli) *cobra.Command {
	var flags config.BuildFlags

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download, verify and extract the BusyBox sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := state.resolve(cmd, flags)
			if err != nil {
				return err
			}
			cmdLogger := state.logger.With("command", "fetch", "version", opts.Version)

			tree, err := config.Fetch(cmd.Context(), opts.Layout, opts.Version, opts.Mirror, opts.AllowUnverified, cmdLogger)
			if err != nil {
				return err
			}
			if !tree.Verified {
				cmdLogger.Warn("sources are not signature-verified")
			}
			fmt.Fprintln(cmd.OutOrStdout(), tree.Dir)
			return nil
		},
	}

	f := cmd.Flags()
	addVersionFlag(f, &flags)
	addDirFlags(f, &flags)
	f.StringVar(&flags.Mirror, config.FlagMirror, source.DefaultMirror, "Download mirror for source tarballs")
	f.BoolVar(&flags.AllowUnverified, config.FlagAllowUnverified, false, "Continue when the source signature cannot be verified")

	return cmd
}

func newComposeCommand(state *cli) *cobra.Command {
	var flags config.BuildFlags

	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Write the effective configuration of each target and show its overlay changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := state.resolve(cmd, flags)
			if err != nil {
				return err
			}
			composed, err := config.Compose(opts.Layout, opts.BaseConfig, opts.Targets)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, c := range composed {
				fmt.Fprintf(out, "%s: %s\n", c.Target, c.Path)
				for _, change := range c.Changes {
					before := change.Before
					if before == "" {
						before = "(unset)"
					}
					fmt.Fprintf(out, "  %s: %s -> %s\n", change.Key, before, change.After)
				}
			}
			return nil
		},
	}

	f := cmd.Flags()
	addTargetsFlag(f, &flags, "Targets to compose, comma or space separated")
	addDirFlags(f, &flags)
	f.StringVarP(&flags.BaseConfig, config.FlagConfig, "c", "", "Base BusyBox configuration (default <workspace>/"+config.DefaultBaseConfig+")")

	return cmd
}

func newTestCommand(state *cli) *cobra.Command {
	var flags config.BuildFlags

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Smoke-test previously built binaries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := state.resolve(cmd, flags)
			if err != nil {
				return err
			}
			cmdLogger := state.logger.With("command", "test", "version", opts.Version)

			results, err := config.Test(cmd.Context(), opts.Layout, opts.Version, opts.Targets, opts.Concurrency, cmdLogger)
			if err != nil {
				return err
			}

			colored := useColor(cmd.OutOrStdout())
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TARGET\tRESULT\tDETAIL")
			failed := 0
			for _, result := range results {
				status, detail := "pass", result.Emulator
				if !result.Passed {
					failed++
					status, detail = "fail", result.Error
					if names := result.Failed(); len(names) > 0 {
						detail = "failed checks: " + strings.Join(names, ", ")
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", result.Target, paint(status, colored), detail)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if failed > 0 {
				return &exitError{code: 1, err: fmt.Errorf("%d of %d targets failed smoke tests", failed, len(results))}
			}
			return nil
		},
	}

	f := cmd.Flags()
	addVersionFlag(f, &flags)
	addTargetsFlag(f, &flags, "Targets to test, comma or space separated")
	addJobsFlag(f, &flags)
	addDirFlags(f, &flags)

	return cmd
}

func newReleaseCommand(state *cli) *cobra.Command {
	var flags config.BuildFlags

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Package already built binaries into a dated release directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := state.resolve(cmd, flags)
			if err != nil {
				return err
			}
			var targets []toolchain.Target
			if cmd.Flags().Changed(config.FlagTargets) {
				targets = opts.Targets
			}
			cmdLogger := state.logger.With("command", "release", "version", opts.Version)

			manifest, err := config.Release(cmd.Context(), opts.Layout, opts.Version, targets, opts.Formats, cmdLogger)
			if err != nil {
				return err
			}
			printManifest(cmd.OutOrStdout(), manifest)
			return nil
		},
	}

	f := cmd.Flags()
	addVersionFlag(f, &flags)
	addTargetsFlag(f, &flags, "Targets to include, comma or space separated (default: every built binary of the version)")
	addDirFlags(f, &flags)
	addFormatsFlag(f, &flags)

	return cmd
}

func newReleasesCommand(state *cli) *cobra.Command {
	var flags config.BuildFlags

	cmd := &cobra.Command{
		Use:   "releases",
		Short: "List packaged releases, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			layout := flags.Dirs().Layout(state.settings, cmd.Flags().Changed)
			manifests, err := config.Releases(layout)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(manifests) == 0 {
				fmt.Fprintln(out, "no releases")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tCREATED\tBINARIES\tARCHIVES")
			for _, m := range manifests {
				formats := make([]string, 0, len(m.Archives))
				for _, archive := range m.Archives {
					formats = append(formats, string(archive.Format))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", m.Name, m.Version, m.CreatedAt.Local().Format("2006-01-02 15:04"), len(m.Binaries), strings.Join(formats, ","))
			}
			return w.Flush()
		},
	}

	addDirFlags(cmd.Flags(), &flags)
	return cmd
}

func newCleanCommand(state *cli) *cobra.Command {
	var (
		flags   config.BuildFlags
		sources bool
	)

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove build, output and composed configuration directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			layout := flags.Dirs().Layout(state.settings, cmd.Flags().Changed)
			return config.Clean(layout, sources, state.logger.With("command", "clean"))
		},
	}

	addDirFlags(cmd.Flags(), &flags)
	cmd.Flags().BoolVar(&sources, "sources", false, "Also remove downloaded and extracted sources")
	return cmd
}

func printManifest(w io.Writer, manifest release.Manifest) {
	fmt.Fprintf(w, "release: %s\n", manifest.Dir)
	for _, binary := range manifest.Binaries {
		fmt.Fprintf(w, "  %s  %s\n", binary.SHA256, binary.Name)
	}
	for _, archive := range manifest.Archives {
		fmt.Fprintf(w, "  %s\n", archive.Path)
	}
}

func paint(status string, colored bool) string {
	if !colored {
		return status
	}
	if status == "pass" {
		return color.Green.Sprint(status)
	}
	return color.Red.Sprint(status)
}

// useColor reports whether w is a terminal that accepts colour codes.
func useColor(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || !color.SupportColor() {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/busybox-cross/internal/artifacts"
	"github.com/cochaviz/busybox-cross/internal/build"
	"github.com/cochaviz/busybox-cross/internal/logging"
	"github.com/cochaviz/busybox-cross/internal/pipeline"
	"github.com/cochaviz/busybox-cross/internal/release"
	"github.com/cochaviz/busybox-cross/internal/setup"
	"github.com/cochaviz/busybox-cross/internal/source"
	"github.com/cochaviz/busybox-cross/internal/toolchain"
)

func changedSet(names ...string) Changed {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return func(name string) bool { return set[name] }
}

func TestBuildOptionsDefaults(t *testing.T) {
	opts, err := BuildOptions(setup.Settings{}, BuildFlags{Jobs: DefaultJobs, Workspace: "/ws"}, nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultVersion, opts.Version)
	assert.Equal(t, DefaultJobs, opts.Concurrency)
	assert.Equal(t, source.DefaultMirror, opts.Mirror)
	assert.Equal(t, filepath.Join("/ws", "configs", "base.config"), opts.BaseConfig)
	assert.Equal(t, setup.DefaultLayout("/ws"), opts.Layout)
	assert.Nil(t, opts.Formats)
	require.Len(t, opts.Targets, len(DefaultTargets))
	assert.Equal(t, toolchain.Target("x86_64"), opts.Targets[0])
}

func TestBuildOptionsSettingsOverDefaults(t *testing.T) {
	settings := setup.Settings{
		Version:        "1.35.0",
		Targets:        []string{"arm64", "mips"},
		BaseConfig:     "/etc/busybox.config",
		Jobs:           6,
		JobTimeout:     time.Hour,
		Workspace:      "/srv/busybox",
		SkipTests:      true,
		ReleaseFormats: []string{"tar.zst"},
	}
	opts, err := BuildOptions(settings, BuildFlags{Jobs: DefaultJobs}, changedSet())
	require.NoError(t, err)

	assert.Equal(t, "1.35.0", opts.Version)
	assert.Equal(t, []toolchain.Target{"arm64", "mips"}, opts.Targets)
	assert.Equal(t, "/etc/busybox.config", opts.BaseConfig)
	assert.Equal(t, 6, opts.Concurrency)
	assert.Equal(t, time.Hour, opts.JobTimeout)
	assert.True(t, opts.SkipTests)
	assert.Equal(t, filepath.Join("/srv/busybox", setup.OutputDirName), opts.Layout.OutputDir)
	assert.Equal(t, []release.Format{release.FormatTarZst}, opts.Formats)
}

func TestBuildOptionsFlagsOverSettings(t *testing.T) {
	settings := setup.Settings{Version: "1.35.0", Targets: []string{"arm64"}, Jobs: 6, Workspace: "/srv/busybox"}
	flags := BuildFlags{
		Version:   "1.36.1",
		Targets:   "x86_64,riscv64",
		Jobs:      1,
		Workspace: "/tmp/ws",
		OutputDir: "/tmp/out",
		Formats:   "tgz iso",
		Release:   true,
	}
	opts, err := BuildOptions(settings, flags, changedSet(FlagVersion, FlagTargets, FlagJobs, FlagWorkspace, FlagFormats))
	require.NoError(t, err)

	assert.Equal(t, "1.36.1", opts.Version)
	assert.Equal(t, []toolchain.Target{"x86_64", "riscv64"}, opts.Targets)
	assert.Equal(t, 1, opts.Concurrency)
	assert.Equal(t, "/tmp/out", opts.Layout.OutputDir)
	assert.Equal(t, filepath.Join("/tmp/ws", setup.SourceDirName), opts.Layout.SourceDir)
	assert.Equal(t, []release.Format{release.FormatTarGz, release.FormatISO}, opts.Formats)
	assert.True(t, opts.Release)
}

func TestBuildOptionsCleanSourcesImpliesClean(t *testing.T) {
	opts, err := BuildOptions(setup.Settings{}, BuildFlags{Jobs: 1, CleanSources: true}, nil)
	require.NoError(t, err)
	assert.True(t, opts.Clean)
	assert.True(t, opts.CleanSources)
}

func TestBuildOptionsRejectsBadValues(t *testing.T) {
	_, err := BuildOptions(setup.Settings{}, BuildFlags{Jobs: 1, Targets: "x86_64,x86_64"}, changedSet(FlagTargets))
	require.Error(t, err)
	assert.True(t, pipeline.IsConfigError(err))

	_, err = BuildOptions(setup.Settings{}, BuildFlags{Jobs: 1, Formats: "rar"}, changedSet(FlagFormats))
	require.Error(t, err)
	assert.True(t, pipeline.IsConfigError(err))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestComposeReportsOverlayChanges(t *testing.T) {
	layout := setup.DefaultLayout(t.TempDir())
	base := filepath.Join(t.TempDir(), "base.config")
	writeFile(t, base, "CONFIG_STATIC=y\nCONFIG_FEATURE_MOUNT_NFS=y\n")
	writeFile(t, filepath.Join(layout.ArchConfigDir, "mips"), "# CONFIG_FEATURE_MOUNT_NFS is not set\n")

	composed, err := Compose(layout, base, []toolchain.Target{"x86_64", "mips"})
	require.NoError(t, err)
	require.Len(t, composed, 2)

	assert.Equal(t, base, composed[0].Path)
	assert.Empty(t, composed[0].Changes)

	assert.Equal(t, filepath.Join(layout.ComposedDir, "mips.config"), composed[1].Path)
	require.Len(t, composed[1].Changes, 1)
	assert.Equal(t, "CONFIG_FEATURE_MOUNT_NFS", composed[1].Changes[0].Key)
	assert.Equal(t, "n", composed[1].Changes[0].After)
}

func TestComposeUnknownTarget(t *testing.T) {
	_, err := Compose(setup.DefaultLayout(t.TempDir()), "unused", []toolchain.Target{"vax"})
	require.Error(t, err)
	assert.True(t, pipeline.IsConfigError(err))
}

func storeBinary(t *testing.T, layout setup.Layout, version string, target toolchain.Target) {
	t.Helper()
	src := filepath.Join(t.TempDir(), "busybox")
	writeFile(t, src, "busybox for "+string(target))
	store := &artifacts.LocalArtifactStore{BaseDir: layout.OutputDir}
	_, err := store.StoreArtifact(src, build.BinaryName(version, target), artifacts.BinaryArtifact, map[string]any{
		"target":  string(target),
		"version": version,
	})
	require.NoError(t, err)
}

func TestReleasePackagesStoredBinaries(t *testing.T) {
	layout := setup.DefaultLayout(t.TempDir())
	storeBinary(t, layout, "1.36.1", "x86_64")
	storeBinary(t, layout, "1.36.1", "arm64")
	storeBinary(t, layout, "1.35.0", "mips")

	manifest, err := Release(context.Background(), layout, "1.36.1", nil, []release.Format{release.FormatTarGz}, logging.Discard())
	require.NoError(t, err)
	assert.ElementsMatch(t, []toolchain.Target{"x86_64", "arm64"}, manifest.Targets())
	require.Len(t, manifest.Archives, 1)

	releases, err := Releases(layout)
	require.NoError(t, err)
	require.Len(t, releases, 1)
	assert.Equal(t, manifest.Name, releases[0].Name)
}

func TestCleanClearsStoredBinariesAndKeepsReleases(t *testing.T) {
	layout := setup.DefaultLayout(t.TempDir())
	storeBinary(t, layout, "1.36.1", "x86_64")
	_, err := Release(context.Background(), layout, "1.36.1", nil, []release.Format{release.FormatTarGz}, logging.Discard())
	require.NoError(t, err)
	writeFile(t, filepath.Join(layout.SourceDir, "busybox-1.36.1.tar.bz2"), "tarball")

	require.NoError(t, Clean(layout, false, logging.Discard()))

	stored, err := (&artifacts.LocalArtifactStore{BaseDir: layout.OutputDir}).List()
	require.NoError(t, err)
	assert.Empty(t, stored)
	entries, err := os.ReadDir(layout.OutputDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, err = os.Stat(filepath.Join(layout.SourceDir, "busybox-1.36.1.tar.bz2"))
	assert.NoError(t, err)

	releases, err := Releases(layout)
	require.NoError(t, err)
	assert.Len(t, releases, 1)
}

func TestReleaseMissingTarget(t *testing.T) {
	layout := setup.DefaultLayout(t.TempDir())
	storeBinary(t, layout, "1.36.1", "x86_64")

	_, err := Release(context.Background(), layout, "1.36.1", []toolchain.Target{"arm64"}, nil, logging.Discard())
	require.ErrorContains(t, err, "no binary of busybox 1.36.1 built for arm64")
}

func TestReleaseWithoutBinaries(t *testing.T) {
	layout := setup.DefaultLayout(t.TempDir())
	_, err := Release(context.Background(), layout, "1.36.1", nil, nil, logging.Discard())
	require.ErrorIs(t, err, release.ErrNothingToPackage)
}

func TestTestReportsMissingBinaries(t *testing.T) {
	layout := setup.DefaultLayout(t.TempDir())
	results, err := Test(context.Background(), layout, "1.36.1", []toolchain.Target{"arm64"}, 1, logging.Discard())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.Equal(t, toolchain.Target("arm64"), results[0].Target)
	assert.Contains(t, results[0].Error, "no binary")
}

func TestTargetsListsTheTable(t *testing.T) {
	toolchains := Targets()
	require.NotEmpty(t, toolchains)
	for _, name := range DefaultTargets {
		_, err := toolchain.Default().Resolve(toolchain.Target(name))
		assert.NoError(t, err, name)
	}
}

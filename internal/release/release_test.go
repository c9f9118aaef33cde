package release

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/kdomanski/iso9660"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/cochaviz/busybox-cross/internal/build"
	"github.com/cochaviz/busybox-cross/internal/logging"
	"github.com/cochaviz/busybox-cross/internal/toolchain"
)

var fixedNow = time.Date(2024, 5, 17, 13, 4, 5, 0, time.UTC)

func builtResult(t *testing.T, dir string, target toolchain.Target, content string) build.Result {
	t.Helper()
	path := filepath.Join(dir, build.BinaryName("1.36.1", target))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
	sum := sha256.Sum256([]byte(content))
	return build.Result{
		Target:       target,
		Outcome:      build.OutcomeSuccess,
		ArtifactPath: path,
		Checksum:     hex.EncodeToString(sum[:]),
	}
}

func newPackager(t *testing.T, formats ...Format) *Packager {
	t.Helper()
	return &Packager{
		Dir:     filepath.Join(t.TempDir(), "releases"),
		Formats: formats,
		Now:     func() time.Time { return fixedNow },
		Logger:  logging.Discard(),
	}
}

func TestPackageWritesReleaseDirectory(t *testing.T) {
	output := t.TempDir()
	results := []build.Result{
		builtResult(t, output, "x86_64", "x86 binary"),
		{Target: "mips", Outcome: build.OutcomeFailure, Reason: build.ReasonBuildFailed},
		builtResult(t, output, "arm64", "arm binary"),
	}
	packager := newPackager(t, DefaultFormats...)
	packager.Tested = map[toolchain.Target]bool{"x86_64": true, "arm64": false}

	manifest, err := packager.Package(context.Background(), "1.36.1", results)
	require.NoError(t, err)

	assert.Equal(t, "busybox-1.36.1-20240517-130405", manifest.Name)
	assert.Equal(t, filepath.Join(packager.Dir, manifest.Name), manifest.Dir)
	assert.Equal(t, []toolchain.Target{"x86_64", "arm64"}, manifest.Targets())
	assert.NotEmpty(t, manifest.RunID)

	entries, err := os.ReadDir(manifest.Dir)
	require.NoError(t, err)
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	want := []string{"MD5SUMS", "README.md", "SHA256SUMS", "SHA512SUMS", "busybox-1.36.1-arm64", "busybox-1.36.1-x86_64", "release.json"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("release dir mismatch (-want +got):\n%s", diff)
	}

	sums, err := os.ReadFile(filepath.Join(manifest.Dir, "SHA256SUMS"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(sums)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, results[2].Checksum+"  busybox-1.36.1-arm64", lines[0])
	assert.Equal(t, results[0].Checksum+"  busybox-1.36.1-x86_64", lines[1])

	for _, file := range []string{"SHA512SUMS", "MD5SUMS"} {
		data, err := os.ReadFile(filepath.Join(manifest.Dir, file))
		require.NoError(t, err)
		assert.Equal(t, 2, strings.Count(string(data), "\n"), file)
	}

	readmeText, err := os.ReadFile(filepath.Join(manifest.Dir, "README.md"))
	require.NoError(t, err)
	assert.Contains(t, string(readmeText), "| x86_64 | `busybox-1.36.1-x86_64` | 10 | passed |")
	assert.Contains(t, string(readmeText), "| arm64 | `busybox-1.36.1-arm64` | 10 | failed |")

	var notes Manifest
	data, err := os.ReadFile(filepath.Join(manifest.Dir, ManifestFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &notes))
	assert.Equal(t, manifest.RunID, notes.RunID)
	assert.Empty(t, notes.Archives)
	assert.Len(t, notes.Binaries, 2)

	require.Len(t, manifest.Archives, 2)
	assert.Equal(t, FormatTarGz, manifest.Archives[0].Format)
	assert.Equal(t, FormatTarXz, manifest.Archives[1].Format)
	for _, archive := range manifest.Archives {
		assert.Equal(t, ArchivePath(manifest.Dir, archive.Format), archive.Path)
		data, err := os.ReadFile(archive.Path)
		require.NoError(t, err)
		sum := sha256.Sum256(data)
		assert.Equal(t, hex.EncodeToString(sum[:]), archive.SHA256)
		assert.Equal(t, int64(len(data)), archive.Size)
	}

	listed, err := (&Repository{BaseDir: packager.Dir}).List()
	require.NoError(t, err)
	require.Len(t, listed, 1)
	if diff := cmp.Diff(manifest.Archives, listed[0].Archives); diff != "" {
		t.Fatalf("listed archives mismatch (-want +got):\n%s", diff)
	}

	gz, err := os.Open(manifest.Archives[0].Path)
	require.NoError(t, err)
	defer gz.Close()
	gzReader, err := gzip.NewReader(gz)
	require.NoError(t, err)
	assert.Contains(t, tarNames(t, gzReader), "busybox-1.36.1-20240517-130405/busybox-1.36.1-arm64")

	xzFile, err := os.Open(manifest.Archives[1].Path)
	require.NoError(t, err)
	defer xzFile.Close()
	xzReader, err := xz.NewReader(xzFile)
	require.NoError(t, err)
	assert.Contains(t, tarNames(t, xzReader), "busybox-1.36.1-20240517-130405/SHA256SUMS")
}

func TestPackageZstdAndISO(t *testing.T) {
	results := []build.Result{builtResult(t, t.TempDir(), "riscv64", "riscv binary")}

	manifest, err := newPackager(t, FormatTarZst, FormatISO).Package(context.Background(), "1.36.1", results)
	require.NoError(t, err)
	require.Len(t, manifest.Archives, 2)

	zstFile, err := os.Open(manifest.Archives[0].Path)
	require.NoError(t, err)
	defer zstFile.Close()
	decoder, err := zstd.NewReader(zstFile)
	require.NoError(t, err)
	defer decoder.Close()
	assert.Contains(t, tarNames(t, decoder), "busybox-1.36.1-20240517-130405/busybox-1.36.1-riscv64")

	isoFile, err := os.Open(manifest.Archives[1].Path)
	require.NoError(t, err)
	defer isoFile.Close()
	image, err := iso9660.OpenImage(isoFile)
	require.NoError(t, err)
	root, err := image.RootDir()
	require.NoError(t, err)
	children, err := root.GetChildren()
	require.NoError(t, err)
	assert.NotEmpty(t, children)
}

func TestPackageRequiresASuccess(t *testing.T) {
	results := []build.Result{{Target: "mips", Outcome: build.OutcomeFailure}}
	_, err := newPackager(t).Package(context.Background(), "1.36.1", results)
	require.ErrorIs(t, err, ErrNothingToPackage)

	_, err = newPackager(t).Package(context.Background(), "1.36.1", nil)
	require.True(t, errors.Is(err, ErrNothingToPackage))
}

func TestPackageDetectsChangedBinary(t *testing.T) {
	result := builtResult(t, t.TempDir(), "x86_64", "original")
	require.NoError(t, os.WriteFile(result.ArtifactPath, []byte("tampered"), 0o755))

	packager := newPackager(t)
	_, err := packager.Package(context.Background(), "1.36.1", []build.Result{result})
	require.ErrorContains(t, err, "changed since it was built")

	entries, err := os.ReadDir(packager.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPackageFailureLeavesNoRelease(t *testing.T) {
	results := []build.Result{builtResult(t, t.TempDir(), "x86_64", "x86 binary")}
	packager := newPackager(t, FormatTarGz, FormatISO)
	blocked := ArchivePath(filepath.Join(packager.Dir, "busybox-1.36.1-20240517-130405"), FormatISO)
	require.NoError(t, os.MkdirAll(blocked, 0o755))

	_, err := packager.Package(context.Background(), "1.36.1", results)
	require.Error(t, err)

	listed, err := (&Repository{BaseDir: packager.Dir}).List()
	require.NoError(t, err)
	assert.Empty(t, listed)

	entries, err := os.ReadDir(packager.Dir)
	require.NoError(t, err)
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	assert.Equal(t, []string{filepath.Base(blocked)}, names)
}

func TestRepositoryListsNewestFirst(t *testing.T) {
	base := filepath.Join(t.TempDir(), "releases")
	output := t.TempDir()

	for i, version := range []string{"1.35.0", "1.36.1", "1.36.1"} {
		packager := &Packager{
			Dir:     base,
			Formats: []Format{},
			Now:     func() time.Time { return fixedNow.Add(time.Duration(i) * time.Hour) },
			Logger:  logging.Discard(),
		}
		result := builtResult(t, output, "x86_64", version)
		_, err := packager.Package(context.Background(), version, []build.Result{result})
		require.NoError(t, err)
	}

	repo := &Repository{BaseDir: base}
	manifests, err := repo.List()
	require.NoError(t, err)
	require.Len(t, manifests, 3)
	assert.True(t, sort.SliceIsSorted(manifests, func(i, j int) bool {
		return manifests[i].CreatedAt.After(manifests[j].CreatedAt)
	}))
	assert.Equal(t, "busybox-1.36.1-20240517-150405", manifests[0].Name)

	latest, err := repo.Latest("1.35.0")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "busybox-1.35.0-20240517-130405", latest.Name)

	missing, err := repo.Latest("9.9.9")
	require.NoError(t, err)
	assert.Nil(t, missing)

	empty, err := (&Repository{BaseDir: filepath.Join(base, "absent")}).List()
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestParseFormats(t *testing.T) {
	formats, err := ParseFormats([]string{"tar.gz,txz", "iso tar.gz"})
	require.NoError(t, err)
	assert.Equal(t, []Format{FormatTarGz, FormatTarXz, FormatISO}, formats)

	_, err = ParseFormats([]string{"rar"})
	assert.Error(t, err)
}

func TestVolumeLabel(t *testing.T) {
	assert.Equal(t, "BUSYBOX_1_36_1_20240517_130405", volumeLabel("busybox-1.36.1-20240517-130405"))
	assert.Equal(t, "BUSYBOX", volumeLabel(""))
}

func tarNames(t *testing.T, r io.Reader) []string {
	t.Helper()
	var names []string
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names
		}
		require.NoError(t, err)
		names = append(names, header.Name)
	}
}

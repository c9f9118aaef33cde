package release

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/busybox-cross/internal/artifacts"
	"github.com/cochaviz/busybox-cross/internal/build"
	"github.com/cochaviz/busybox-cross/internal/logging"
	"github.com/cochaviz/busybox-cross/internal/toolchain"
)

const (
	// ManifestFile holds the machine-readable release notes.
	ManifestFile = "release.json"
	ReadmeFile   = "README.md"

	timestampLayout = "20060102-150405"
)

// ErrNothingToPackage is returned when no build succeeded.
var ErrNothingToPackage = errors.New("no successful builds to package")

//go:embed assets/README.md.tmpl
var readmeTemplate string

var readme = template.Must(template.New(ReadmeFile).Funcs(template.FuncMap{
	"deref": func(b *bool) bool { return b != nil && *b },
}).Parse(readmeTemplate))

// Packager assembles release directories from already built binaries.
type Packager struct {
	Dir string
	// Formats are the archives to create; DefaultFormats when nil.
	Formats []Format
	// Tested records smoke test outcomes to include in the notes.
	Tested map[toolchain.Target]bool
	Now    func() time.Time
	Logger *slog.Logger
}

func (p *Packager) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Packager) formats() []Format {
	if p.Formats != nil {
		return p.Formats
	}
	return DefaultFormats
}

// Package copies the binaries of every successful result into a new
// timestamped directory and writes checksums, notes and archives. Failed
// results are ignored; nothing is rebuilt. The release is assembled in a
// hidden staging directory and only appears under Dir once complete; on
// error nothing of it is left behind.
func (p *Packager) Package(ctx context.Context, version string, results []build.Result) (Manifest, error) {
	if p.Dir == "" {
		return Manifest{}, errors.New("release dir is not configured")
	}
	var successes []build.Result
	for _, result := range results {
		if result.Succeeded() {
			successes = append(successes, result)
		}
	}
	if len(successes) == 0 {
		return Manifest{}, ErrNothingToPackage
	}

	created := p.now().UTC()
	manifest := Manifest{
		RunID:     uuid.NewString(),
		Name:      fmt.Sprintf("busybox-%s-%s", version, created.Format(timestampLayout)),
		Version:   version,
		CreatedAt: created,
	}
	manifest.Dir = filepath.Join(p.Dir, manifest.Name)
	logger := logging.Ensure(p.Logger).With("component", "release", "release", manifest.Name)

	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return Manifest{}, err
	}
	if _, err := os.Lstat(manifest.Dir); err == nil {
		return Manifest{}, fmt.Errorf("release %s already exists", manifest.Name)
	}
	staging, err := os.MkdirTemp(p.Dir, "."+manifest.Name+".partial-*")
	if err != nil {
		return Manifest{}, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	content := filepath.Join(staging, manifest.Name)
	if err := os.Mkdir(content, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("create release dir: %w", err)
	}

	for _, result := range successes {
		if err := ctx.Err(); err != nil {
			return Manifest{}, err
		}
		binary, err := p.copyBinary(result, content)
		if err != nil {
			return Manifest{}, err
		}
		manifest.Binaries = append(manifest.Binaries, binary)
	}

	if err := writeChecksums(content, manifest); err != nil {
		return Manifest{}, err
	}
	if err := writeReadme(content, manifest); err != nil {
		return Manifest{}, err
	}
	if err := writeManifest(content, manifest); err != nil {
		return Manifest{}, err
	}

	var staged []string
	for _, format := range p.formats() {
		if err := ctx.Err(); err != nil {
			return Manifest{}, err
		}
		path, err := writeArchive(content, format)
		if err != nil {
			return Manifest{}, err
		}
		staged = append(staged, path)
	}

	// Archives are published before the directory so a listed release
	// always has all of them.
	store := p.store()
	var published []artifacts.Artifact
	rollback := func() {
		for _, artifact := range published {
			if err := store.RemoveArtifact(artifact); err != nil {
				logger.Warn("failed to remove archive", "archive", artifact.Name, "error", err)
			}
		}
	}
	for i, path := range staged {
		format := p.formats()[i]
		artifact, err := store.StoreArtifact(path, filepath.Base(path), artifacts.ArchiveArtifact, map[string]any{
			"release": manifest.Name,
			"version": version,
			"format":  string(format),
			"run_id":  manifest.RunID,
		})
		if err != nil {
			rollback()
			return Manifest{}, fmt.Errorf("publish %s archive: %w", format, err)
		}
		published = append(published, artifact)
		manifest.Archives = append(manifest.Archives, archiveOf(format, artifact))
		logger.Debug("archive written", "format", string(format), "path", ArchivePath(manifest.Dir, format), "size", artifact.Size)
	}

	if err := os.Rename(content, manifest.Dir); err != nil {
		rollback()
		return Manifest{}, fmt.Errorf("publish release dir: %w", err)
	}

	logger.Info("release packaged", "dir", manifest.Dir, "binaries", len(manifest.Binaries), "archives", len(manifest.Archives))
	return manifest, nil
}

// store keeps the published archives next to the release directories.
func (p *Packager) store() *artifacts.LocalArtifactStore {
	return &artifacts.LocalArtifactStore{BaseDir: p.Dir}
}

func archiveOf(format Format, artifact artifacts.Artifact) Archive {
	archive := Archive{Format: format, Size: artifact.Size}
	archive.Path, _ = artifact.Path()
	if artifact.Checksum != nil {
		archive.SHA256 = *artifact.Checksum
	}
	return archive
}

func (p *Packager) copyBinary(result build.Result, dir string) (Binary, error) {
	name := filepath.Base(result.ArtifactPath)
	src, err := os.Open(result.ArtifactPath)
	if err != nil {
		return Binary{}, fmt.Errorf("open binary of %s: %w", result.Target, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o755)
	if err != nil {
		return Binary{}, err
	}

	sum256, sum512, sumMD5 := sha256.New(), sha512.New(), md5.New()
	size, err := io.Copy(io.MultiWriter(dst, sum256, sum512, sumMD5), src)
	if err != nil {
		dst.Close()
		return Binary{}, fmt.Errorf("copy binary of %s: %w", result.Target, err)
	}
	if err := dst.Close(); err != nil {
		return Binary{}, err
	}

	binary := Binary{
		Target: result.Target,
		Name:   name,
		Size:   size,
		SHA256: hex.EncodeToString(sum256.Sum(nil)),
		SHA512: hex.EncodeToString(sum512.Sum(nil)),
		MD5:    hex.EncodeToString(sumMD5.Sum(nil)),
	}
	if result.Checksum != "" && result.Checksum != binary.SHA256 {
		return Binary{}, fmt.Errorf("binary of %s changed since it was built", result.Target)
	}
	if passed, ok := p.Tested[result.Target]; ok {
		binary.Tested = &passed
	}
	return binary, nil
}

func writeChecksums(dir string, manifest Manifest) error {
	binaries := append([]Binary(nil), manifest.Binaries...)
	sort.Slice(binaries, func(i, j int) bool { return binaries[i].Name < binaries[j].Name })

	files := []struct {
		name   string
		digest func(Binary) string
	}{
		{"SHA256SUMS", func(b Binary) string { return b.SHA256 }},
		{"SHA512SUMS", func(b Binary) string { return b.SHA512 }},
		{"MD5SUMS", func(b Binary) string { return b.MD5 }},
	}
	for _, file := range files {
		var buf strings.Builder
		for _, binary := range binaries {
			fmt.Fprintf(&buf, "%s  %s\n", file.digest(binary), binary.Name)
		}
		if err := os.WriteFile(filepath.Join(dir, file.name), []byte(buf.String()), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", file.name, err)
		}
	}
	return nil
}

func writeReadme(dir string, manifest Manifest) error {
	var buf bytes.Buffer
	if err := readme.Execute(&buf, manifest); err != nil {
		return fmt.Errorf("render readme: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, ReadmeFile), buf.Bytes(), 0o644)
}

func writeManifest(dir string, manifest Manifest) error {
	manifest.Archives = nil
	payload, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestFile), append(payload, '\n'), 0o644)
}


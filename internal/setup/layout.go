package setup

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Directory names below the workspace root.
const (
	SourceDirName     = "sources"
	BuildDirName      = "build"
	OutputDirName     = "output"
	ReleaseDirName    = "releases"
	ArchConfigDirName = "configs/arch"
	ComposedDirName   = "configs/composed"
)

// Layout is the set of directories one orchestration run reads and writes.
type Layout struct {
	// SourceDir holds downloaded tarballs, signatures and extracted trees keyed by version.
	SourceDir string
	// BuildDir holds one ephemeral working directory per target.
	BuildDir string
	// OutputDir holds one stripped binary per (version, target).
	OutputDir string
	// ReleaseDir holds dated release directories and their archives.
	ReleaseDir string
	// ArchConfigDir holds per-target overlay files named after the target.
	ArchConfigDir string
	// ComposedDir receives composed configuration files.
	ComposedDir string
}

// DefaultLayout places every directory under root.
func DefaultLayout(root string) Layout {
	if strings.TrimSpace(root) == "" {
		root = "."
	}
	return Layout{
		SourceDir:     filepath.Join(root, SourceDirName),
		BuildDir:      filepath.Join(root, BuildDirName),
		OutputDir:     filepath.Join(root, OutputDirName),
		ReleaseDir:    filepath.Join(root, ReleaseDirName),
		ArchConfigDir: filepath.Join(root, filepath.FromSlash(ArchConfigDirName)),
		ComposedDir:   filepath.Join(root, filepath.FromSlash(ComposedDirName)),
	}
}

func (l Layout) writable() []string {
	return []string{l.SourceDir, l.BuildDir, l.OutputDir, l.ReleaseDir, l.ComposedDir}
}

// Ensure creates every writable directory of the layout.
func (l Layout) Ensure() error {
	for _, dir := range l.writable() {
		if strings.TrimSpace(dir) == "" {
			return errors.New("layout has an empty directory")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Clean removes the build and composed-config directories, and the source
// directory when includeSources is set. Stored binaries belong to the
// artifact store and releases are never removed.
func (l Layout) Clean(includeSources bool) error {
	dirs := []string{l.BuildDir, l.ComposedDir}
	if includeSources {
		dirs = append(dirs, l.SourceDir)
	}

	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		getLogger().Info("removing directory", "path", dir)
		if err := os.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}
	return nil
}

// RequiredTools lists the external binaries a full run shells out to.
var RequiredTools = []string{"docker", "gpg"}

// VerifyTools reports every tool in names that cannot be found on PATH.
func VerifyTools(names ...string) error {
	var missing []string
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required tools not found on PATH: %s", strings.Join(missing, ", "))
	}
	return nil
}

package release

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cochaviz/busybox-cross/internal/artifacts"
)

// Repository reads packaged releases back from BaseDir.
type Repository struct {
	BaseDir string
}

// List returns every release, newest first.
func (rep *Repository) List() ([]Manifest, error) {
	entries, err := os.ReadDir(rep.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var manifests []Manifest
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		manifest, err := rep.load(filepath.Join(rep.BaseDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if manifest == nil {
			continue
		}
		manifest.Archives = rep.archivesOf(manifest.Dir)
		manifests = append(manifests, *manifest)
	}

	sort.SliceStable(manifests, func(i, j int) bool {
		return manifests[i].CreatedAt.After(manifests[j].CreatedAt)
	})
	return manifests, nil
}

// Latest returns the newest release of version, or nil when there is none.
// An empty version matches any release.
func (rep *Repository) Latest(version string) (*Manifest, error) {
	manifests, err := rep.List()
	if err != nil {
		return nil, err
	}
	for _, manifest := range manifests {
		if version == "" || manifest.Version == version {
			latest := manifest
			return &latest, nil
		}
	}
	return nil, nil
}

func (rep *Repository) load(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, err
	}
	manifest.Dir = dir
	return &manifest, nil
}

// archivesOf finds the published archives of a release directory. The
// checksum comes from the archive's sidecar when it has one.
func (rep *Repository) archivesOf(dir string) []Archive {
	store := &artifacts.LocalArtifactStore{BaseDir: rep.BaseDir}
	var archives []Archive
	for _, format := range SupportedFormats() {
		path := ArchivePath(dir, format)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		archive := Archive{Format: format, Path: path, Size: info.Size()}
		if artifact, err := store.Get(filepath.Base(path)); err == nil && artifact != nil && artifact.Checksum != nil {
			archive.SHA256 = *artifact.Checksum
		}
		archives = append(archives, archive)
	}
	return archives
}

package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const metadataSuffix = ".json"

// LocalArtifactStore persists artifacts and metadata on disk under BaseDir.
// Each artifact is stored under its own name next to a JSON sidecar.
type LocalArtifactStore struct {
	BaseDir string
}

var _ ArtifactStore = (*LocalArtifactStore)(nil)

// StoreArtifact copies the file at artifactPath to BaseDir/name, replacing
// any earlier artifact of the same name, and records its metadata.
func (store *LocalArtifactStore) StoreArtifact(artifactPath, name string, kind ArtifactKind, metadata map[string]any) (Artifact, error) {
	if store.BaseDir == "" {
		return Artifact{}, errors.New("base directory is not configured")
	}
	if artifactPath == "" {
		return Artifact{}, errors.New("artifact path is required")
	}
	if err := validateName(name); err != nil {
		return Artifact{}, err
	}

	if err := os.MkdirAll(store.BaseDir, 0o755); err != nil {
		return Artifact{}, err
	}

	src, err := os.Open(artifactPath)
	if err != nil {
		return Artifact{}, err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return Artifact{}, err
	}

	destPath := filepath.Join(store.BaseDir, name)
	tmp, err := os.CreateTemp(store.BaseDir, "."+name+".tmp-*")
	if err != nil {
		return Artifact{}, err
	}
	tmpName := tmp.Name()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), src)
	if err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return Artifact{}, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return Artifact{}, err
	}
	if err := os.Chmod(tmpName, info.Mode().Perm()); err != nil {
		_ = os.Remove(tmpName)
		return Artifact{}, err
	}
	if err := os.Rename(tmpName, destPath); err != nil {
		_ = os.Remove(tmpName)
		return Artifact{}, err
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	artifact := Artifact{
		ID:          uuid.NewString(),
		Kind:        kind,
		Name:        name,
		URI:         FileURI(destPath),
		Size:        size,
		Checksum:    &checksum,
		ContentType: detectContentType(destPath, kind),
		CreatedAt:   time.Now().UTC(),
		Metadata:    cloneMetadata(metadata),
	}

	if err := store.writeMetadata(destPath, artifact); err != nil {
		return Artifact{}, err
	}

	return artifact, nil
}

// Get returns the artifact stored under name, or nil if there is none.
func (store *LocalArtifactStore) Get(name string) (*Artifact, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	return store.loadMetadata(filepath.Join(store.BaseDir, name) + metadataSuffix)
}

// List returns every artifact with a metadata sidecar, sorted by name.
func (store *LocalArtifactStore) List() ([]Artifact, error) {
	entries, err := os.ReadDir(store.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var out []Artifact
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metadataSuffix) {
			continue
		}
		artifact, err := store.loadMetadata(filepath.Join(store.BaseDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if artifact == nil {
			continue
		}
		out = append(out, *artifact)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RemoveArtifact deletes the artifact file and its metadata document.
func (store *LocalArtifactStore) RemoveArtifact(artifact Artifact) error {
	path, err := PathFromURI(artifact.URI)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := os.Remove(path + metadataSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return nil
}

// Clear removes all artifacts and metadata under the store's base directory.
func (store *LocalArtifactStore) Clear() error {
	entries, err := os.ReadDir(store.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(store.BaseDir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (store *LocalArtifactStore) writeMetadata(filePath string, artifact Artifact) error {
	payload, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filePath+metadataSuffix, payload, 0o644)
}

func (store *LocalArtifactStore) loadMetadata(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &artifact, nil
}

func validateName(name string) error {
	if name == "" {
		return errors.New("artifact name is required")
	}
	if name != filepath.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("artifact name %q must be a plain file name", name)
	}
	if strings.HasSuffix(name, metadataSuffix) {
		return fmt.Errorf("artifact name %q collides with metadata files", name)
	}
	return nil
}

func detectContentType(path string, kind ArtifactKind) string {
	if kind == BinaryArtifact {
		return "application/x-executable"
	}
	switch {
	case strings.HasSuffix(path, ".tar.gz"):
		return "application/gzip"
	case strings.HasSuffix(path, ".tar.xz"):
		return "application/x-xz"
	case strings.HasSuffix(path, ".tar.zst"):
		return "application/zstd"
	case strings.HasSuffix(path, ".iso"):
		return "application/x-iso9660-image"
	default:
		return "application/octet-stream"
	}
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for k, v := range metadata {
		cloned[k] = v
	}
	return cloned
}

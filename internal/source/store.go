package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

const stateDirName = ".state"

// StateStore keeps one JSON record per version under <dir>/.state.
// Writes are atomic and durable (file sync, rename, dir sync).
type StateStore struct {
	Dir string
}

func (s StateStore) path(version string) string {
	return filepath.Join(s.Dir, stateDirName, "busybox-"+version+".json")
}

// Load returns the recorded state of version, or a not-fetched state when
// nothing is recorded.
func (s StateStore) Load(version string) (State, error) {
	data, err := os.ReadFile(s.path(version))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return State{Version: version, Stage: StageNotFetched}, nil
		}
		return State{}, err
	}

	var state State
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&state); err != nil {
		return State{}, fmt.Errorf("decode state %s: %w", s.path(version), err)
	}
	if state.Version != version {
		return State{}, fmt.Errorf("state file %s records version %q", s.path(version), state.Version)
	}
	if state.Stage == "" {
		state.Stage = StageNotFetched
	}
	return state, nil
}

// Save replaces the recorded state of state.Version.
func (s StateStore) Save(state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')
	if err := writeFileAtomic(s.path(state.Version), data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}

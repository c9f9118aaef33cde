package dockcross

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cochaviz/busybox-cross/internal/build"
)

// Workspace is the private directory one job builds in. The shared source
// tree and configs are copied into it and never touched afterwards.
type Workspace struct {
	Dir string
}

// InstallDir is where `make install` places the binary tree.
func (w *Workspace) InstallDir() string {
	return filepath.Join(w.Dir, installDirName)
}

// Binary is the path the installed busybox binary is expected at.
func (w *Workspace) Binary() string {
	return filepath.Join(w.InstallDir(), "bin", "busybox")
}

// Cleanup removes the workspace.
func (w *Workspace) Cleanup() error {
	if w == nil || w.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(w.Dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove workdir: %w", err)
	}
	return nil
}

// prepareWorkspace stages <root>/<target> with a copy of the source tree and
// the composed config written as .config.
func prepareWorkspace(root string, job build.Job) (*Workspace, error) {
	if root == "" {
		return nil, errors.New("build dir is not configured")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create build dir: %w", err)
	}

	abs, err := filepath.Abs(filepath.Join(root, string(job.Target)))
	if err != nil {
		return nil, fmt.Errorf("resolve workdir: %w", err)
	}
	workspace := &Workspace{Dir: abs}

	// Leftovers from an interrupted run would leak stale objects into the build.
	if err := workspace.Cleanup(); err != nil {
		return nil, err
	}
	if err := copyDirectoryContents(job.SourceDir, workspace.Dir); err != nil {
		_ = workspace.Cleanup()
		return nil, fmt.Errorf("stage source tree: %w", err)
	}

	if job.ConfigPath != "" {
		if err := copyFile(job.ConfigPath, filepath.Join(workspace.Dir, ".config"), 0o644); err != nil {
			_ = workspace.Cleanup()
			return nil, &build.BuildError{Reason: build.ReasonConfigFailed, Message: "stage config", Err: err}
		}
	}
	return workspace, nil
}

func copyDirectoryContents(srcDir, dstDir string) error {
	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		targetPath := filepath.Join(dstDir, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := info.Mode()

		switch {
		case mode&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return err
			}
			return os.Symlink(link, targetPath)
		case d.IsDir():
			return os.MkdirAll(targetPath, mode.Perm()|0o700)
		case !mode.IsRegular():
			return fmt.Errorf("unsupported file type %s in %s", mode, path)
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return err
		}
		return copyFile(path, targetPath, mode.Perm())
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

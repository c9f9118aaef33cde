package source

import (
	"archive/tar"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// extractTarBz2 unpacks archive into dest. Entries whose path or link
// target would land outside dest are rejected, also when the escape goes
// through a symlink an earlier entry created.
func extractTarBz2(archive, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	if dest, err = filepath.Abs(dest); err != nil {
		return err
	}
	root, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return err
	}

	reader := tar.NewReader(bzip2.NewReader(f))
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", filepath.Base(archive), err)
		}

		switch header.Typeflag {
		case tar.TypeXGlobalHeader, tar.TypeXHeader:
			continue
		case tar.TypeDir, tar.TypeReg, tar.TypeSymlink, tar.TypeLink:
		default:
			return fmt.Errorf("unsupported tar entry %q (type %c)", header.Name, header.Typeflag)
		}

		target, err := containedPath(root, header.Name)
		if err != nil {
			return err
		}
		if target == root {
			if header.Typeflag == tar.TypeDir {
				continue
			}
			return fmt.Errorf("archive entry %q replaces the destination", header.Name)
		}
		parent, err := resolveParent(root, target)
		if err != nil {
			return fmt.Errorf("archive entry %q: %w", header.Name, err)
		}
		target = filepath.Join(parent, filepath.Base(target))

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirMode(header)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(target, reader, header); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := linkInside(root, target, header.Linkname); err != nil {
				return err
			}
			if err := prepareEntry(target); err != nil {
				return err
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			source, err := containedPath(root, header.Linkname)
			if err != nil {
				return err
			}
			sourceParent, err := resolveParent(root, source)
			if err != nil {
				return fmt.Errorf("hard link %q: %w", header.Name, err)
			}
			if err := prepareEntry(target); err != nil {
				return err
			}
			if err := os.Link(filepath.Join(sourceParent, filepath.Base(source)), target); err != nil {
				return err
			}
		}
	}
}

func containedPath(root, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("archive entry %q is absolute", name)
	}
	target := filepath.Join(root, name)
	if !within(root, target) {
		return "", fmt.Errorf("archive entry %q escapes the destination", name)
	}
	return target, nil
}

// resolveParent returns the real directory target lives in. Existing
// components are resolved through their symlinks; missing ones are appended
// as they are. The result must stay inside root, which is already resolved.
func resolveParent(root, target string) (string, error) {
	existing, missing := filepath.Dir(target), ""
	for {
		_, err := os.Lstat(existing)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) || existing == root {
			return "", err
		}
		missing = filepath.Join(filepath.Base(existing), missing)
		existing = filepath.Dir(existing)
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	resolved = filepath.Join(resolved, missing)
	if !within(root, resolved) {
		return "", errors.New("escapes the destination through a symlink")
	}
	return resolved, nil
}

// linkInside checks link against the real directory of target, so a
// relative link is judged from where it will actually be created.
func linkInside(root, target, link string) error {
	if filepath.IsAbs(link) {
		return fmt.Errorf("symlink %q points to absolute path %q", target, link)
	}
	if !within(root, filepath.Join(filepath.Dir(target), link)) {
		return fmt.Errorf("symlink %q escapes the destination", target)
	}
	return nil
}

// prepareEntry creates the parent of target and removes a non-directory
// already at target, so nothing is written through an old symlink.
func prepareEntry(target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	info, err := os.Lstat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", target)
	}
	return os.Remove(target)
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func writeEntry(target string, r io.Reader, header *tar.Header) error {
	if err := prepareEntry(target); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fileMode(header))
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func fileMode(header *tar.Header) os.FileMode {
	mode := os.FileMode(header.Mode).Perm()
	if mode == 0 {
		return 0o644
	}
	return mode | 0o600
}

func dirMode(header *tar.Header) os.FileMode {
	return os.FileMode(header.Mode).Perm() | 0o700
}

// Package kconfig composes BusyBox configuration files from a base file and
// an optional per-target overlay.
package kconfig

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cochaviz/busybox-cross/internal/toolchain"
)

// Composer appends per-target overlays to a base configuration.
type Composer struct {
	// OverlayDir holds overlay files named exactly after their target.
	OverlayDir string
	// OutputDir receives <target>.config for targets that have an overlay.
	OutputDir string
}

// OverlayPath returns where the overlay of target would live.
func (c Composer) OverlayPath(target toolchain.Target) string {
	return filepath.Join(c.OverlayDir, string(target))
}

// Compose returns the configuration path to build target with. Without an
// overlay that is basePath itself; otherwise the base lines followed by the
// overlay lines are written to OutputDir. Duplicate keys are left in place
// so kconfig's last-wins rule applies.
func (c Composer) Compose(basePath string, target toolchain.Target) (string, error) {
	base, err := os.ReadFile(basePath)
	if err != nil {
		return "", fmt.Errorf("read base config: %w", err)
	}

	if strings.TrimSpace(c.OverlayDir) == "" {
		return basePath, nil
	}
	overlay, err := os.ReadFile(c.OverlayPath(target))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return basePath, nil
		}
		return "", fmt.Errorf("read overlay for %s: %w", target, err)
	}

	if strings.TrimSpace(c.OutputDir) == "" {
		return "", errors.New("composer output directory is not configured")
	}

	composed := make([]byte, 0, len(base)+len(overlay)+1)
	composed = append(composed, base...)
	if len(base) > 0 && base[len(base)-1] != '\n' {
		composed = append(composed, '\n')
	}
	composed = append(composed, overlay...)

	outPath := filepath.Join(c.OutputDir, string(target)+".config")
	if existing, err := os.ReadFile(outPath); err == nil && bytes.Equal(existing, composed) {
		return outPath, nil
	}
	if err := os.MkdirAll(c.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create composed config dir: %w", err)
	}

	tmp, err := os.CreateTemp(c.OutputDir, "."+string(target)+".config-*")
	if err != nil {
		return "", fmt.Errorf("create composed config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(composed); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write composed config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close composed config: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, outPath); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("install composed config: %w", err)
	}
	return outPath, nil
}

// Effective parses a configuration file the way kconfig reads it: the last
// assignment of a key wins and "# CONFIG_X is not set" reads as "n".
func Effective(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	options := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if key, ok := unsetKey(line); ok {
			options[key] = "n"
			continue
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || !strings.HasPrefix(key, "CONFIG_") {
			continue
		}
		options[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return options, nil
}

func unsetKey(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, "# ")
	if !ok {
		return "", false
	}
	key, ok := strings.CutSuffix(rest, " is not set")
	if !ok || !strings.HasPrefix(key, "CONFIG_") {
		return "", false
	}
	return key, true
}

// Change is one option whose effective value differs between two configurations.
type Change struct {
	Key    string
	Before string
	After  string
}

// Diff lists the options whose effective value in after differs from before,
// sorted by key.
func Diff(before, after map[string]string) []Change {
	var changes []Change
	for key, value := range after {
		if prev, ok := before[key]; !ok || prev != value {
			changes = append(changes, Change{Key: key, Before: before[key], After: value})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })
	return changes
}

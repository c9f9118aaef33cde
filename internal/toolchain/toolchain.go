package toolchain

import (
	"fmt"
	"strings"

	"github.com/cochaviz/busybox-cross/arch"
)

// Target names one build architecture, e.g. "arm64-musl".
type Target string

func (t Target) String() string {
	return string(t)
}

// Toolchain is the container image and emulator pairing of one Target.
type Toolchain struct {
	Target Target
	// Image is a fully qualified container reference.
	Image string
	Arch  arch.Architecture
}

// Emulator returns the qemu user-mode binary able to run the target's binaries.
func (t Toolchain) Emulator() string {
	return t.Arch.Emulator()
}

// NeedsEmulation reports whether the target's binaries need the emulator on host.
func (t Toolchain) NeedsEmulation(host arch.Architecture) bool {
	return arch.NeedsEmulation(host, t.Arch)
}

// ParseTargets splits a whitespace or comma separated list into targets,
// preserving order. Duplicates are rejected.
func ParseTargets(value string) ([]Target, error) {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	return NewTargets(fields...)
}

// NewTargets converts names into targets, preserving order. Duplicates are
// rejected and blank names are skipped.
func NewTargets(names ...string) ([]Target, error) {
	targets := make([]Target, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		targets = append(targets, Target(name))
	}
	if err := CheckDuplicates(targets); err != nil {
		return nil, err
	}
	return targets, nil
}

// CheckDuplicates returns a DuplicateTargetError naming every repeated target.
func CheckDuplicates(targets []Target) error {
	seen := make(map[Target]int, len(targets))
	var dups []Target
	for _, t := range targets {
		seen[t]++
		if seen[t] == 2 {
			dups = append(dups, t)
		}
	}
	if len(dups) > 0 {
		return &DuplicateTargetError{Targets: dups}
	}
	return nil
}

func (t Toolchain) String() string {
	return fmt.Sprintf("%s (%s, %s)", t.Target, t.Image, t.Arch)
}

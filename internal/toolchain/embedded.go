package toolchain

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/busybox-cross/arch"
)

//go:embed assets/toolchains.yaml
var embeddedTable []byte

// Mapping is an immutable Target -> Toolchain table.
type Mapping struct {
	entries map[Target]Toolchain
	order   []Target
}

var (
	defaultOnce    sync.Once
	defaultMapping *Mapping
)

// Default returns the process-wide mapping built from the embedded table.
// The embedded table is validated by the package tests, so a parse failure
// here is a programming error.
func Default() *Mapping {
	defaultOnce.Do(func() {
		m, err := Parse(embeddedTable)
		if err != nil {
			panic(fmt.Errorf("toolchain: embedded table: %w", err))
		}
		defaultMapping = m
	})
	return defaultMapping
}

type tableDocument struct {
	Registry string                `yaml:"registry"`
	Tag      string                `yaml:"tag"`
	Targets  map[string]tableEntry `yaml:"targets"`
}

type tableEntry struct {
	Image string `yaml:"image"`
	Arch  string `yaml:"arch"`
}

// Parse builds a Mapping from a YAML table document.
func Parse(data []byte) (*Mapping, error) {
	var doc tableDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse toolchain table: %w", err)
	}
	if len(doc.Targets) == 0 {
		return nil, fmt.Errorf("toolchain table has no targets")
	}

	m := &Mapping{entries: make(map[Target]Toolchain, len(doc.Targets))}
	for name, entry := range doc.Targets {
		target := Target(strings.TrimSpace(name))
		if target == "" {
			return nil, fmt.Errorf("toolchain table has an empty target name")
		}
		if strings.TrimSpace(entry.Image) == "" {
			return nil, fmt.Errorf("target %q has no image", target)
		}
		architecture, err := arch.Parse(entry.Arch)
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", target, err)
		}
		m.entries[target] = Toolchain{
			Target: target,
			Image:  imageReference(doc.Registry, entry.Image, doc.Tag),
			Arch:   architecture,
		}
		m.order = append(m.order, target)
	}
	sort.Slice(m.order, func(i, j int) bool { return m.order[i] < m.order[j] })
	return m, nil
}

func imageReference(registry, image, tag string) string {
	ref := image
	if registry = strings.Trim(strings.TrimSpace(registry), "/"); registry != "" && !strings.Contains(image, "/") {
		ref = registry + "/" + image
	}
	if tag = strings.TrimSpace(tag); tag != "" && !strings.Contains(ref[strings.LastIndex(ref, "/")+1:], ":") {
		ref += ":" + tag
	}
	return ref
}

// Resolve returns the toolchain of target or an UnknownTargetError.
func (m *Mapping) Resolve(target Target) (Toolchain, error) {
	if m != nil {
		if tc, ok := m.entries[target]; ok {
			return tc, nil
		}
	}
	return Toolchain{}, &UnknownTargetError{Target: target}
}

// Targets returns every known target, sorted.
func (m *Mapping) Targets() []Target {
	if m == nil {
		return nil
	}
	return append([]Target(nil), m.order...)
}

// Toolchains returns every entry, sorted by target.
func (m *Mapping) Toolchains() []Toolchain {
	if m == nil {
		return nil
	}
	out := make([]Toolchain, 0, len(m.order))
	for _, t := range m.order {
		out = append(out, m.entries[t])
	}
	return out
}

// Validate returns an UnknownTargetError for the first target without a mapping.
func (m *Mapping) Validate(targets []Target) error {
	for _, t := range targets {
		if _, err := m.Resolve(t); err != nil {
			return err
		}
	}
	return nil
}

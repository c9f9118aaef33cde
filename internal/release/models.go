package release

import (
	"fmt"
	"strings"
	"time"

	"github.com/cochaviz/busybox-cross/internal/toolchain"
)

// Format is an archive format a release directory can be packed into.
type Format string

const (
	FormatTarGz  Format = "tar.gz"
	FormatTarXz  Format = "tar.xz"
	FormatTarZst Format = "tar.zst"
	FormatISO    Format = "iso"
)

// DefaultFormats are used when no formats are configured.
var DefaultFormats = []Format{FormatTarGz, FormatTarXz}

// SupportedFormats lists every Format in a stable order.
func SupportedFormats() []Format {
	return []Format{FormatTarGz, FormatTarXz, FormatTarZst, FormatISO}
}

// ParseFormats validates format names, dropping duplicates.
func ParseFormats(values []string) ([]Format, error) {
	var formats []Format
	seen := make(map[Format]bool)
	for _, value := range values {
		for _, field := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ' ' }) {
			format := Format(strings.ToLower(strings.TrimPrefix(field, ".")))
			switch format {
			case "tgz":
				format = FormatTarGz
			case "txz":
				format = FormatTarXz
			case "tzst":
				format = FormatTarZst
			}
			if !format.valid() {
				return nil, fmt.Errorf("unsupported release format %q", field)
			}
			if !seen[format] {
				seen[format] = true
				formats = append(formats, format)
			}
		}
	}
	return formats, nil
}

func (f Format) valid() bool {
	for _, candidate := range SupportedFormats() {
		if f == candidate {
			return true
		}
	}
	return false
}

// Binary is one packaged binary with its digests.
type Binary struct {
	Target toolchain.Target `json:"target"`
	Name   string           `json:"name"`
	Size   int64            `json:"size"`
	SHA256 string           `json:"sha256"`
	SHA512 string           `json:"sha512"`
	MD5    string           `json:"md5"`
	// Tested is nil when the binary was not smoke-tested.
	Tested *bool `json:"tested,omitempty"`
}

// Archive is a compressed copy of the release directory.
type Archive struct {
	Format Format `json:"format"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Manifest describes one packaged release. The copy written to release.json
// has no archives since they are created from the directory afterwards.
type Manifest struct {
	RunID     string    `json:"run_id"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Dir       string    `json:"dir"`
	CreatedAt time.Time `json:"created_at"`
	Binaries  []Binary  `json:"binaries"`
	Archives  []Archive `json:"archives,omitempty"`
}

// Targets returns the packaged targets in manifest order.
func (m Manifest) Targets() []toolchain.Target {
	out := make([]toolchain.Target, len(m.Binaries))
	for i, binary := range m.Binaries {
		out[i] = binary.Target
	}
	return out
}

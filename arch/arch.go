package arch

import (
	"fmt"
	"sort"
	"strings"
)

// Architecture names a CPU architecture the way qemu user-mode emulators do.
type Architecture string

const (
	X86_64   Architecture = "x86_64"
	I386     Architecture = "i386"
	AArch64  Architecture = "aarch64"
	ARM      Architecture = "arm"
	MIPS     Architecture = "mips"
	MIPSEL   Architecture = "mipsel"
	MIPS64   Architecture = "mips64"
	MIPS64EL Architecture = "mips64el"
	PPC      Architecture = "ppc"
	PPC64LE  Architecture = "ppc64le"
	S390X    Architecture = "s390x"
	RISCV32  Architecture = "riscv32"
	RISCV64  Architecture = "riscv64"
	M68K     Architecture = "m68k"
	Xtensa   Architecture = "xtensa"
)

// Supported returns the full list of supported architectures.
func Supported() []Architecture {
	return []Architecture{
		X86_64,
		I386,
		AArch64,
		ARM,
		MIPS,
		MIPSEL,
		MIPS64,
		MIPS64EL,
		PPC,
		PPC64LE,
		S390X,
		RISCV32,
		RISCV64,
		M68K,
		Xtensa,
	}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	for _, candidate := range Supported() {
		if a == candidate {
			return true
		}
	}
	return false
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// Emulator returns the name of the static qemu user-mode binary for a.
func (a Architecture) Emulator() string {
	if a == "" {
		return ""
	}
	return fmt.Sprintf("qemu-%s-static", a)
}

// Parse returns the canonical Architecture for the provided string or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}


// Normalize maps uname, GOARCH and distribution spellings onto a canonical
// Architecture. Returns "" when the string cannot be normalized.
func Normalize(value string) Architecture {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case string(X86_64), "x86-64", "amd64", "x64":
		return X86_64
	case string(I386), "x86", "i486", "i586", "i686", "386":
		return I386
	case string(AArch64), "arm64", "aarch64_be":
		return AArch64
	case string(ARM), "armv5", "armv5tel", "armv6", "armv6l", "armv7", "armv7l", "armhf", "armel":
		return ARM
	case string(MIPS):
		return MIPS
	case string(MIPSEL), "mipsle":
		return MIPSEL
	case string(MIPS64):
		return MIPS64
	case string(MIPS64EL), "mips64le":
		return MIPS64EL
	case string(PPC), "powerpc":
		return PPC
	case string(PPC64LE), "ppc64el", "powerpc64le":
		return PPC64LE
	case string(S390X):
		return S390X
	case string(RISCV32), "riscv":
		return RISCV32
	case string(RISCV64):
		return RISCV64
	case string(M68K):
		return M68K
	case string(Xtensa):
		return Xtensa
	default:
		return ""
	}
}

// NeedsEmulation reports whether binaries for target have to run through a
// qemu user-mode emulator on host.
func NeedsEmulation(host, target Architecture) bool {
	if host == target {
		return false
	}
	if host == X86_64 && target == I386 {
		return false
	}
	return true
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}

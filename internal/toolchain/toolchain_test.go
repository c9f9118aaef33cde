package toolchain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/busybox-cross/arch"
)

func TestEmbeddedTableParses(t *testing.T) {
	m, err := Parse(embeddedTable)
	require.NoError(t, err)
	assert.NotEmpty(t, m.Targets())

	for _, tc := range m.Toolchains() {
		assert.True(t, tc.Arch.IsValid(), "target %s has arch %q", tc.Target, tc.Arch)
		assert.Contains(t, tc.Image, "dockcross/")
		assert.NotEmpty(t, tc.Emulator())
	}
}

func TestDefaultIsSingleInstance(t *testing.T) {
	assert.Same(t, Default(), Default())
}

func TestResolveKnownTargets(t *testing.T) {
	m := Default()

	tc, err := m.Resolve("arm64-musl")
	require.NoError(t, err)
	assert.Equal(t, "docker.io/dockcross/linux-arm64-musl:latest", tc.Image)
	assert.Equal(t, arch.AArch64, tc.Arch)
	assert.Equal(t, "qemu-aarch64-static", tc.Emulator())

	tc, err = m.Resolve("android-x86")
	require.NoError(t, err)
	assert.False(t, tc.NeedsEmulation(arch.X86_64))
}

func TestResolveUnknownTarget(t *testing.T) {
	_, err := Default().Resolve("bad-arch")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownTarget))

	var unknown *UnknownTargetError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, Target("bad-arch"), unknown.Target)

	err = Default().Validate([]Target{"x86_64", "bad-arch"})
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestParseTargets(t *testing.T) {
	targets, err := ParseTargets("x86_64 arm64-musl,  mips\n")
	require.NoError(t, err)
	assert.Equal(t, []Target{"x86_64", "arm64-musl", "mips"}, targets)

	targets, err = ParseTargets("   ")
	require.NoError(t, err)
	assert.Empty(t, targets)

	_, err = ParseTargets("x86_64 mips x86_64 mips")
	var dup *DuplicateTargetError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, []Target{"x86_64", "mips"}, dup.Targets)
}

func TestParseRejectsBrokenTables(t *testing.T) {
	_, err := Parse([]byte("targets: {}"))
	assert.Error(t, err)

	_, err = Parse([]byte("targets:\n  foo: {image: x, arch: sparc}\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("targets:\n  foo: {arch: arm}\n"))
	assert.Error(t, err)
}

func TestImageReference(t *testing.T) {
	assert.Equal(t, "docker.io/dockcross/linux-x64:latest", imageReference("docker.io/dockcross", "linux-x64", "latest"))
	assert.Equal(t, "ghcr.io/me/img:v1", imageReference("docker.io/dockcross", "ghcr.io/me/img:v1", "latest"))
	assert.Equal(t, "linux-x64", imageReference("", "linux-x64", ""))
}

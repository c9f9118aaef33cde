package dockcross

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cochaviz/busybox-cross/arch"
	"github.com/cochaviz/busybox-cross/internal/artifacts"
	"github.com/cochaviz/busybox-cross/internal/build"
	"github.com/cochaviz/busybox-cross/internal/logging"
	"github.com/cochaviz/busybox-cross/internal/toolchain"
)

type fakeDocker struct {
	mu       sync.Mutex
	commands []build.Command

	missingImage bool
	pullFails    bool
	compileFails bool
	noBinary     bool
	stripFails   bool

	seenConfig string
}

func (f *fakeDocker) Run(_ context.Context, cmd build.Command) (build.CommandResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()

	switch cmd.Args[0] {
	case "image":
		if f.missingImage {
			return build.CommandResult{ExitCode: 1}, errors.New("no such image")
		}
		return build.CommandResult{}, nil
	case "pull":
		if f.pullFails {
			return build.CommandResult{ExitCode: 1, Output: []byte("manifest unknown\n")}, errors.New("exit status 1")
		}
		return build.CommandResult{}, nil
	case "run":
		workDir := mountSource(cmd.Args)
		script := cmd.Args[len(cmd.Args)-1]
		if strings.Contains(script, "strip") {
			if f.stripFails {
				return build.CommandResult{ExitCode: 127}, errors.New("strip: not found")
			}
			return build.CommandResult{}, nil
		}
		if data, err := os.ReadFile(filepath.Join(workDir, ".config")); err == nil {
			f.seenConfig = string(data)
		}
		if cmd.Output != nil {
			for i := 0; i < 60; i++ {
				fmt.Fprintf(cmd.Output, "CC line %d\n", i)
			}
		}
		if f.compileFails {
			fmt.Fprintln(cmd.Output, "libbb/foo.c:1: error: boom")
			return build.CommandResult{ExitCode: 2}, errors.New("exit status 2")
		}
		if !f.noBinary {
			bin := filepath.Join(workDir, installDirName, "bin")
			if err := os.MkdirAll(bin, 0o755); err != nil {
				return build.CommandResult{}, err
			}
			if err := os.WriteFile(filepath.Join(bin, "busybox"), []byte("\x7fELF busybox"), 0o755); err != nil {
				return build.CommandResult{}, err
			}
		}
		return build.CommandResult{}, nil
	default:
		return build.CommandResult{}, nil
	}
}

func (f *fakeDocker) verbs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.commands))
	for _, cmd := range f.commands {
		out = append(out, cmd.Args[0])
	}
	return out
}

func mountSource(args []string) string {
	for i, arg := range args {
		if arg == "-v" && i+1 < len(args) {
			return strings.TrimSuffix(args[i+1], ":"+containerDir)
		}
	}
	return ""
}

type fixture struct {
	builder *Builder
	docker  *fakeDocker
	job     build.Job
	output  string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()

	source := filepath.Join(root, "sources", "busybox-1.36.1")
	if err := os.MkdirAll(filepath.Join(source, "libbb"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(source, "Makefile"), []byte("all:\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(source, "libbb", "foo.c"), []byte("int x;\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	config := filepath.Join(root, "base.config")
	if err := os.WriteFile(config, []byte("CONFIG_STATIC=y\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	docker := &fakeDocker{}
	output := filepath.Join(root, "output")
	return fixture{
		builder: &Builder{
			Runner:   docker,
			Store:    &artifacts.LocalArtifactStore{BaseDir: output},
			WorkDir:  filepath.Join(root, "build"),
			MakeJobs: 4,
			Logger:   logging.Discard(),
		},
		docker: docker,
		output: output,
		job: build.Job{
			Target:     "arm64",
			Toolchain:  toolchain.Toolchain{Target: "arm64", Image: "docker.io/dockcross/linux-arm64:latest", Arch: arch.AArch64},
			Version:    "1.36.1",
			SourceDir:  source,
			ConfigPath: config,
		},
	}
}

func TestBuildStoresStrippedBinary(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	out, err := fx.builder.Build(context.Background(), fx.job)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	want := filepath.Join(fx.output, "busybox-1.36.1-arm64")
	if out.ArtifactPath != want {
		t.Fatalf("unexpected artifact path: got %q want %q", out.ArtifactPath, want)
	}
	if len(out.Checksum) != 64 {
		t.Fatalf("expected sha256 checksum, got %q", out.Checksum)
	}
	if _, err := os.Stat(want + ".json"); err != nil {
		t.Fatalf("expected metadata sidecar: %v", err)
	}
	if fx.docker.seenConfig != "CONFIG_STATIC=y\n" {
		t.Fatalf("config not staged as .config: %q", fx.docker.seenConfig)
	}
	if got := strings.Join(fx.docker.verbs(), ","); got != "image,run,run" {
		t.Fatalf("unexpected docker calls: %s", got)
	}
	if _, err := os.Stat(filepath.Join(fx.builder.WorkDir, "arm64")); !os.IsNotExist(err) {
		t.Fatalf("workspace was not removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(fx.job.SourceDir, ".config")); !os.IsNotExist(err) {
		t.Fatalf("shared source tree was modified")
	}
}

func TestBuildPullsMissingImage(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.docker.missingImage = true

	if _, err := fx.builder.Build(context.Background(), fx.job); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if got := strings.Join(fx.docker.verbs(), ","); got != "image,pull,run,run" {
		t.Fatalf("unexpected docker calls: %s", got)
	}
}

func TestBuildToolchainUnavailable(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.docker.missingImage = true
	fx.docker.pullFails = true

	_, err := fx.builder.Build(context.Background(), fx.job)
	if got := build.ReasonOf(err); got != build.ReasonToolchainUnavailable {
		t.Fatalf("unexpected reason: got %q (err %v)", got, err)
	}
}

func TestBuildSkipPull(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.docker.missingImage = true
	fx.builder.SkipPull = true

	_, err := fx.builder.Build(context.Background(), fx.job)
	if got := build.ReasonOf(err); got != build.ReasonToolchainUnavailable {
		t.Fatalf("unexpected reason: got %q", got)
	}
	for _, verb := range fx.docker.verbs() {
		if verb == "pull" {
			t.Fatalf("pull attempted with SkipPull")
		}
	}
}

func TestBuildFailureKeepsLogTail(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.docker.compileFails = true

	_, err := fx.builder.Build(context.Background(), fx.job)
	if got := build.ReasonOf(err); got != build.ReasonBuildFailed {
		t.Fatalf("unexpected reason: got %q", got)
	}
	tail := build.LogTailOf(err)
	if len(tail) != build.DefaultTailLines {
		t.Fatalf("expected %d tail lines, got %d", build.DefaultTailLines, len(tail))
	}
	if tail[len(tail)-1] != "libbb/foo.c:1: error: boom" {
		t.Fatalf("unexpected last line %q", tail[len(tail)-1])
	}
	if _, err := os.Stat(filepath.Join(fx.builder.WorkDir, "arm64")); !os.IsNotExist(err) {
		t.Fatalf("workspace was not removed after failure")
	}
}

func TestBuildArtifactMissing(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.docker.noBinary = true

	_, err := fx.builder.Build(context.Background(), fx.job)
	if got := build.ReasonOf(err); got != build.ReasonArtifactMissing {
		t.Fatalf("unexpected reason: got %q", got)
	}
}

func TestBuildStripFailureIsIgnored(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.docker.stripFails = true

	if _, err := fx.builder.Build(context.Background(), fx.job); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
}

func TestBuildSourceMissing(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.job.SourceDir = filepath.Join(t.TempDir(), "absent")

	_, err := fx.builder.Build(context.Background(), fx.job)
	if got := build.ReasonOf(err); got != build.ReasonSourceMissing {
		t.Fatalf("unexpected reason: got %q", got)
	}
	if len(fx.docker.verbs()) != 0 {
		t.Fatalf("docker should not run without sources")
	}
}

func TestCompileScriptCrossCompiles(t *testing.T) {
	script := compileScript(8)
	for _, want := range []string{"oldconfig", "-j8", "CONFIG_PREFIX=/work/_install install", "${CROSS_TRIPLE}-"} {
		if !strings.Contains(script, want) {
			t.Fatalf("compile script misses %q:\n%s", want, script)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	if got := sanitizeName("android-arm64/v8"); got != "android-arm64-v8" {
		t.Fatalf("sanitizeName() = %q", got)
	}
}

package dockcross

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/busybox-cross/internal/artifacts"
	"github.com/cochaviz/busybox-cross/internal/build"
	"github.com/cochaviz/busybox-cross/internal/logging"
)

const (
	installDirName = "_install"
	containerDir   = "/work"
	defaultDocker  = "docker"
	removeTimeout  = 30 * time.Second
)

var _ build.Builder = (*Builder)(nil)

// Builder compiles BusyBox inside the dockcross image of each target.
type Builder struct {
	// Runner executes docker; build.ExecRunner when nil.
	Runner build.CommandRunner
	// Store receives the stripped binaries.
	Store artifacts.ArtifactStore
	// WorkDir is the parent of the per-target workspaces.
	WorkDir string
	// Docker is the container CLI, "docker" when empty.
	Docker string
	// MakeJobs is passed to make -j; runtime.NumCPU() when zero.
	MakeJobs int
	// SkipPull fails instead of pulling images that are not present.
	SkipPull  bool
	TailLines int
	Logger    *slog.Logger
}

func (b *Builder) logger() *slog.Logger {
	if b != nil && b.Logger != nil {
		return b.Logger
	}
	return logging.Ensure(nil)
}

func (b *Builder) runner() build.CommandRunner {
	if b.Runner != nil {
		return b.Runner
	}
	return build.ExecRunner{}
}

func (b *Builder) docker() string {
	if b.Docker != "" {
		return b.Docker
	}
	return defaultDocker
}

func (b *Builder) makeJobs() int {
	if b.MakeJobs > 0 {
		return b.MakeJobs
	}
	return runtime.NumCPU()
}

// Build produces busybox-<version>-<target> in the artifact store.
func (b *Builder) Build(ctx context.Context, job build.Job) (build.Output, error) {
	if b.Store == nil {
		return build.Output{}, errors.New("builder has no artifact store")
	}
	logger := b.logger().With("component", "dockcross", logging.TargetKey, string(job.Target))

	info, err := os.Stat(job.SourceDir)
	if err != nil || !info.IsDir() {
		if err == nil {
			err = fs.ErrInvalid
		}
		return build.Output{}, &build.BuildError{
			Reason:  build.ReasonSourceMissing,
			Message: fmt.Sprintf("source tree %q is not available", job.SourceDir),
			Err:     err,
		}
	}

	if err := b.ensureImage(ctx, logger, job.Toolchain.Image); err != nil {
		return build.Output{}, err
	}

	workspace, err := prepareWorkspace(b.WorkDir, job)
	if err != nil {
		return build.Output{}, err
	}
	defer func() {
		if err := workspace.Cleanup(); err != nil {
			logger.Warn("failed to remove workspace", "dir", workspace.Dir, "error", err)
		}
	}()

	logger.Info("compiling", "image", job.Toolchain.Image, "workdir", workspace.Dir, "jobs", b.makeJobs())
	tail := build.NewTailBuffer(b.TailLines)
	if err := b.runContainer(ctx, logger, job, workspace, compileScript(b.makeJobs()), tail); err != nil {
		return build.Output{LogTail: tail.Lines()}, &build.BuildError{
			Reason:  build.ReasonBuildFailed,
			Message: "compile in container",
			LogTail: tail.Lines(),
			Err:     err,
		}
	}

	binary := workspace.Binary()
	if _, err := os.Stat(binary); err != nil {
		return build.Output{LogTail: tail.Lines()}, &build.BuildError{
			Reason:  build.ReasonArtifactMissing,
			Message: fmt.Sprintf("build finished without %s/bin/busybox", installDirName),
			LogTail: tail.Lines(),
			Err:     err,
		}
	}

	stripTail := build.NewTailBuffer(b.TailLines)
	if err := b.runContainer(ctx, logger, job, workspace, stripScript, stripTail); err != nil {
		if ctx.Err() != nil {
			return build.Output{}, ctx.Err()
		}
		logger.Warn("strip failed, keeping unstripped binary", "error", err, "output", strings.Join(stripTail.Lines(), "\n"))
	}

	name := build.BinaryName(job.Version, job.Target)
	artifact, err := b.Store.StoreArtifact(binary, name, artifacts.BinaryArtifact, map[string]any{
		"target":  string(job.Target),
		"version": job.Version,
		"image":   job.Toolchain.Image,
		"arch":    job.Toolchain.Arch.String(),
		"config":  job.ConfigPath,
	})
	if err != nil {
		return build.Output{}, fmt.Errorf("store binary: %w", err)
	}

	path, err := artifact.Path()
	if err != nil {
		return build.Output{}, err
	}
	checksum := ""
	if artifact.Checksum != nil {
		checksum = *artifact.Checksum
	}
	logger.Info("stored binary", "path", path, "size", artifact.Size, "sha256", checksum)

	return build.Output{
		ArtifactPath: path,
		Checksum:     checksum,
		LogTail:      tail.Lines(),
	}, nil
}

func (b *Builder) ensureImage(ctx context.Context, logger *slog.Logger, image string) error {
	if image == "" {
		return build.Errorf(build.ReasonToolchainUnavailable, "toolchain has no image")
	}

	runner := b.runner()
	_, err := runner.Run(ctx, build.Command{Name: b.docker(), Args: []string{"image", "inspect", image}})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if b.SkipPull {
		return build.Errorf(build.ReasonToolchainUnavailable, "image %s is not present and pulling is disabled", image)
	}

	logger.Info("pulling toolchain image", "image", image)
	result, err := runner.Run(ctx, build.Command{Name: b.docker(), Args: []string{"pull", image}})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &build.BuildError{
			Reason:  build.ReasonToolchainUnavailable,
			Message: fmt.Sprintf("pull %s", image),
			LogTail: build.Tail(string(result.Output), b.TailLines),
			Err:     err,
		}
	}
	return nil
}

func (b *Builder) runContainer(ctx context.Context, logger *slog.Logger, job build.Job, workspace *Workspace, script string, tail *build.TailBuffer) error {
	name := containerName(job)
	args := []string{
		"run", "--rm",
		"--name", name,
		"-v", workspace.Dir + ":" + containerDir,
		"-w", containerDir,
	}
	args = append(args, builderUserEnv()...)
	args = append(args, job.Toolchain.Image, "sh", "-c", script)

	logger.Debug("running container", "name", name, "script", script)
	_, err := b.runner().Run(ctx, build.Command{Name: b.docker(), Args: args, Output: tail})
	if err != nil && ctx.Err() != nil {
		b.removeContainer(logger, name)
	}
	return err
}

// removeContainer force-removes a container left running by a cancelled
// job. It uses its own context because the job's one is already done.
func (b *Builder) removeContainer(logger *slog.Logger, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()

	if _, err := b.runner().Run(ctx, build.Command{Name: b.docker(), Args: []string{"rm", "-f", name}}); err != nil {
		logger.Debug("container removal failed", "name", name, "error", err)
	}
}

func containerName(job build.Job) string {
	return fmt.Sprintf("busybox-cross-%s-%s", sanitizeName(string(job.Target)), uuid.NewString()[:8])
}

func sanitizeName(value string) string {
	var builder strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			builder.WriteRune(r)
		default:
			builder.WriteByte('-')
		}
	}
	return builder.String()
}

// builderUserEnv maps the container user onto the host user through the
// dockcross entrypoint so the workspace stays removable.
func builderUserEnv() []string {
	uid, gid := os.Getuid(), os.Getgid()
	if uid < 0 || gid < 0 {
		return nil
	}
	return []string{
		"-e", fmt.Sprintf("BUILDER_UID=%d", uid),
		"-e", fmt.Sprintf("BUILDER_GID=%d", gid),
		"-e", "BUILDER_USER=builder",
		"-e", "BUILDER_GROUP=builder",
	}
}

func compileScript(jobs int) string {
	return strings.Join([]string{
		"set -e",
		`cross="CROSS_COMPILE=${CROSS_TRIPLE}-"`,
		`yes "" | make "$cross" oldconfig >/dev/null`,
		fmt.Sprintf(`make "$cross" -j%d`, jobs),
		`make "$cross" CONFIG_PREFIX=` + containerDir + "/" + installDirName + " install",
	}, "\n")
}

const stripScript = `"${CROSS_TRIPLE}-strip" ` + containerDir + "/" + installDirName + "/bin/busybox"

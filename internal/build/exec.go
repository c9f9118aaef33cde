package build

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
)

// Command describes one external process invocation.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string
	Stdin io.Reader
	// Output receives combined stdout and stderr when set.
	Output io.Writer
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// CommandResult is the outcome of a finished process.
type CommandResult struct {
	ExitCode int
	Output   []byte
}

// CommandRunner executes external commands. The default is ExecRunner; tests
// substitute a stub so that no container runtime is needed.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (CommandResult, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run starts cmd and waits for it. A non-zero exit is reported through both
// CommandResult.ExitCode and a non-nil *exec.ExitError.
func (ExecRunner) Run(ctx context.Context, c Command) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	cmd.Stdin = c.Stdin

	var captured strings.Builder
	var sink io.Writer = &captured
	if c.Output != nil {
		sink = io.MultiWriter(&captured, c.Output)
	}
	cmd.Stdout = sink
	cmd.Stderr = sink

	err := cmd.Run()
	result := CommandResult{Output: []byte(captured.String())}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		return result, err
	}
	return result, nil
}

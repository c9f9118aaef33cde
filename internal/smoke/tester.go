package smoke

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cochaviz/busybox-cross/arch"
	"github.com/cochaviz/busybox-cross/internal/build"
	"github.com/cochaviz/busybox-cross/internal/logging"
	"github.com/cochaviz/busybox-cross/internal/toolchain"
)

const defaultCheckTimeout = 30 * time.Second

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Error    string        `json:"error,omitempty"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result aggregates the checks of one binary.
type Result struct {
	Target   toolchain.Target `json:"target"`
	Binary   string           `json:"binary"`
	Emulator string           `json:"emulator,omitempty"`
	Passed   bool             `json:"passed"`
	Error    string           `json:"error,omitempty"`
	Checks   []CheckResult    `json:"checks"`
}

// Failed returns the names of the checks that did not pass.
func (r Result) Failed() []string {
	var names []string
	for _, check := range r.Checks {
		if !check.Passed {
			names = append(names, check.Name)
		}
	}
	return names
}

// Subject is one binary to test.
type Subject struct {
	Binary    string
	Toolchain toolchain.Toolchain
}

// Tester runs the check battery against built binaries, through the target's
// qemu user-mode emulator when the host cannot execute them natively.
type Tester struct {
	Runner build.CommandRunner
	// Host is detected with arch.Host() when empty.
	Host         arch.Architecture
	Checks       []Check
	CheckTimeout time.Duration
	// Concurrency bounds TestAll; one when below one.
	Concurrency int
	// LookPath locates emulators; exec.LookPath when nil.
	LookPath func(string) (string, error)
	Logger   *slog.Logger
}

func (t *Tester) runner() build.CommandRunner {
	if t.Runner != nil {
		return t.Runner
	}
	return build.ExecRunner{}
}

func (t *Tester) host() arch.Architecture {
	if t.Host != "" {
		return t.Host
	}
	return arch.Host()
}

func (t *Tester) checks() []Check {
	if t.Checks != nil {
		return t.Checks
	}
	return DefaultChecks()
}

func (t *Tester) lookPath(name string) (string, error) {
	if t.LookPath != nil {
		return t.LookPath(name)
	}
	return exec.LookPath(name)
}

// Test runs every check against binary. It never modifies binary; a changed
// checksum afterwards fails the result.
func (t *Tester) Test(ctx context.Context, binary string, tc toolchain.Toolchain, version string) Result {
	logger := logging.Ensure(t.Logger).With("component", "smoke", logging.TargetKey, string(tc.Target))
	result := Result{Target: tc.Target, Binary: binary}

	before, err := fileSHA256(binary)
	if err != nil {
		result.Error = fmt.Sprintf("read binary: %v", err)
		logger.Error("cannot test binary", "error", err)
		return result
	}

	var prefix []string
	if tc.NeedsEmulation(t.host()) {
		emulator, err := t.lookPath(tc.Emulator())
		if err != nil {
			result.Error = fmt.Sprintf("emulator %s not available: %v", tc.Emulator(), err)
			logger.Error("cannot test binary", "error", result.Error)
			return result
		}
		result.Emulator = emulator
		prefix = []string{emulator}
	}

	result.Passed = true
	for _, check := range t.checks() {
		if ctx.Err() != nil {
			result.Passed = false
			result.Error = ctx.Err().Error()
			break
		}
		checkResult := t.runCheck(ctx, check, prefix, Vars{Binary: binary, Version: version})
		if !checkResult.Passed {
			result.Passed = false
			logger.Warn("check failed", "check", check.Name, "error", checkResult.Error)
		} else {
			logger.Debug("check passed", "check", check.Name, "duration", checkResult.Duration)
		}
		result.Checks = append(result.Checks, checkResult)
	}

	after, err := fileSHA256(binary)
	if err != nil || after != before {
		result.Passed = false
		result.Error = "binary changed while testing"
	}

	if result.Passed {
		logger.Info("smoke tests passed", "checks", len(result.Checks), "emulated", result.Emulator != "")
	}
	return result
}

func (t *Tester) runCheck(ctx context.Context, check Check, prefix []string, vars Vars) (result CheckResult) {
	started := time.Now()
	result.Name = check.Name
	defer func() { result.Duration = time.Since(started) }()

	workDir, err := os.MkdirTemp("", "busybox-smoke-*")
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer os.RemoveAll(workDir)
	vars.WorkDir = workDir

	prepared, err := check.render(vars)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	timeout := t.CheckTimeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := append(append([]string(nil), prefix...), prepared.Args...)
	cmd := build.Command{Name: argv[0], Args: argv[1:], Dir: workDir}
	if prepared.Stdin != "" {
		cmd.Stdin = strings.NewReader(prepared.Stdin)
	}

	out, err := t.runner().Run(checkCtx, cmd)
	result.Output = strings.TrimSpace(string(out.Output))
	if err != nil && (!check.IgnoreExitCode || out.ExitCode < 0) {
		if checkCtx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("timed out after %s", timeout)
		}
		result.Error = err.Error()
		return result
	}
	if err := prepared.Expect.Match(string(out.Output)); err != nil {
		result.Error = err.Error()
		return result
	}
	result.Passed = true
	return result
}

// TestAll tests every subject with at most Concurrency in flight and returns
// results in subject order.
func (t *Tester) TestAll(ctx context.Context, subjects []Subject, version string) []Result {
	results := make([]Result, len(subjects))
	limit := t.Concurrency
	if limit < 1 {
		limit = 1
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(limit)
	for i, subject := range subjects {
		i, subject := i, subject
		group.Go(func() error {
			results[i] = t.Test(groupCtx, subject.Binary, subject.Toolchain, version)
			return nil
		})
	}
	_ = group.Wait()
	return results
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

package build

import (
	"fmt"
	"time"

	"github.com/cochaviz/busybox-cross/internal/toolchain"
)

// Outcome is the terminal state of one build job.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Reason classifies why a job failed.
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonUnknownTarget        Reason = "unknown-target"
	ReasonConfigFailed         Reason = "config-failed"
	ReasonSourceMissing        Reason = "source-missing"
	ReasonToolchainUnavailable Reason = "toolchain-unavailable"
	ReasonBuildFailed          Reason = "build-failed"
	ReasonArtifactMissing      Reason = "artifact-missing"
	ReasonTimeout              Reason = "timeout"
	ReasonCancelled            Reason = "cancelled"
	ReasonPanic                Reason = "panic"
)

// Inputs are shared by every job of one run. They are read-only: jobs copy
// what they need into their own working directory.
type Inputs struct {
	Version    string
	SourceDir  string
	BaseConfig string
}

// Job is the unit of work handed to a Builder.
type Job struct {
	Target     toolchain.Target
	Toolchain  toolchain.Toolchain
	Version    string
	SourceDir  string
	ConfigPath string
}

// Output is what a Builder produced for a successful job.
type Output struct {
	ArtifactPath string
	Checksum     string
	LogTail      []string
}

// Result is the recorded outcome of one job. It is not modified after the
// scheduler stores it.
type Result struct {
	Target       toolchain.Target `json:"target"`
	Outcome      Outcome          `json:"outcome"`
	Reason       Reason           `json:"reason,omitempty"`
	Error        string           `json:"error,omitempty"`
	Image        string           `json:"image,omitempty"`
	ConfigPath   string           `json:"config_path,omitempty"`
	ArtifactPath string           `json:"artifact_path,omitempty"`
	Checksum     string           `json:"checksum,omitempty"`
	LogTail      []string         `json:"log_tail,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at"`
}

// Succeeded reports whether the job produced its binary.
func (r Result) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// Report holds one Result per requested target, in request order.
type Report struct {
	Version string   `json:"version"`
	Results []Result `json:"results"`
}

// Failed reports whether any target failed.
func (r Report) Failed() bool {
	for _, result := range r.Results {
		if !result.Succeeded() {
			return true
		}
	}
	return false
}

// Successes returns the successful results in request order.
func (r Report) Successes() []Result {
	var out []Result
	for _, result := range r.Results {
		if result.Succeeded() {
			out = append(out, result)
		}
	}
	return out
}

// Failures returns the failed results in request order.
func (r Report) Failures() []Result {
	var out []Result
	for _, result := range r.Results {
		if !result.Succeeded() {
			out = append(out, result)
		}
	}
	return out
}

// BinaryName is the deterministic output file name of a (version, target) pair.
func BinaryName(version string, target toolchain.Target) string {
	return fmt.Sprintf("busybox-%s-%s", version, target)
}

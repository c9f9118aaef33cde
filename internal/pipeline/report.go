package pipeline

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gookit/color"

	"github.com/cochaviz/busybox-cross/internal/build"
	"github.com/cochaviz/busybox-cross/internal/release"
	"github.com/cochaviz/busybox-cross/internal/smoke"
	"github.com/cochaviz/busybox-cross/internal/toolchain"
)

// Report is the outcome of one pipeline run.
type Report struct {
	Version        string                            `json:"version"`
	SourceVerified bool                              `json:"source_verified"`
	Build          build.Report                      `json:"build"`
	SkippedTests   bool                              `json:"skipped_tests"`
	Tests          map[toolchain.Target]smoke.Result `json:"tests,omitempty"`
	Release        *release.Manifest                 `json:"release,omitempty"`
	ReleaseError   string                            `json:"release_error,omitempty"`
	Duration       time.Duration                     `json:"duration"`
}

// Failed reports whether a build failed or, unless tests were skipped, a
// built binary failed its smoke tests. Packaging problems do not count.
func (r Report) Failed() bool {
	if r.Build.Failed() {
		return true
	}
	if r.SkippedTests {
		return false
	}
	for _, result := range r.Build.Successes() {
		test, ok := r.Tests[result.Target]
		if !ok || !test.Passed {
			return true
		}
	}
	return false
}

type row struct {
	target string
	build  cell
	test   cell
	detail string
}

type cell struct {
	text  string
	style color.Color
}

var (
	okStyle      = color.Green
	failStyle    = color.Red
	skippedStyle = color.Yellow
)

func (r Report) rows() []row {
	rows := make([]row, 0, len(r.Build.Results))
	for _, result := range r.Build.Results {
		current := row{target: string(result.Target)}
		if result.Succeeded() {
			current.build = cell{"ok", okStyle}
			current.detail = result.ArtifactPath
		} else {
			current.build = cell{string(result.Reason), failStyle}
			current.detail = result.Error
		}

		switch test, tested := r.Tests[result.Target]; {
		case !result.Succeeded():
			current.test = cell{"-", color.Normal}
		case r.SkippedTests:
			current.test = cell{"skipped", skippedStyle}
		case !tested:
			current.test = cell{"missing", failStyle}
		case test.Passed:
			current.test = cell{"ok", okStyle}
		default:
			current.test = cell{"failed", failStyle}
			current.detail = test.Error
			if failed := test.Failed(); len(failed) > 0 {
				current.detail = "failed checks: " + strings.Join(failed, ", ")
			}
		}
		rows = append(rows, current)
	}
	return rows
}

// Render writes the per-target outcome table. Status cells are coloured
// when useColor is set.
func (r Report) Render(w io.Writer, useColor bool) error {
	rows := r.rows()
	widths := [3]int{len("TARGET"), len("BUILD"), len("TEST")}
	for _, current := range rows {
		widths[0] = max(widths[0], len(current.target))
		widths[1] = max(widths[1], len(current.build.text))
		widths[2] = max(widths[2], len(current.test.text))
	}

	paint := func(c cell, width int) string {
		padded := fmt.Sprintf("%-*s", width, c.text)
		if !useColor || c.style == color.Normal {
			return padded
		}
		return c.style.Sprint(padded)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-*s  %-*s  %-*s  %s\n", widths[0], "TARGET", widths[1], "BUILD", widths[2], "TEST", "DETAIL")
	for _, current := range rows {
		fmt.Fprintf(&b, "%-*s  %s  %s  %s\n",
			widths[0], current.target,
			paint(current.build, widths[1]),
			paint(current.test, widths[2]),
			truncate(current.detail, 100),
		)
	}

	succeeded := len(r.Build.Successes())
	fmt.Fprintf(&b, "\n%d/%d targets built", succeeded, len(r.Build.Results))
	if r.Duration > 0 {
		fmt.Fprintf(&b, " in %s", r.Duration.Round(time.Second))
	}
	b.WriteString("\n")
	if r.Release != nil {
		fmt.Fprintf(&b, "release: %s\n", r.Release.Dir)
		for _, archive := range r.Release.Archives {
			fmt.Fprintf(&b, "  %s\n", archive.Path)
		}
	}
	if r.ReleaseError != "" {
		line := "release failed: " + r.ReleaseError
		if useColor {
			line = failStyle.Sprint(line)
		}
		b.WriteString(line + "\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// truncate shortens s to at most limit runes.
func truncate(s string, limit int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-3]) + "..."
}

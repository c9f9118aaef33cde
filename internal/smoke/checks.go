package smoke

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed assets/checks.yaml
var embeddedChecks []byte

// Check is one command run against a binary and the output it must produce.
type Check struct {
	Name           string      `yaml:"name"`
	Args           []string    `yaml:"args"`
	Stdin          string      `yaml:"stdin"`
	IgnoreExitCode bool        `yaml:"ignore_exit_code"`
	Expect         Expectation `yaml:"expect"`
}

// Expectation describes acceptable output. All non-empty fields must hold.
type Expectation struct {
	// Equals is compared against the trimmed output.
	Equals   *string  `yaml:"equals"`
	Contains []string `yaml:"contains"`
	// Lines must each appear as a whole (trimmed) output line.
	Lines []string `yaml:"lines"`
}

type checkDocument struct {
	Checks []Check `yaml:"checks"`
}

// Vars are the template variables available to check arguments.
type Vars struct {
	Binary  string
	WorkDir string
	Version string
}

var (
	defaultOnce   sync.Once
	defaultChecks []Check
)

// DefaultChecks returns the embedded battery.
func DefaultChecks() []Check {
	defaultOnce.Do(func() {
		checks, err := ParseChecks(embeddedChecks)
		if err != nil {
			panic(fmt.Errorf("smoke: embedded checks: %w", err))
		}
		defaultChecks = checks
	})
	return slices.Clone(defaultChecks)
}

// ParseChecks decodes a YAML check list.
func ParseChecks(data []byte) ([]Check, error) {
	var doc checkDocument
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse checks: %w", err)
	}
	if len(doc.Checks) == 0 {
		return nil, errors.New("no checks defined")
	}
	seen := make(map[string]bool, len(doc.Checks))
	for _, check := range doc.Checks {
		if check.Name == "" {
			return nil, errors.New("check without a name")
		}
		if seen[check.Name] {
			return nil, fmt.Errorf("check %q defined twice", check.Name)
		}
		seen[check.Name] = true
		if len(check.Args) == 0 {
			return nil, fmt.Errorf("check %q has no args", check.Name)
		}
	}
	return doc.Checks, nil
}

// rendered is a Check with every template expanded.
type rendered struct {
	Args   []string
	Stdin  string
	Expect Expectation
}

func (c Check) render(vars Vars) (rendered, error) {
	out := rendered{Args: make([]string, len(c.Args))}
	var err error
	for i, arg := range c.Args {
		if out.Args[i], err = expand(c.Name, arg, vars); err != nil {
			return rendered{}, err
		}
	}
	if out.Stdin, err = expand(c.Name, c.Stdin, vars); err != nil {
		return rendered{}, err
	}

	if c.Expect.Equals != nil {
		equals, err := expand(c.Name, *c.Expect.Equals, vars)
		if err != nil {
			return rendered{}, err
		}
		out.Expect.Equals = &equals
	}
	for _, s := range c.Expect.Contains {
		value, err := expand(c.Name, s, vars)
		if err != nil {
			return rendered{}, err
		}
		out.Expect.Contains = append(out.Expect.Contains, value)
	}
	for _, s := range c.Expect.Lines {
		value, err := expand(c.Name, s, vars)
		if err != nil {
			return rendered{}, err
		}
		out.Expect.Lines = append(out.Expect.Lines, value)
	}
	return out, nil
}

func expand(name, text string, vars Vars) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("check %q: parse template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("check %q: render template: %w", name, err)
	}
	return buf.String(), nil
}

// Match returns nil when output satisfies e.
func (e Expectation) Match(output string) error {
	trimmed := strings.TrimSpace(output)
	if e.Equals != nil && trimmed != *e.Equals {
		return fmt.Errorf("expected %q, got %q", *e.Equals, abbreviate(trimmed))
	}
	for _, want := range e.Contains {
		if !strings.Contains(output, want) {
			return fmt.Errorf("output does not contain %q", want)
		}
	}
	if len(e.Lines) > 0 {
		lines := make(map[string]bool)
		for _, line := range strings.Split(output, "\n") {
			lines[strings.TrimSpace(line)] = true
		}
		for _, want := range e.Lines {
			if !lines[want] {
				return fmt.Errorf("output has no line %q", want)
			}
		}
	}
	return nil
}

func abbreviate(s string) string {
	const limit = 120
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

package setup

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSettingsFile is read from the working directory when --settings is not given.
const DefaultSettingsFile = "busybox-cross.yaml"

// Settings mirrors the build flags; command-line flags win over values set here.
type Settings struct {
	Version         string        `yaml:"version"`
	Targets         []string      `yaml:"targets"`
	BaseConfig      string        `yaml:"base_config"`
	Jobs            int           `yaml:"jobs"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	Workspace       string        `yaml:"workspace"`
	Mirror          string        `yaml:"mirror"`
	AllowUnverified bool          `yaml:"allow_unverified"`
	SkipTests       bool          `yaml:"skip_tests"`
	ReleaseFormats  []string      `yaml:"release_formats"`
}

// LoadSettings reads path. A missing file yields zero Settings when optional
// is set, so the default file name can be tried without an error.
func LoadSettings(path string, optional bool) (Settings, error) {
	var settings Settings

	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return settings, nil
		}
		return settings, fmt.Errorf("read settings %s: %w", path, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&settings); err != nil {
		if errors.Is(err, io.EOF) {
			return settings, nil
		}
		return settings, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if settings.Jobs < 0 {
		return settings, fmt.Errorf("settings %s: jobs must not be negative", path)
	}
	getLogger().Debug("loaded settings", "path", path)
	return settings, nil
}

package producer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SettingsFile is the per-project settings file, looked up in the project
// directory.
const SettingsFile = ".withme.yaml"

// Settings are the project-local producer preferences.
type Settings struct {
	// Enabled is nil when the project expressed no preference.
	Enabled *bool `yaml:"enabled"`
	// Endpoint overrides the ingest URL.
	Endpoint string `yaml:"endpoint"`
}

// LoadSettings reads dir/.withme.yaml. A missing file yields zero Settings.
func LoadSettings(dir string) (Settings, error) {
	var s Settings
	data, err := os.ReadFile(filepath.Join(dir, SettingsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, err
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse %s: %w", SettingsFile, err)
	}
	return s, nil
}

const optOutEnv = "TYPO3_WITHME_OPTOUT"

var ciIndicators = []string{"CI", "CONTINUOUS_INTEGRATION", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "TRAVIS"}

// OptOut reports whether no ping may be sent, and why.
// TYPO3_WITHME_OPTOUT=1 and enabled: false always win. CI environments are
// skipped unless the project sets enabled: true or TYPO3_WITHME_OPTOUT=0.
func OptOut(s Settings, lookupEnv func(string) (string, bool)) (bool, string) {
	env, _ := lookupEnv(optOutEnv)
	if env == "1" {
		return true, optOutEnv + "=1"
	}
	if s.Enabled != nil && !*s.Enabled {
		return true, SettingsFile + " has enabled: false"
	}
	explicit := env == "0" || (s.Enabled != nil && *s.Enabled)
	if !explicit {
		for _, name := range ciIndicators {
			if _, ok := lookupEnv(name); ok {
				return true, "CI environment detected (" + name + ")"
			}
		}
	}
	return false, ""
}

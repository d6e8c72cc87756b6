// Package terminal is the register-side runtime: it composes the session
// core (store, coordinator, executor, orchestrator) for one terminal of a
// register profile and drives it from the command line.
package terminal

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const configfile = "config.json"

// A Config holds the terminal's configuration, shared by every terminal of
// the profile directory.
type Config struct {
	Endpoint string `json:"endpoint"`
	Email    string `json:"email"`
	// Redis is the optional coordination channel address. When empty the
	// terminals fall back to polling the shared profile store.
	Redis string `json:"redis,omitempty"`
}

// DefaultProfile returns the default profile directory.
func DefaultProfile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".caissa"
	}
	return filepath.Join(home, ".caissa")
}

// Load gets the configuration of the given profile directory.
func Load(profile string) (Config, error) {
	var cfg Config

	payload, err := os.ReadFile(filepath.Join(profile, configfile))
	if err != nil {
		return cfg, errors.Wrap(err, "could not read configuration file")
	}

	err = json.Unmarshal(payload, &cfg)
	return cfg, errors.Wrap(err, "could not parse configuration file")
}

// Save writes the configuration into the profile directory.
func Save(profile string, cfg Config) error {
	if err := os.MkdirAll(profile, 0o755); err != nil {
		return errors.Wrap(err, "could not create profile directory")
	}

	payload, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "could not serialize configuration")
	}

	err = os.WriteFile(filepath.Join(profile, configfile), payload, 0o600)
	return errors.Wrap(err, "could not write configuration file")
}

package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// configPathEnv overrides the profile file location.
const configPathEnv = "LINEAGECTL_CONFIG"

// UserConfig is the on-disk profile file.
type UserConfig struct {
	CurrentProfile string             `yaml:"current-profile" json:"current_profile"`
	Profiles       map[string]Profile `yaml:"profiles" json:"profiles"`
}

// Profile holds the connection settings for one correlator deployment.
type Profile struct {
	Host   string `yaml:"host,omitempty" json:"host,omitempty"`
	Token  string `yaml:"token,omitempty" json:"token,omitempty"`
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

// ActiveProfile returns the named profile, or the current one when name is
// empty. Unknown names yield the zero Profile.
func (c *UserConfig) ActiveProfile(name string) Profile {
	if name == "" {
		name = c.CurrentProfile
	}
	return c.Profiles[name]
}

// ConfigPath returns $LINEAGECTL_CONFIG, or ~/.lineagectl/config.yaml.
func ConfigPath() string {
	if p := os.Getenv(configPathEnv); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".lineagectl", "config.yaml")
	}
	return filepath.Join(home, ".lineagectl", "config.yaml")
}

// LoadUserConfig reads the profile file.
func LoadUserConfig() (*UserConfig, error) {
	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	cfg := emptyUserConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ConfigPath(), err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]Profile{}
	}
	return cfg, nil
}

// SaveUserConfig writes the profile file with owner-only permissions. The
// file is replaced by rename so a failed write never truncates it.
func SaveUserConfig(cfg *UserConfig) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode profiles: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("write profiles: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write profiles: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write profiles: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("write profiles: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func emptyUserConfig() *UserConfig {
	return &UserConfig{Profiles: map[string]Profile{}}
}

// Package config loads the two-level YAML configuration: user-level
// settings from the home directory overridden by project-level settings
// from the working directory.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"agentd/errors"
	"agentd/extension"
	"agentd/provider"
)

// FilesystemAccess restricts what the bundled developer tools may touch.
// Patterns are doublestar globs relative to the working directory.
type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

type Config struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// Per-provider host overrides, keyed by provider name.
	Hosts map[string]string `yaml:"hosts"`

	// MaxRetries is a pointer so an explicit 0 (disable retries) can be
	// told apart from an absent key (provider default).
	MaxRetries             *int    `yaml:"max_retries"`
	InitialRetryIntervalMS int     `yaml:"initial_retry_interval_ms"`
	BackoffMultiplier      float64 `yaml:"backoff_multiplier"`
	MaxRetryIntervalMS     int     `yaml:"max_retry_interval_ms"`

	SystemPromptPath string `yaml:"system_prompt_path"`
	MaxTurns         int    `yaml:"max_turns"`

	// SecretKeyEnv names the environment variable holding the HTTP
	// server's shared secret.
	SecretKeyEnv string `yaml:"secret_key_env"`

	Extensions []extension.Config `yaml:"extensions"`

	AllowedCommands  []string         `yaml:"allowed_commands"`
	FilesystemAccess FilesystemAccess `yaml:"filesystem_access"`
}

// UserConfigDir is the directory holding user-level configuration,
// resolved against the home directory.
const UserConfigDir = ".config/agentd"

// ProjectConfigDir is the per-project configuration directory.
const ProjectConfigDir = ".agentd"

// Load reads configuration from the user's home directory and the current
// working directory, with the latter taking precedence.
func Load() (*Config, error) {
	cfg := &Config{}

	// The project config directory is always hidden from the developer tools.
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, ProjectConfigDir, ProjectConfigDir+"/**")

	home, err := os.UserHomeDir()
	if err == nil {
		userPath := filepath.Join(home, UserConfigDir, "config.yaml")
		if _, err := os.Stat(userPath); err == nil {
			if err := loadFromFile(userPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectPath := filepath.Join(wd, ProjectConfigDir, "config.yaml")
	if _, err := os.Stat(projectPath); err == nil {
		if err := loadFromFile(projectPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML, which gives a simple
	// merge where project-level config replaces user-level.
	return yaml.Unmarshal(data, cfg)
}

// Validate rejects configurations that cannot produce a working runtime.
func (c *Config) Validate() error {
	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		return errors.Config("max_retries must not be negative")
	}
	if c.BackoffMultiplier < 0 {
		return errors.Config("backoff_multiplier must not be negative")
	}
	seen := map[string]bool{}
	for i := range c.Extensions {
		ext := &c.Extensions[i]
		if err := ext.Validate(); err != nil {
			return err
		}
		if seen[ext.Name] {
			return errors.Config("duplicate extension name %q", ext.Name)
		}
		seen[ext.Name] = true
	}
	return nil
}

// Host returns the configured host override for a provider, or "".
func (c *Config) Host(providerName string) string {
	return c.Hosts[providerName]
}

// RetryConfig converts the YAML retry knobs into the provider retry
// policy, leaving absent values to the policy defaults. An explicit
// max_retries of 0 disables retries.
func (c *Config) RetryConfig() provider.RetryConfig {
	rc := provider.RetryConfig{
		InitialInterval: time.Duration(c.InitialRetryIntervalMS) * time.Millisecond,
		Multiplier:      c.BackoffMultiplier,
		MaxInterval:     time.Duration(c.MaxRetryIntervalMS) * time.Millisecond,
	}
	if c.MaxRetries != nil {
		if *c.MaxRetries == 0 {
			rc.MaxRetries = -1
		} else {
			rc.MaxRetries = *c.MaxRetries
		}
	}
	return rc
}

// SystemPrompt reads the configured system prompt file. An unset path
// yields the built-in default prompt.
func (c *Config) SystemPrompt() (string, error) {
	if c.SystemPromptPath == "" {
		return DefaultSystemPrompt, nil
	}
	data, err := os.ReadFile(c.SystemPromptPath)
	if err != nil {
		return "", errors.Wrapf(err, "could not read system prompt")
	}
	return string(data), nil
}

// DefaultSystemPrompt is used when no system_prompt_path is configured.
const DefaultSystemPrompt = `You are a capable assistant running in a developer's working directory.
You can call tools to read and modify files, run commands, and interact
with connected services. Prefer tools over guessing. When a tool fails,
read the error and adjust rather than repeating the same call.`

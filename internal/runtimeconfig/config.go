// Package runtimeconfig loads the optional on-disk configuration for the
// codesession server. A missing file yields a fully defaulted Config.
package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen          string `yaml:"listen"`
	RedisAddr       string `yaml:"redis_addr"`
	AuthToken       string `yaml:"auth_token"`
	DefaultLanguage string `yaml:"default_language"`

	IdleTimeoutSeconds int64 `yaml:"idle_timeout_seconds"`
	HeartbeatSeconds   int64 `yaml:"heartbeat_seconds"`

	Execute   ExecuteConfig             `yaml:"execute"`
	Languages map[string]LanguageConfig `yaml:"languages"`
}

type ExecuteConfig struct {
	DefaultTimeoutMs int64 `yaml:"default_timeout_ms"`
	MaxTimeoutMs     int64 `yaml:"max_timeout_ms"`
	AdmissionWaitMs  int64 `yaml:"admission_wait_ms"`
	MaxOutputBytes   int64 `yaml:"max_output_bytes"`
}

type LanguageConfig struct {
	Command   []string `yaml:"command"`
	Extension string   `yaml:"extension"`
	PoolSize  int64    `yaml:"pool_size"`
	MemoryMiB int64    `yaml:"memory_mib"`
}

func Path() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "codesession", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "codesession", "config.yaml"), nil
}

func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}

	cfg := Config{}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.ApplyDefaults()
			return cfg, path, nil
		}
		return Config{}, path, fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, path, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return cfg, path, nil
}

// ApplyDefaults fills any unset field with its default value.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.DefaultLanguage) == "" {
		c.DefaultLanguage = "python"
	}
	if c.IdleTimeoutSeconds <= 0 {
		c.IdleTimeoutSeconds = 600
	}
	if c.HeartbeatSeconds <= 0 {
		c.HeartbeatSeconds = 20
	}
	if c.Execute.DefaultTimeoutMs <= 0 {
		c.Execute.DefaultTimeoutMs = 10_000
	}
	if c.Execute.MaxTimeoutMs <= 0 {
		c.Execute.MaxTimeoutMs = 30_000
	}
	if c.Execute.AdmissionWaitMs <= 0 {
		c.Execute.AdmissionWaitMs = 2_000
	}
	if c.Execute.MaxOutputBytes <= 0 {
		c.Execute.MaxOutputBytes = 64 * 1024
	}
	if len(c.Languages) == 0 {
		c.Languages = DefaultLanguages()
	}
	for name, lang := range c.Languages {
		if lang.PoolSize <= 0 {
			lang.PoolSize = 2
		}
		if lang.MemoryMiB <= 0 {
			lang.MemoryMiB = 256
		}
		if strings.TrimSpace(lang.Extension) == "" {
			lang.Extension = name
		}
		c.Languages[name] = lang
	}
}

// DefaultLanguages is the built-in language set used when the config file
// does not define its own.
func DefaultLanguages() map[string]LanguageConfig {
	return map[string]LanguageConfig{
		"python": {
			Command:   []string{"python3", "-I", "{file}"},
			Extension: "py",
			PoolSize:  4,
			MemoryMiB: 256,
		},
		"javascript": {
			Command:   []string{"node", "--no-experimental-fetch", "{file}"},
			Extension: "js",
			PoolSize:  4,
			MemoryMiB: 512,
		},
		"go": {
			// go run compiles first; the toolchain needs far more address
			// space than the resulting program.
			Command:   []string{"go", "run", "{file}"},
			Extension: "go",
			PoolSize:  2,
			MemoryMiB: 2048,
		},
		"bash": {
			Command:   []string{"bash", "{file}"},
			Extension: "sh",
			PoolSize:  2,
			MemoryMiB: 256,
		},
	}
}

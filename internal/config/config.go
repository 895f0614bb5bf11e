package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// LogLevel specifies the logging verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat specifies the log output format.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// CommandConfig holds task.command defaults.
type CommandConfig struct {
	Check  bool   `toml:"check"`  // default success-codes = [0] when unset
	Stdout string `toml:"stdout"` // default stream handling: "print", "log", "capture"
	Stderr string `toml:"stderr"`
}

// TaskConfig holds the `task` config section.
type TaskConfig struct {
	Command CommandConfig `toml:"command"`
}

// ErrorConfig holds the `error` config section (§6, §7).
type ErrorConfig struct {
	Backtrace    bool `toml:"backtrace"`
	Context      bool `toml:"context"`
	ContextLines int  `toml:"context-lines"`
}

// InitProfile describes one `init.profiles.<name>` entry.
type InitProfile struct {
	Manifest string         `toml:"manifest"`
	Render   bool           `toml:"render"`
	Vars     map[string]any `toml:"vars"`
}

// InitConfig holds the `init` config section.
type InitConfig struct {
	Profiles map[string]InitProfile `toml:"profiles"`
}

// LoggingConfig holds logging settings (ambient stack, not a manifest key).
type LoggingConfig struct {
	Format LogFormat `toml:"format"`
	File   string    `toml:"file"`
}

// Config is the main configuration struct for Lineup. Its manifest-facing
// fields mirror spec.md §6's global configuration file keys exactly so the
// same struct decodes both `~/.config/lineup/config.toml` and the
// `[error]`/`[task]`/`[init]` tables embedded in a manifest.
type Config struct {
	LogLevel               LogLevel    `toml:"log-level"`
	InstallEmbeddedModules bool        `toml:"install-embedded-modules"`
	Clean                  bool        `toml:"clean"`
	Task                   TaskConfig  `toml:"task"`
	Error                  ErrorConfig `toml:"error"`
	Init                   InitConfig  `toml:"init"`
	Logging                LoggingConfig `toml:"logging"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		LogLevel:               LogLevelInfo,
		InstallEmbeddedModules: true,
		Clean:                  true,
		Task: TaskConfig{
			Command: CommandConfig{
				Check:  true,
				Stdout: "print",
				Stderr: "print",
			},
		},
		Error: ErrorConfig{
			Backtrace:    true,
			Context:      true,
			ContextLines: 3,
		},
		Init: InitConfig{
			Profiles: map[string]InitProfile{},
		},
		Logging: LoggingConfig{
			Format: LogFormatText,
			File:   "",
		},
	}
}

// Load loads configuration from a single file, merging with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// LoadFromDir loads configuration from the standard locations relative to a
// project directory. Applies in order: defaults -> ~/.config/lineup/config.toml
// -> <dir>/.lineup.toml. Later configs override earlier ones, so project-level
// settings win over the user's global config.
func LoadFromDir(dir string) (*Config, error) {
	cfg := Default()

	home, err := os.UserHomeDir()
	if err == nil {
		globalConfig := filepath.Join(home, ".config", "lineup", "config.toml")
		if data, err := os.ReadFile(globalConfig); err == nil {
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("parsing global config: %w", err)
			}
		}
	}

	projectConfig := filepath.Join(dir, ".lineup.toml")
	if data, err := os.ReadFile(projectConfig); err == nil {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing project config: %w", err)
		}
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		return fmt.Errorf("invalid log-level: %s", c.LogLevel)
	}
	if c.Error.ContextLines < 0 {
		return fmt.Errorf("error.context-lines must be non-negative")
	}
	return nil
}

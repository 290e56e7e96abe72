// Package project provides per-project configuration management
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the per-project config file at the repository root
const FileName = ".adw.toml"

// Config holds per-project adw configuration
type Config struct {
	// Models maps an agent slash command (e.g. "/test") to the model it runs with
	Models map[string]string `toml:"models"`

	// Pipelines is an optional YAML file overriding the built-in pipeline descriptors
	Pipelines string `toml:"pipelines"`

	Test TestConfig `toml:"test"`

	// File path where this config was loaded
	configPath string
}

// TestConfig configures the layered test loop
type TestConfig struct {
	UnitAttempts int `toml:"unit_attempts"`
	APIAttempts  int `toml:"api_attempts"`
	E2EAttempts  int `toml:"e2e_attempts"`

	// E2EGlob selects the e2e test specs, relative to the worktree
	E2EGlob string `toml:"e2e_glob"`

	// DiffBase is the ref route changes are detected against
	DiffBase    string `toml:"diff_base"`
	RoutePrefix string `toml:"route_prefix"`
	RouteSuffix string `toml:"route_suffix"`

	// ServerCommand starts the backend under test. "{port}" is replaced
	// with the run's server port.
	ServerCommand []string      `toml:"server_command"`
	ServerDir     string        `toml:"server_dir"`
	HealthPath    string        `toml:"health_path"`
	HealthTimeout time.Duration `toml:"health_timeout"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Models: map[string]string{
			"/test":                    "opus",
			"/resolve_failed_test":     "opus",
			"/test_e2e":                "opus",
			"/resolve_failed_e2e_test": "opus",
			"/test_static":             "sonnet",
			"/test_api":                "sonnet",
		},
		Pipelines: filepath.Join(".adw", "pipelines.yaml"),
		Test: TestConfig{
			UnitAttempts:  4,
			APIAttempts:   2,
			E2EAttempts:   2,
			E2EGlob:       ".claude/commands/e2e/*.md",
			DiffBase:      "origin/main",
			RoutePrefix:   "apps/Server/src/adapter/rest/",
			RouteSuffix:   "_routes.py",
			ServerCommand: []string{".venv/bin/uvicorn", "main:app", "--host", "0.0.0.0", "--port", "{port}"},
			ServerDir:     "apps/Server",
			HealthPath:    "/api/health",
			HealthTimeout: 30 * time.Second,
		},
	}
}

// Load loads the project configuration from the project directory.
// If no .adw.toml exists, returns a default config
func Load(projectDir string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.configPath = filepath.Join(projectDir, FileName)

	data, err := os.ReadFile(cfg.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	// Tables in the file merge over the defaults
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", cfg.configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", cfg.configPath, err)
	}
	return cfg, nil
}

// Save writes the configuration to .adw.toml
func (c *Config) Save() error {
	if c.configPath == "" {
		return fmt.Errorf("no config path set")
	}

	if err := os.MkdirAll(filepath.Dir(c.configPath), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	f, err := os.Create(c.configPath)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// SetPath sets where Save writes
func (c *Config) SetPath(path string) {
	c.configPath = path
}

// ConfigPath returns the path to the config file
func (c *Config) ConfigPath() string {
	return c.configPath
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	for name, n := range map[string]int{
		"unit_attempts": c.Test.UnitAttempts,
		"api_attempts":  c.Test.APIAttempts,
		"e2e_attempts":  c.Test.E2EAttempts,
	} {
		if n < 1 || n > 10 {
			return fmt.Errorf("test.%s must be between 1 and 10, got %d", name, n)
		}
	}
	if len(c.Test.ServerCommand) == 0 {
		return fmt.Errorf("test.server_command cannot be empty")
	}
	if c.Test.HealthTimeout <= 0 {
		return fmt.Errorf("test.health_timeout must be positive")
	}
	if !strings.HasPrefix(c.Test.HealthPath, "/") {
		return fmt.Errorf("test.health_path must start with /")
	}
	return nil
}

// ModelFor returns the model configured for a slash command, or "" for the
// executor's default
func (c *Config) ModelFor(command string) string {
	return c.Models[command]
}

// IsRouteFile reports whether a changed path is an API route file
func (c *Config) IsRouteFile(path string) bool {
	return strings.HasPrefix(path, c.Test.RoutePrefix) && strings.HasSuffix(path, c.Test.RouteSuffix)
}

// ServerArgv returns the server command with the port substituted
func (c *Config) ServerArgv(port int) []string {
	argv := make([]string, len(c.Test.ServerCommand))
	for i, a := range c.Test.ServerCommand {
		argv[i] = strings.ReplaceAll(a, "{port}", strconv.Itoa(port))
	}
	return argv
}

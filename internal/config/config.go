// Package config handles adw configuration
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds adw configuration loaded from the environment
type Config struct {
	// Project layout
	ProjectDir   string `env:"ADW_PROJECT_DIR"`
	AgentsDir    string `env:"ADW_AGENTS_DIR, default=agents"`
	TreesDir     string `env:"ADW_TREES_DIR, default=trees"`
	DatabasePath string `env:"ADW_DB_PATH, default=.adw/adw.db"`
	MainBranch   string `env:"ADW_MAIN_BRANCH, default=main"`

	// Agent settings
	ClaudePath   string        `env:"ADW_CLAUDE_PATH, default=claude"`
	AgentTimeout time.Duration `env:"ADW_AGENT_TIMEOUT, default=30m"`
	DefaultModel string        `env:"ADW_MODEL, default=sonnet"`

	// Issue tracker
	RepoURL        string        `env:"GITHUB_REPO_URL"`
	GitHubPAT      string        `env:"GITHUB_PAT"`
	Tracker        string        `env:"ADW_TRACKER, default=gh"`
	TrackerTimeout time.Duration `env:"ADW_TRACKER_TIMEOUT, default=30s"`
	RetryAttempts  int           `env:"ADW_RETRY_ATTEMPTS, default=3"`

	// Dispatchers
	TriggerKeywords       []string      `env:"ADW_TRIGGER_KEYWORDS, default=adw_run,adw run"`
	CronInterval          time.Duration `env:"ADW_CRON_INTERVAL, default=20s"`
	ZTEInterval           time.Duration `env:"ADW_ZTE_INTERVAL, default=60s"`
	TranscriptFolder      string        `env:"ADW_TRANSCRIPT_FOLDER, default=External_Requirements/transcripts"`
	TranscriptPollSeconds int           `env:"ADW_TRANSCRIPT_POLL_INTERVAL, default=30"`

	// Ports
	PortLeases bool `env:"ADW_PORT_LEASES, default=false"`

	// Verbose mode for debugging
	Verbose bool `env:"ADW_VERBOSE"`
}

// Load loads configuration from the process environment
func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}

	if cfg.ProjectDir == "" {
		dir, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		cfg.ProjectDir = dir
	}

	for i, kw := range cfg.TriggerKeywords {
		cfg.TriggerKeywords[i] = strings.TrimSpace(kw)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks if the configuration is usable
func (c *Config) Validate() error {
	if c.RetryAttempts < 1 {
		return fmt.Errorf("ADW_RETRY_ATTEMPTS must be at least 1")
	}
	if c.CronInterval <= 0 || c.ZTEInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if c.TranscriptPollSeconds < 1 {
		return fmt.Errorf("ADW_TRANSCRIPT_POLL_INTERVAL must be at least 1 second")
	}
	switch c.Tracker {
	case "gh", "api":
	default:
		return fmt.Errorf("unknown tracker %q (valid: gh, api)", c.Tracker)
	}
	if len(c.TriggerKeywords) == 0 {
		return fmt.Errorf("ADW_TRIGGER_KEYWORDS must not be empty")
	}
	return nil
}

// TranscriptPollInterval returns the watcher poll interval
func (c *Config) TranscriptPollInterval() time.Duration {
	return time.Duration(c.TranscriptPollSeconds) * time.Second
}

// AgentsPath returns the absolute directory holding run records and logs
func (c *Config) AgentsPath() string {
	return c.resolve(c.AgentsDir)
}

// TreesPath returns the absolute directory holding run worktrees
func (c *Config) TreesPath() string {
	return c.resolve(c.TreesDir)
}

// DatabaseFile returns the absolute sqlite path
func (c *Config) DatabaseFile() string {
	return c.resolve(c.DatabasePath)
}

// TranscriptPath returns the absolute watched transcript folder
func (c *Config) TranscriptPath() string {
	return c.resolve(c.TranscriptFolder)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.ProjectDir, p)
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dorkalev/forge-control/internal/adapters/github"
	"github.com/dorkalev/forge-control/internal/adapters/linear"
	"github.com/dorkalev/forge-control/internal/autopilot"
	"github.com/dorkalev/forge-control/internal/gateway"
	"github.com/dorkalev/forge-control/internal/logging"
	"github.com/dorkalev/forge-control/internal/webhooks"
	"github.com/dorkalev/forge-control/internal/worktree"
)

// Config represents the main configuration
type Config struct {
	Version   string            `yaml:"version"`
	Repo      *RepoConfig       `yaml:"repo"`
	Worktree  *WorktreeConfig   `yaml:"worktree"`
	Autopilot *autopilot.Config `yaml:"autopilot"`
	Adapters  *AdaptersConfig   `yaml:"adapters"`
	Gateway   *gateway.Config   `yaml:"gateway"`
	Journal   *JournalConfig    `yaml:"journal"`
	Webhooks  *webhooks.Config  `yaml:"webhooks"`
	Logging   *logging.Config   `yaml:"logging"`
}

// RepoConfig identifies the repository forge manages.
type RepoConfig struct {
	// Path is the main checkout.
	Path string `yaml:"path"`
	// Owner and Name identify the repository on GitHub. When empty they are
	// derived from the remote URL.
	Owner      string `yaml:"owner"`
	Name       string `yaml:"name"`
	BaseBranch string `yaml:"base_branch"`
	Remote     string `yaml:"remote"`
}

// WorktreeConfig holds workspace layout settings
type WorktreeConfig struct {
	// BaseDir holds one directory per workspace. Empty means
	// "<repo>-worktrees" next to the main checkout.
	BaseDir            string `yaml:"base_dir"`
	EnvFile            string `yaml:"env_file"`
	AgentConfigDir     string `yaml:"agent_config_dir"`
	MarkerFile         string `yaml:"marker_file"`
	ComplianceTemplate string `yaml:"compliance_template"`
	ComplianceDest     string `yaml:"compliance_dest"`
	StrictRemoteBranch bool   `yaml:"strict_remote_branch"`
	RequireMergeCheck  bool   `yaml:"require_merge_check"`
}

// AdaptersConfig holds adapter configurations
type AdaptersConfig struct {
	Linear *linear.Config `yaml:"linear"`
	GitHub *github.Config `yaml:"github"`
}

// JournalConfig holds activity journal settings
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	// Retention drops entries older than this on startup. Zero keeps everything.
	Retention time.Duration `yaml:"retention"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	opts := worktree.DefaultOptions()
	return &Config{
		Version: "1.0",
		Repo: &RepoConfig{
			Path:       ".",
			BaseBranch: opts.BaseBranch,
			Remote:     "origin",
		},
		Worktree: &WorktreeConfig{
			EnvFile:        opts.EnvFile,
			AgentConfigDir: opts.AgentConfigDir,
			MarkerFile:     opts.MarkerFile,
			ComplianceDest: opts.ComplianceDest,
		},
		Autopilot: autopilot.DefaultConfig(),
		Adapters: &AdaptersConfig{
			Linear: linear.DefaultConfig(),
			GitHub: github.DefaultConfig(),
		},
		Gateway: gateway.DefaultConfig(),
		Journal: &JournalConfig{
			Enabled:   true,
			Path:      "~/.forge/journal.db",
			Retention: 30 * 24 * time.Hour,
		},
		Webhooks: webhooks.DefaultConfig(),
		Logging:  logging.DefaultConfig(),
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			config.expandPaths()
			return config, nil // Return defaults if no config file
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.fillDefaults()
	config.expandPaths()
	return config, nil
}

// fillDefaults restores sections a config file set to null.
func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Repo == nil {
		c.Repo = d.Repo
	}
	if c.Worktree == nil {
		c.Worktree = d.Worktree
	}
	if c.Autopilot == nil {
		c.Autopilot = d.Autopilot
	}
	if c.Adapters == nil {
		c.Adapters = d.Adapters
	}
	if c.Adapters.Linear == nil {
		c.Adapters.Linear = d.Adapters.Linear
	}
	if c.Adapters.GitHub == nil {
		c.Adapters.GitHub = d.Adapters.GitHub
	}
	if c.Gateway == nil {
		c.Gateway = d.Gateway
	}
	if c.Journal == nil {
		c.Journal = d.Journal
	}
	if c.Webhooks == nil {
		c.Webhooks = d.Webhooks
	}
	if c.Logging == nil {
		c.Logging = d.Logging
	}
}

func (c *Config) expandPaths() {
	c.Repo.Path = expandPath(c.Repo.Path)
	c.Worktree.BaseDir = expandPath(c.Worktree.BaseDir)
	c.Worktree.ComplianceTemplate = expandPath(c.Worktree.ComplianceTemplate)
	c.Autopilot.StatePath = expandPath(c.Autopilot.StatePath)
	c.Journal.Path = expandPath(c.Journal.Path)
}

// Save saves configuration to a file
func Save(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default configuration path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".forge", "config.yaml")
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	if c.Repo == nil || c.Repo.Path == "" {
		errs = append(errs, errors.New("repo.path is required"))
	} else if c.Repo.BaseBranch == "" {
		errs = append(errs, errors.New("repo.base_branch is required"))
	}
	if c.Gateway == nil {
		errs = append(errs, errors.New("gateway configuration is required"))
	} else {
		if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
			errs = append(errs, fmt.Errorf("invalid gateway port: %d", c.Gateway.Port))
		}
		if auth := c.Gateway.Auth; auth != nil {
			switch auth.Type {
			case gateway.AuthTypeLocal:
			case gateway.AuthTypeAPIToken:
				if auth.Token == "" {
					errs = append(errs, errors.New("gateway.auth.token is required when auth type is api-token"))
				}
			default:
				errs = append(errs, fmt.Errorf("unknown gateway.auth.type %q", auth.Type))
			}
		}
	}
	if a := c.Autopilot; a != nil {
		if a.TickTimeout < 0 {
			errs = append(errs, fmt.Errorf("autopilot.tick_timeout must not be negative: %s", a.TickTimeout))
		}
		if a.LookupConcurrency < 0 {
			errs = append(errs, fmt.Errorf("autopilot.lookup_concurrency must not be negative: %d", a.LookupConcurrency))
		}
		if a.SessionPrefix != "" && !sessionPrefixPattern.MatchString(a.SessionPrefix) {
			errs = append(errs, fmt.Errorf("autopilot.session_prefix %q may only contain letters, digits, '-' and '_'", a.SessionPrefix))
		}
	}
	if c.Adapters != nil {
		if l := c.Adapters.Linear; l != nil && l.Enabled && l.APIKey == "" {
			errs = append(errs, errors.New("adapters.linear.api_key is required when linear is enabled"))
		}
		if g := c.Adapters.GitHub; g != nil && g.Enabled && g.Token == "" {
			errs = append(errs, errors.New("adapters.github.token is required when github is enabled"))
		}
	}
	if c.Journal != nil && c.Journal.Enabled {
		if c.Journal.Path == "" {
			errs = append(errs, errors.New("journal.path is required when the journal is enabled"))
		}
		if c.Journal.Retention < 0 {
			errs = append(errs, fmt.Errorf("journal.retention must not be negative: %s", c.Journal.Retention))
		}
	}
	if w := c.Webhooks; w != nil && w.Enabled {
		for i, ep := range w.Endpoints {
			if ep == nil || ep.URL == "" {
				errs = append(errs, fmt.Errorf("webhooks.endpoints[%d].url is required", i))
				continue
			}
			for _, et := range ep.Events {
				if !et.Valid() {
					errs = append(errs, fmt.Errorf("webhooks.endpoints[%d]: unknown event %q", i, et))
				}
			}
		}
	}
	return errors.Join(errs...)
}

var sessionPrefixPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// WorktreeOptions converts the worktree and repo sections into provisioner
// options. An empty base dir becomes "<repo>-worktrees" beside the checkout.
func (c *Config) WorktreeOptions() worktree.Options {
	repoPath := filepath.Clean(c.Repo.Path)
	if abs, err := filepath.Abs(repoPath); err == nil {
		repoPath = abs
	}
	baseDir := c.Worktree.BaseDir
	if baseDir == "" {
		baseDir = filepath.Join(filepath.Dir(repoPath), filepath.Base(repoPath)+"-worktrees")
	}
	return worktree.Options{
		BaseDir:            baseDir,
		BaseBranch:         c.Repo.BaseBranch,
		EnvFile:            c.Worktree.EnvFile,
		AgentConfigDir:     c.Worktree.AgentConfigDir,
		MarkerFile:         c.Worktree.MarkerFile,
		ComplianceTemplate: c.Worktree.ComplianceTemplate,
		ComplianceDest:     c.Worktree.ComplianceDest,
		StrictRemoteBranch: c.Worktree.StrictRemoteBranch,
		RequireMergeCheck:  c.Worktree.RequireMergeCheck,
	}
}

var remotePattern = regexp.MustCompile(`github\.com[:/]([^/]+)/([^/]+?)(?:\.git)?/?$`)

// ParseGitHubRemote extracts owner and repository name from a GitHub remote
// URL in SSH or HTTPS form.
func ParseGitHubRemote(url string) (owner, name string, ok bool) {
	m := remotePattern.FindStringSubmatch(strings.TrimSpace(url))
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

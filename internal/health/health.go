// Package health inspects the local environment and configuration before
// forge is started, reporting what is missing and how to fix it.
package health

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/dorkalev/forge-control/internal/config"
	"github.com/dorkalev/forge-control/internal/gateway"
	"github.com/dorkalev/forge-control/internal/git"
)

// Status represents feature or dependency status
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusDisabled
)

// Check represents a health check result
type Check struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	Fix     string `json:"fix,omitempty"`
}

// FeatureStatus represents a feature with its availability
type FeatureStatus struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Status  Status `json:"status"`
	Note    string `json:"note,omitempty"`
}

// Report contains all health check results
type Report struct {
	Dependencies []Check         `json:"dependencies"`
	Config       []Check         `json:"config"`
	Features     []FeatureStatus `json:"features"`
}

// Checker runs the checks. The zero value probes the real system.
type Checker struct {
	// LookPath resolves an executable. Defaults to exec.LookPath.
	LookPath func(file string) (string, error)
	// Version returns the first line of "<name> <flag>" or "" on failure.
	Version func(ctx context.Context, name, flag string) string
}

// RunChecks performs all health checks based on config
func RunChecks(ctx context.Context, cfg *config.Config) *Report {
	return (&Checker{}).Run(ctx, cfg)
}

// Run performs all health checks based on config.
func (c *Checker) Run(ctx context.Context, cfg *config.Config) *Report {
	return &Report{
		Dependencies: c.checkDependencies(ctx, cfg),
		Config:       c.checkConfig(ctx, cfg),
		Features:     checkFeatures(cfg),
	}
}

func (c *Checker) lookPath(file string) (string, error) {
	if c.LookPath != nil {
		return c.LookPath(file)
	}
	return exec.LookPath(file)
}

func (c *Checker) version(ctx context.Context, name, flag string) string {
	if c.Version != nil {
		return c.Version(ctx, name, flag)
	}
	out, err := exec.CommandContext(ctx, name, flag).Output()
	if err != nil {
		return ""
	}
	return firstLine(strings.TrimSpace(string(out)))
}

// checkDependencies checks required system dependencies
func (c *Checker) checkDependencies(ctx context.Context, cfg *config.Config) []Check {
	checks := []Check{
		c.binary(ctx, "git", "--version", StatusError, "install git 2.20 or newer"),
		c.binary(ctx, "tmux", "-V", StatusError, "install tmux; agent sessions run inside it"),
	}

	agent := ""
	if cfg.Autopilot != nil {
		if fields := strings.Fields(cfg.Autopilot.AgentCommand); len(fields) > 0 {
			agent = fields[0]
		}
	}
	if agent == "" {
		checks = append(checks, Check{Name: "agent", Status: StatusDisabled, Message: "no agent command; sessions start a bare shell"})
	} else {
		check := c.binary(ctx, agent, "--version", StatusWarning, "install "+agent+" or change autopilot.agent_command")
		check.Name = "agent (" + agent + ")"
		checks = append(checks, check)
	}
	return checks
}

func (c *Checker) binary(ctx context.Context, name, flag string, missing Status, fix string) Check {
	if _, err := c.lookPath(name); err != nil {
		return Check{Name: name, Status: missing, Message: "not found", Fix: fix}
	}
	msg := c.version(ctx, name, flag)
	if msg == "" {
		msg = "installed"
	}
	return Check{Name: name, Status: StatusOK, Message: msg}
}

// checkConfig checks the repository and the files copied into workspaces.
func (c *Checker) checkConfig(ctx context.Context, cfg *config.Config) []Check {
	var checks []Check

	repo := git.NewRepo(cfg.Repo.Path, cfg.Repo.Remote)
	if res := repo.Run(ctx, "", "rev-parse", "--show-toplevel"); !res.OK() {
		checks = append(checks, Check{
			Name:    "repository",
			Status:  StatusError,
			Message: cfg.Repo.Path + " is not a git checkout",
			Fix:     "set repo.path to the main checkout of the managed repository",
		})
		return append(checks, gatewayCheck(cfg))
	}
	checks = append(checks, Check{Name: "repository", Status: StatusOK, Message: cfg.Repo.Path})

	if res := repo.Run(ctx, "", "remote", "get-url", repo.Remote()); res.OK() {
		checks = append(checks, Check{Name: "remote", Status: StatusOK, Message: strings.TrimSpace(res.Stdout)})
	} else {
		checks = append(checks, Check{
			Name:    "remote",
			Status:  StatusError,
			Message: "remote " + repo.Remote() + " not configured",
			Fix:     "git remote add " + repo.Remote() + " <url>, or set repo.remote",
		})
	}

	opts := cfg.WorktreeOptions()
	checks = append(checks,
		fileCheck("env file", cfg.Repo.Path, opts.EnvFile, false),
		fileCheck("agent config", cfg.Repo.Path, opts.AgentConfigDir, true),
		fileCheck("marker file", cfg.Repo.Path, opts.MarkerFile, false),
	)
	if opts.ComplianceTemplate != "" {
		check := fileCheck("compliance template", cfg.Repo.Path, opts.ComplianceTemplate, false)
		if check.Status == StatusWarning {
			check.Status = StatusError
			check.Fix = "fix worktree.compliance_template or leave it empty"
		}
		checks = append(checks, check)
	}

	if info, err := os.Stat(opts.BaseDir); err == nil && info.IsDir() {
		checks = append(checks, Check{Name: "base dir", Status: StatusOK, Message: opts.BaseDir})
	} else if err == nil {
		checks = append(checks, Check{Name: "base dir", Status: StatusError, Message: opts.BaseDir + " is not a directory", Fix: "set worktree.base_dir to a directory"})
	} else {
		checks = append(checks, Check{Name: "base dir", Status: StatusOK, Message: opts.BaseDir + " (created on first use)"})
	}

	return append(checks, gatewayCheck(cfg))
}

// fileCheck reports whether a best-effort provisioning source exists. A
// missing source only skips its step, so it is a warning.
func fileCheck(name, repoPath, file string, dir bool) Check {
	if file == "" {
		return Check{Name: name, Status: StatusDisabled, Message: "not configured"}
	}
	path := file
	if !filepath.IsAbs(path) {
		path = filepath.Join(repoPath, file)
	}
	info, err := os.Stat(path)
	switch {
	case err != nil:
		return Check{Name: name, Status: StatusWarning, Message: file + " not found; step will be skipped"}
	case info.IsDir() != dir:
		return Check{Name: name, Status: StatusWarning, Message: file + " has the wrong type; step will be skipped"}
	}
	return Check{Name: name, Status: StatusOK, Message: file}
}

func gatewayCheck(cfg *config.Config) Check {
	gw := cfg.Gateway
	local := gw.Auth == nil || gw.Auth.Type == gateway.AuthTypeLocal
	if local && !isLoopbackHost(gw.Host) {
		return Check{
			Name:    "gateway",
			Status:  StatusWarning,
			Message: "listening on " + gw.Addr() + " with local auth; remote clients will be rejected",
			Fix:     "use gateway.auth.type api-token to allow remote clients",
		}
	}
	return Check{Name: "gateway", Status: StatusOK, Message: gw.Addr()}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// checkFeatures checks feature availability
func checkFeatures(cfg *config.Config) []FeatureStatus {
	github := cfg.Adapters.GitHub != nil && cfg.Adapters.GitHub.Enabled
	linear := cfg.Adapters.Linear != nil && cfg.Adapters.Linear.Enabled
	journal := cfg.Journal != nil && cfg.Journal.Enabled

	features := []FeatureStatus{
		{Name: "GitHub", Enabled: github, Status: boolToStatus(github)},
		{Name: "Linear", Enabled: linear, Status: boolToStatus(linear)},
		{Name: "Journal", Enabled: journal, Status: boolToStatus(journal)},
	}

	autopilot := FeatureStatus{Name: "Autopilot", Enabled: github && linear, Status: boolToStatus(github && linear)}
	if !autopilot.Enabled {
		autopilot.Status = StatusWarning
		autopilot.Note = "needs GitHub and Linear"
	}
	features = append(features, autopilot)

	merge := FeatureStatus{Name: "Merge check", Enabled: github, Status: boolToStatus(github)}
	if !github {
		merge.Note = "cleanup skips the merged check"
		if cfg.Worktree.RequireMergeCheck {
			merge.Status = StatusWarning
			merge.Note = "cleanup will refuse every request"
		}
	}
	features = append(features, merge)

	issueClose := FeatureStatus{Name: "Issue close", Enabled: linear, Status: boolToStatus(linear)}
	return append(features, issueClose)
}

// Summary counts errors and warnings across all checks.
func (r *Report) Summary() (errors, warnings int) {
	for _, c := range append(append([]Check{}, r.Dependencies...), r.Config...) {
		switch c.Status {
		case StatusError:
			errors++
		case StatusWarning:
			warnings++
		}
	}
	for _, f := range r.Features {
		if f.Status == StatusWarning {
			warnings++
		}
	}
	return errors, warnings
}

// ReadyToServe reports whether "forge serve" can start.
func (r *Report) ReadyToServe() bool {
	errors, _ := r.Summary()
	if errors > 0 {
		return false
	}
	for _, f := range r.Features {
		if f.Name == "Autopilot" {
			return f.Enabled
		}
	}
	return false
}

// boolToStatus converts bool to Status
func boolToStatus(enabled bool) Status {
	if enabled {
		return StatusOK
	}
	return StatusDisabled
}

// Symbol returns the symbol for a status
func (s Status) Symbol() string {
	switch s {
	case StatusOK:
		return "✓"
	case StatusWarning:
		return "○"
	case StatusError:
		return "✗"
	case StatusDisabled:
		return "·"
	default:
		return "?"
	}
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarning:
		return "warning"
	case StatusError:
		return "error"
	case StatusDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name in JSON output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var statusColors = map[Status]lipgloss.Color{
	StatusOK:       "#7ec699",
	StatusWarning:  "#d4a054",
	StatusError:    "#d48a8a",
	StatusDisabled: "#8b949e",
}

// ColorSymbol returns the symbol styled for a terminal.
func (s Status) ColorSymbol() string {
	color, ok := statusColors[s]
	if !ok {
		return s.Symbol()
	}
	return lipgloss.NewStyle().Foreground(color).Render(s.Symbol())
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

package github

import "time"

// Config holds GitHub adapter configuration
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"` // Personal Access Token or GitHub App token
	BaseURL string `yaml:"base_url,omitempty"`
}

// DefaultConfig returns default GitHub configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled: false,
		BaseURL: githubAPIURL,
	}
}

// Pull request states
const (
	StateOpen   = "open"
	StateClosed = "closed"
	StateAll    = "all"
)

// PullRequest is the subset of the GitHub pull request payload forge reads.
type PullRequest struct {
	ID        int64     `json:"id"`
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	Draft     bool      `json:"draft"`
	Merged    bool      `json:"merged"`
	MergedAt  string    `json:"merged_at,omitempty"` // RFC3339, empty until merged
	Head      PRRef     `json:"head"`
	Base      PRRef     `json:"base"`
	User      User      `json:"user"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsMerged reports whether the pull request carries a merge timestamp.
// The list endpoints do not populate Merged, so MergedAt is authoritative.
func (pr *PullRequest) IsMerged() bool {
	return pr.MergedAt != ""
}

// PRRef is a head or base reference of a pull request
type PRRef struct {
	Ref   string `json:"ref"`
	SHA   string `json:"sha"`
	Label string `json:"label"`
}

// User represents a GitHub user
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

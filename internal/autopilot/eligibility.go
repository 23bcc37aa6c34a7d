package autopilot

import (
	"regexp"
	"strings"

	"github.com/dorkalev/forge-control/internal/adapters/github"
	"github.com/dorkalev/forge-control/internal/adapters/linear"
	"github.com/dorkalev/forge-control/internal/git"
	"github.com/dorkalev/forge-control/internal/tmux"
)

// WorkItemFromPR derives a WorkItem from an open pull request. ok is false
// when the head branch carries no issue identifier.
func WorkItemFromPR(pr *github.PullRequest) (WorkItem, bool) {
	id, ok := linear.ParseIdentifier(pr.Head.Ref)
	if !ok {
		return WorkItem{}, false
	}
	return WorkItem{
		PRNumber:   pr.Number,
		Branch:     pr.Head.Ref,
		Title:      pr.Title,
		Identifier: id,
	}, true
}

// IsEligible reports whether an issue in this state may receive an agent.
// Issues already started, in a review state, or completed are excluded.
func IsEligible(state linear.State) bool {
	return !state.IsActive()
}

// WithoutWorktree returns the items whose branch has no live worktree,
// preserving order.
func WithoutWorktree(items []WorkItem, worktrees []git.Worktree) []WorkItem {
	live := make(map[string]bool, len(worktrees))
	for _, wt := range worktrees {
		if wt.Branch != "" {
			live[wt.Branch] = true
		}
	}

	out := make([]WorkItem, 0, len(items))
	for _, item := range items {
		if !live[item.Branch] {
			out = append(out, item)
		}
	}
	return out
}

// SessionName returns the agent session name for an issue identifier.
func SessionName(prefix, identifier string) string {
	return prefix + strings.ToLower(identifier)
}

// SessionMatcher recognizes agent sessions by name.
type SessionMatcher struct {
	re *regexp.Regexp
}

// NewSessionMatcher matches names of the form <prefix><key>-<number>.
func NewSessionMatcher(prefix string) *SessionMatcher {
	return &SessionMatcher{
		re: regexp.MustCompile("^" + regexp.QuoteMeta(prefix) + `[a-z][a-z0-9]{1,9}-[0-9]+$`),
	}
}

// Match reports whether name follows the agent session convention.
func (m *SessionMatcher) Match(name string) bool {
	return m.re.MatchString(name)
}

// RunningAgents returns the names of live sessions that are agent sessions.
func (m *SessionMatcher) RunningAgents(sessions []tmux.Session) []string {
	names := make([]string, 0, len(sessions))
	for _, s := range sessions {
		if m.Match(s.Name) {
			names = append(names, s.Name)
		}
	}
	return names
}

// AvailableSlots returns how many new agents may start. Never negative.
func AvailableSlots(maxParallel, running int) int {
	if n := maxParallel - running; n > 0 {
		return n
	}
	return 0
}

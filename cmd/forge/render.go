package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/dorkalev/forge-control/internal/autopilot"
	"github.com/dorkalev/forge-control/internal/journal"
	"github.com/dorkalev/forge-control/internal/worktree"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7eb8da"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#8b949e")).Width(14)
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#c9d1d9"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#7ec699"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#d4a054"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#d48a8a"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#8b949e"))
	dividerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#3d4450"))
)

const dividerWidth = 48

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func divider() string {
	return dividerStyle.Render(strings.Repeat("─", dividerWidth))
}

func row(label, value string) string {
	return labelStyle.Render(label) + valueStyle.Render(value)
}

func onOff(enabled bool) string {
	if enabled {
		return okStyle.Render("enabled")
	}
	return dimStyle.Render("disabled")
}

// renderStatus formats an autopilot status snapshot.
func renderStatus(w io.Writer, st autopilot.Status) {
	fmt.Fprintln(w, titleStyle.Render("Autopilot"))
	fmt.Fprintln(w, divider())
	fmt.Fprintln(w, labelStyle.Render("State")+onOff(st.Enabled))
	fmt.Fprintln(w, row("Agents", fmt.Sprintf("%d / %d", st.RunningAgentsCount, st.MaxParallelAgents)))
	fmt.Fprintln(w, row("Interval", fmt.Sprintf("%ds", st.PollIntervalSeconds)))
	if st.IsPolling {
		fmt.Fprintln(w, labelStyle.Render("Tick")+warnStyle.Render("in progress"))
	}
	if st.NextPollAt != nil {
		fmt.Fprintln(w, row("Next poll", st.NextPollAt.Local().Format("15:04:05")))
	}
	if st.SessionsError != "" {
		fmt.Fprintln(w, labelStyle.Render("Sessions")+errorStyle.Render(st.SessionsError))
	}
	for _, name := range st.RunningSessions {
		fmt.Fprintln(w, labelStyle.Render("")+valueStyle.Render("● "+name))
	}

	if t := st.LastTick; t != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, titleStyle.Render("Last tick")+" "+dimStyle.Render(t.ID))
		fmt.Fprintln(w, divider())
		renderTick(w, t)
	}
}

// renderTick formats a tick report.
func renderTick(w io.Writer, t *autopilot.TickReport) {
	fmt.Fprintln(w, row("Finished", t.FinishedAt.Local().Format(time.DateTime)))
	fmt.Fprintln(w, row("Took", t.FinishedAt.Sub(t.StartedAt).Round(time.Millisecond).String()))
	fmt.Fprintln(w, row("Pipeline", fmt.Sprintf("%d open → %d eligible → %d need agent, %d slots", t.OpenPRs, t.Eligible, t.NeedsAgent, t.Available)))
	if t.Error != "" {
		fmt.Fprintln(w, labelStyle.Render("Error")+errorStyle.Render(t.Error))
	}
	for _, s := range t.Spawned {
		switch {
		case s.Error != "":
			fmt.Fprintf(w, "%s%s %s\n", labelStyle.Render(""), errorStyle.Render("✗ "+s.Session), dimStyle.Render(s.Error))
		case s.SessionReused:
			fmt.Fprintf(w, "%s%s %s\n", labelStyle.Render(""), warnStyle.Render("↺ "+s.Session), dimStyle.Render("already running"))
		default:
			fmt.Fprintf(w, "%s%s %s\n", labelStyle.Render(""), okStyle.Render("✓ "+s.Session), dimStyle.Render(s.Path))
		}
	}
	for _, s := range t.Skipped {
		fmt.Fprintf(w, "%s%s %s\n", labelStyle.Render(""), dimStyle.Render(fmt.Sprintf("– #%d %s", s.PRNumber, s.Branch)), dimStyle.Render(s.Reason))
	}
}

// renderProvision formats the result of a worktree create.
func renderProvision(w io.Writer, res *worktree.ProvisionResult) {
	switch {
	case res.Existed:
		fmt.Fprintln(w, warnStyle.Render("↺ worktree already exists"))
	case res.OK:
		fmt.Fprintln(w, okStyle.Render("✓ worktree created"))
	default:
		fmt.Fprintln(w, errorStyle.Render("✗ worktree not created"))
	}
	fmt.Fprintln(w, row("Branch", res.Branch))
	fmt.Fprintln(w, row("Path", res.Path))
	if res.BaseRef != "" {
		fmt.Fprintln(w, row("Base", res.BaseRef))
	}
	for _, s := range res.Steps {
		mark := okStyle.Render("✓")
		if !s.OK() {
			mark = errorStyle.Render("✗")
		}
		line := fmt.Sprintf("%s%s %s", labelStyle.Render(""), mark, s.Step)
		if !s.OK() && s.Stderr != "" {
			line += " " + dimStyle.Render(firstLine(s.Stderr))
		}
		fmt.Fprintln(w, line)
	}
}

// renderCleanup formats a cleanup outcome.
func renderCleanup(w io.Writer, out *worktree.CleanupOutcome) {
	if out.OK {
		fmt.Fprintln(w, okStyle.Render("✓ workspace removed"))
	} else {
		fmt.Fprintln(w, errorStyle.Render("✗ cleanup incomplete"))
	}
	fmt.Fprintln(w, row("Branch", out.Branch))
	fmt.Fprintln(w, row("Path", out.Path))
	for _, e := range out.Errors {
		fmt.Fprintln(w, labelStyle.Render("")+errorStyle.Render("✗ "+e))
	}
	for _, warning := range out.Warnings {
		fmt.Fprintln(w, labelStyle.Render("")+warnStyle.Render("! "+warning))
	}
}

// renderHistory formats journal events, newest first.
func renderHistory(w io.Writer, events []journal.Event) {
	if len(events) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no activity recorded"))
		return
	}
	for _, e := range events {
		mark := okStyle.Render("✓")
		if !e.OK {
			mark = errorStyle.Render("✗")
		}
		kind := fmt.Sprintf("%-8s", e.Kind)
		line := fmt.Sprintf("%s %s %s %s",
			dimStyle.Render(e.At.Local().Format(time.DateTime)),
			mark,
			valueStyle.Render(kind),
			e.Branch,
		)
		if e.Detail != "" {
			line += " " + dimStyle.Render(firstLine(e.Detail))
		}
		fmt.Fprintln(w, line)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

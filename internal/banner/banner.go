// Package banner prints the forge logo and the startup summary shown by
// "forge serve".
package banner

import (
	"fmt"
	"io"
	"strings"

	"github.com/dorkalev/forge-control/internal/autopilot"
	"github.com/dorkalev/forge-control/internal/health"
)

// Logo is the ASCII art logo for forge
const Logo = `
   ███████╗ ██████╗ ██████╗  ██████╗ ███████╗
   ██╔════╝██╔═══██╗██╔══██╗██╔════╝ ██╔════╝
   █████╗  ██║   ██║██████╔╝██║  ███╗█████╗
   ██╔══╝  ██║   ██║██╔══██╗██║   ██║██╔══╝
   ██║     ╚██████╔╝██║  ██║╚██████╔╝███████╗
   ╚═╝      ╚═════╝ ╚═╝  ╚═╝ ╚═════╝ ╚══════╝
`

// Tagline is the project tagline
const Tagline = "An agent on every open pull request"

// Startup describes the server being started.
type Startup struct {
	Version string
	Repo    string
	Addr    string
	State   autopilot.DesiredState
}

// StartupWithHealth prints a compact header, the feature grid from report,
// and the autopilot's persisted state.
func StartupWithHealth(w io.Writer, s Startup, report *health.Report) {
	fmt.Fprint(w, Logo)
	fmt.Fprintf(w, "   %s\n", Tagline)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "FORGE v%s\n", s.Version)
	fmt.Fprintln(w, strings.Repeat("━", 40))
	fmt.Fprintln(w)

	// Features in compact grid
	features := report.Features
	cols := 3
	colWidth := 16

	for i, f := range features {
		name := f.Name
		if f.Note != "" {
			name = f.Name + "*"
		}
		fmt.Fprintf(w, "%s %-*s", f.Status.Symbol(), colWidth-2, name)
		if (i+1)%cols == 0 || i == len(features)-1 {
			fmt.Fprintln(w)
		}
	}

	hasNotes := false
	for _, f := range features {
		if f.Note == "" {
			continue
		}
		if !hasNotes {
			fmt.Fprintln(w)
			hasNotes = true
		}
		fmt.Fprintf(w, "  * %s: %s\n", f.Name, f.Note)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Repo:      %s\n", s.Repo)
	fmt.Fprintf(w, "API:       http://%s/api/v1\n", s.Addr)
	state := "stopped"
	if s.State.Enabled {
		state = "running"
	}
	fmt.Fprintf(w, "Autopilot: %s (max %d agents, every %ds)\n", state, s.State.MaxParallelAgents, s.State.PollIntervalSeconds)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Listening... (Ctrl+C to stop)")
	fmt.Fprintln(w, strings.Repeat("━", 40))
	fmt.Fprintln(w)
}

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dorkalev/forge-control/internal/health"
)

func newDoctorCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check system health and configuration",
		Long: `Run health checks on system dependencies, the managed repository, and
configured features.

Shows what's working, what's missing, and how to fix issues.

Examples:
  forge doctor           # Run all checks
  forge doctor --verbose # Show fix suggestions`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			report := health.RunChecks(ctx, cfg)

			if outputJSON {
				return printJSON(cmd.OutOrStdout(), report)
			}
			renderDoctor(cmd.OutOrStdout(), report, verbose)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show fix suggestions")
	return cmd
}

func renderDoctor(w io.Writer, report *health.Report, verbose bool) {
	section := func(title string, checks []health.Check) {
		fmt.Fprintln(w, titleStyle.Render(title))
		for _, c := range checks {
			fmt.Fprintf(w, "  %s %-20s %s\n", c.Status.ColorSymbol(), c.Name, c.Message)
			if verbose && c.Fix != "" && c.Status != health.StatusOK {
				fmt.Fprintf(w, "  %s\n", dimStyle.Render("  → "+c.Fix))
			}
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w)
	section("System dependencies", report.Dependencies)
	section("Configuration", report.Config)

	fmt.Fprintln(w, titleStyle.Render("Features"))
	for _, f := range report.Features {
		note := ""
		if f.Note != "" {
			note = dimStyle.Render(" (" + f.Note + ")")
		}
		fmt.Fprintf(w, "  %s %s%s\n", f.Status.ColorSymbol(), f.Name, note)
	}
	fmt.Fprintln(w)

	errs, warnings := report.Summary()
	switch {
	case report.ReadyToServe() && errs == 0 && warnings == 0:
		fmt.Fprintln(w, okStyle.Render("✓ all systems operational"))
	case report.ReadyToServe():
		fmt.Fprintln(w, okStyle.Render(fmt.Sprintf("✓ ready to serve (%d warning(s))", warnings)))
	case errs == 0:
		fmt.Fprintln(w, warnStyle.Render("○ workspace commands work; forge serve needs adapters.github and adapters.linear"))
	default:
		fmt.Fprintln(w, errorStyle.Render(fmt.Sprintf("✗ not ready: %d error(s), %d warning(s)", errs, warnings)))
	}
	if !verbose && (errs > 0 || warnings > 0) {
		fmt.Fprintln(w, dimStyle.Render("run 'forge doctor --verbose' for fix suggestions"))
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

var (
	cfgFile    string
	serverAddr string
	outputJSON bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "forge",
		Short: "Keeps an agent working on every open pull request",
		Long: `Forge watches open pull requests, starts a coding agent in an isolated
git worktree for every one whose tracker issue still needs work, and tears
workspaces down safely once their pull request has merged.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.forge/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "", "address of a running forge server (default from config)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "print machine-readable JSON")

	rootCmd.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newStartCmd(),
		newStopCmd(),
		newSetMaxCmd(),
		newSetIntervalCmd(),
		newPollCmd(),
		newWorktreeCmd(),
		newHistoryCmd(),
		newDoctorCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show forge version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "forge v%s\n", version)
		},
	}
}

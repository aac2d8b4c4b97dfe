// Package cli wires the orchestration engine into a small cobra surface.
// Everything interesting lives in internal/engine; this layer only parses
// flags, builds services, and forwards events to a logger.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	repoRoot   string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "vibeorch",
	Short: "Drive implement/review loops with headless coding agents",
	Long: `vibeorch runs a durable implement -> commit/push/PR -> review -> iterate
loop. Each run gets its own branch and git worktree; an implementer agent
makes the changes, a reviewer agent judges the pushed diff, and every
transition lands in a per-run append-only event log under
.vibe-orchestrator/ so crashed runs resume from disk.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vibeorch %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&repoRoot, "repo", "r", ".", "Repository root")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to orchestrator.yaml (default <repo>/orchestrator.yaml)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(resumeCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

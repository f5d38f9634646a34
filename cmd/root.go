package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ralphbot/ralph/internal/daemon"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "ralph",
	Short: "Autonomous issue-to-merged-PR orchestrator",
	Long: `ralph watches GitHub repositories for labeled issues, drives a coding
agent against each one in an isolated worktree, and shepherds the resulting
pull request through required checks to merge.

Get started:
  ralph daemon    Run the orchestrator daemon
  ralph status    Show queue, workers, and throttle state
  ralph pause     Pause the daemon (checkpoint running work)
  ralph drain     Stop claiming new work, let running tasks finish
  ralph resume    Resume normal operation
  ralph doctor    Verify credentials, database, and agent binary`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ~/.ralph/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable verbose/debug output")

	rootCmd.Version = Version
	rootCmd.AddCommand(
		daemonCmd,
		statusCmd,
		pauseCmd,
		drainCmd,
		resumeCmd,
		doctorCmd,
	)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
		slog.Debug("Verbose logging enabled")
	}
}

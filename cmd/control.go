package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ralphbot/ralph/internal/config"
	"github.com/ralphbot/ralph/internal/daemon"
	"github.com/ralphbot/ralph/models"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the daemon, checkpointing running work",
	Long: `Sets the control mode to paused. The daemon stops claiming new work
and asks running workers to park at their next safe point. Leases are
released with a checkpoint so work resumes where it left off.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setControlMode(models.ModePaused)
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Stop claiming new work, let running tasks finish",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setControlMode(models.ModeDraining)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume normal operation",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setControlMode(models.ModeRunning)
	},
}

func setControlMode(mode string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	ctrl := daemon.NewControlFile(cfg.Daemon.ControlRoot)
	if err := ctrl.Write(mode); err != nil {
		return fmt.Errorf("writing control file: %w", err)
	}
	fmt.Printf("Control mode set to %s (%s)\n", mode, ctrl.Path)
	return nil
}

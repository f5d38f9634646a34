package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/ralphbot/ralph/internal/agentproc"
	"github.com/ralphbot/ralph/internal/config"
	"github.com/ralphbot/ralph/internal/daemon"
	"github.com/ralphbot/ralph/internal/store"
)

var healStale bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Verify credentials, database, agent binary, and daemon records",
	Long: `Checks that the database can be reached, a forge token is present,
the agent binary is on PATH, and no stale daemon records linger.

Use --heal to remove stale daemon records left by crashed processes.`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&healStale, "heal", false,
		"Remove stale daemon records from crashed processes")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	allOK := true

	fmt.Println("=== ralph doctor ===")
	fmt.Println()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Database.
	fmt.Print("Database ................. ")
	st, err := store.New(cfg.Database)
	if err != nil {
		fmt.Printf("FAIL (%s)\n", err)
		allOK = false
	} else {
		if err := st.Ping(ctx); err != nil {
			fmt.Printf("FAIL (%s)\n", err)
			allOK = false
		} else {
			fmt.Printf("OK (%s)\n", st.Driver())
		}
		st.Close()
	}

	// Forge token.
	fmt.Print("Forge token .............. ")
	if name := firstTokenVar(cfg); name != "" {
		fmt.Printf("OK (%s)\n", name)
	} else {
		fmt.Printf("MISSING (set one of %v)\n", cfg.TokenEnvVars())
		allOK = false
	}

	// Agent binary.
	fmt.Print("Agent binary ............. ")
	command := cfg.Agent.Command
	if command == "" {
		command = "opencode"
	}
	if path, err := exec.LookPath(command); err != nil {
		fmt.Printf("MISSING (%s not on PATH)\n", command)
		allOK = false
	} else {
		fmt.Printf("OK (%s)\n", path)
	}

	// Repos.
	fmt.Print("Repositories ............. ")
	if len(cfg.Repos) == 0 {
		fmt.Println("NONE configured")
		allOK = false
	} else {
		fmt.Printf("OK (%d configured)\n", len(cfg.Repos))
	}

	// Daemon records.
	fmt.Print("Daemon records ........... ")
	candidates := daemon.Discover(daemon.RegistryPaths(cfg.Daemon.ControlRoot, agentproc.StateRoot()))
	live, stale := 0, 0
	for _, c := range candidates {
		switch c.State {
		case daemon.CandidateLive:
			live++
		case daemon.CandidateStale:
			stale++
		case daemon.CandidateConflict:
			fmt.Printf("CONFLICT (%s)\n", c.Path)
			allOK = false
		}
	}
	switch {
	case stale > 0 && healStale:
		if err := daemon.HealStale(candidates); err != nil {
			fmt.Printf("FAIL healing (%s)\n", err)
			allOK = false
		} else {
			fmt.Printf("healed %d stale record(s)\n", stale)
		}
	case stale > 0:
		fmt.Printf("WARN (%d stale record(s), run with --heal)\n", stale)
	case live > 0:
		if c, ok := daemon.LiveCandidate(candidates); ok {
			fmt.Printf("OK (daemon live, pid %d)\n", c.Record.PID)
		}
	default:
		fmt.Println("OK (no daemon running)")
	}

	fmt.Println()
	if !allOK {
		fmt.Println("Some checks failed.")
		os.Exit(1)
	}
	fmt.Println("All checks passed.")
	return nil
}

func firstTokenVar(cfg *config.Config) string {
	for _, name := range cfg.TokenEnvVars() {
		if os.Getenv(name) != "" {
			return name
		}
	}
	return ""
}

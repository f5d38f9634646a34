package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const (
	DefaultConfigDir  = ".ralph"
	DefaultDBFile     = ".ralph/state.sqlite"
	DefaultControlDir = ".ralph/control"
	LegacyConfigPath  = ".config/opencode/ralph/ralph.json"
)

// Load reads the config file and returns a populated Config. Search order:
// ~/.ralph/config.toml, ~/.ralph/config.json, then the legacy opencode
// location (with a warning). The configPath flag overrides the search.
func Load(configPath string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("RALPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	switch {
	case configPath != "":
		v.SetConfigFile(configPath)
	default:
		path, legacy := resolveConfigPath(home)
		if legacy {
			slog.Warn("Using legacy config location; move it to ~/.ralph/config.toml",
				"path", path)
		}
		if path != "" {
			v.SetConfigFile(path)
		}
	}

	setDefaults(v, home)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotExist(err) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// No config yet — defaults apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyEnvOverrides(&cfg)
	expandPaths(&cfg, home)
	applyRepoDefaults(&cfg)
	return &cfg, nil
}

// resolveConfigPath finds the first existing config file. The second return
// is true when the legacy opencode location was used.
func resolveConfigPath(home string) (string, bool) {
	candidates := []string{
		filepath.Join(home, DefaultConfigDir, "config.toml"),
		filepath.Join(home, DefaultConfigDir, "config.json"),
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, false
		}
	}
	legacy := filepath.Join(home, LegacyConfigPath)
	if _, err := os.Stat(legacy); err == nil {
		return legacy, true
	}
	return "", false
}

// setDefaults populates viper with sensible out-of-the-box values.
func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(home, DefaultDBFile))

	v.SetDefault("daemon.max_workers", 4)
	v.SetDefault("daemon.ownership_ttl_ms", int64(5*60*1000))
	v.SetDefault("daemon.heartbeat_interval_ms", int64(30*1000))
	v.SetDefault("daemon.sync_interval_ms", int64(60*1000))
	v.SetDefault("daemon.worktree_root", filepath.Join(home, DefaultConfigDir, "worktrees"))
	v.SetDefault("daemon.sessions_dir", filepath.Join(home, DefaultConfigDir, "sessions"))
	v.SetDefault("daemon.control_root", filepath.Join(home, DefaultControlDir))
	v.SetDefault("daemon.shutdown_grace_ms", int64(20*1000))
	v.SetDefault("daemon.blocked_comment_coalesce_ms", int64(3000))

	v.SetDefault("github.token_env", "GH_TOKEN")
	v.SetDefault("github.max_inflight", 8)

	v.SetDefault("agent.command", "opencode")
	v.SetDefault("agent.watchdog_retries", 2)
	v.SetDefault("agent.pr_create_conflict_wait_ms", int64(90*1000))
	v.SetDefault("agent.lease_self_heal_min_age_ms", int64(10*60*1000))

	v.SetDefault("watchdog.soft_ms", int64(2*60*1000))
	v.SetDefault("watchdog.hard_ms", int64(8*60*1000))
	v.SetDefault("watchdog.idle_ms", int64(10*60*1000))
	v.SetDefault("watchdog.loop_threshold", 4)
	v.SetDefault("watchdog.loop_window", 12)

	v.SetDefault("throttle.provider_id", "anthropic")
	v.SetDefault("throttle.soft_pct", 0.8)
	v.SetDefault("throttle.hard_pct", 0.95)
	v.SetDefault("throttle.weekly_reset_day", 1)
	v.SetDefault("throttle.weekly_reset_hour", 0)
	v.SetDefault("throttle.weekly_reset_minute", 0)
	v.SetDefault("throttle.time_zone", "UTC")
}

// applyEnvOverrides honors the documented RALPH_* and profile env vars, which
// take precedence over file values.
func applyEnvOverrides(cfg *Config) {
	if p := os.Getenv("RALPH_STATE_DB_PATH"); p != "" {
		cfg.Database.Path = p
	}
	if p := os.Getenv("RALPH_SESSIONS_DIR"); p != "" {
		cfg.Daemon.SessionsDir = p
	}
	if p := os.Getenv("RALPH_WORKTREES_DIR"); p != "" {
		cfg.Daemon.WorktreeRoot = p
	}
	if p := os.Getenv("RALPH_PROFILE"); p != "" {
		cfg.GitHub.Profile = p
	}
	if os.Getenv("RALPH_GITHUB_QUEUE_DISABLE_SWEEPS") == "1" {
		cfg.Daemon.DisableSweeps = true
	}
	// The narrower name wins when both coalescing knobs are set.
	if ms := envInt64("RALPH_GITHUB_WRITE_COALESCE_WINDOW_MS"); ms > 0 {
		cfg.Daemon.BlockedCommentCoalesceMs = ms
	}
	if ms := envInt64("RALPH_GITHUB_BLOCKED_COMMENT_COALESCE_MS"); ms > 0 {
		cfg.Daemon.BlockedCommentCoalesceMs = ms
	}
}

func envInt64(name string) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("Ignoring non-numeric env override", "var", name, "value", raw)
		return 0
	}
	return n
}

// RunLogDir resolves the run-log root, honoring XDG_STATE_HOME.
func (c *Config) RunLogDir() string {
	if c.Daemon.RunLogDir != "" {
		return c.Daemon.RunLogDir
	}
	if x := os.Getenv("XDG_STATE_HOME"); x != "" {
		return filepath.Join(x, "ralph", "run-logs")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "state", "ralph", "run-logs")
}

// TokenEnvVars returns the env var names checked for the forge token, most
// specific first.
func (c *Config) TokenEnvVars() []string {
	var vars []string
	if c.GitHub.TokenEnv != "" {
		vars = append(vars, c.GitHub.TokenEnv)
	}
	if c.GitHub.Profile == "sandbox" {
		vars = append(vars, "GITHUB_SANDBOX_TOKEN")
	}
	vars = append(vars, "GH_TOKEN", "GITHUB_TOKEN")
	return vars
}

// expandPaths resolves ~ in configured paths.
func expandPaths(cfg *Config, home string) {
	cfg.Database.Path = expandHome(cfg.Database.Path, home)
	cfg.Daemon.WorktreeRoot = expandHome(cfg.Daemon.WorktreeRoot, home)
	cfg.Daemon.SessionsDir = expandHome(cfg.Daemon.SessionsDir, home)
	cfg.Daemon.ControlRoot = expandHome(cfg.Daemon.ControlRoot, home)
	cfg.Daemon.RunLogDir = expandHome(cfg.Daemon.RunLogDir, home)
}

func applyRepoDefaults(cfg *Config) {
	for i := range cfg.Repos {
		if cfg.Repos[i].ConcurrencySlots <= 0 {
			cfg.Repos[i].ConcurrencySlots = 1
		}
	}
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || strings.Contains(err.Error(), "no such file")
}

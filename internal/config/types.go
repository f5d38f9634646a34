package config

// Config is the root configuration structure for the ralph daemon.
// Loaded from ~/.ralph/config.toml (preferred), ~/.ralph/config.json, or the
// legacy ~/.config/opencode/ralph/ralph.json location.
type Config struct {
	Daemon    DaemonConfig    `mapstructure:"daemon"    json:"daemon"`
	Database  DatabaseConfig  `mapstructure:"database"  json:"database"`
	GitHub    GitHubConfig    `mapstructure:"github"    json:"github"`
	Repos     []RepoConfig    `mapstructure:"repos"     json:"repos"`
	Agent     AgentConfig     `mapstructure:"agent"     json:"agent"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"  json:"watchdog"`
	Throttle  ThrottleConfig  `mapstructure:"throttle"  json:"throttle"`
	Dashboard DashboardConfig `mapstructure:"dashboard" json:"dashboard"`
	Notify    NotifyConfig    `mapstructure:"notify"    json:"notify"`
}

// DaemonConfig controls the scheduler and ownership discipline.
type DaemonConfig struct {
	// MaxWorkers caps concurrently running tasks across all repos.
	MaxWorkers int `mapstructure:"max_workers" json:"max_workers"`
	// OwnershipTTLMs is how stale a heartbeat may be before a task is
	// considered orphaned and eligible for stale-sweep.
	OwnershipTTLMs int64 `mapstructure:"ownership_ttl_ms" json:"ownership_ttl_ms"`
	// HeartbeatIntervalMs is how often workers refresh their lease heartbeat.
	HeartbeatIntervalMs int64 `mapstructure:"heartbeat_interval_ms" json:"heartbeat_interval_ms"`
	// SyncIntervalMs is the base issue-sync poll interval (jittered).
	SyncIntervalMs int64 `mapstructure:"sync_interval_ms" json:"sync_interval_ms"`
	// WorktreeRoot is where per-task worktrees live (default ~/.ralph/worktrees).
	WorktreeRoot string `mapstructure:"worktree_root" json:"worktree_root"`
	// SessionsDir holds agent session event logs (default ~/.ralph/sessions).
	SessionsDir string `mapstructure:"sessions_dir" json:"sessions_dir"`
	// ControlRoot holds the control file and daemon lock (default ~/.ralph/control).
	ControlRoot string `mapstructure:"control_root" json:"control_root"`
	// RunLogDir overrides ${XDG_STATE_HOME}/ralph/run-logs.
	RunLogDir string `mapstructure:"run_log_dir" json:"run_log_dir"`
	// ShutdownGraceMs bounds how long shutdown waits before killing agents.
	ShutdownGraceMs int64 `mapstructure:"shutdown_grace_ms" json:"shutdown_grace_ms"`
	// DisableSweeps turns off stale-sweeping (also RALPH_GITHUB_QUEUE_DISABLE_SWEEPS).
	DisableSweeps bool `mapstructure:"disable_sweeps" json:"disable_sweeps"`
	// BlockedCommentCoalesceMs coalesces blocked-comment writes per issue.
	BlockedCommentCoalesceMs int64 `mapstructure:"blocked_comment_coalesce_ms" json:"blocked_comment_coalesce_ms"`
}

// DatabaseConfig controls the storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "mysql".
	Driver string `mapstructure:"driver" json:"driver"`
	// Path is the SQLite file path (RALPH_STATE_DB_PATH overrides).
	Path string `mapstructure:"path" json:"path"`
	// DSN is the MySQL data source name (used when Driver == "mysql").
	DSN string `mapstructure:"dsn" json:"dsn"`
}

// GitHubConfig controls forge access and the sandbox tripwire.
type GitHubConfig struct {
	// TokenEnv names the env var carrying the bearer token (default GH_TOKEN,
	// falling back to GITHUB_TOKEN). The sandbox profile may point this at
	// GITHUB_SANDBOX_TOKEN.
	TokenEnv string `mapstructure:"token_env" json:"token_env"`
	// Host allows enterprise GitHub.
	Host string `mapstructure:"host" json:"host"`
	// Profile is "" (normal) or "sandbox".
	Profile string `mapstructure:"profile" json:"profile"`
	// AllowedOwners are the owners sandbox writes may target.
	AllowedOwners []string `mapstructure:"allowed_owners" json:"allowed_owners"`
	// RepoNamePrefix restricts sandbox writes to repos with this name prefix.
	RepoNamePrefix string `mapstructure:"repo_name_prefix" json:"repo_name_prefix"`
	// MaxInflight caps concurrent forge requests (secondary-rate-limit guard).
	MaxInflight int `mapstructure:"max_inflight" json:"max_inflight"`
	// RequestsPerSecond paces outgoing requests (0 = unpaced).
	RequestsPerSecond float64 `mapstructure:"requests_per_second" json:"requests_per_second"`
}

// RepoConfig describes one watched repository. Immutable per daemon lifetime.
type RepoConfig struct {
	Owner string `mapstructure:"owner" json:"owner"`
	Name  string `mapstructure:"name"  json:"name"`
	// BotBranch is the integration branch PRs target (default: default branch).
	BotBranch string `mapstructure:"bot_branch" json:"bot_branch"`
	// ConcurrencySlots bounds simultaneous tasks in this repo.
	ConcurrencySlots int `mapstructure:"concurrency_slots" json:"concurrency_slots"`
	// RequiredChecks, when set, wins over branch-protection-derived checks.
	RequiredChecks []string `mapstructure:"required_checks" json:"required_checks"`
	// PreflightCommand runs in the worktree before the build agent.
	PreflightCommand string `mapstructure:"preflight_command" json:"preflight_command"`
	// SetupCommands run once after worktree creation.
	SetupCommands []string `mapstructure:"setup_commands" json:"setup_commands"`
	// SchedulerPriority weights round-robin order (higher first, default 0).
	SchedulerPriority int `mapstructure:"scheduler_priority" json:"scheduler_priority"`
	// PlanReview enables the optional plan gate.
	PlanReview bool `mapstructure:"plan_review" json:"plan_review"`
}

// Slug returns "owner/name".
func (r RepoConfig) Slug() string { return r.Owner + "/" + r.Name }

// AgentConfig describes how the coding agent subprocess is invoked.
type AgentConfig struct {
	// Command is the agent binary (default "opencode").
	Command string `mapstructure:"command" json:"command"`
	// BaseArgs are prepended to every invocation.
	BaseArgs []string `mapstructure:"base_args" json:"base_args"`
	// WatchdogRetries bounds re-runs after watchdog/stall/loop trips.
	WatchdogRetries int `mapstructure:"watchdog_retries" json:"watchdog_retries"`
	// PRCreateConflictWaitMs is how long a loser of the pr-create lease waits
	// for the winner to publish before considering self-heal.
	PRCreateConflictWaitMs int64 `mapstructure:"pr_create_conflict_wait_ms" json:"pr_create_conflict_wait_ms"`
	// LeaseSelfHealMinAgeMs is the minimum lease age before self-heal.
	LeaseSelfHealMinAgeMs int64 `mapstructure:"lease_self_heal_min_age_ms" json:"lease_self_heal_min_age_ms"`
}

// WatchdogConfig controls the agent event-stream detectors.
type WatchdogConfig struct {
	SoftMs int64 `mapstructure:"soft_ms" json:"soft_ms"` // per-tool warning
	HardMs int64 `mapstructure:"hard_ms" json:"hard_ms"` // per-tool trip
	IdleMs int64 `mapstructure:"idle_ms" json:"idle_ms"` // full-stream stall
	// LoopThreshold trips when identical tool args repeat this many times
	// within LoopWindow recent tool starts.
	LoopThreshold int `mapstructure:"loop_threshold" json:"loop_threshold"`
	LoopWindow    int `mapstructure:"loop_window"    json:"loop_window"`
}

// ThrottleConfig controls token budgets.
type ThrottleConfig struct {
	ProviderID    string  `mapstructure:"provider_id"    json:"provider_id"`
	RollingBudget int64   `mapstructure:"rolling_budget" json:"rolling_budget"` // tokens per 5h window
	WeeklyBudget  int64   `mapstructure:"weekly_budget"  json:"weekly_budget"`
	SoftPct       float64 `mapstructure:"soft_pct"       json:"soft_pct"`
	HardPct       float64 `mapstructure:"hard_pct"       json:"hard_pct"`
	// Weekly reset schedule, evaluated in TimeZone (DST-correct).
	WeeklyResetDay int    `mapstructure:"weekly_reset_day"    json:"weekly_reset_day"` // 0=Sunday
	WeeklyResetHr  int    `mapstructure:"weekly_reset_hour"   json:"weekly_reset_hour"`
	WeeklyResetMin int    `mapstructure:"weekly_reset_minute" json:"weekly_reset_minute"`
	TimeZone       string `mapstructure:"time_zone"           json:"time_zone"`
}

// DashboardConfig controls the localhost event/metrics listener.
type DashboardConfig struct {
	// Port 0 disables the listener.
	Port int `mapstructure:"port" json:"port"`
	// Token authorizes reads; empty allows localhost unauthenticated.
	Token string `mapstructure:"token" json:"token"`
}

// NotifyConfig configures escalation notification channels.
type NotifyConfig struct {
	Slack   SlackConfig   `mapstructure:"slack"   json:"slack"`
	Webhook WebhookConfig `mapstructure:"webhook" json:"webhook"`
	// Events filters which event types notify (empty = defaults).
	Events []string `mapstructure:"events" json:"events"`
}

// SlackConfig holds an incoming-webhook URL for Slack notifications.
type SlackConfig struct {
	WebhookURL string `mapstructure:"webhook_url" json:"webhook_url"`
	Channel    string `mapstructure:"channel"     json:"channel"`
}

// WebhookConfig posts JSON events to an arbitrary endpoint.
type WebhookConfig struct {
	URL    string `mapstructure:"url"    json:"url"`
	Secret string `mapstructure:"secret" json:"secret"`
}

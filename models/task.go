package models

// TaskStatus is the queue status of a task. It matches the
// ralph:status:<status> label vocabulary one-to-one.
type TaskStatus string

const (
	StatusQueued      TaskStatus = "queued"
	StatusStarting    TaskStatus = "starting"
	StatusInProgress  TaskStatus = "in-progress"
	StatusWaitingOnPR TaskStatus = "waiting-on-pr"
	StatusBlocked     TaskStatus = "blocked"
	StatusThrottled   TaskStatus = "throttled"
	StatusDone        TaskStatus = "done"
	StatusEscalated   TaskStatus = "escalated"
)

// Terminal reports whether the status is a terminal queue state.
func (s TaskStatus) Terminal() bool {
	return s == StatusDone || s == StatusEscalated
}

// Task is the logical unit of work for one (repo, issue) pair. Created
// implicitly when an issue first becomes queue-eligible; destroyed only by
// schema pruning.
type Task struct {
	TaskPath     string `json:"task_path"     db:"task_path"` // "<repo>#<issue>"
	Repo         string `json:"repo"          db:"repo"`
	Number       int    `json:"number"        db:"number"`
	Status       string `json:"status"        db:"status"`
	SessionID    string `json:"session_id"    db:"session_id"`
	WorktreePath string `json:"worktree_path" db:"worktree_path"`
	WorkerID     string `json:"worker_id"     db:"worker_id"`
	RepoSlot     int    `json:"repo_slot"     db:"repo_slot"` // -1 when unassigned
	DaemonID     string `json:"daemon_id"     db:"daemon_id"`
	HeartbeatAt  int64  `json:"heartbeat_at"  db:"heartbeat_at"` // unix ms, 0 = never
	Checkpoint   string `json:"checkpoint"    db:"checkpoint"`
	PRURL        string `json:"pr_url"        db:"pr_url"`
	CreatedAt    string `json:"created_at"    db:"created_at"`
	CompletedAt  string `json:"completed_at"  db:"completed_at"`
}

// OpState is the lease row indicating which daemon/worker currently owns a
// task. At most one row per task path has ReleasedMs == 0.
type OpState struct {
	ID             int64  `json:"id"              db:"id"`
	TaskPath       string `json:"task_path"       db:"task_path"`
	DaemonID       string `json:"daemon_id"       db:"daemon_id"`
	WorkerID       string `json:"worker_id"       db:"worker_id"`
	SessionID      string `json:"session_id"      db:"session_id"`
	WorktreePath   string `json:"worktree_path"   db:"worktree_path"`
	ClaimedMs      int64  `json:"claimed_ms"      db:"claimed_ms"`
	HeartbeatMs    int64  `json:"heartbeat_ms"    db:"heartbeat_ms"`
	ReleasedMs     int64  `json:"released_ms"     db:"released_ms"` // 0 = current
	ReleasedReason string `json:"released_reason" db:"released_reason"`
}

// Current reports whether this op-state row is the live lease.
func (o OpState) Current() bool { return o.ReleasedMs == 0 }

// IdempotencyKey is a process-wide append-claim record. First writer wins;
// the payload may be upserted after claim.
type IdempotencyKey struct {
	Key       string `json:"key"        db:"key"`
	Scope     string `json:"scope"      db:"scope"`
	Payload   string `json:"payload"    db:"payload"`
	Owner     string `json:"owner"      db:"owner"`
	CreatedMs int64  `json:"created_ms" db:"created_ms"`
}

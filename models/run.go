package models

// Gate names the fixed checkpoints of the worker pipeline. Every run gets
// exactly one gate row per name.
const (
	GatePreflight     = "preflight"
	GatePlanReview    = "plan_review"
	GateProductReview = "product_review"
	GateDevexReview   = "devex_review"
	GateCI            = "ci"
	GatePREvidence    = "pr_evidence"
)

// AllGates is the fixed gate set, in pipeline order.
var AllGates = []string{
	GatePreflight,
	GatePlanReview,
	GateProductReview,
	GateDevexReview,
	GateCI,
	GatePREvidence,
}

// Gate result statuses.
const (
	GatePending = "pending"
	GatePass    = "pass"
	GateFail    = "fail"
)

// Run records one agent attempt against a task.
type Run struct {
	RunID       string `json:"run_id"       db:"run_id"`
	Repo        string `json:"repo"         db:"repo"`
	Issue       int    `json:"issue"        db:"issue"`
	TaskPath    string `json:"task_path"    db:"task_path"`
	AttemptKind string `json:"attempt_kind" db:"attempt_kind"` // plan|build|survey|ci-triage
	StartedAt   string `json:"started_at"   db:"started_at"`
	CompletedAt string `json:"completed_at" db:"completed_at"`
	Outcome     string `json:"outcome"      db:"outcome"`
	TokensTotal int64  `json:"tokens_total" db:"tokens_total"`
}

// GateResult is the durable result of one gate for one run.
type GateResult struct {
	RunID     string `json:"run_id"    db:"run_id"`
	Gate      string `json:"gate"      db:"gate"`
	Status    string `json:"status"    db:"status"` // pending|pass|fail
	Command   string `json:"command"   db:"command"`
	Reason    string `json:"reason"    db:"reason"`
	URL       string `json:"url"       db:"url"`
	PRNumber  int    `json:"pr_number" db:"pr_number"`
	PRURL     string `json:"pr_url"    db:"pr_url"`
	UpdatedAt string `json:"updated_at" db:"updated_at"`
}

// ThrottleEvent is one observed token-usage sample for a provider.
type ThrottleEvent struct {
	ID         int64  `json:"id"          db:"id"`
	ProviderID string `json:"provider_id" db:"provider_id"`
	AtMs       int64  `json:"at_ms"       db:"at_ms"`
	Tokens     int64  `json:"tokens"      db:"tokens"`
}

package models

// IssueState mirrors the forge's issue state.
type IssueState string

const (
	IssueOpen   IssueState = "OPEN"
	IssueClosed IssueState = "CLOSED"
)

// IssueSnapshot is the locally mirrored view of a forge issue. It is the
// source of truth for queue eligibility; a new snapshot is upserted on every
// successful sync tick.
type IssueSnapshot struct {
	Repo            string `json:"repo"              db:"repo"` // "owner/name"
	Number          int    `json:"number"            db:"number"`
	Title           string `json:"title"             db:"title"`
	State           string `json:"state"             db:"state"` // OPEN|CLOSED
	URL             string `json:"url"               db:"url"`
	GithubUpdatedAt string `json:"github_updated_at" db:"github_updated_at"` // RFC3339
	RecordedAt      string `json:"recorded_at"       db:"recorded_at"`       // RFC3339
}

// IssueLabel is one label on a mirrored issue. The label set for an issue is
// replaced wholesale on each sync tick.
type IssueLabel struct {
	Repo       string `json:"repo"        db:"repo"`
	Number     int    `json:"number"      db:"number"`
	Label      string `json:"label"       db:"label"`
	RecordedAt string `json:"recorded_at" db:"recorded_at"`
}

// SyncCursor is the per-repo issue sync position. LastSyncAt only advances on
// successful ticks; the merged-PR fields feed the done-reconciler.
type SyncCursor struct {
	Repo                  string `json:"repo"                      db:"repo"`
	LastSyncAt            string `json:"last_sync_at"              db:"last_sync_at"`
	LastSeenIssueUpdated  string `json:"last_seen_issue_updated_at" db:"last_seen_issue_updated_at"`
	LastMergedAt          string `json:"last_merged_at"            db:"last_merged_at"`
	LastPRNumber          int    `json:"last_pr_number"            db:"last_pr_number"`
}

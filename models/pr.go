package models

// PRState mirrors the forge's pull request state.
const (
	PROpen   = "open"
	PRMerged = "merged"
	PRClosed = "closed"
)

// PRSnapshot is the locally mirrored view of a pull request associated with
// an issue. Multiple snapshots can exist per issue; SelectCanonicalPR picks
// the authoritative one.
type PRSnapshot struct {
	Repo       string `json:"repo"        db:"repo"`
	Issue      int    `json:"issue"       db:"issue"`
	PRURL      string `json:"pr_url"      db:"pr_url"`
	State      string `json:"state"       db:"state"` // open|merged|closed
	HeadSHA    string `json:"head_sha"    db:"head_sha"`
	BaseRef    string `json:"base_ref"    db:"base_ref"`
	CreatedAt  string `json:"created_at"  db:"created_at"`  // GitHub createdAt, RFC3339
	RecordedAt string `json:"recorded_at" db:"recorded_at"` // RFC3339
}

// SelectCanonicalPR returns the canonical PR for an issue: the one with the
// earliest GitHub createdAt, ties broken by URL. The result is stable under
// any permutation of the input. Returns nil for an empty set.
func SelectCanonicalPR(snapshots []PRSnapshot) *PRSnapshot {
	var best *PRSnapshot
	for i := range snapshots {
		s := &snapshots[i]
		if best == nil {
			best = s
			continue
		}
		switch {
		case s.CreatedAt != best.CreatedAt:
			// RFC3339 strings compare chronologically; empty sorts last so
			// snapshots missing createdAt never shadow dated ones.
			if best.CreatedAt == "" || (s.CreatedAt != "" && s.CreatedAt < best.CreatedAt) {
				best = s
			}
		case s.PRURL < best.PRURL:
			best = s
		}
	}
	return best
}

// Package queue translates issue labels into queue states: the label
// vocabulary, atomic label-set mutations, stale-sweep with its no-flap guard,
// and blocked-by reconciliation.
package queue

import (
	"strings"

	"github.com/ralphbot/ralph/models"
)

// Label vocabulary. Matching is case-insensitive; labels are normalized to
// lowercase before comparison.
const (
	StatusLabelPrefix   = "ralph:status:"
	PriorityLabelPrefix = "ralph:priority:"

	LabelBlocked      = "ralph:blocked"
	LabelInBot        = "ralph:in-bot"
	VerifyLabelPrefix = "ralph:verify:"

	// legacyQueued is an accepted parse-time alias from older installs. It is
	// normalized on read and never written back.
	legacyQueued = "ralph:queued"
)

// StatusLabel returns the canonical label for a task status.
func StatusLabel(status models.TaskStatus) string {
	return StatusLabelPrefix + string(status)
}

// PriorityLabels is the full priority label set, p0 (highest) through p4.
var PriorityLabels = []string{
	"ralph:priority:p0",
	"ralph:priority:p1",
	"ralph:priority:p2",
	"ralph:priority:p3",
	"ralph:priority:p4",
}

// Normalize lowercases a label and folds known aliases to canonical form.
func Normalize(label string) string {
	l := strings.ToLower(strings.TrimSpace(label))
	if l == legacyQueued {
		return StatusLabel(models.StatusQueued)
	}
	return l
}

// NormalizeSet normalizes every label in the set.
func NormalizeSet(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		out = append(out, Normalize(l))
	}
	return out
}

// StatusFromLabels extracts the task status from a label set. Returns
// ("", false) when no status label is present.
func StatusFromLabels(labels []string) (models.TaskStatus, bool) {
	for _, l := range labels {
		n := Normalize(l)
		if rest, ok := strings.CutPrefix(n, StatusLabelPrefix); ok {
			return models.TaskStatus(rest), true
		}
	}
	return "", false
}

// HasStatus reports whether the label set carries the given status label.
func HasStatus(labels []string, status models.TaskStatus) bool {
	want := StatusLabel(status)
	for _, l := range labels {
		if Normalize(l) == want {
			return true
		}
	}
	return false
}

// HasLabel reports whether the set contains the label (normalized).
func HasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if Normalize(l) == label {
			return true
		}
	}
	return false
}

// Priority extracts the numeric priority from a label set. Lower is more
// urgent. Defaults to 2 when no priority label is present; with multiple
// labels the most urgent wins (the mutation plan will clean up the rest).
func Priority(labels []string) int {
	best := -1
	for _, l := range labels {
		n := Normalize(l)
		rest, ok := strings.CutPrefix(n, PriorityLabelPrefix)
		if !ok || len(rest) != 2 || rest[0] != 'p' {
			continue
		}
		p := int(rest[1] - '0')
		if p < 0 || p > 4 {
			continue
		}
		if best == -1 || p < best {
			best = p
		}
	}
	if best == -1 {
		return 2
	}
	return best
}

// LabelPlan is an atomic add/remove mutation for one issue's label set.
type LabelPlan struct {
	Add    []string
	Remove []string
}

// PlanStatusTransition builds the plan moving an issue from its current
// status label(s) to newStatus. Every other status label present is removed
// so the single-status invariant holds after apply.
func PlanStatusTransition(current []string, newStatus models.TaskStatus) LabelPlan {
	plan := LabelPlan{}
	want := StatusLabel(newStatus)
	have := false
	for _, l := range current {
		n := Normalize(l)
		if !strings.HasPrefix(n, StatusLabelPrefix) {
			continue
		}
		spelled := strings.ToLower(strings.TrimSpace(l))
		if n == want && spelled == want {
			have = true
			continue
		}
		// Covers both other-status labels and the legacy alias spelling,
		// which gets upgraded to the canonical form.
		plan.Remove = append(plan.Remove, spelled)
	}
	if !have {
		plan.Add = append(plan.Add, want)
	}
	return plan
}

// PlanPriorityLabelSet returns {add:[desired], remove:[all other priority
// labels]}, making the desired priority the single winner.
func PlanPriorityLabelSet(desired string) LabelPlan {
	plan := LabelPlan{Add: []string{desired}}
	for _, p := range PriorityLabels {
		if p != desired {
			plan.Remove = append(plan.Remove, p)
		}
	}
	return plan
}

// Empty reports whether the plan would mutate nothing.
func (p LabelPlan) Empty() bool { return len(p.Add) == 0 && len(p.Remove) == 0 }

package queue

import (
	"reflect"
	"sort"
	"testing"

	"github.com/ralphbot/ralph/models"
)

func TestNormalizeLegacyAlias(t *testing.T) {
	if got := Normalize("ralph:queued"); got != "ralph:status:queued" {
		t.Errorf("Normalize(ralph:queued) = %q", got)
	}
	if got := Normalize("RALPH:Status:In-Progress"); got != "ralph:status:in-progress" {
		t.Errorf("Normalize case folding = %q", got)
	}
}

func TestStatusFromLabels(t *testing.T) {
	status, ok := StatusFromLabels([]string{"bug", "ralph:priority:p1", "ralph:status:queued"})
	if !ok || status != models.StatusQueued {
		t.Errorf("StatusFromLabels = (%s, %v)", status, ok)
	}

	status, ok = StatusFromLabels([]string{"ralph:queued"})
	if !ok || status != models.StatusQueued {
		t.Errorf("legacy alias StatusFromLabels = (%s, %v)", status, ok)
	}

	if _, ok := StatusFromLabels([]string{"bug"}); ok {
		t.Error("StatusFromLabels found a status in unrelated labels")
	}
}

func TestPriority(t *testing.T) {
	if got := Priority([]string{"ralph:priority:p0"}); got != 0 {
		t.Errorf("p0 priority = %d", got)
	}
	if got := Priority([]string{"bug"}); got != 2 {
		t.Errorf("default priority = %d, want 2", got)
	}
	// Multiple priority labels: most urgent wins.
	if got := Priority([]string{"ralph:priority:p3", "ralph:priority:p1"}); got != 1 {
		t.Errorf("multi-label priority = %d, want 1", got)
	}
}

func TestPlanStatusTransition(t *testing.T) {
	plan := PlanStatusTransition(
		[]string{"ralph:status:in-progress", "ralph:priority:p2", "bug"},
		models.StatusDone)
	if !reflect.DeepEqual(plan.Add, []string{"ralph:status:done"}) {
		t.Errorf("add = %v", plan.Add)
	}
	if !reflect.DeepEqual(plan.Remove, []string{"ralph:status:in-progress"}) {
		t.Errorf("remove = %v", plan.Remove)
	}
}

func TestPlanStatusTransitionNoop(t *testing.T) {
	plan := PlanStatusTransition([]string{"ralph:status:queued"}, models.StatusQueued)
	if !plan.Empty() {
		t.Errorf("plan = %+v, want empty", plan)
	}
}

func TestPlanStatusTransitionUpgradesLegacyAlias(t *testing.T) {
	// The legacy spelling is replaced by the canonical label even when the
	// target status matches.
	plan := PlanStatusTransition([]string{"ralph:queued"}, models.StatusQueued)
	if !reflect.DeepEqual(plan.Add, []string{"ralph:status:queued"}) {
		t.Errorf("add = %v", plan.Add)
	}
	if !reflect.DeepEqual(plan.Remove, []string{"ralph:queued"}) {
		t.Errorf("remove = %v", plan.Remove)
	}
}

func TestPlanPriorityLabelSet(t *testing.T) {
	plan := PlanPriorityLabelSet("ralph:priority:p1")
	if !reflect.DeepEqual(plan.Add, []string{"ralph:priority:p1"}) {
		t.Errorf("add = %v", plan.Add)
	}
	want := []string{"ralph:priority:p0", "ralph:priority:p2", "ralph:priority:p3", "ralph:priority:p4"}
	got := append([]string(nil), plan.Remove...)
	sort.Strings(got)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("remove = %v, want all other priorities", got)
	}
}

func TestApplyPlan(t *testing.T) {
	next := applyPlan(
		[]string{"ralph:status:in-progress", "bug"},
		LabelPlan{Add: []string{"ralph:status:queued"}, Remove: []string{"ralph:status:in-progress"}})
	sort.Strings(next)
	if !reflect.DeepEqual(next, []string{"bug", "ralph:status:queued"}) {
		t.Errorf("applyPlan = %v", next)
	}
}

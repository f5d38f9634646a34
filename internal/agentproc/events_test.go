package agentproc

import (
	"io"
	"os"
	"strings"
	"testing"
	"time"
)

func drain(t *testing.T, d *StreamDecoder) []Event {
	t.Helper()
	var out []Event
	for {
		ev, err := d.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("decoding: %v", err)
		}
		out = append(out, ev)
	}
}

func TestDecodeSkipsMalformedLines(t *testing.T) {
	input := `{"type":"tool.start","tool":"bash","call_id":"c1","args":{"cmd":"ls"}}
this is not json
{"type":"text","text":"hello","unknown_field":true}

{"type":"tool.end","call_id":"c1"}
`
	d := NewStreamDecoder(strings.NewReader(input))
	events := drain(t, d)

	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[0].Kind != KindToolStart || events[0].Tool != "bash" {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Kind != KindText || events[1].Text != "hello" {
		t.Errorf("event 1 = %+v", events[1])
	}
	if d.ParseErrors() != 1 {
		t.Errorf("parse errors = %d, want 1", d.ParseErrors())
	}
}

func TestFinalMarker(t *testing.T) {
	input := `{"type":"text","text":"done"}
RALPH_PR_CREATED:{"url":"https://github.com/o/r/pull/7","number":7}
`
	d := NewStreamDecoder(strings.NewReader(input))
	events := drain(t, d)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1 (marker is not an event)", len(events))
	}

	kind, payload, ok := ParseFinalMarker(d.LastLine())
	if !ok {
		t.Fatalf("marker not recognized: %q", d.LastLine())
	}
	if kind != "PR_CREATED" {
		t.Errorf("kind = %s", kind)
	}
	if !strings.Contains(string(payload), `"number":7`) {
		t.Errorf("payload = %s", payload)
	}
}

func TestParseFinalMarkerRejectsJunk(t *testing.T) {
	for _, line := range []string{
		"RALPH_",
		"RALPH_:{}",
		"RALPH_DONE",
		"RALPH_DONE:not json",
		"RALPH_lower:{}",
		`{"type":"text"}`,
	} {
		if _, _, ok := ParseFinalMarker(line); ok {
			t.Errorf("accepted %q", line)
		}
	}
}

func TestMergeEnvOverrides(t *testing.T) {
	base := []string{"HOME=/home/x", "GH_TOKEN=old", "PATH=/bin"}
	out := mergeEnv(base, []string{"GH_TOKEN=new", "EXTRA=1"})

	joined := strings.Join(out, "\n")
	if strings.Contains(joined, "GH_TOKEN=old") {
		t.Error("override did not replace")
	}
	if !strings.Contains(joined, "GH_TOKEN=new") || !strings.Contains(joined, "EXTRA=1") {
		t.Errorf("merged env = %v", out)
	}
}

func TestSaveTokenEnvRestores(t *testing.T) {
	t.Setenv("GH_TOKEN", "original")
	os.Unsetenv("GITHUB_SANDBOX_TOKEN")

	restore := SaveTokenEnv()
	os.Setenv("GH_TOKEN", "mutated")
	os.Setenv("GITHUB_SANDBOX_TOKEN", "leaked")
	restore()

	if got := os.Getenv("GH_TOKEN"); got != "original" {
		t.Errorf("GH_TOKEN = %q", got)
	}
	if _, ok := os.LookupEnv("GITHUB_SANDBOX_TOKEN"); ok {
		t.Error("GITHUB_SANDBOX_TOKEN not unset")
	}
}

func TestRunLogPath(t *testing.T) {
	ts := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)
	got := RunLogPath(RunLogRoot("/state/ralph/run-logs"), "octo/widgets", 42, "implement", ts)
	want := "/state/ralph/run-logs/octo-widgets/42/implement-20260824T093000Z.log"
	if got != want {
		t.Errorf("path = %s, want %s", got, want)
	}
}

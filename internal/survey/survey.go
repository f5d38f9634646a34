// Package survey parses the post-merge developer-experience survey emitted
// by the survey agent and files it back onto the forge as issues.
package survey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ralphbot/ralph/internal/lease"
)

// SchemaID identifies the supported envelope version.
const SchemaID = "ralph.dx_survey.v1"

// ErrNoEnvelope is returned when no survey envelope could be located in the
// agent output.
var ErrNoEnvelope = errors.New("no dx survey envelope in agent output")

// Finding is one typed survey observation.
type Finding struct {
	Kind  string `json:"kind"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Envelope is the parsed survey payload.
type Envelope struct {
	Schema   string    `json:"schema"`
	Summary  string    `json:"summary"`
	Findings []Finding `json:"findings"`
}

const envelopeSchema = `{
	"type": "object",
	"required": ["schema", "summary"],
	"properties": {
		"schema":  {"const": "` + SchemaID + `"},
		"summary": {"type": "string", "minLength": 1},
		"findings": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["kind", "title"],
				"properties": {
					"kind":  {"type": "string", "minLength": 1},
					"title": {"type": "string", "minLength": 1},
					"body":  {"type": "string"}
				}
			}
		}
	}
}`

var schemaLoader = gojsonschema.NewStringLoader(envelopeSchema)

// Parse locates and validates the survey envelope in agent output. It tries,
// in order: the whole output as JSON, a fenced code block, and the first
// top-level JSON object found anywhere in the text.
func Parse(output string) (Envelope, error) {
	candidates := []string{strings.TrimSpace(output)}
	if fenced := extractFenced(output); fenced != "" {
		candidates = append(candidates, fenced)
	}
	if obj := firstJSONObject(output); obj != "" {
		candidates = append(candidates, obj)
	}

	for _, c := range candidates {
		env, err := decode(c)
		if err == nil {
			return env, nil
		}
	}
	return Envelope{}, ErrNoEnvelope
}

func decode(s string) (Envelope, error) {
	if !json.Valid([]byte(s)) {
		return Envelope{}, errors.New("not valid JSON")
	}
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewStringLoader(s))
	if err != nil {
		return Envelope{}, err
	}
	if !result.Valid() {
		return Envelope{}, fmt.Errorf("envelope schema: %v", result.Errors())
	}
	var env Envelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// extractFenced returns the contents of the first ```-fenced block, with an
// optional language tag on the opening fence.
func extractFenced(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return ""
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

// firstJSONObject scans for the first balanced top-level {...} that parses
// as JSON.
func firstJSONObject(s string) string {
	for start := 0; start < len(s); start++ {
		if s[start] != '{' {
			continue
		}
		if candidate := balancedObjectAt(s, start); candidate != "" {
			return candidate
		}
	}
	return ""
}

func balancedObjectAt(s string, start int) string {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := s[start : i+1]
				if json.Valid([]byte(candidate)) {
					return candidate
				}
				return ""
			}
		}
	}
	return ""
}

// issueForge is the slice of the forge client survey filing needs.
type issueForge interface {
	CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (int, string, error)
}

// Filer writes a parsed envelope to the forge: one parent issue plus one
// child per finding. Every write is guarded by an idempotency key so a
// restart never files twice.
type Filer struct {
	Forge  issueForge
	Leases *lease.Registry
}

// File publishes the survey for a merged task. repo is "owner/name"; issue is
// the source issue number.
func (f *Filer) File(ctx context.Context, repo string, issue int, env Envelope) error {
	owner, name, _ := strings.Cut(repo, "/")

	parentKey := lease.SurveyParentKey(repo, issue)
	claimed, err := f.Leases.RecordKey(ctx, parentKey, "dx-survey", "")
	if err != nil {
		return err
	}
	if claimed {
		title := fmt.Sprintf("DX survey: %s#%d", repo, issue)
		body := fmt.Sprintf("%s\n\n_Filed automatically after merging %s#%d._", env.Summary, repo, issue)
		_, url, err := f.Forge.CreateIssue(ctx, owner, name, title, body, []string{"ralph:survey"})
		if err != nil {
			return fmt.Errorf("filing survey parent: %w", err)
		}
		if uerr := f.Leases.UpsertKey(ctx, parentKey, url); uerr != nil {
			slog.Warn("Recording survey parent URL failed", "key", parentKey, "error", uerr)
		}
	}

	for _, finding := range env.Findings {
		childKey := lease.SurveyChildKey(repo, issue, finding.Kind)
		claimed, err := f.Leases.RecordKey(ctx, childKey, "dx-survey", "")
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}
		body := finding.Body
		if parentURL, perr := f.Leases.GetPayload(ctx, parentKey); perr == nil && parentURL != "" {
			body += "\n\nParent survey: " + parentURL
		}
		_, url, err := f.Forge.CreateIssue(ctx, owner, name, finding.Title, body,
			[]string{"ralph:survey", "ralph:survey:" + finding.Kind})
		if err != nil {
			return fmt.Errorf("filing survey child %s: %w", finding.Kind, err)
		}
		if uerr := f.Leases.UpsertKey(ctx, childKey, url); uerr != nil {
			slog.Warn("Recording survey child URL failed", "key", childKey, "error", uerr)
		}
	}
	return nil
}

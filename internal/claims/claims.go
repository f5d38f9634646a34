// Package claims canonicalizes the JSONL claim manifests agents leave in
// their worktrees. Canonical form is deterministic: one compact JSON object
// per line, keys sorted, records ordered by (domain, id). Canonicalization is
// idempotent.
package claims

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Stable issue codes. Callers match on these, never on messages.
const (
	CodeParseJSON      = "E_PARSE_JSON"
	CodeParseNotObject = "E_PARSE_NOT_OBJECT"
	CodeSchema         = "E_SCHEMA"
	CodeIDDuplicate    = "E_ID_DUPLICATE"
	CodeDomainUnknown  = "E_DOMAIN_UNKNOWN"
)

// knownDomains is the claim namespace vocabulary.
var knownDomains = map[string]bool{
	"claims":   true,
	"worktree": true,
	"session":  true,
	"pr":       true,
}

// claimSchema validates the shape of one claim record.
const claimSchema = `{
	"type": "object",
	"required": ["domain", "id"],
	"properties": {
		"domain": {"type": "string", "minLength": 1},
		"id":     {"type": "string", "minLength": 1}
	}
}`

var schemaLoader = gojsonschema.NewStringLoader(claimSchema)

// Issue is one validation finding, tied to a 1-based input line.
type Issue struct {
	Code    string `json:"code"`
	Line    int    `json:"line"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

type record struct {
	domain string
	id     string
	line   int
	obj    map[string]interface{}
}

// Canonicalize parses a JSONL claims document, validates every line, and
// returns the canonical form plus any issues. Unparseable lines are dropped;
// unknown-domain records are flagged but kept; later duplicates of a
// (domain, id) pair are dropped with an issue naming both lines. Valid input
// always yields output with records sorted by (domain, id).
func Canonicalize(input []byte) ([]byte, []Issue) {
	var issues []Issue
	var records []record
	seen := make(map[string]int) // "domain\x00id" -> first line

	scanner := bufio.NewScanner(bytes.NewReader(input))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var raw interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			issues = append(issues, Issue{Code: CodeParseJSON, Line: lineNo,
				Message: fmt.Sprintf("invalid JSON: %v", err)})
			continue
		}
		obj, ok := raw.(map[string]interface{})
		if !ok {
			issues = append(issues, Issue{Code: CodeParseNotObject, Line: lineNo,
				Message: "line is valid JSON but not an object"})
			continue
		}

		result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(obj))
		if err != nil {
			issues = append(issues, Issue{Code: CodeSchema, Line: lineNo,
				Message: fmt.Sprintf("schema validation failed: %v", err)})
			continue
		}
		if !result.Valid() {
			for _, verr := range result.Errors() {
				issues = append(issues, Issue{Code: CodeSchema, Line: lineNo,
					Path: verr.Field(), Message: verr.Description()})
			}
			continue
		}

		domain := obj["domain"].(string)
		id := obj["id"].(string)

		// Unknown domains are flagged but preserved, so records written by a
		// newer daemon survive a round-trip through this one.
		if !knownDomains[domain] {
			issues = append(issues, Issue{Code: CodeDomainUnknown, Line: lineNo, Path: "domain",
				Message: fmt.Sprintf("unknown claim domain %q", domain)})
		}

		key := domain + "\x00" + id
		if first, dup := seen[key]; dup {
			issues = append(issues, Issue{Code: CodeIDDuplicate, Line: lineNo, Path: "id",
				Message: fmt.Sprintf("duplicate id %q in domain %q (lines %d and %d)", id, domain, first, lineNo)})
			continue
		}
		seen[key] = lineNo
		records = append(records, record{domain: domain, id: id, line: lineNo, obj: obj})
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].domain != records[j].domain {
			return records[i].domain < records[j].domain
		}
		return records[i].id < records[j].id
	})

	var out bytes.Buffer
	for _, r := range records {
		// json.Marshal writes map keys in sorted order, which is exactly the
		// determinism canonical form needs.
		b, err := json.Marshal(r.obj)
		if err != nil {
			issues = append(issues, Issue{Code: CodeSchema, Line: r.line,
				Message: fmt.Sprintf("re-encoding claim: %v", err)})
			continue
		}
		out.Write(b)
		out.WriteByte('\n')
	}
	return out.Bytes(), issues
}

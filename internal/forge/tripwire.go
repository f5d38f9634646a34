package forge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Tripwire guards the sandbox profile: write requests that would touch a repo
// outside {allowedOwners} x "{repoNamePrefix}*" are rejected before any
// network I/O happens.
type Tripwire struct {
	Enabled        bool
	AllowedOwners  []string
	RepoNamePrefix string
}

// tripwireError builds the rejection. The "SANDBOX TRIPWIRE" prefix is part
// of the contract; operators grep for it.
func tripwireError(method, path, detail string) error {
	return &APIError{
		Message: fmt.Sprintf("SANDBOX TRIPWIRE: refusing %s %s (%s)", method, path, detail),
		Code:    CodeSandboxTripwire,
	}
}

// Check inspects one outgoing request. Reads (GET/HEAD and non-mutation
// GraphQL) always pass. body is the request payload, needed for repo-generate
// and GraphQL inspection; it may be nil for bodyless requests.
func (t Tripwire) Check(method, path string, body []byte) error {
	if !t.Enabled {
		return nil
	}

	if strings.HasSuffix(path, "/graphql") || path == "graphql" {
		if containsGraphQLMutation(body) {
			return tripwireError(method, path, "GraphQL mutations are blocked in sandbox profile")
		}
		return nil
	}

	switch method {
	case http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete:
	default:
		return nil
	}

	owner, repo, rest := splitRepoPath(path)
	if owner == "" {
		// Writes outside /repos/ (user settings, org admin) never belong in a
		// sandbox run.
		return tripwireError(method, path, "write outside /repos/ scope")
	}

	// Repo generation creates a NEW repo named by the body, not the path.
	if rest == "generate" {
		genOwner, genName := parseGenerateBody(body)
		if genOwner == "" && genName == "" {
			return tripwireError(method, path, "repo-generate body missing owner/name")
		}
		if !t.ownerAllowed(genOwner) || !strings.HasPrefix(genName, t.RepoNamePrefix) {
			return tripwireError(method, path,
				fmt.Sprintf("generated repo %s/%s outside sandbox allowlist", genOwner, genName))
		}
		return nil
	}

	if !t.ownerAllowed(owner) || !strings.HasPrefix(repo, t.RepoNamePrefix) {
		return tripwireError(method, path,
			fmt.Sprintf("target repo %s/%s outside sandbox allowlist", owner, repo))
	}
	return nil
}

func (t Tripwire) ownerAllowed(owner string) bool {
	for _, a := range t.AllowedOwners {
		if strings.EqualFold(a, owner) {
			return true
		}
	}
	return false
}

// splitRepoPath extracts (owner, repo, remainder) from an API path like
// /repos/{owner}/{repo}/issues. Returns empty owner for non-repo paths.
func splitRepoPath(path string) (owner, repo, rest string) {
	trimmed := strings.TrimPrefix(path, "/")
	// Enterprise installs prefix the API path.
	if i := strings.Index(trimmed, "repos/"); i >= 0 {
		trimmed = trimmed[i:]
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) < 3 || parts[0] != "repos" {
		return "", "", ""
	}
	owner, repo = parts[1], parts[2]
	if len(parts) > 3 {
		rest = strings.Join(parts[3:], "/")
	}
	return owner, repo, rest
}

// parseGenerateBody pulls owner/name out of a repo-generate payload.
func parseGenerateBody(body []byte) (owner, name string) {
	var payload struct {
		Owner string `json:"owner"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", ""
	}
	return payload.Owner, payload.Name
}

// containsGraphQLMutation tokenizes the GraphQL query text and looks for a
// top-level `mutation` keyword. Tokenized rather than substring so a query
// mentioning the word in a string literal does not trip.
func containsGraphQLMutation(body []byte) bool {
	var payload struct {
		Query string `json:"query"`
	}
	query := string(body)
	if err := json.Unmarshal(body, &payload); err == nil && payload.Query != "" {
		query = payload.Query
	}

	inString := false
	var tok strings.Builder
	flush := func() bool {
		defer tok.Reset()
		return tok.String() == "mutation"
	}
	for _, r := range query {
		if r == '"' {
			inString = !inString
			if flush() {
				return true
			}
			continue
		}
		if inString {
			continue
		}
		if r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			tok.WriteRune(r)
			continue
		}
		if flush() {
			return true
		}
	}
	return flush()
}

// tripwireTransport enforces the tripwire on every outgoing request.
type tripwireTransport struct {
	tripwire Tripwire
	base     http.RoundTripper
}

func (t *tripwireTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil && req.GetBody != nil {
		rc, err := req.GetBody()
		if err == nil {
			body, _ = io.ReadAll(rc)
			rc.Close()
		}
	} else if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		body = b
		req.Body = io.NopCloser(bytes.NewReader(b))
	}

	if err := t.tripwire.Check(req.Method, req.URL.Path, body); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}

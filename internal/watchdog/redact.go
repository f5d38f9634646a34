package watchdog

import (
	"regexp"
	"strings"
)

// Token shapes that must never reach diagnostics or forge comments.
var tokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`ghp_[A-Za-z0-9]+`),
	regexp.MustCompile(`gho_[A-Za-z0-9]+`),
	regexp.MustCompile(`ghs_[A-Za-z0-9]+`),
	regexp.MustCompile(`github_pat_[A-Za-z0-9_]+`),
}

var tokenReplacement = map[*regexp.Regexp]string{
	tokenPatterns[0]: "ghp_[REDACTED]",
	tokenPatterns[1]: "gho_[REDACTED]",
	tokenPatterns[2]: "ghs_[REDACTED]",
	tokenPatterns[3]: "github_pat_[REDACTED]",
}

// Redactor scrubs secrets and sensitive path prefixes from trip diagnostics.
type Redactor struct {
	// PathPrefixes are replaced with their last element, e.g.
	// /home/alice/.ralph/worktrees -> [worktrees].
	PathPrefixes []string
}

func (r *Redactor) Redact(s string) string {
	for _, re := range tokenPatterns {
		s = re.ReplaceAllString(s, tokenReplacement[re])
	}
	for _, prefix := range r.PathPrefixes {
		if prefix == "" {
			continue
		}
		base := prefix[strings.LastIndexByte(strings.TrimRight(prefix, "/"), '/')+1:]
		s = strings.ReplaceAll(s, prefix, "["+base+"]")
	}
	return s
}

// RedactAll applies Redact to every element, returning a new slice.
func (r *Redactor) RedactAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = r.Redact(s)
	}
	return out
}

package worker

import (
	"errors"
	"strings"

	"github.com/ralphbot/ralph/internal/forge"
	"github.com/ralphbot/ralph/internal/watchdog"
)

// Failure kinds. These drive task-level transitions; nothing downstream
// string-matches messages.
const (
	FailTransient     = "transient"
	FailPermission    = "permission"
	FailConflict      = "conflict"
	FailBaseModified  = "base-modified"
	FailPolicyDenied  = "POLICY_DENIED"
	FailConfigInvalid = "opencode-config-invalid"
	FailWatchdog      = "watchdog"
	FailUnknown       = "unknown"
)

// Classification maps a failure onto the task transition it demands.
type Classification struct {
	Kind          string
	Retriable     bool
	BlockedSource string // set when the task should block rather than escalate
	Trip          *watchdog.Trip
}

// Classify sorts an error into the failure taxonomy.
func Classify(err error) Classification {
	var te *watchdog.TripError
	if errors.As(err, &te) {
		return Classification{Kind: FailWatchdog, Retriable: true, Trip: te.Trip}
	}

	switch {
	case forge.IsTripwire(err):
		return Classification{Kind: FailPolicyDenied}
	case forge.IsAuthDenied(err):
		return Classification{Kind: FailPermission, BlockedSource: "permission"}
	case forge.IsBaseModified(err):
		return Classification{Kind: FailBaseModified, BlockedSource: "auto-update"}
	case forge.IsConflict(err):
		return Classification{Kind: FailConflict}
	case forge.Retriable(err):
		return Classification{Kind: FailTransient, Retriable: true}
	}
	return Classification{Kind: FailUnknown}
}

// ClassifyAgentFailure inspects the agent's final output or error text for
// sandbox policy denials and tool-schema failures. These are the only places
// the daemon matches on agent-produced text; the result is a typed kind.
func ClassifyAgentFailure(output string) Classification {
	switch {
	case strings.Contains(output, "external_directory permission denied"),
		strings.Contains(output, "permission denied by sandbox policy"):
		return Classification{Kind: FailPolicyDenied}
	case strings.Contains(output, "invalid_function_parameters"):
		return Classification{Kind: FailConfigInvalid}
	}
	return Classification{Kind: FailUnknown}
}
